// Package config loads coordinator and participant settings with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/policy"
	"github.com/baxromumarov/rollout-engine/pkg/store"
	"github.com/baxromumarov/rollout-engine/pkg/transport"
)

const EnvPrefix = "ROLLOUT"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Rollout     RolloutConfig     `mapstructure:"rollout"`
	Policy      policy.Config     `mapstructure:"policy"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Store       StoreConfig       `mapstructure:"store"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Log         logging.Config    `mapstructure:"log"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Participant ParticipantConfig `mapstructure:"participant"`
	Boot        BootConfig        `mapstructure:"boot"`
	Groups      []GroupConfig     `mapstructure:"groups"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type RolloutConfig struct {
	// TimeoutMillis bounds each participant's prepare; 0 waits indefinitely.
	TimeoutMillis          int64 `mapstructure:"timeout_ms"`
	ReportDeliveryFailures bool  `mapstructure:"report_delivery_failures"`
	SweepLimit             int   `mapstructure:"sweep_limit"`
}

type PoolConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type TransportConfig struct {
	RequestTimeout time.Duration             `mapstructure:"request_timeout"`
	Retries        int                       `mapstructure:"retries"`
	RetryDelay     time.Duration             `mapstructure:"retry_delay"`
	Breaker        transport.BreakerSettings `mapstructure:"breaker"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"`
	DSN       string        `mapstructure:"dsn"`
	Retention time.Duration `mapstructure:"retention"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ParticipantConfig struct {
	Addr         string        `mapstructure:"addr"`
	DSN          string        `mapstructure:"dsn"`
	PendingTTL   time.Duration `mapstructure:"pending_ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// BootConfig names a deployment the coordinator rolls out once at startup.
type BootConfig struct {
	Group     string         `mapstructure:"group"`
	Operation string         `mapstructure:"operation"`
	Params    map[string]any `mapstructure:"params"`
}

type GroupConfig struct {
	Name    string         `mapstructure:"name"`
	Policy  *GroupPolicy   `mapstructure:"policy"`
	Members []MemberConfig `mapstructure:"members"`
}

// GroupPolicy overrides the default policy for one group. Fields left out
// stay unbounded, so a group names only the rule it wants.
type GroupPolicy struct {
	RollbackOnAnyFailure *bool    `mapstructure:"rollback_on_any_failure"`
	MaxFailureCount      *int     `mapstructure:"max_failure_count"`
	MaxFailurePercent    *float64 `mapstructure:"max_failure_percent"`
	EarlyDecision        *bool    `mapstructure:"early_decision"`
}

type MemberConfig struct {
	Host   string `mapstructure:"host"`
	Server string `mapstructure:"server"`
	Addr   string `mapstructure:"addr"`
}

// PolicyFor returns the effective policy of g.
func (c *Config) PolicyFor(g GroupConfig) policy.Config {
	if g.Policy == nil {
		return c.Policy
	}

	cfg := policy.Config{
		MaxFailureCount:   policy.Unbounded,
		MaxFailurePercent: policy.Unbounded,
		EarlyDecision:     c.Policy.EarlyDecision,
	}
	if g.Policy.RollbackOnAnyFailure != nil {
		cfg.RollbackOnAnyFailure = *g.Policy.RollbackOnAnyFailure
	}
	if g.Policy.MaxFailureCount != nil {
		cfg.MaxFailureCount = *g.Policy.MaxFailureCount
	}
	if g.Policy.MaxFailurePercent != nil {
		cfg.MaxFailurePercent = *g.Policy.MaxFailurePercent
	}
	if g.Policy.EarlyDecision != nil {
		cfg.EarlyDecision = *g.Policy.EarlyDecision
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "localhost:8080")

	v.SetDefault("rollout.timeout_ms", 30000)
	v.SetDefault("rollout.report_delivery_failures", false)
	v.SetDefault("rollout.sweep_limit", 0)

	v.SetDefault("policy.rollback_on_any_failure", true)
	v.SetDefault("policy.max_failure_count", policy.Unbounded)
	v.SetDefault("policy.max_failure_percent", policy.Unbounded)
	v.SetDefault("policy.early_decision", false)

	v.SetDefault("pool.workers", 16)
	v.SetDefault("pool.queue_size", 0)

	breaker := transport.DefaultBreakerSettings()
	v.SetDefault("transport.request_timeout", "0s")
	v.SetDefault("transport.retries", 2)
	v.SetDefault("transport.retry_delay", "200ms")
	v.SetDefault("transport.breaker.max_requests", breaker.MaxRequests)
	v.SetDefault("transport.breaker.interval", breaker.Interval)
	v.SetDefault("transport.breaker.timeout", breaker.Timeout)
	v.SetDefault("transport.breaker.consecutive_failures", breaker.ConsecutiveFailures)

	v.SetDefault("store.driver", store.DriverSQLite)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.retention", "720h")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "rollout")

	v.SetDefault("log.level", "")
	v.SetDefault("log.production", false)
	v.SetDefault("log.service", "rollout-engine")

	v.SetDefault("heartbeat.interval", "5s")

	v.SetDefault("participant.addr", "localhost:8081")
	v.SetDefault("participant.dsn", "")
	v.SetDefault("participant.pending_ttl", "10m")
	v.SetDefault("participant.reap_interval", "30s")

	v.SetDefault("boot.group", "")
	v.SetDefault("boot.operation", "")
}

// Load reads the YAML file at path, if any, then applies ROLLOUT_* environment
// overrides (ROLLOUT_HTTP_ADDR overrides http.addr).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings a rollout cannot run without.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: policy: %w", ErrInvalid, err)
	}
	if c.Rollout.TimeoutMillis < 0 {
		return fmt.Errorf("%w: rollout.timeout_ms must not be negative", ErrInvalid)
	}
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("%w: pool.workers must be positive", ErrInvalid)
	}
	if c.Pool.QueueSize < 0 {
		return fmt.Errorf("%w: pool.queue_size must not be negative", ErrInvalid)
	}
	if c.Store.DSN != "" && c.Store.Driver != store.DriverSQLite && c.Store.Driver != store.DriverPostgres {
		return fmt.Errorf("%w: store.driver %q", ErrInvalid, c.Store.Driver)
	}

	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: group without name", ErrInvalid)
		}
		if seen[g.Name] {
			return fmt.Errorf("%w: group %s listed twice", ErrInvalid, g.Name)
		}
		seen[g.Name] = true

		if len(g.Members) == 0 {
			return fmt.Errorf("%w: group %s has no members", ErrInvalid, g.Name)
		}
		for _, m := range g.Members {
			if m.Addr == "" || m.Server == "" {
				return fmt.Errorf("%w: group %s: member needs server and addr", ErrInvalid, g.Name)
			}
		}
		if err := c.PolicyFor(g).Validate(); err != nil {
			return fmt.Errorf("%w: group %s policy: %w", ErrInvalid, g.Name, err)
		}
	}

	if c.Boot.Operation != "" && !seen[c.Boot.Group] {
		return fmt.Errorf("%w: boot group %q is not configured", ErrInvalid, c.Boot.Group)
	}
	return nil
}
