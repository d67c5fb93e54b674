package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/rollout-engine/pkg/policy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(30000), cfg.Rollout.TimeoutMillis)
	assert.False(t, cfg.Rollout.ReportDeliveryFailures)
	assert.Equal(t, policy.RollbackOnAnyFailure(), cfg.Policy)
	assert.Equal(t, 16, cfg.Pool.Workers)
	assert.Equal(t, 200*time.Millisecond, cfg.Transport.RetryDelay)
	assert.Equal(t, uint32(5), cfg.Transport.Breaker.ConsecutiveFailures)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Participant.PendingTTL)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: 0.0.0.0:9090
rollout:
  timeout_ms: 500
  report_delivery_failures: true
policy:
  rollback_on_any_failure: false
  max_failure_count: 1
pool:
  workers: 4
store:
  driver: pgx
  dsn: postgres://localhost/rollouts
groups:
  - name: main-server-group
    members:
      - {host: master, server: server-one, addr: "localhost:8081"}
      - {host: master, server: server-two, addr: "localhost:8082"}
  - name: other-server-group
    policy:
      max_failure_percent: 50
    members:
      - {host: slave, server: server-three, addr: "localhost:8083"}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.HTTP.Addr)
	assert.Equal(t, int64(500), cfg.Rollout.TimeoutMillis)
	assert.True(t, cfg.Rollout.ReportDeliveryFailures)
	assert.Equal(t, policy.MaxFailures(1), cfg.Policy)
	assert.Equal(t, 4, cfg.Pool.Workers)
	assert.Equal(t, "pgx", cfg.Store.Driver)

	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, "server-two", cfg.Groups[0].Members[1].Server)
	assert.Equal(t, policy.MaxFailures(1), cfg.PolicyFor(cfg.Groups[0]))
	assert.Equal(t, policy.MaxFailurePercent(50), cfg.PolicyFor(cfg.Groups[1]))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ROLLOUT_HTTP_ADDR", "localhost:7070")
	t.Setenv("ROLLOUT_ROLLOUT_TIMEOUT_MS", "250")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:7070", cfg.HTTP.Addr)
	assert.Equal(t, int64(250), cfg.Rollout.TimeoutMillis)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"two policy rules", "policy:\n  max_failure_count: 2\n"},
		{"negative timeout", "rollout:\n  timeout_ms: -1\n"},
		{"no workers", "pool:\n  workers: 0\n"},
		{"group without members", "groups:\n  - name: empty\n"},
		{"member without addr", "groups:\n  - name: g\n    members:\n      - {host: h, server: s}\n"},
		{"duplicate group", "groups:\n  - name: g\n    members: [{server: s, addr: a}]\n  - name: g\n    members: [{server: s, addr: a}]\n"},
		{"bad group policy", "groups:\n  - name: g\n    policy: {max_failure_percent: 150}\n    members: [{server: s, addr: a}]\n"},
		{"boot group missing", "boot:\n  group: nowhere\n  operation: deploy\n"},
		{"unknown store driver", "store:\n  driver: mysql\n  dsn: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
