package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// BreakerSettings tune the circuit breaker guarding second-phase delivery.
type BreakerSettings struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

// DefaultBreakerSettings trips after five consecutive delivery failures and
// probes again after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// HTTPChannel is a participant.Channel speaking JSON over HTTP to one
// participant process.
type HTTPChannel struct {
	addr    string
	client  *HTTPClient
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPChannel creates a channel to the participant listening on addr.
func NewHTTPChannel(addr string, client *HTTPClient, settings BreakerSettings, logger *zap.Logger) *HTTPChannel {
	logger = logging.OrNop(logger).Named("channel").With(zap.String("addr", addr))

	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultBreakerSettings().ConsecutiveFailures
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("delivery breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &HTTPChannel{
		addr:    addr,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

func (c *HTTPChannel) Addr() string {
	return c.addr
}

func (c *HTTPChannel) Prepare(ctx context.Context, rolloutID string, op protocol.Operation) (*protocol.PrepareResponse, error) {
	return c.client.Prepare(ctx, c.addr, &protocol.PrepareRequest{
		RolloutID: rolloutID,
		Operation: op,
	})
}

func (c *HTTPChannel) Commit(ctx context.Context, rolloutID, handle string) error {
	return c.deliver(func() (*protocol.AckResponse, error) {
		return c.client.Commit(ctx, c.addr, &protocol.CommitRequest{RolloutID: rolloutID, Handle: handle})
	})
}

func (c *HTTPChannel) Rollback(ctx context.Context, rolloutID, handle string) error {
	return c.deliver(func() (*protocol.AckResponse, error) {
		return c.client.Rollback(ctx, c.addr, &protocol.RollbackRequest{RolloutID: rolloutID, Handle: handle})
	})
}

// deliver sends a second-phase signal through the breaker. An open breaker
// fails fast instead of waiting on a participant known to be unreachable.
func (c *HTTPChannel) deliver(send func() (*protocol.AckResponse, error)) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		ack, err := send()
		if err != nil {
			return nil, err
		}
		if !ack.Success {
			return nil, fmt.Errorf("participant refused: %s", ack.Error)
		}
		return ack, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("second phase not sent, breaker open")
	}
	return err
}
