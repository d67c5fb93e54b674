// Package events announces finished rollouts on NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

const (
	DefaultSubjectPrefix = "rollout"

	RolloutIDHeader = "Rollout-Id"
	VerdictHeader   = "Rollout-Verdict"
)

// conn is the part of *nats.Conn the publisher needs
type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// Publisher sends every finished report to <prefix>.<group>.<verdict>.
type Publisher struct {
	nc     conn
	close  func()
	prefix string
	logger *zap.Logger
}

// Connect dials the NATS server at url. The connection reconnects forever;
// publishes made while disconnected are buffered by the client.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	logger = logging.OrNop(logger).Named("events")

	nc, err := nats.Connect(url,
		nats.Name("rollout-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	p := newPublisher(nc, prefix, logger)
	p.close = nc.Close
	return p, nil
}

func newPublisher(nc conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logging.OrNop(logger)}
}

// Publish sends the report and waits until the server has it.
func (p *Publisher) Publish(ctx context.Context, report *protocol.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	msg := &nats.Msg{
		Subject: Subject(p.prefix, report),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(RolloutIDHeader, report.RolloutID)
	msg.Header.Set(VerdictHeader, string(report.Verdict))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}

	p.logger.Debug("report published", zap.String("subject", msg.Subject), zap.String("rollout_id", report.RolloutID))
	return nil
}

// Close drops the NATS connection.
func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}

// Subject returns the subject a report is published on. Characters NATS
// treats specially are replaced in the group name.
func Subject(prefix string, report *protocol.Report) string {
	verdict := strings.ToLower(string(report.Verdict))
	if report.Skipped {
		verdict = "skipped"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, sanitize(report.Group), verdict)
}

func sanitize(token string) string {
	if token == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, token)
}
