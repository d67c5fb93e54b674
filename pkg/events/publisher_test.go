package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

type fakeConn struct {
	msgs     []*nats.Msg
	pubErr   error
	flushErr error
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	if c.pubErr != nil {
		return c.pubErr
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeConn) FlushWithContext(ctx context.Context) error {
	return c.flushErr
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name   string
		report protocol.Report
		want   string
	}{
		{"commit", protocol.Report{Group: "main", Verdict: protocol.VerdictCommit}, "rollout.main.commit"},
		{"rollback", protocol.Report{Group: "backup", Verdict: protocol.VerdictRollback}, "rollout.backup.rollback"},
		{"skipped", protocol.Report{Group: "late", Skipped: true}, "rollout.late.skipped"},
		{"dotted group", protocol.Report{Group: "eu.west*", Verdict: protocol.VerdictCommit}, "rollout.eu_west_.commit"},
		{"empty group", protocol.Report{Verdict: protocol.VerdictCommit}, "rollout._.commit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(DefaultSubjectPrefix, &tt.report))
		})
	}
}

func TestPublishSendsReport(t *testing.T) {
	nc := &fakeConn{}
	p := newPublisher(nc, "", nil)

	report := &protocol.Report{RolloutID: "r-1", Group: "main", Verdict: protocol.VerdictCommit}
	require.NoError(t, p.Publish(context.Background(), report))

	require.Len(t, nc.msgs, 1)
	msg := nc.msgs[0]
	assert.Equal(t, "rollout.main.commit", msg.Subject)
	assert.Equal(t, "r-1", msg.Header.Get(RolloutIDHeader))
	assert.Equal(t, "COMMIT", msg.Header.Get(VerdictHeader))

	var got protocol.Report
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "r-1", got.RolloutID)
}

func TestPublishErrors(t *testing.T) {
	report := &protocol.Report{RolloutID: "r-2", Group: "main", Verdict: protocol.VerdictRollback}

	p := newPublisher(&fakeConn{pubErr: nats.ErrConnectionClosed}, "ops", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), report), nats.ErrConnectionClosed)

	flushErr := errors.New("flush timeout")
	p = newPublisher(&fakeConn{flushErr: flushErr}, "ops", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), report), flushErr)
}
