package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

func openTestStore(t *testing.T) *ReportStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleReport(id, group string, finished time.Time) *protocol.Report {
	return &protocol.Report{
		RolloutID: id,
		Group:     group,
		Operation: protocol.Operation{Name: "deploy", Params: map[string]any{"name": "app.war"}},
		Verdict:   protocol.VerdictRollback,
		Participants: []protocol.OutcomeRecord{
			{Identity: protocol.Identity{Group: group, Host: "h", Server: "one"}, Outcome: protocol.OutcomeSuccess},
			{Identity: protocol.Identity{Group: group, Host: "h", Server: "two"}, Outcome: protocol.OutcomeFailed, Description: "timed out", TimedOut: true},
		},
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.Save(ctx, sampleReport("r-1", "main", now)))

	got, err := s.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Group)
	assert.Equal(t, protocol.VerdictRollback, got.Verdict)
	require.Len(t, got.Participants, 2)
	assert.True(t, got.Participants[1].TimedOut)
	assert.Equal(t, "app.war", got.Operation.Params["name"])
	assert.True(t, got.FinishedAt.Equal(now))
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestSaveDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := sampleReport("r-1", "main", time.Now())

	require.NoError(t, s.Save(ctx, r))
	assert.Error(t, s.Save(ctx, r))
}

func TestSaveIgnoresSkipped(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save(context.Background(), &protocol.Report{Group: "later", Skipped: true}))

	list, err := s.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Save(ctx, sampleReport("old", "main", base.Add(-time.Hour))))
	require.NoError(t, s.Save(ctx, sampleReport("new", "main", base)))
	require.NoError(t, s.Save(ctx, sampleReport("other", "backup", base.Add(-time.Minute))))

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].RolloutID)
	assert.Equal(t, "other", all[1].RolloutID)
	assert.Equal(t, "old", all[2].RolloutID)

	mainOnly, err := s.List(ctx, "main", 1)
	require.NoError(t, err)
	require.Len(t, mainOnly, 1)
	assert.Equal(t, "new", mainOnly[0].RolloutID)

	_, err = s.List(ctx, "", 0)
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Save(ctx, sampleReport("old", "main", now.Add(-48*time.Hour))))
	require.NoError(t, s.Save(ctx, sampleReport("new", "main", now)))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestRebind(t *testing.T) {
	pg := &ReportStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"))

	lite := &ReportStore{driver: DriverSQLite}
	assert.Equal(t, "WHERE b = ?", lite.rebind("WHERE b = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}
