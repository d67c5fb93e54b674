// Package store keeps finished rollout reports in a SQL database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

var ErrReportNotFound = errors.New("rollout report not found")

const schema = `
CREATE TABLE IF NOT EXISTS rollout_reports (
	rollout_id  TEXT PRIMARY KEY,
	group_name  TEXT NOT NULL,
	operation   TEXT NOT NULL,
	verdict     TEXT NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  BIGINT NOT NULL,
	finished_at BIGINT NOT NULL,
	report      TEXT NOT NULL
)`

// ReportStore persists rollout reports through database/sql. Queries are
// written with ? placeholders and rebound for Postgres.
type ReportStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the reports table.
// driver is "pgx" or "sqlite".
func Open(ctx context.Context, driver, dsn string) (*ReportStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("store dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite serializes writers anyway
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the reports table.
func New(ctx context.Context, db *sql.DB, driver string) (*ReportStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create reports table: %w", err)
	}
	return &ReportStore{db: db, driver: driver}, nil
}

// Close releases the database connection.
func (s *ReportStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores a finished report. Skipped reports carry no rollout and are ignored.
func (s *ReportStore) Save(ctx context.Context, report *protocol.Report) error {
	if report == nil || report.Skipped {
		return nil
	}
	if report.RolloutID == "" {
		return fmt.Errorf("rollout id is required")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO rollout_reports (
	rollout_id,
	group_name,
	operation,
	verdict,
	failed,
	started_at,
	finished_at,
	report
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		report.RolloutID,
		report.Group,
		report.Operation.Name,
		string(report.Verdict),
		report.Failed(),
		report.StartedAt.UTC().UnixMilli(),
		report.FinishedAt.UTC().UnixMilli(),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", report.RolloutID, err)
	}
	return nil
}

// Get returns the report of one rollout.
func (s *ReportStore) Get(ctx context.Context, rolloutID string) (*protocol.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT report FROM rollout_reports WHERE rollout_id = ?`), rolloutID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, rolloutID)
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", rolloutID, err)
	}
	return decode(payload)
}

// List returns up to limit reports, newest first, optionally for one group.
func (s *ReportStore) List(ctx context.Context, group string, limit int) ([]*protocol.Report, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	query := `SELECT report FROM rollout_reports`
	args := []any{}
	if group != "" {
		query += ` WHERE group_name = ?`
		args = append(args, group)
	}
	query += ` ORDER BY finished_at DESC, rollout_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*protocol.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r, err := decode(payload)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Prune deletes reports that finished before cutoff and returns how many were removed.
func (s *ReportStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM rollout_reports WHERE finished_at < ?`), cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune reports: %w", err)
	}
	return res.RowsAffected()
}

// rebind turns ? placeholders into $n for Postgres.
func (s *ReportStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func decode(payload string) (*protocol.Report, error) {
	var r protocol.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
