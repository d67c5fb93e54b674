package node

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

const createJournal = `CREATE TABLE IF NOT EXISTS management_operations (
	id          BIGSERIAL PRIMARY KEY,
	rollout_id  TEXT NOT NULL,
	operation   TEXT NOT NULL,
	address     TEXT NOT NULL,
	params      JSONB,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureJournal creates the operation journal table on a Postgres database.
func EnsureJournal(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, createJournal)
	return err
}

func journal(ctx context.Context, tx *sql.Tx, rolloutID string, op protocol.Operation) error {
	params, err := json.Marshal(op.Params)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO management_operations (rollout_id, operation, address, params) VALUES ($1, $2, $3, $4)`,
		rolloutID, op.Name, op.Address.String(), params,
	)
	return err
}
