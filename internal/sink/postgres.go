package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corveehq/corvee/internal/taskstore"
)

const createSubmissionRowsTable = `
CREATE TABLE IF NOT EXISTS submission_rows (
	id             BIGSERIAL PRIMARY KEY,
	project        TEXT NOT NULL,
	machine        TEXT NOT NULL,
	page           INT  NOT NULL,
	username       TEXT NOT NULL,
	machine_id     TEXT NOT NULL DEFAULT '',
	circuit_name   TEXT NOT NULL DEFAULT '',
	area           TEXT NOT NULL DEFAULT '',
	device_pos     TEXT NOT NULL DEFAULT '',
	voltage        TEXT NOT NULL DEFAULT '',
	phase_wire     TEXT NOT NULL DEFAULT '',
	power          TEXT NOT NULL DEFAULT '',
	max_current    TEXT NOT NULL DEFAULT '',
	run_current    TEXT NOT NULL DEFAULT '',
	machine_switch TEXT NOT NULL DEFAULT '',
	factory_switch TEXT NOT NULL DEFAULT '',
	remark         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertSubmissionRow = `
INSERT INTO submission_rows (
	project, machine, page, username,
	machine_id, circuit_name, area, device_pos,
	voltage, phase_wire, power, max_current,
	run_current, machine_switch, factory_switch, remark
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

// PostgresSink appends submission rows to a Postgres table. All rows of
// one submission land in a single transaction.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to url and ensures the target table exists.
func NewPostgresSink(ctx context.Context, url string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, createSubmissionRowsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ensure table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Append inserts the submission's rows in one transaction.
func (s *PostgresSink) Append(ctx context.Context, sub *taskstore.Submission) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres sink: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range sub.Rows {
		if _, err := tx.Exec(ctx, insertSubmissionRow,
			sub.Key.Project, sub.Key.Machine, sub.Key.Page, sub.Username,
			r.MachineID, r.CircuitName, r.Area, r.DevicePos,
			r.Voltage, r.PhaseWire, r.Power, r.MaxCurrent,
			r.RunCurrent, r.MachineSwitch, r.FactorySwitch, r.Remark,
		); err != nil {
			return fmt.Errorf("postgres sink: insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres sink: commit: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
