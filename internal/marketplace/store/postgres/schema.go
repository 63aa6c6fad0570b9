package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaManager bootstraps the marketplace tables.
type SchemaManager struct {
	pool *pgxpool.Pool
}

func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool}
}

// Initialize is idempotent.
func (m *SchemaManager) Initialize(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  external_id TEXT NOT NULL UNIQUE,
  wallet_address TEXT NOT NULL DEFAULT '',
  embedded_wallet_address TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT 'worker',
  last_fingerprint TEXT NOT NULL DEFAULT '',
  last_login_at TIMESTAMPTZ,
  reputation_score INT NOT NULL DEFAULT 0,
  total_earnings NUMERIC(38,18) NOT NULL DEFAULT 0,
  tasks_completed INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  creator_id TEXT NOT NULL REFERENCES users(id),
  title TEXT NOT NULL,
  description TEXT NOT NULL,
  category TEXT NOT NULL,
  payout_per_worker NUMERIC(38,18) NOT NULL CHECK (payout_per_worker > 0),
  required_workers INT NOT NULL CHECK (required_workers BETWEEN 1 AND 100),
  assigned_count INT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  funding_total NUMERIC(38,18) NOT NULL DEFAULT 0,
  funding_prepared_at TIMESTAMPTZ,
  escrow_tx_hash TEXT NOT NULL DEFAULT '',
  funding_tx_hash TEXT NOT NULL DEFAULT '',
  funded_at TIMESTAMPTZ,
  compute_result JSONB,
  deadline TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ,
  CONSTRAINT tasks_assigned_within_required CHECK (assigned_count BETWEEN 0 AND required_workers)
);
CREATE INDEX IF NOT EXISTS tasks_creator_idx ON tasks (creator_id, created_at DESC);
CREATE INDEX IF NOT EXISTS tasks_available_idx ON tasks (status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_funding_tx_idx ON tasks (funding_tx_hash) WHERE funding_tx_hash <> '';

CREATE TABLE IF NOT EXISTS task_assignments (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id),
  worker_id TEXT NOT NULL REFERENCES users(id),
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS task_assignments_active_idx
  ON task_assignments (task_id, worker_id) WHERE status IN ('accepted', 'in_progress');
CREATE INDEX IF NOT EXISTS task_assignments_worker_idx ON task_assignments (worker_id, started_at DESC);
CREATE INDEX IF NOT EXISTS task_assignments_stale_idx
  ON task_assignments (started_at) WHERE status IN ('accepted', 'in_progress');

CREATE TABLE IF NOT EXISTS submissions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id),
  assignment_id TEXT NOT NULL UNIQUE REFERENCES task_assignments(id),
  worker_id TEXT NOT NULL REFERENCES users(id),
  payload JSONB NOT NULL,
  status TEXT NOT NULL,
  reviewer_id TEXT NOT NULL DEFAULT '',
  reviewed_at TIMESTAMPTZ,
  payout_tx_hash TEXT NOT NULL DEFAULT '',
  submitted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS submissions_task_idx ON submissions (task_id, submitted_at);

CREATE TABLE IF NOT EXISTS compute_jobs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id),
  status TEXT NOT NULL,
  result JSONB,
  created_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS compute_jobs_pending_idx ON compute_jobs (created_at) WHERE status = 'pending';
`
