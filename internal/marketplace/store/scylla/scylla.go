// Package scylla implements store.Store on ScyllaDB. Conditional updates use
// lightweight transactions; uniqueness is enforced by guard tables written
// with IF NOT EXISTS.
package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/pkg/datastore"
	"github.com/datarand/datarand-backend/pkg/logging"
)

// maxCASAttempts bounds read-modify-CAS loops under contention.
const maxCASAttempts = 32

var (
	errContention = errors.New("scylla: too much contention")
	// errTaskSettled stops a compute result from moving a task that already
	// left Funded or Assigned.
	errTaskSettled = errors.New("scylla: task already settled")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  external_id text,
  wallet_address text,
  embedded_wallet_address text,
  role text,
  last_fingerprint text,
  last_login_at timestamp,
  reputation_score int,
  total_earnings text,
  tasks_completed int,
  created_at timestamp
)`,
	`CREATE TABLE IF NOT EXISTS users_by_external_id (
  external_id text PRIMARY KEY,
  user_id text
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  creator_id text,
  title text,
  description text,
  category text,
  payout_per_worker text,
  required_workers int,
  assigned_count int,
  status text,
  funding_total text,
  funding_prepared_at timestamp,
  escrow_tx_hash text,
  funding_tx_hash text,
  funded_at timestamp,
  compute_result text,
  deadline timestamp,
  created_at timestamp,
  updated_at timestamp,
  completed_at timestamp
)`,
	`CREATE INDEX IF NOT EXISTS tasks_creator_idx ON tasks (creator_id)`,
	`CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`,
	`CREATE TABLE IF NOT EXISTS funding_txs (
  tx_hash text PRIMARY KEY,
  task_id text
)`,
	`CREATE TABLE IF NOT EXISTS task_assignments (
  id text PRIMARY KEY,
  task_id text,
  worker_id text,
  status text,
  started_at timestamp,
  completed_at timestamp
)`,
	`CREATE INDEX IF NOT EXISTS task_assignments_worker_idx ON task_assignments (worker_id)`,
	`CREATE INDEX IF NOT EXISTS task_assignments_status_idx ON task_assignments (status)`,
	`CREATE TABLE IF NOT EXISTS active_assignments (
  task_id text,
  worker_id text,
  assignment_id text,
  PRIMARY KEY ((task_id, worker_id))
)`,
	`CREATE TABLE IF NOT EXISTS submissions (
  id text PRIMARY KEY,
  task_id text,
  assignment_id text,
  worker_id text,
  payload text,
  status text,
  reviewer_id text,
  reviewed_at timestamp,
  payout_tx_hash text,
  submitted_at timestamp
)`,
	`CREATE INDEX IF NOT EXISTS submissions_task_idx ON submissions (task_id)`,
	`CREATE TABLE IF NOT EXISTS submissions_by_assignment (
  assignment_id text PRIMARY KEY,
  submission_id text
)`,
	`CREATE TABLE IF NOT EXISTS compute_jobs (
  id text PRIMARY KEY,
  task_id text,
  status text,
  result text,
  created_at timestamp,
  finished_at timestamp
)`,
	`CREATE INDEX IF NOT EXISTS compute_jobs_status_idx ON compute_jobs (status)`,
}

type Store struct {
	conn   datastore.ConnectionManager
	logger logging.Logger
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Migrator = (*Store)(nil)
)

func New(conn datastore.ConnectionManager, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Store{conn: conn, logger: logger}
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.query(ctx, stmt).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.logger.Info("Scylla schema initialized")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

func (s *Store) query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.conn.GetSession().Query(stmt, values...).WithContext(ctx)
}

// cas executes a conditional statement and reports whether it applied.
func (s *Store) cas(ctx context.Context, stmt string, values ...interface{}) (bool, error) {
	return s.query(ctx, stmt, values...).MapScanCAS(map[string]interface{}{})
}

func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return store.ErrNotFound
	}
	return err
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
