// Package datastore manages the ScyllaDB session: connect, health check and
// reconnect with backoff.
package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/retry"
)

// ConnectionManager hands out the current session.
type ConnectionManager interface {
	GetSession() Sessioner
	HealthCheck(ctx context.Context) error
	Close()
}

// Sessioner is the part of *gocql.Session the stores use.
type Sessioner interface {
	Query(stmt string, values ...interface{}) *gocql.Query
	Close()
}

type scyllaConnectionManager struct {
	mu      sync.RWMutex
	session Sessioner
	config  *Config
	logger  logging.Logger

	stop chan struct{}
	done chan struct{}
}

// NewConnection connects to the cluster, retrying with the config's backoff.
func NewConnection(ctx context.Context, config *Config, logger logging.Logger) (ConnectionManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	retryCfg := config.RetryConfig
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}
	session, err := retry.Retry(ctx, func() (*gocql.Session, error) {
		return config.cluster(config.Keyspace).CreateSession()
	}, retryCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scylla: %w", err)
	}

	m := &scyllaConnectionManager{
		session: session,
		config:  config,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		go m.startHealthChecker()
	} else {
		close(m.done)
	}
	logger.Infof("Connected to ScyllaDB keyspace %s", config.Keyspace)
	return m, nil
}

// EnsureKeyspace creates the keyspace with SimpleStrategy replication.
func EnsureKeyspace(config *Config, replicationFactor int) error {
	session, err := config.cluster("").CreateSession()
	if err != nil {
		return fmt.Errorf("failed to connect to scylla: %w", err)
	}
	defer session.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		config.Keyspace, replicationFactor)
	return session.Query(stmt).Exec()
}

func (m *scyllaConnectionManager) GetSession() Sessioner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *scyllaConnectionManager) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
}

func (m *scyllaConnectionManager) HealthCheck(ctx context.Context) error {
	sess := m.GetSession()
	if sess == nil {
		return fmt.Errorf("session closed")
	}
	return sess.Query("SELECT release_version FROM system.local").WithContext(ctx).Exec()
}

func (m *scyllaConnectionManager) startHealthChecker() {
	defer close(m.done)
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.HealthCheck(ctx)
			cancel()
			if err != nil {
				m.logger.Errorf("Database health check failed: %v. Attempting to reconnect...", err)
				m.reconnect()
			}
		}
	}
}

func (m *scyllaConnectionManager) reconnect() {
	cfg := m.config.RetryConfig
	if cfg == nil {
		cfg = retry.DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := retry.RetryFunc(ctx, func() error {
		newSession, err := m.config.cluster(m.config.Keyspace).CreateSession()
		if err != nil {
			return err
		}
		m.mu.Lock()
		old := m.session
		m.session = newSession
		m.mu.Unlock()
		if old != nil {
			old.Close()
		}
		m.logger.Info("Successfully reconnected to the database")
		return nil
	}, cfg, m.logger)
	if err != nil {
		m.logger.Errorf("Database reconnect gave up: %v", err)
	}
}
