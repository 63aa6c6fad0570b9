package datastore

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/datarand/datarand-backend/pkg/retry"
)

// Config holds the configuration for the ScyllaDB connection.
type Config struct {
	Hosts               []string
	Keyspace            string
	Timeout             time.Duration
	Retries             int
	ConnectWait         time.Duration
	Consistency         gocql.Consistency
	SerialConsistency   gocql.SerialConsistency
	HealthCheckInterval time.Duration
	ProtoVersion        int
	SocketKeepalive     time.Duration
	MaxPreparedStmts    int
	RetryConfig         *retry.RetryConfig
}

func NewConfig(host, port, keyspace string) *Config {
	return &Config{
		Hosts:               []string{host + ":" + port},
		Keyspace:            keyspace,
		Timeout:             10 * time.Second,
		Retries:             3,
		ConnectWait:         10 * time.Second,
		Consistency:         gocql.Quorum,
		SerialConsistency:   gocql.Serial,
		HealthCheckInterval: 15 * time.Second,
		ProtoVersion:        4,
		SocketKeepalive:     15 * time.Second,
		MaxPreparedStmts:    1000,
		RetryConfig:         retry.DefaultRetryConfig(),
	}
}

func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("at least one host must be specified")
	}
	if c.Keyspace == "" {
		return fmt.Errorf("keyspace cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got: %v", c.Timeout)
	}
	if c.ConnectWait <= 0 {
		return fmt.Errorf("connect wait must be positive, got: %v", c.ConnectWait)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries cannot be negative, got: %d", c.Retries)
	}
	if c.ProtoVersion < 3 || c.ProtoVersion > 4 {
		return fmt.Errorf("protocol version must be 3 or 4, got: %d", c.ProtoVersion)
	}
	if c.HealthCheckInterval < 0 {
		return fmt.Errorf("health check interval cannot be negative, got: %v", c.HealthCheckInterval)
	}
	return nil
}

// cluster builds the gocql cluster config. An empty keyspace connects
// without selecting one.
func (c *Config) cluster(keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(c.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Timeout = c.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: c.Retries}
	cluster.ConnectTimeout = c.ConnectWait
	cluster.Consistency = c.Consistency
	cluster.SerialConsistency = c.SerialConsistency
	cluster.ProtoVersion = c.ProtoVersion
	cluster.SocketKeepalive = c.SocketKeepalive
	cluster.MaxPreparedStmts = c.MaxPreparedStmts
	return cluster
}
