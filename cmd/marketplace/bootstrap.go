package main

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"

	"github.com/datarand/datarand-backend/internal/marketplace/compute"
	"github.com/datarand/datarand-backend/internal/marketplace/config"
	"github.com/datarand/datarand-backend/internal/marketplace/escrow"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/internal/marketplace/identity"
	"github.com/datarand/datarand-backend/internal/marketplace/lifecycle"
	"github.com/datarand/datarand-backend/internal/marketplace/store"
	"github.com/datarand/datarand-backend/internal/marketplace/store/memory"
	"github.com/datarand/datarand-backend/internal/marketplace/store/postgres"
	"github.com/datarand/datarand-backend/internal/marketplace/store/scylla"
	"github.com/datarand/datarand-backend/pkg/datastore"
	"github.com/datarand/datarand-backend/pkg/fees"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/redis"
	"github.com/datarand/datarand-backend/pkg/retry"
)

const (
	connectTimeout = 30 * time.Second
	mineTimeout    = 2 * time.Minute
)

// setup loads configuration and the process logger.
func setup(c *cli.Context, process logging.ProcessName) (logging.Logger, error) {
	if err := config.InitWithEnvFile(c.String("env-file")); err != nil {
		return nil, fmt.Errorf("failed to initialize config: %w", err)
	}
	if err := logging.InitServiceLogger(logging.LoggerConfig{
		ProcessName:   process,
		IsDevelopment: config.IsDevMode(),
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logging.GetServiceLogger(), nil
}

func openStore(ctx context.Context, logger logging.Logger) (store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch config.GetStoreBackend() {
	case config.StorePostgres:
		return postgres.New(ctx, config.GetPostgresURL(), logger)
	case config.StoreScylla:
		conn, err := datastore.NewConnection(ctx, datastore.NewConfig(
			config.GetDatabaseHostAddress(),
			config.GetDatabaseHostPort(),
			config.GetDatabaseKeyspace(),
		), logger)
		if err != nil {
			return nil, err
		}
		return scylla.New(conn, logger), nil
	default:
		logger.Warn("Using the in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}

// migrate applies the schema of backends that own one.
func migrate(ctx context.Context, st store.Store, logger logging.Logger) error {
	m, ok := st.(store.Migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate %s store: %w", config.GetStoreBackend(), err)
	}
	logger.Info("Schema is up to date", "backend", config.GetStoreBackend())
	return nil
}

// openRedis returns nil when REDIS_URL is unset.
func openRedis(logger logging.Logger) (*redis.Client, error) {
	if config.GetRedisURL() == "" {
		logger.Warn("REDIS_URL is not set; rate limiting, sweep locking and fingerprint tracking are disabled")
		return nil, nil
	}
	return redis.NewClient(redis.Config{
		URL:         config.GetRedisURL(),
		Password:    config.GetRedisPassword(),
		PingTimeout: 5 * time.Second,
	}, logger)
}

func openEscrow(logger logging.Logger) (escrow.Client, error) {
	if config.GetEthRPCURL() == "" {
		logger.Warn("ETH_RPC_URL is not set; escrow calls are simulated")
		return escrow.NewDevClient(config.GetTaskEscrowAddress(), config.GetChainID(), logger), nil
	}
	return escrow.NewClient(escrow.Config{
		RPCURL:          config.GetEthRPCURL(),
		ContractAddress: config.GetTaskEscrowAddress(),
		PrivateKey:      config.GetOperatorPrivateKey(),
		ChainID:         config.GetChainID(),
		MineTimeout:     mineTimeout,
	}, logger)
}

func openVerifier(httpClient *retry.HTTPClient, clk clock.Clock, logger logging.Logger) (identity.Verifier, error) {
	if config.GetPrivyVerificationKey() == "" {
		logger.Warn("PRIVY_VERIFICATION_KEY is not set; accepting dev login tokens")
		return identity.DevVerifier{}, nil
	}
	return identity.NewPrivyVerifier(identity.PrivyConfig{
		AppID:           config.GetPrivyAppID(),
		AppSecret:       config.GetPrivyAppSecret(),
		VerificationKey: config.GetPrivyVerificationKey(),
		APIURL:          config.GetPrivyAPIURL(),
	}, httpClient, clk, logger)
}

// openCompute returns nil when no provider is configured.
func openCompute(httpClient *retry.HTTPClient, logger logging.Logger) (compute.Provider, error) {
	if config.GetComputeProviderURL() == "" {
		logger.Info("COMPUTE_PROVIDER_URL is not set; compute jobs are disabled")
		return nil, nil
	}
	return compute.NewHTTPProvider(compute.Config{
		BaseURL: config.GetComputeProviderURL(),
		APIKey:  config.GetComputeProviderAPIKey(),
	}, httpClient, logger)
}

func newManager(st store.Store, esc escrow.Client, provider compute.Provider, publisher events.Publisher, clk clock.Clock, logger logging.Logger) (*lifecycle.Manager, error) {
	calc, err := fees.NewCalculator(config.GetPlatformFeeRate())
	if err != nil {
		return nil, err
	}
	return lifecycle.NewManager(lifecycle.Config{
		Store:   st,
		Escrow:  esc,
		Compute: provider,
		Fees:    calc,
		Events:  publisher,
		Clock:   clk,
	}, logger)
}
