package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/pkg/env"
	"github.com/datarand/datarand-backend/pkg/fees"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreScylla   = "scylla"
)

type Config struct {
	devMode bool

	// API server
	apiPort            string
	corsAllowedOrigins []string
	requestTimeout     time.Duration

	// Sessions and Privy
	jwtSecret            string
	sessionTTL           time.Duration
	privyAppID           string
	privyAppSecret       string
	privyVerificationKey string
	privyAPIURL          string

	// Store
	storeBackend        string
	postgresURL         string
	databaseHostAddress string
	databaseHostPort    string
	databaseKeyspace    string

	// Redis
	redisURL           string
	redisPassword      string
	rateLimitPerMinute int

	// Chain
	ethRPCURL          string
	chainID            int64
	taskEscrowAddress  string
	operatorPrivateKey string
	platformFeeRate    decimal.Decimal

	// Compute provider
	computeProviderURL    string
	computeProviderAPIKey string

	// Background loops
	assignmentTTL       time.Duration
	sweepInterval       time.Duration
	sweepSchedule       string
	computePollInterval time.Duration
	schedulerResolution time.Duration
}

var cfg Config

// Init loads .env when present and reads the environment.
func Init() error {
	return InitWithEnvFile(".env")
}

func InitWithEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading %s file: %w", path, err)
	}

	cfg = Config{
		devMode:               env.GetEnvBool("DEV_MODE", false),
		apiPort:               env.GetEnvString("API_PORT", "8080"),
		corsAllowedOrigins:    env.GetEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		requestTimeout:        env.GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		jwtSecret:             env.GetEnvString("JWT_SECRET", ""),
		sessionTTL:            env.GetEnvDuration("SESSION_TTL", 24*time.Hour),
		privyAppID:            env.GetEnvString("PRIVY_APP_ID", ""),
		privyAppSecret:        env.GetEnvString("PRIVY_APP_SECRET", ""),
		privyVerificationKey:  strings.ReplaceAll(env.GetEnvString("PRIVY_VERIFICATION_KEY", ""), `\n`, "\n"),
		privyAPIURL:           env.GetEnvString("PRIVY_API_URL", "https://auth.privy.io"),
		storeBackend:          strings.ToLower(env.GetEnvString("STORE_BACKEND", StoreMemory)),
		postgresURL:           env.GetEnvString("POSTGRES_URL", ""),
		databaseHostAddress:   env.GetEnvString("DATABASE_HOST_ADDRESS", "localhost"),
		databaseHostPort:      env.GetEnvString("DATABASE_HOST_PORT", "9042"),
		databaseKeyspace:      env.GetEnvString("DATABASE_KEYSPACE", "datarand"),
		redisURL:              env.GetEnvString("REDIS_URL", ""),
		redisPassword:         env.GetEnvString("REDIS_PASSWORD", ""),
		rateLimitPerMinute:    env.GetEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		ethRPCURL:             env.GetEnvString("ETH_RPC_URL", ""),
		chainID:               env.GetEnvInt64("CHAIN_ID", 84532),
		taskEscrowAddress:     env.GetEnvString("TASK_ESCROW_CONTRACT_ADDRESS", ""),
		operatorPrivateKey:    env.GetEnvString("OPERATOR_PRIVATE_KEY", ""),
		platformFeeRate:       env.GetEnvDecimal("PLATFORM_FEE_RATE", fees.DefaultPlatformFeeRate),
		computeProviderURL:    env.GetEnvString("COMPUTE_PROVIDER_URL", ""),
		computeProviderAPIKey: env.GetEnvString("COMPUTE_PROVIDER_API_KEY", ""),
		assignmentTTL:         env.GetEnvDuration("ASSIGNMENT_TTL", 5*time.Minute),
		sweepInterval:         env.GetEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		sweepSchedule:         env.GetEnvString("SWEEP_SCHEDULE", ""),
		computePollInterval:   env.GetEnvDuration("COMPUTE_POLL_INTERVAL", 30*time.Second),
		schedulerResolution:   env.GetEnvDuration("SCHEDULER_RESOLUTION", time.Second),
	}

	if err := validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.devMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return nil
}

func validateConfig() error {
	if !env.IsValidPort(cfg.apiPort) {
		return fmt.Errorf("invalid API port: %s", cfg.apiPort)
	}
	if env.IsEmpty(cfg.jwtSecret) {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !cfg.devMode && len(cfg.jwtSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if cfg.sessionTTL <= 0 {
		return fmt.Errorf("invalid session TTL: %s", cfg.sessionTTL)
	}

	switch cfg.storeBackend {
	case StoreMemory:
		if !cfg.devMode {
			return fmt.Errorf("memory store is only allowed in dev mode")
		}
	case StorePostgres:
		if !env.IsValidURL(cfg.postgresURL) {
			return fmt.Errorf("invalid postgres url")
		}
	case StoreScylla:
		if env.IsEmpty(cfg.databaseHostAddress) {
			return fmt.Errorf("invalid database host address: %s", cfg.databaseHostAddress)
		}
		if !env.IsValidPort(cfg.databaseHostPort) {
			return fmt.Errorf("invalid database host port: %s", cfg.databaseHostPort)
		}
	default:
		return fmt.Errorf("unknown store backend: %s", cfg.storeBackend)
	}

	if !cfg.devMode || !env.IsEmpty(cfg.privyVerificationKey) {
		if env.IsEmpty(cfg.privyAppID) || env.IsEmpty(cfg.privyAppSecret) || env.IsEmpty(cfg.privyVerificationKey) {
			return fmt.Errorf("PRIVY_APP_ID, PRIVY_APP_SECRET and PRIVY_VERIFICATION_KEY are required")
		}
		if !env.IsValidURL(cfg.privyAPIURL) {
			return fmt.Errorf("invalid privy api url: %s", cfg.privyAPIURL)
		}
	}

	if !env.IsEmpty(cfg.redisURL) && !env.IsValidURL(cfg.redisURL) {
		return fmt.Errorf("invalid redis url")
	}
	if cfg.rateLimitPerMinute < 1 {
		return fmt.Errorf("invalid rate limit: %d", cfg.rateLimitPerMinute)
	}

	if !env.IsEmpty(cfg.ethRPCURL) || !cfg.devMode {
		if !env.IsValidURL(cfg.ethRPCURL) {
			return fmt.Errorf("invalid ETH RPC url: %s", cfg.ethRPCURL)
		}
		if !env.IsValidEthAddress(cfg.taskEscrowAddress) {
			return fmt.Errorf("invalid task escrow contract address: %s", cfg.taskEscrowAddress)
		}
		if !env.IsValidPrivateKey(cfg.operatorPrivateKey) {
			return fmt.Errorf("invalid operator private key")
		}
	}
	if cfg.chainID <= 0 {
		return fmt.Errorf("invalid chain id: %d", cfg.chainID)
	}
	if cfg.platformFeeRate.IsNegative() || cfg.platformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid platform fee rate: %s", cfg.platformFeeRate)
	}

	if !env.IsEmpty(cfg.computeProviderURL) && !env.IsValidURL(cfg.computeProviderURL) {
		return fmt.Errorf("invalid compute provider url: %s", cfg.computeProviderURL)
	}

	if cfg.assignmentTTL <= 0 {
		return fmt.Errorf("invalid assignment TTL: %s", cfg.assignmentTTL)
	}
	if cfg.sweepInterval <= 0 || cfg.computePollInterval <= 0 || cfg.schedulerResolution <= 0 {
		return fmt.Errorf("background loop intervals must be positive")
	}
	return nil
}

func IsDevMode() bool {
	return cfg.devMode
}

func GetAPIPort() string {
	return cfg.apiPort
}

func GetCORSAllowedOrigins() []string {
	return cfg.corsAllowedOrigins
}

func GetRequestTimeout() time.Duration {
	return cfg.requestTimeout
}

func GetJWTSecret() string {
	return cfg.jwtSecret
}

func GetSessionTTL() time.Duration {
	return cfg.sessionTTL
}

func GetPrivyAppID() string {
	return cfg.privyAppID
}

func GetPrivyAppSecret() string {
	return cfg.privyAppSecret
}

func GetPrivyVerificationKey() string {
	return cfg.privyVerificationKey
}

func GetPrivyAPIURL() string {
	return cfg.privyAPIURL
}

func GetStoreBackend() string {
	return cfg.storeBackend
}

func GetPostgresURL() string {
	return cfg.postgresURL
}

func GetDatabaseHostAddress() string {
	return cfg.databaseHostAddress
}

func GetDatabaseHostPort() string {
	return cfg.databaseHostPort
}

func GetDatabaseKeyspace() string {
	return cfg.databaseKeyspace
}

func GetRedisURL() string {
	return cfg.redisURL
}

func GetRedisPassword() string {
	return cfg.redisPassword
}

func GetRateLimitPerMinute() int {
	return cfg.rateLimitPerMinute
}

func GetEthRPCURL() string {
	return cfg.ethRPCURL
}

func GetChainID() int64 {
	return cfg.chainID
}

func GetTaskEscrowAddress() string {
	return cfg.taskEscrowAddress
}

func GetOperatorPrivateKey() string {
	return cfg.operatorPrivateKey
}

func GetPlatformFeeRate() decimal.Decimal {
	return cfg.platformFeeRate
}

func GetComputeProviderURL() string {
	return cfg.computeProviderURL
}

func GetComputeProviderAPIKey() string {
	return cfg.computeProviderAPIKey
}

func GetAssignmentTTL() time.Duration {
	return cfg.assignmentTTL
}

func GetSweepInterval() time.Duration {
	return cfg.sweepInterval
}

// GetSweepSchedule is a cron spec that overrides the sweep interval when set.
func GetSweepSchedule() string {
	return cfg.sweepSchedule
}

func GetComputePollInterval() time.Duration {
	return cfg.computePollInterval
}

func GetSchedulerResolution() time.Duration {
	return cfg.schedulerResolution
}
