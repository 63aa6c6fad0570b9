package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"

	"github.com/datarand/datarand-backend/internal/marketplace/api"
	"github.com/datarand/datarand-backend/internal/marketplace/api/handlers"
	"github.com/datarand/datarand-backend/internal/marketplace/api/middleware"
	"github.com/datarand/datarand-backend/internal/marketplace/config"
	"github.com/datarand/datarand-backend/internal/marketplace/events"
	"github.com/datarand/datarand-backend/internal/marketplace/identity"
	"github.com/datarand/datarand-backend/internal/marketplace/metrics"
	"github.com/datarand/datarand-backend/internal/marketplace/poller"
	"github.com/datarand/datarand-backend/internal/marketplace/sweeper"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/retry"
	"github.com/datarand/datarand-backend/pkg/scheduler"
)

const shutdownTimeout = 30 * time.Second

func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the assignment sweeper and the compute poller",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "apply the store schema before serving",
				Value: true,
			},
		},
		Action: serve,
	}
}

func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply the store schema and exit",
		Action: runMigrate,
	}
}

func SweepCommand() *cli.Command {
	return &cli.Command{
		Name:   "sweep",
		Usage:  "Run one assignment sweep and exit",
		Action: runSweep,
	}
}

func runMigrate(c *cli.Context) error {
	logger, err := setup(c, logging.MigrateProcess)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	st, err := openStore(c.Context, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	return migrate(c.Context, st, logger)
}

func runSweep(c *cli.Context) error {
	logger, err := setup(c, logging.SweeperProcess)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	st, err := openStore(c.Context, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	esc, err := openEscrow(logger)
	if err != nil {
		return fmt.Errorf("failed to connect escrow contract: %w", err)
	}
	defer esc.Close()

	manager, err := newManager(st, esc, nil, events.Discard, clock.New(), logger)
	if err != nil {
		return err
	}

	var locker sweeper.Locker
	rdb, err := openRedis(logger)
	if err != nil {
		logger.Warnf("Redis unavailable, sweeping without a lock: %v", err)
	} else if rdb != nil {
		defer rdb.Close()
		locker = rdb
	}

	sw := sweeper.New(sweeper.Config{
		TTL:      config.GetAssignmentTTL(),
		Interval: config.GetSweepInterval(),
	}, manager, locker, logger)

	result, err := sw.Sweep(c.Context)
	if err != nil {
		return err
	}
	logger.Info("Sweep finished", "abandoned", result.Abandoned, "expired", result.Expired, "skipped", result.Skipped)
	return nil
}

func serve(c *cli.Context) error {
	logger, err := setup(c, logging.APIProcess)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	logger.Info("Starting DataRand marketplace...",
		"dev_mode", config.IsDevMode(),
		"port", config.GetAPIPort(),
		"store", config.GetStoreBackend(),
	)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	clk := clock.New()

	st, err := openStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	if c.Bool("migrate") {
		if err := migrate(ctx, st, logger); err != nil {
			return err
		}
	}

	rdb, err := openRedis(logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	esc, err := openEscrow(logger)
	if err != nil {
		return fmt.Errorf("failed to connect escrow contract: %w", err)
	}
	defer esc.Close()

	httpClient, err := retry.NewHTTPClient(retry.DefaultHTTPRetryConfig(), logger)
	if err != nil {
		return err
	}
	provider, err := openCompute(httpClient, logger)
	if err != nil {
		return fmt.Errorf("failed to configure compute provider: %w", err)
	}
	verifier, err := openVerifier(httpClient, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to configure identity provider: %w", err)
	}
	sessions, err := identity.NewSessions(config.GetJWTSecret(), config.GetSessionTTL(), clk)
	if err != nil {
		return err
	}

	hub := events.NewHub(config.GetCORSAllowedOrigins(), logger)
	manager, err := newManager(st, esc, provider, hub, clk, logger)
	if err != nil {
		return err
	}

	var (
		fingerprints identity.FingerprintTracker
		locker       sweeper.Locker
		limiter      *middleware.RateLimiter
	)
	if rdb != nil {
		fingerprints = rdb
		locker = rdb
		limiter, err = middleware.NewRateLimiter(rdb, config.GetRateLimitPerMinute(), clk, logger)
		if err != nil {
			return err
		}
	}
	ids := identity.NewService(st, verifier, sessions, fingerprints, clk, logger)

	sched := scheduler.New(clk, config.GetSchedulerResolution(), logger)
	sw := sweeper.New(sweeper.Config{
		TTL:      config.GetAssignmentTTL(),
		Interval: config.GetSweepInterval(),
		Schedule: config.GetSweepSchedule(),
	}, manager, locker, logger)
	if err := sw.Register(sched); err != nil {
		return err
	}
	if provider != nil {
		pl := poller.New(sched, provider, manager, config.GetComputePollInterval(), logger)
		manager.SetComputeTracker(pl)
		n, err := pl.Rebuild(ctx)
		if err != nil {
			return fmt.Errorf("failed to rebuild compute poller: %w", err)
		}
		logger.Infof("Tracking %d pending compute jobs", n)
	}

	server := api.NewServer(api.Config{
		Port:           config.GetAPIPort(),
		AllowedOrigins: config.GetCORSAllowedOrigins(),
		RequestTimeout: config.GetRequestTimeout(),
	}, api.Dependencies{
		Handler: handlers.NewHandler(handlers.Config{
			Market:   manager,
			Identity: ids,
			Store:    st,
			Events:   hub,
			Clock:    clk,
		}, logger),
		Auth:        ids,
		RateLimiter: limiter,
	}, logger)

	stopMetrics := make(chan struct{})
	metrics.StartMetricsCollection(stopMetrics)
	defer close(stopMetrics)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	sched.Start(ctx)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if err != nil {
			logger.Error("Server error received", "error", err)
		}
	case sig := <-shutdown:
		logger.Info("Received shutdown signal", "signal", sig.String())
	}

	return performGracefulShutdown(server, sched, cancel, &wg, logger)
}

// performGracefulShutdown drains HTTP first so no request mutates state after
// the background loops stop.
func performGracefulShutdown(server *api.Server, sched *scheduler.Scheduler, cancel context.CancelFunc, wg *sync.WaitGroup, logger logging.Logger) error {
	logger.Info("Initiating graceful shutdown...")

	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	var shutdownErr error
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server forced to shutdown", "error", err)
		shutdownErr = err
	}

	cancel()
	sched.Stop()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		logger.Info("Shutdown complete")
	case <-ctx.Done():
		logger.Warn("Shutdown timed out waiting for background workers")
	}
	return shutdownErr
}
