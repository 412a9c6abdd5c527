// Command pelagosd runs the compute-job ordering and payment
// orchestration engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/pelagos-market/pelagos/api"
	"github.com/pelagos-market/pelagos/config"
	"github.com/pelagos-market/pelagos/credentials"
	"github.com/pelagos-market/pelagos/escrow"
	"github.com/pelagos-market/pelagos/journal"
	"github.com/pelagos-market/pelagos/ledger"
	"github.com/pelagos-market/pelagos/orchestrator"
	"github.com/pelagos-market/pelagos/pricing"
	"github.com/pelagos-market/pelagos/provider"
	"github.com/pelagos-market/pelagos/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pelagosd",
		Short: "Compute-job ordering and payment orchestration engine",
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pelagosd %s (built %s)\n", version, buildTime)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (log.Logger, error) {
	opts := []log.Option{}
	if cfg.Format == "json" {
		opts = append(opts, log.OutputJSONOption())
	}
	filter, err := log.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts = append(opts, log.FilterOption(filter))
	return log.NewLogger(os.Stderr, opts...), nil
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	logger.Info("starting pelagosd", "version", version, "build_time", buildTime)

	// Attempt journal: durable when a database is configured.
	var jnl journal.Journal = journal.Nop{}
	if cfg.JournalEnabled() {
		logger.Info("connecting to journal database",
			"host", cfg.Database.Host, "db", cfg.Database.Database)
		pg, err := journal.NewPostgres(journal.Config{
			URL:             cfg.Database.ConnectionString(),
			MaxConnections:  cfg.Database.MaxOpenConns,
			MaxIdle:         cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return fmt.Errorf("journal database: %w", err)
		}
		defer pg.Close()
		jnl = pg
	}

	// Credential session cache: Redis when configured, else in-memory.
	var sessions credentials.SessionCache = credentials.NewMemoryCache()
	if cfg.SessionCacheShared() {
		logger.Info("connecting to session cache", "addr", cfg.Redis.Addr())
		redisCache, err := credentials.NewRedisCache(credentials.RedisConfig{
			Address:  cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "pelagos:sessions:",
			TTL:      cfg.Redis.SessionTTL,
		})
		if err != nil {
			return fmt.Errorf("session cache: %w", err)
		}
		defer redisCache.Close()
		sessions = redisCache
	}

	var checker credentials.Checker = credentials.NopChecker{}
	if cfg.Provider.SessionURL != "" {
		checker = credentials.NewHTTPChecker(cfg.Provider.SessionURL)
	}

	bridge := ledger.NewBridge(cfg.Ledger.BridgeURL, cfg.Ledger.Timeout, logger)
	metrics := telemetry.NewMetrics()

	orch := orchestrator.New(orchestrator.Deps{
		Pricing: pricing.New(pricing.MarketFeeConfig{
			Address: cfg.Market.FeeAddress,
			Bps:     cfg.Market.FeeBps,
		}),
		Escrow:                 escrow.NewVerifier(bridge, logger),
		Sessions:               sessions,
		Checker:                checker,
		Provider:               provider.NewClient(cfg.Provider.Timeout, logger),
		Settler:                bridge,
		Journal:                jnl,
		Metrics:                metrics,
		Logger:                 logger,
		EscrowToleranceSeconds: cfg.Ledger.EscrowToleranceSeconds,
	})

	if !cfg.Telemetry.Enabled {
		metrics = nil
	}
	server := api.NewServer(cfg.API, orch, sessions, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
