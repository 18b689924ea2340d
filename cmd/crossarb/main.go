package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crossarb/internal/arbitrage"
	"crossarb/internal/config"
	"crossarb/internal/database"
	"crossarb/internal/exchange"
	"crossarb/internal/execution"
	"crossarb/internal/notify"
	"crossarb/internal/pipeline"
	"crossarb/internal/risk"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("crossarb exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(configPath string) error {
	provider, err := config.NewProvider(configPath, nil)
	if err != nil {
		return err
	}
	cfg := provider.Config()
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	provider.Watch()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []pipeline.Sink
	if cfg.Database.Host != "" {
		pool, err := database.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer pool.Close()
		repo := &database.PostgresRepository{Pool: pool}
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, repo)
		logger.Info("Persisting to PostgreSQL", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)
	}
	if cfg.Redis.Addr != "" {
		pub, err := notify.NewRedisPublisher(ctx, notify.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		logger.Info("Publishing events to Redis", "addr", cfg.Redis.Addr)
	}

	registry, err := exchange.NewRegistryFromConfig(logger, cfg.Arbitrage.Exchanges, cfg.Exchanges)
	if err != nil {
		return err
	}
	pairs, err := cfg.Arbitrage.TradingPairs()
	if err != nil {
		return err
	}

	p := pipeline.New(logger, registry, risk.NewController(provider), pipeline.Config{
		Detector: arbitrage.DetectorConfig{
			ScanInterval:       cfg.Arbitrage.ScanInterval,
			MaxConcurrentScans: cfg.Arbitrage.MaxConcurrentScans,
			MaxQuoteAge:        cfg.Arbitrage.MaxQuoteAge,
			FeeRates:           cfg.FeeRates(),
			Buffer:             cfg.Arbitrage.StreamBuffer,
		},
		Executor: execution.ExecutorConfig{
			SellRetries:      cfg.Arbitrage.SellRetries,
			SellRetryBackoff: cfg.Arbitrage.SellRetryBackoff,
		},
		BookDepth:    cfg.Arbitrage.BookDepth,
		StreamBuffer: cfg.Arbitrage.StreamBuffer,
	}, sinks...)

	if err := p.Start(ctx, pairs); err != nil {
		return err
	}
	defer p.Stop()

	logger.Info("crossarb running", "exchanges", cfg.Arbitrage.Exchanges, "pairs", cfg.Arbitrage.Pairs)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return nil
		case <-ticker.C:
			st := p.Stats()
			logger.Info("Pipeline stats",
				"detected", st.OpportunitiesDetected,
				"dropped", st.OpportunitiesDropped,
				"attempted", st.ExecutionsAttempted,
				"succeeded", st.ExecutionsSucceeded,
				"failed", st.ExecutionsFailed,
				"stranded", st.Stranded,
				"rejected", st.Rejected,
				"sinkDropped", st.SinkDropped,
				"venueErrors", st.VenueErrors,
			)
		}
	}
}
