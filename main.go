package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hoopcast/config"
	"hoopcast/db"
	qhttp "hoopcast/http"
	"hoopcast/llm"
	"hoopcast/logging"
	"hoopcast/monitoring"
	"hoopcast/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("hoopcast exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetricsCollector()
	hub := monitoring.NewHub(logger.Named("ws"))
	go hub.Run(ctx)

	opts := []pipeline.Option{
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMetrics(metrics),
		pipeline.WithPublisher(hub),
	}

	// 2. Initialize database
	if cfg.Database.Path != "" {
		if err := db.InitDB(cfg.Database.Path); err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, pipeline.WithRunStore(db.RunStore{}))
		logger.Info("database initialized", zap.String("path", cfg.Database.Path))
	}

	service, err := pipeline.NewService(pipeline.Config{
		DatasetPath:  cfg.Dataset.Path,
		Features:     cfg.Dataset.FeatureColumns,
		Label:        cfg.Dataset.LabelColumn,
		SeasonColumn: cfg.Dataset.SeasonColumn,
		Encoding:     cfg.Dataset.Encoding,
		CellPolicy:   cfg.CellPolicy(),
		CacheSize:    cfg.Cache.Predictions,
	}, opts...)
	if err != nil {
		return err
	}

	if cfg.Dataset.TrainOnStart {
		go func() {
			if _, err := service.Train(ctx, pipeline.TrainRequest{Name: "startup"}); err != nil {
				logger.Warn("startup training failed", zap.Error(err))
			}
		}()
	}
	if cfg.Dataset.AutoRetrain {
		watcher := pipeline.NewWatcher(cfg.Dataset.Path, service, 2*time.Second, logger.Named("watcher"))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("dataset watcher stopped", zap.Error(err))
			}
		}()
	}

	deps := qhttp.Dependencies{
		Service: service,
		Hub:     hub,
		Metrics: metrics,
		Logger:  logger.Named("http"),
	}
	if cfg.LLM.APIKey != "" {
		deps.Narrator = llm.NewNarrator(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, cfg.LLM.MaxTokens, logger.Named("llm"))
	}

	// 3. Start HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Http.Port,
		ReadTimeout:    30 * time.Second,
		AllowedOrigins: cfg.Http.AllowedOrigins,
		MaxBodyBytes:   cfg.Http.MaxBodyBytes,
	}, deps)
	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()
	logger.Info("hoopcast ready",
		zap.Int("port", cfg.Http.Port),
		zap.Strings("features", cfg.Dataset.FeatureColumns))

	// 4. Handle graceful shutdown
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
		return errors.New("http server stopped unexpectedly")
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	return nil
}
