package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/broker"
	"github.com/tradeforge/lotexec/internal/config"
	"github.com/tradeforge/lotexec/internal/engine"
	"github.com/tradeforge/lotexec/internal/events"
	"github.com/tradeforge/lotexec/internal/feed"
	"github.com/tradeforge/lotexec/internal/persist"
	"github.com/tradeforge/lotexec/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	store, err := persist.OpenSQLite(cfg.Persist.Path)
	if err != nil {
		zapLogger.Fatal("Failed to open position store", zap.Error(err))
	}

	tickQueue := events.NewTickQueue(cfg.Queues.TickCapacity)
	wsFeed := feed.NewWS(zapLogger, cfg.Feed.URL, tickQueue)

	// The broker session is an external collaborator; without one configured
	// the engine runs against the paper broker (dry run).
	submitter := broker.NewPaper()
	zapLogger.Info("no broker session configured, running with paper submitter")

	eng, err := engine.New(zapLogger, cfg, submitter, wsFeed, store, tickQueue, engine.Callbacks{})
	if err != nil {
		zapLogger.Fatal("Failed to build engine", zap.Error(err))
	}

	eng.Start()
	if cfg.Feed.URL != "" {
		wsFeed.Start()
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.Server.MetricsAddr, nil); err != nil {
			zapLogger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	zapLogger.Info("lotexec running",
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("feed_url", cfg.Feed.URL))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")
	wsFeed.Stop()
	eng.Stop()
}
