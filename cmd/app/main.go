package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/stefluhh/realtime-stock-exchange-analysis/internal/di"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/config"
	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	l, err := logger.New(&cfg.Logger)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	l.Info("starting",
		logger.String("env", cfg.Environment),
		logger.String("storage", cfg.Storage.Backend),
		logger.Bool("feed", cfg.Polygon.Enabled),
		logger.Bool("kafka_replay", cfg.Kafka.Consumer.Enabled),
	)

	// Wire DI: Initialize all dependencies
	app, err := di.InitializeApp(cfg, l)
	if err != nil {
		l.Error("app initialization failed", logger.Error(err))
		os.Exit(1)
	}

	// Run application (blocks until signal)
	if err := app.Run(); err != nil {
		l.Error("app error", logger.Error(err))
		os.Exit(1)
	}
}
