package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Config loaded successfully")

	db, err := storage.NewPostgresClient(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to apply database schema", zap.Error(err))
	}

	logger.Info("Database connected successfully")

	lifecycle := system.NewLifecycleManager(db, cfg, logger)

	if err := lifecycle.Start(); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("MachineConnect started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	// Running workflows get the shutdown timeout to finish.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("MachineConnect stopped successfully")
}
