package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobmcallan/sfcluster/internal/common"
	"github.com/bobmcallan/sfcluster/internal/engine"
	"github.com/bobmcallan/sfcluster/internal/jobmanager"
	"github.com/bobmcallan/sfcluster/internal/server"
	"github.com/bobmcallan/sfcluster/internal/store"
)

func main() {
	// Resolve config path
	configPath := os.Getenv("SFCLUSTER_CONFIG")
	if configPath == "" {
		configPath = "sfcluster.toml"
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	common.LoadVersionFromFile()
	logger := common.NewLogger(config.Logging.Level)
	common.PrintBanner(config, logger)

	// Open the job store when persistence is configured. Store failures at
	// runtime never take the service down; failure to open the file does.
	var st jobmanager.Store
	var db *store.Store
	if config.Store.Path != "" {
		db, err = store.Open(logger, config.Store.Path)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open job store")
		}
		st = db
	}

	manager := jobmanager.NewManager(jobmanager.Config{
		ServerID: config.Server.ServerID,
		Engine: engine.Config{
			Path:    config.Engine.Path,
			Threads: config.Engine.Threads,
		},
		MaxJobs:   config.Engine.MaxJobs,
		LoadLimit: config.Store.LoadLimit,
	}, st, logger)

	// Jobs interrupted by the previous shutdown are marked errored and the
	// recent history is loaded back into memory.
	manager.Bootstrap()

	srv := server.New(config, manager, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received")

	srv.Stop()
	manager.Stop()
	if db != nil {
		db.Close()
	}

	common.PrintShutdownBanner(logger)
}
