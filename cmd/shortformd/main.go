// Command shortformd is the pipeline daemon: it watches the queue and
// drives jobs through the stage sequence until stopped.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"shortform/internal/config"
	"shortform/internal/logging"
	"shortform/internal/queue"
	"shortform/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadDotenv()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	release, err := acquireLock(cfg)
	if err != nil {
		logger.Error("another shortformd instance is already running", logging.Error(err))
		return
	}
	defer release()

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return
	}
	defer store.Close()

	manager := workflow.NewManager(cfg, store, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("start workflow manager", logging.Error(err))
		return
	}

	logger.Info("shortformd started",
		logging.Int("max_concurrent_jobs", cfg.Workflow.MaxConcurrentJobs),
		logging.String("queue_db", store.Path()))

	<-ctx.Done()
	logger.Info("shortformd shutting down")
	manager.Stop()
}
