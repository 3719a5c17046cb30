package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"axpep-backend/cmd"
	"axpep-backend/internal/config"
	"axpep-backend/internal/core"
	"axpep-backend/internal/database"
	"axpep-backend/internal/messaging"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`

	Archive cmd.ArchiveConfig
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var workerCfg WorkerConfig
	if err := env.Parse(&workerCfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(workerCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	archive, err := cmd.CreateArchive(context.Background(), workerCfg.Archive)
	if err != nil {
		log.Fatalf("Failed to create archive: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(workerCfg.RabbitMQURL, cfg.Execution.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	pipeline := cmd.CreatePipeline(cfg, db, archive)

	worker := core.NewTaskProcessor(db, receiver, pipeline.Orchestrator, pipeline.Store, archive, cfg.Execution.JobTimeout, cfg.Execution.WorkerConcurrency)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutdown signal received, waiting for running tasks to finish")
		worker.Stop()
	}()

	slog.Info("worker started, waiting for tasks")
	worker.Start()

	slog.Info("worker process stopped")
}
