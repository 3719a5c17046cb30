package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"axpep-backend/cmd"
	"axpep-backend/internal/api"
	"axpep-backend/internal/config"
	"axpep-backend/internal/database"
	"axpep-backend/internal/messaging"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type APIConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	APIPort     string `env:"API_PORT" envDefault:"8001"`

	Archive cmd.ArchiveConfig
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var apiCfg APIConfig
	if err := env.Parse(&apiCfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	db, err := database.NewDatabase(apiCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	archive, err := cmd.CreateArchive(context.Background(), apiCfg.Archive)
	if err != nil {
		log.Fatalf("Failed to create archive: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(apiCfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	pipeline := cmd.CreatePipeline(cfg, db, archive)
	if err := pipeline.Health.Start(); err != nil {
		log.Fatalf("Failed to start health monitor: %v", err)
	}
	defer pipeline.Health.Stop()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, pipeline.Store, publisher, pipeline.Reconciler, archive, pipeline.Health)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	server := &http.Server{
		Addr:    ":" + apiCfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	slog.Info("api server listening", "port", apiCfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", apiCfg.APIPort, err)
	}

	slog.Info("server stopped")
}
