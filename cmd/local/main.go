package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"axpep-backend/cmd"
	"axpep-backend/internal/api"
	"axpep-backend/internal/config"
	"axpep-backend/internal/core"
	"axpep-backend/internal/database"
	"axpep-backend/internal/messaging"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root       string `env:"ROOT" envDefault:"./axpep"`
	Port       int    `env:"PORT" envDefault:"3001"`
	AppDataDir string `env:"APP_DATA_DIR" envDefault:"./axpep"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "axpep.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue requeues tasks that were submitted or running when the previous
// process stopped.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var tasks []database.Task
	if err := db.Where("action IN ?", []string{database.TaskReady, database.TaskRunning}).Order("created_at ASC").Find(&tasks).Error; err != nil {
		log.Fatalf("Failed to fetch tasks from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, task := range tasks {
		if err := queue.PublishPredictionTask(context.Background(), messaging.PredictionTaskPayload{TaskId: task.Id}); err != nil {
			log.Fatalf("Failed to publish prediction task: %v", err)
		}
	}
	if len(tasks) > 0 {
		slog.Info("requeued unfinished tasks", "count", len(tasks))
	}

	return queue
}

func createServer(apiHandler *api.BackendService, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var localCfg Config
	if err := env.Parse(&localCfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(localCfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(localCfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	if os.Getenv("TASKS_DIR") == "" {
		cfg.Execution.TasksDir = filepath.Join(localCfg.Root, "Tasks")
	}

	slog.Info("starting backend", "root", localCfg.Root, "port", localCfg.Port, "app_data_dir", localCfg.AppDataDir, "tasks_dir", cfg.Execution.TasksDir)

	db := createDatabase(localCfg.AppDataDir)

	queue := createQueue(db)

	pipeline := cmd.CreatePipeline(cfg, db, nil)
	if err := pipeline.Health.Start(); err != nil {
		log.Fatalf("Failed to start health monitor: %v", err)
	}
	defer pipeline.Health.Stop()

	worker := core.NewTaskProcessor(db, queue, pipeline.Orchestrator, pipeline.Store, nil, cfg.Execution.JobTimeout, cfg.Execution.WorkerConcurrency)

	apiHandler := api.NewBackendService(db, pipeline.Store, queue, pipeline.Reconciler, nil, pipeline.Health)
	server := createServer(apiHandler, localCfg.Port)

	slog.Info("starting worker")
	go worker.Start()

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

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", localCfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", localCfg.Port, err)
	}

	slog.Info("server stopped")
}
