package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"

	"axpep-backend/internal/config"
	"axpep-backend/internal/core"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/process"
	"axpep-backend/internal/storage"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// ArchiveConfig points at the object store that holds task directories when
// the api and the workers do not share a filesystem.
type ArchiveConfig struct {
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION"`
	TaskBucketName    string `env:"TASK_BUCKET_NAME" envDefault:"tasks"`
}

// CreateArchive returns nil when no object store is configured.
func CreateArchive(ctx context.Context, cfg ArchiveConfig) (*core.Archive, error) {
	if cfg.S3EndpointURL == "" {
		slog.Info("no object store configured, task directories stay local")
		return nil, nil
	}

	store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating object store: %w", err)
	}

	if err := store.CreateBucket(ctx, cfg.TaskBucketName); err != nil {
		return nil, fmt.Errorf("error creating task bucket: %w", err)
	}

	return &core.Archive{Store: store, Bucket: cfg.TaskBucketName}, nil
}

// Pipeline holds everything a worker needs to run prediction tasks.
type Pipeline struct {
	Store        storage.TaskStore
	Reconciler   *core.Reconciler
	Orchestrator *core.TaskOrchestrator
	Health       *core.HealthMonitor
}

func CreateTaskStore(cfg config.Config) storage.TaskStore {
	store, err := storage.NewLocalTaskStore(cfg.Execution.TasksDir)
	if err != nil {
		log.Fatalf("Failed to create task store: %v", err)
	}
	return store
}

// CreateHealthMonitor probes every prediction service, including the ones
// that are not used through the predictor interface.
func CreateHealthMonitor(cfg config.Config, predictors map[string]microservice.Predictor) *core.HealthMonitor {
	checkers := make(map[string]core.HealthChecker, len(predictors)+2)
	for family, p := range predictors {
		checkers[family] = p
	}
	checkers[config.FamilyCodon] = microservice.NewCodonClient(cfg.Microservices)
	checkers[config.FamilyAmpRegression] = microservice.NewAmpRegressionClient(cfg.Microservices)

	return core.NewHealthMonitor(checkers, cfg.Microservices.HealthInterval)
}

func CreatePipeline(cfg config.Config, db *gorm.DB, archive *core.Archive) *Pipeline {
	store := CreateTaskStore(cfg)

	scripts, err := config.LoadScriptCatalog(cfg.Execution.ScriptsConfig)
	if err != nil {
		log.Fatalf("Failed to load script catalog: %v", err)
	}

	predictors := microservice.NewPredictors(cfg.Microservices)

	executor, err := core.NewMethodExecutor(
		cfg,
		predictors,
		microservice.NewCodonClient(cfg.Microservices),
		process.NewExecRunner(cfg.Execution.ProcessTimeout),
		scripts,
		store,
	)
	if err != nil {
		log.Fatalf("Failed to create method executor: %v", err)
	}

	reconciler := core.NewReconciler(store, cfg.Reconcile.AcpepLabelThreshold)

	orchestrator := core.NewTaskOrchestrator(db, store, executor, reconciler, microservice.NewAmpRegressionClient(cfg.Microservices), cfg, archive)

	return &Pipeline{
		Store:        store,
		Reconciler:   reconciler,
		Orchestrator: orchestrator,
		Health:       CreateHealthMonitor(cfg, predictors),
	}
}
