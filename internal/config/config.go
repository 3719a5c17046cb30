package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	FamilyAmpep               = "ampep"
	FamilyAmpep30             = "ampep30"
	FamilyAcpep               = "acpep"
	FamilyAcpepClassification = "acpep-classification"
	FamilyBestox              = "bestox"
	FamilySslGcn              = "sslgcn"
	FamilyHemopep60           = "hemopep60"
	FamilyEcotox              = "ecotox"
	FamilyCodon               = "codon"
	FamilyAmpRegression       = "amp-regression"
)

type MicroserviceConfig struct {
	AmpepURL                string `env:"AMPEP_MICROSERVICE_BASE_URL" envDefault:"http://localhost:8001"`
	Ampep30URL              string `env:"DEEPAMPEP30_MICROSERVICE_BASE_URL" envDefault:"http://localhost:8002"`
	AcpepClassificationURL  string `env:"XDEEP_ACPEP_CLASSIFICATION_BASE_URL" envDefault:"http://localhost:8003"`
	AcpepURL                string `env:"XDEEP_ACPEP_BASE_URL" envDefault:"http://localhost:8004"`
	CodonURL                string `env:"CODON_MICROSERVICE_BASE_URL" envDefault:"http://localhost:8005"`
	BestoxURL               string `env:"BESTOX_MICROSERVICE_BASE_URL" envDefault:"http://localhost:8006"`
	SslGcnURL               string `env:"SSL_GCN_MICROSERVICE_BASE_URL" envDefault:"http://localhost:8007"`
	AmpRegressionURL        string `env:"AMP_REGRESSION_EC_SA_PREDICT_BASE_URL" envDefault:"http://127.0.0.1:8889"`
	EcotoxURL               string `env:"ECOTOXICOLOGY_MICROSERVICE_BASE_URL" envDefault:"http://127.0.0.1:8890"`
	Hemopep60URL            string `env:"BERT_HEMOPEP60_MICROSERVICE_BASE_URL" envDefault:"http://localhost:9001"`

	Timeout          time.Duration `env:"MICROSERVICE_TIMEOUT" envDefault:"300s"`
	CodonTimeout     time.Duration `env:"CODON_MICROSERVICE_TIMEOUT" envDefault:"300s"`
	MaxAttempts      int           `env:"MICROSERVICE_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff   time.Duration `env:"MICROSERVICE_INITIAL_BACKOFF" envDefault:"2s"`
	MaxBackoff       time.Duration `env:"MICROSERVICE_MAX_BACKOFF" envDefault:"30s"`
	ChunkConcurrency int           `env:"MICROSERVICE_CHUNK_CONCURRENCY" envDefault:"2"`
	HealthInterval   time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"1m"`
}

// FeatureFlags decide, per prediction family, whether the remote service is
// tried before the local script.
type FeatureFlags struct {
	UseAmpep               bool `env:"USE_AMPEP_MICROSERVICE" envDefault:"false"`
	UseAmpep30             bool `env:"USE_DEEPAMPEP30_MICROSERVICE" envDefault:"false"`
	UseAcpep               bool `env:"USE_XDEEP_ACPEP_MICROSERVICE" envDefault:"true"`
	UseAcpepClassification bool `env:"USE_XDEEP_ACPEP_CLASSIFICATION_MICROSERVICE" envDefault:"false"`
	UseBestox              bool `env:"USE_BESTOX_MICROSERVICE" envDefault:"true"`
	UseSslGcn              bool `env:"USE_SSL_GCN_MICROSERVICE" envDefault:"true"`
	UseCodon               bool `env:"USE_CODON_MICROSERVICE" envDefault:"true"`
	UseAmpRegressionV2     bool `env:"USE_AMP_REGRESSION_V2_API" envDefault:"true"`
}

func (f FeatureFlags) UseMicroservice(family string) bool {
	switch family {
	case FamilyAmpep:
		return f.UseAmpep
	case FamilyAmpep30:
		return f.UseAmpep30
	case FamilyAcpep:
		return f.UseAcpep
	case FamilyAcpepClassification:
		return f.UseAcpepClassification
	case FamilyBestox:
		return f.UseBestox
	case FamilySslGcn:
		return f.UseSslGcn
	case FamilyCodon:
		return f.UseCodon
	case FamilyAmpRegression:
		return f.UseAmpRegressionV2
	case FamilyHemopep60, FamilyEcotox:
		// These families have no local script.
		return true
	default:
		return false
	}
}

type ExecutionConfig struct {
	TasksDir          string        `env:"TASKS_DIR" envDefault:"./Tasks"`
	ScriptsRoot       string        `env:"SCRIPTS_ROOT" envDefault:".."`
	Python            string        `env:"PYTHON_VER" envDefault:"python3"`
	Rscript           string        `env:"RSCRIPT_BIN" envDefault:"Rscript"`
	ScriptsConfig     string        `env:"SCRIPTS_CONFIG" envDefault:""`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" envDefault:"7200s"`
	ProcessTimeout    time.Duration `env:"PROCESS_TIMEOUT" envDefault:"3600s"`
	MethodConcurrency int           `env:"METHOD_CONCURRENCY" envDefault:"4"`
	// Number of tasks a worker process runs at the same time.
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"1"`
}

type ReconcileConfig struct {
	// Continuous AcPEP scores strictly above this value are labelled positive.
	AcpepLabelThreshold float64 `env:"XDEEP_ACPEP_LABEL_THRESHOLD" envDefault:"0.0"`
}

type Config struct {
	Microservices MicroserviceConfig
	Features      FeatureFlags
	Execution     ExecutionConfig
	Reconcile     ReconcileConfig
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	slog.Info("loaded config", "tasks_dir", cfg.Execution.TasksDir, "scripts_root", cfg.Execution.ScriptsRoot, "method_concurrency", cfg.Execution.MethodConcurrency)

	return cfg, nil
}

// Default returns the configuration obtained with an empty environment.
func Default() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return cfg
}

func (c Config) validate() error {
	if c.Microservices.MaxAttempts < 1 {
		return fmt.Errorf("MICROSERVICE_MAX_ATTEMPTS must be at least 1, got %d", c.Microservices.MaxAttempts)
	}
	if c.Execution.MethodConcurrency < 1 {
		return fmt.Errorf("METHOD_CONCURRENCY must be at least 1, got %d", c.Execution.MethodConcurrency)
	}
	if c.Execution.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Execution.WorkerConcurrency)
	}
	if c.Execution.ProcessTimeout <= 0 || c.Execution.JobTimeout <= 0 {
		return fmt.Errorf("PROCESS_TIMEOUT and JOB_TIMEOUT must be positive")
	}
	return nil
}
