package core_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"axpep-backend/internal/config"
	"axpep-backend/internal/core"
	"axpep-backend/internal/database"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/process"
	"axpep-backend/internal/sequence"
	"axpep-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// Every new connection would open an empty in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func createStore(t *testing.T) *storage.LocalTaskStore {
	store, err := storage.NewLocalTaskStore(t.TempDir())
	require.NoError(t, err)
	return store
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []process.Command
	// run emulates the script, usually by writing the artifact.
	run func(cmd process.Command) error
}

func (r *fakeRunner) Run(ctx context.Context, cmd process.Command) (process.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	if r.run == nil {
		return process.Result{}, nil
	}
	if err := r.run(cmd); err != nil {
		return process.Result{ExitCode: 1}, &process.Failure{Command: cmd.String(), ExitCode: 1, Stderr: err.Error(), Err: err}
	}
	return process.Result{}, nil
}

func (r *fakeRunner) Calls() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Command(nil), r.calls...)
}

// writeArg writes content to the path passed as argument i.
func writeArg(i int, content string) func(cmd process.Command) error {
	return func(cmd process.Command) error {
		return os.WriteFile(cmd.Args[i], []byte(content), 0644)
	}
}

type fakePredictor struct {
	name    string
	mu      sync.Mutex
	calls   int
	predict func(req microservice.Request) ([]microservice.Prediction, error)
}

func (p *fakePredictor) Name() string {
	return p.name
}

func (p *fakePredictor) Predict(ctx context.Context, req microservice.Request) ([]microservice.Prediction, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.predict(req)
}

func (p *fakePredictor) NormalizeResponse(raw []byte) ([]microservice.Prediction, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *fakePredictor) Health(ctx context.Context) microservice.HealthStatus {
	return microservice.HealthStatus{Service: p.name, Healthy: true, Status: "healthy"}
}

func (p *fakePredictor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func failingPredictor(name string) *fakePredictor {
	return &fakePredictor{name: name, predict: func(microservice.Request) ([]microservice.Prediction, error) {
		return nil, &microservice.ConnectionError{Service: name, Attempts: 3, Err: fmt.Errorf("connection refused")}
	}}
}

func labelPredictor(name string, labels map[string]string) *fakePredictor {
	return &fakePredictor{name: name, predict: func(req microservice.Request) ([]microservice.Prediction, error) {
		preds := make([]microservice.Prediction, 0, len(req.Records))
		for _, r := range req.Records {
			label, ok := labels[r.Id]
			if !ok {
				continue
			}
			p := 0.25
			if label == "1" {
				p = 0.75
			}
			preds = append(preds, microservice.Prediction{Id: r.Id, Prediction: label, Probability: &p})
		}
		return preds, nil
	}}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Execution.ScriptsRoot = t.TempDir()
	cfg.Features.UseAmpep = true
	cfg.Features.UseAmpep30 = true
	return cfg
}

func ampepScripts() config.ScriptCatalog {
	return config.ScriptCatalog{
		"ampep":       {Executable: "ampep", Args: []string{"{input}", "{output}"}, Artifact: "ampep.out", Format: core.FormatTriplet},
		"deepampep30": {Executable: "deepampep30", Args: []string{"{input}", "{output}"}, Artifact: "deepampep30.out", Format: core.FormatTriplet},
		"rfampep30":   {Executable: "rfampep30", Args: []string{"{input}", "{output}"}, Artifact: "rfampep30.out", Format: core.FormatTriplet},
	}
}

func newExecutor(t *testing.T, cfg config.Config, predictors map[string]microservice.Predictor, orfs core.ORFExtractor, runner process.Runner, scripts config.ScriptCatalog, store storage.TaskStore) *core.MethodExecutor {
	executor, err := core.NewMethodExecutor(cfg, predictors, orfs, runner, scripts, store)
	require.NoError(t, err)
	return executor
}

const twoPeptides = ">seq1\nACDE\n>seq2\nKLMN\n"

func writeInput(t *testing.T, store storage.TaskStore, taskId uuid.UUID, name, content string) []sequence.Record {
	require.NoError(t, store.Write(taskId, name, []byte(content)))
	if filepath.Ext(name) == ".smi" {
		records, err := sequence.ParseSmilesBytes([]byte(content))
		require.NoError(t, err)
		return records
	}
	records, err := sequence.ParseFastaBytes([]byte(content))
	require.NoError(t, err)
	return records
}

func readFile(t *testing.T, store storage.TaskStore, taskId uuid.UUID, name string) string {
	data, err := store.Read(taskId, name)
	require.NoError(t, err)
	return string(data)
}
