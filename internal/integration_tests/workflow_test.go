//go:build integration

package integrationtests

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	backend "axpep-backend/internal/api"
	"axpep-backend/internal/config"
	"axpep-backend/internal/core"
	"axpep-backend/internal/database"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/process"
	"axpep-backend/internal/storage"
	"axpep-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptCatalog runs rfampep30 as a shell script that labels every record
// negative.
func scriptCatalog() config.ScriptCatalog {
	catalog := config.DefaultScripts()
	catalog["rfampep30"] = config.Script{
		Executable: "sh",
		Args:       []string{"-c", `grep '>' "$0" | sed 's/^>//; s/$/ 0 0.4/' > "$1"`, "{input}", "{output}"},
		Artifact:   "rfampep30.out",
		Format:     "triplet",
	}
	return catalog
}

func waitForTask(t *testing.T, router http.Handler, taskId uuid.UUID, timeout time.Duration) api.Task {
	var task api.Task
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		require.NoError(t, httpRequest(router, http.MethodGet, "/tasks/"+taskId.String(), nil, &task))
		if task.Action == database.TaskFinished || task.Action == database.TaskFailed {
			return task
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("task %s did not complete, last status %s", taskId, task.Action)
	return task
}

func TestPredictionWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db := createDB(t)
	publisher, receiver := setupRabbitMQContainer(t, ctx)
	objects := setupObjectStore(t, ctx)
	require.NoError(t, objects.CreateBucket(ctx, taskBucket))
	archive := &core.Archive{Store: objects, Bucket: taskBucket}

	cfg := config.Default()
	cfg.Microservices.AmpepURL = ampepService(t).URL
	cfg.Features.UseAmpep = true
	cfg.Features.UseAmpep30 = false
	cfg.Features.UseAmpRegressionV2 = false

	// The api and the worker have separate task directories, inputs travel
	// through the object store.
	apiStore, err := storage.NewLocalTaskStore(t.TempDir())
	require.NoError(t, err)
	workerStore, err := storage.NewLocalTaskStore(t.TempDir())
	require.NoError(t, err)

	executor, err := core.NewMethodExecutor(cfg, microservice.NewPredictors(cfg.Microservices), nil, process.NewExecRunner(time.Minute), scriptCatalog(), workerStore)
	require.NoError(t, err)
	reconciler := core.NewReconciler(workerStore, 0)
	orchestrator := core.NewTaskOrchestrator(db, workerStore, executor, reconciler, nil, cfg, archive)

	worker := core.NewTaskProcessor(db, receiver, orchestrator, workerStore, archive, time.Minute, 1)
	go worker.Start()
	defer worker.Stop()

	service := backend.NewBackendService(db, apiStore, publisher, core.NewReconciler(apiStore, 0), archive, nil)
	router := chi.NewRouter()
	service.AddRoutes(router)

	var submitted api.SubmitTaskResponse
	require.NoError(t, httpRequest(router, http.MethodPost, "/tasks", api.SubmitTaskRequest{
		Application: "ampep",
		Email:       "user@example.com",
		Input:       ">pep1\nGLFDIVKKVVGALGSL\n>pep2\nACDEFGHIK\n>pep3\nKWKLFKKIEKVGQNIR\n",
		Methods:     []string{"ampep", "rfampep30"},
	}, &submitted))

	task := waitForTask(t, router, submitted.TaskId, 2*time.Minute)
	require.Equal(t, database.TaskFinished, task.Action, fmt.Sprintf("%+v", task.Errors))

	require.Len(t, task.Methods, 2)
	assert.Equal(t, database.SourceMicroservice, task.Methods[0].Source)
	assert.Equal(t, database.SourceProcess, task.Methods[1].Source)
	require.NotNil(t, task.Methods[0].Positives)
	assert.Equal(t, int64(2), *task.Methods[0].Positives)

	expected := "id,ampep,rfampep30,number_of_positives,sequence\n" +
		"pep1,1,0,1,GLFDIVKKVVGALGSL\n" +
		"pep2,0,0,0,ACDEFGHIK\n" +
		"pep3,1,0,1,KWKLFKKIEKVGQNIR\n"

	data, err := workerStore.Read(submitted.TaskId, core.ClassificationTable)
	require.NoError(t, err)
	assert.Equal(t, expected, string(data))

	archived, err := objects.GetObject(ctx, taskBucket, submitted.TaskId.String()+"/"+core.ScoreTable)
	require.NoError(t, err)
	defer archived.Close()
	score, err := io.ReadAll(archived)
	require.NoError(t, err)
	assert.Equal(t,
		"id,ampep,rfampep30,product_of_probability,sequence\n"+
			"pep1,0.9,0.4,0.36,GLFDIVKKVVGALGSL\n"+
			"pep2,0.2,0.4,0.08,ACDEFGHIK\n"+
			"pep3,0.9,0.4,0.36,KWKLFKKIEKVGQNIR\n",
		string(score))
}

func TestObjectStoreDirectories(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objects := setupObjectStore(t, ctx)
	require.NoError(t, objects.CreateBucket(ctx, taskBucket))

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "input.fasta"), []byte(">a\nACDE\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "ampep.out"), []byte("a 1 0.9\n"), 0644))

	taskId := uuid.NewString()
	require.NoError(t, objects.UploadDir(ctx, taskBucket, taskId, src))

	dest := filepath.Join(t.TempDir(), "task")
	require.NoError(t, objects.DownloadDir(ctx, taskBucket, taskId, dest, false))

	data, err := os.ReadFile(filepath.Join(dest, "nested", "ampep.out"))
	require.NoError(t, err)
	assert.Equal(t, "a 1 0.9\n", string(data))

	_, err = objects.GetObject(ctx, taskBucket, taskId+"/missing.csv")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}
