package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	backend "axpep-backend/internal/api"
	"axpep-backend/internal/core"
	"axpep-backend/internal/database"
	"axpep-backend/internal/messaging"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/storage"
	"axpep-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

type staticHealth []microservice.HealthStatus

func (h staticHealth) Snapshot() []microservice.HealthStatus {
	return h
}

type testServer struct {
	db     *gorm.DB
	store  *storage.LocalTaskStore
	queue  *messaging.InMemoryQueue
	router chi.Router
}

func newTestServer(t *testing.T, health backend.HealthReporter) *testServer {
	db := createDB(t)
	store, err := storage.NewLocalTaskStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()

	service := backend.NewBackendService(db, store, queue, core.NewReconciler(store, 0), nil, health)
	router := chi.NewRouter()
	service.AddRoutes(router)

	return &testServer{db: db, store: store, queue: queue, router: router}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) submit(t *testing.T, req api.SubmitTaskRequest) uuid.UUID {
	rec := s.do(t, http.MethodPost, "/tasks", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.SubmitTaskResponse](t, rec).TaskId
}

const peptides = ">seq1\nACDEFGHIK\n>seq2\nLMNPQRSTVWY\n"

func TestSubmitTask(t *testing.T) {
	s := newTestServer(t, nil)

	taskId := s.submit(t, api.SubmitTaskRequest{
		Application: "ampep",
		Email:       "user@example.com",
		Input:       peptides,
		Methods:     []string{"rfampep30", "ampep"},
	})

	task, err := database.GetTask(context.Background(), s.db, taskId)
	require.NoError(t, err)
	assert.Equal(t, database.TaskReady, task.Action)
	require.Len(t, task.Methods, 2)
	assert.Equal(t, "rfampep30", task.Methods[0].Method)
	assert.Equal(t, "ampep", task.Methods[1].Method)

	input, err := s.store.Read(taskId, "input.fasta")
	require.NoError(t, err)
	assert.Equal(t, peptides, string(input))

	seeded, err := s.store.Read(taskId, core.ClassificationTable)
	require.NoError(t, err)
	assert.Equal(t, "id,rfampep30,ampep,number_of_positives,sequence\nseq1,,,,ACDEFGHIK\nseq2,,,,LMNPQRSTVWY\n", string(seeded))

	msg := <-s.queue.Tasks()
	assert.Equal(t, messaging.PredictionQueue, msg.Type())
	var payload messaging.PredictionTaskPayload
	require.NoError(t, json.Unmarshal(msg.Payload(), &payload))
	assert.Equal(t, taskId, payload.TaskId)
}

func TestSubmitTaskValidation(t *testing.T) {
	s := newTestServer(t, nil)

	cases := map[string]api.SubmitTaskRequest{
		"UnknownApplication": {Application: "proteomics", Input: peptides, Methods: []string{"ampep"}},
		"UnknownMethod":      {Application: "ampep", Input: peptides, Methods: []string{"blast"}},
		"DuplicateMethod":    {Application: "ampep", Input: peptides, Methods: []string{"ampep", "ampep"}},
		"NoMethods":          {Application: "ampep", Input: peptides},
		"SummaryMethod":      {Application: "acpep", Input: peptides, Methods: []string{"acpep-classification"}},
		"MissingHeader":      {Application: "ampep", Input: "ACDE\n", Methods: []string{"ampep"}},
		"DuplicateHeader":    {Application: "ampep", Input: ">a\nACDE\n>a\nKLMN\n", Methods: []string{"ampep"}},
		"EmptySequence":      {Application: "ampep", Input: ">a\n>b\nKLMN\n", Methods: []string{"ampep"}},
		"NonStandardResidue": {Application: "ampep", Input: ">a\nACDXZ\n", Methods: []string{"ampep"}},
		"InvalidNucleotide":  {Application: "codon", Input: ">dna\nATGQQ\n", Methods: []string{"ampep"}},
		"UnknownCodonTable":  {Application: "codon", Input: ">dna\nATGAAA\n", Methods: []string{"ampep"}, CodonTable: 7},
		"EmptySmiles":        {Application: "bestox", Input: "# comment only\n", Methods: []string{"bestox"}},
		"InvalidEmail":       {Application: "ampep", Email: "not an email", Input: peptides, Methods: []string{"ampep"}},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/tasks", req)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}

	var count int64
	require.NoError(t, s.db.Model(&database.Task{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSubmitCodonTask(t *testing.T) {
	s := newTestServer(t, nil)

	taskId := s.submit(t, api.SubmitTaskRequest{
		Application: "codon",
		Input:       ">dna\nATGAAATAA\n",
		Methods:     []string{"ampep"},
		CodonTable:  11,
	})

	rec := s.do(t, http.MethodGet, "/tasks/"+taskId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[api.Task](t, rec)
	assert.Equal(t, 11, task.CodonTable)

	assert.True(t, s.store.Exists(taskId, "codon.fasta"))
	assert.False(t, s.store.Exists(taskId, "input.fasta"))
	seeded, err := s.store.Read(taskId, core.ScoreTable)
	require.NoError(t, err)
	assert.Equal(t, "id,ampep,product_of_probability,sequence\n", string(seeded))
}

func TestUploadTask(t *testing.T) {
	s := newTestServer(t, nil)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("application", "ampep"))
	require.NoError(t, w.WriteField("email", "user@example.com"))
	require.NoError(t, w.WriteField("methods", "ampep,deepampep30"))
	part, err := w.CreateFormFile("file", "peptides.fasta")
	require.NoError(t, err)
	_, err = part.Write([]byte(peptides))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/tasks/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	taskId := decode[api.SubmitTaskResponse](t, rec).TaskId

	methods, err := database.GetMethodsByTask(context.Background(), s.db, taskId)
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.Equal(t, "deepampep30", methods[1].Method)
}

func TestUploadTaskMissingFile(t *testing.T) {
	s := newTestServer(t, nil)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("application", "ampep"))
	require.NoError(t, w.WriteField("methods", "ampep"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/tasks/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitTaskQueueClosed(t *testing.T) {
	s := newTestServer(t, nil)
	s.queue.Close()

	rec := s.do(t, http.MethodPost, "/tasks", api.SubmitTaskRequest{Application: "ampep", Input: peptides, Methods: []string{"ampep"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var tasks []database.Task
	require.NoError(t, s.db.Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, database.TaskFailed, tasks[0].Action)
}

func TestListTasks(t *testing.T) {
	s := newTestServer(t, nil)

	s.submit(t, api.SubmitTaskRequest{Application: "ampep", Email: "a@example.com", Input: peptides, Methods: []string{"ampep"}})
	s.submit(t, api.SubmitTaskRequest{Application: "hemopep", Email: "a@example.com", Input: peptides, Methods: []string{"hemopep60"}})
	s.submit(t, api.SubmitTaskRequest{Application: "ampep", Email: "b@example.com", Input: peptides, Methods: []string{"ampep"}})

	rec := s.do(t, http.MethodGet, "/tasks?email=a@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[[]api.Task](t, rec)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "a@example.com", task.Email)
	}

	rec = s.do(t, http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	s := newTestServer(t, nil)

	taskId := s.submit(t, api.SubmitTaskRequest{Application: "ampep", Input: peptides, Methods: []string{"ampep", "rfampep30"}})
	database.SaveTaskError(context.Background(), s.db, taskId, "rfampep30", "exit status 1")

	rec := s.do(t, http.MethodGet, "/tasks/"+taskId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[api.Task](t, rec)
	assert.Equal(t, taskId, task.Id)
	assert.Equal(t, "ampep", task.Application)
	assert.Equal(t, database.TaskReady, task.Action)
	require.Len(t, task.Methods, 2)
	assert.Equal(t, database.MethodPending, task.Methods[0].Status)
	require.Len(t, task.Errors, 1)
	assert.Equal(t, "rfampep30", task.Errors[0].Method)

	rec = s.do(t, http.MethodGet, "/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskResult(t *testing.T) {
	s := newTestServer(t, nil)

	taskId := s.submit(t, api.SubmitTaskRequest{Application: "ampep", Input: peptides, Methods: []string{"ampep"}})

	rec := s.do(t, http.MethodGet, "/tasks/"+taskId.String()+"/result", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, s.store.Write(taskId, core.ClassificationTable, []byte("id,ampep,number_of_positives,sequence\nseq1,1,1,ACDEFGHIK\nseq2,-1,0,LMNPQRSTVWY\n")))
	require.NoError(t, s.store.Write(taskId, core.ScoreTable, []byte("id,ampep,product_of_probability,sequence\nseq1,0.9,0.9,ACDEFGHIK\nseq2,-1,,LMNPQRSTVWY\n")))
	require.NoError(t, database.UpdateTaskAction(context.Background(), s.db, taskId, database.TaskFinished))

	rec = s.do(t, http.MethodGet, "/tasks/"+taskId.String()+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[api.TaskResult](t, rec)

	assert.Equal(t, []string{"id", "ampep", "number_of_positives", "sequence"}, result.Classifications.Columns)
	require.Len(t, result.Classifications.Rows, 2)
	assert.Equal(t, "seq1", result.Classifications.Rows[0]["id"])
	assert.Equal(t, "-1", result.Classifications.Rows[1]["ampep"])
	assert.Equal(t, "", result.Scores.Rows[1]["product_of_probability"])
	assert.Nil(t, result.AmpActivity)

	rec = s.do(t, http.MethodGet, "/tasks/"+taskId.String()+"/score.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "score.csv")
	assert.Equal(t, "id,ampep,product_of_probability,sequence\nseq1,0.9,0.9,ACDEFGHIK\nseq2,-1,,LMNPQRSTVWY\n", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/tasks/"+uuid.NewString()+"/classification.csv", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListCodons(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/codons", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	codons := decode[[]api.Codon](t, rec)
	require.NotEmpty(t, codons)
	assert.Equal(t, api.Codon{Name: "Standard Code", CodonsNumber: 1}, codons[0])
}

func TestServiceHealth(t *testing.T) {
	s := newTestServer(t, staticHealth{
		{Service: "ampep", URL: "http://ampep:8001", Healthy: true, Status: "healthy", ModelLoaded: true},
		{Service: "bestox", URL: "http://bestox:8006", Healthy: false, Status: "unreachable", Error: "connection refused"},
	})

	rec := s.do(t, http.MethodGet, "/services/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	statuses := decode[[]api.ServiceHealth](t, rec)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Error)
}

func TestListApplications(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/applications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	apps := decode[[]api.Application](t, rec)

	names := make([]string, 0, len(apps))
	for _, app := range apps {
		names = append(names, app.Name)
	}
	assert.Equal(t, core.ApplicationNames(), names)
}
