package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"axpep-backend/internal/core"
	"axpep-backend/internal/database"
	"axpep-backend/internal/messaging"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/storage"
	"axpep-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultMaxUploadBytes = 50 * 1024 * 1024

// HealthReporter exposes the latest health of the prediction services.
type HealthReporter interface {
	Snapshot() []microservice.HealthStatus
}

type BackendService struct {
	db         *gorm.DB
	store      storage.TaskStore
	publisher  messaging.Publisher
	reconciler *core.Reconciler
	// Submissions are copied here when workers do not share the task directory.
	inputs *core.Archive
	health HealthReporter

	maxUploadBytes int64
}

func NewBackendService(db *gorm.DB, store storage.TaskStore, publisher messaging.Publisher, reconciler *core.Reconciler, inputs *core.Archive, health HealthReporter) *BackendService {
	return &BackendService{
		db:             db,
		store:          store,
		publisher:      publisher,
		reconciler:     reconciler,
		inputs:         inputs,
		health:         health,
		maxUploadBytes: defaultMaxUploadBytes,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitTask))
		r.Post("/upload", RestHandler(s.UploadTask))
		r.Get("/", RestHandler(s.ListTasks))
		r.Get("/{task_id}", RestHandler(s.GetTask))
		r.Get("/{task_id}/result", RestHandler(s.GetTaskResult))
		r.Get("/{task_id}/classification.csv", FileHandler(s.downloadTable(core.ClassificationTable)))
		r.Get("/{task_id}/score.csv", FileHandler(s.downloadTable(core.ScoreTable)))
	})

	r.Get("/applications", RestHandler(s.ListApplications))
	r.Get("/codons", RestHandler(s.ListCodons))
	r.Get("/services/health", RestHandler(s.ServiceHealth))
}

func (s *BackendService) SubmitTask(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitTaskRequest](r)
	if err != nil {
		return nil, err
	}

	return s.submit(r.Context(), req)
}

func (s *BackendService) UploadTask(r *http.Request) (any, error) {
	form, content, err := ParseMultipartRequest[api.SubmitTaskForm](r, "file", s.maxUploadBytes)
	if err != nil {
		return nil, err
	}

	var methods []string
	for _, m := range form.Methods {
		for _, part := range strings.Split(m, ",") {
			if part = strings.TrimSpace(part); part != "" {
				methods = append(methods, part)
			}
		}
	}

	return s.submit(r.Context(), api.SubmitTaskRequest{
		Application: form.Application,
		Email:       form.Email,
		Description: form.Description,
		Source:      form.Source,
		Input:       string(content),
		Methods:     methods,
		CodonTable:  form.CodonTable,
	})
}

func (s *BackendService) submit(ctx context.Context, req api.SubmitTaskRequest) (api.SubmitTaskResponse, error) {
	app, ok := core.LookupApplication(req.Application)
	if !ok {
		return api.SubmitTaskResponse{}, CodedErrorf(http.StatusUnprocessableEntity, "unknown application '%s', expected one of %s", req.Application, strings.Join(core.ApplicationNames(), ", "))
	}

	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			return api.SubmitTaskResponse{}, CodedErrorf(http.StatusUnprocessableEntity, "invalid email '%s'", req.Email)
		}
	}

	if err := app.ValidateMethods(req.Methods); err != nil {
		return api.SubmitTaskResponse{}, CodedError(http.StatusUnprocessableEntity, err)
	}

	if _, err := app.ParseSubmission([]byte(req.Input)); err != nil {
		return api.SubmitTaskResponse{}, CodedError(http.StatusUnprocessableEntity, err)
	}

	var options datatypes.JSON
	if app.PreStep != "" {
		opts := core.TaskOptions{CodonTable: req.CodonTable}
		if opts.CodonTable == 0 {
			opts.CodonTable = 1
		}
		exists, err := database.CodonExists(ctx, s.db, opts.CodonTable)
		if err != nil {
			return api.SubmitTaskResponse{}, CodedErrorf(http.StatusInternalServerError, "error checking codon table")
		}
		if !exists {
			return api.SubmitTaskResponse{}, CodedErrorf(http.StatusUnprocessableEntity, "unknown codon table %d", opts.CodonTable)
		}
		raw, err := json.Marshal(opts)
		if err != nil {
			return api.SubmitTaskResponse{}, CodedError(http.StatusInternalServerError, err)
		}
		options = datatypes.JSON(raw)
	}

	task := database.Task{
		Id:          uuid.New(),
		Email:       strings.TrimSpace(req.Email),
		Action:      database.TaskReady,
		Source:      req.Source,
		Description: req.Description,
		Application: app.Name,
		Options:     options,
	}
	for _, m := range req.Methods {
		task.Methods = append(task.Methods, database.TaskMethod{Method: m})
	}

	if err := s.store.Write(task.Id, app.SubmissionFile, []byte(req.Input)); err != nil {
		slog.Error("error writing task input", "task_id", task.Id, "error", err)
		return api.SubmitTaskResponse{}, CodedErrorf(http.StatusInternalServerError, "failed to store task input")
	}

	if err := s.reconciler.Seed(ctx, task.Id, app, req.Methods); err != nil {
		slog.Error("error seeding result tables", "task_id", task.Id, "error", err)
		return api.SubmitTaskResponse{}, CodedErrorf(http.StatusInternalServerError, "failed to prepare result tables")
	}

	if err := database.CreateTask(ctx, s.db, &task); err != nil {
		slog.Error("error creating task", "task_id", task.Id, "error", err)
		return api.SubmitTaskResponse{}, CodedErrorf(http.StatusInternalServerError, "failed to create task entry")
	}

	if s.inputs != nil {
		if err := s.inputs.Store.UploadDir(ctx, s.inputs.Bucket, task.Id.String(), s.store.Dir(task.Id)); err != nil {
			slog.Error("error uploading task input", "task_id", task.Id, "bucket", s.inputs.Bucket, "error", err)
			s.abandon(ctx, task.Id, "failed to upload task input")
			return api.SubmitTaskResponse{}, CodedErrorf(http.StatusInternalServerError, "failed to upload task input")
		}
	}

	if err := s.publisher.PublishPredictionTask(ctx, messaging.PredictionTaskPayload{TaskId: task.Id}); err != nil {
		slog.Error("error publishing prediction task", "task_id", task.Id, "error", err)
		s.abandon(ctx, task.Id, "failed to queue prediction task")
		return api.SubmitTaskResponse{}, CodedErrorf(http.StatusInternalServerError, "failed to queue prediction task")
	}

	slog.Info("submitted prediction task", "task_id", task.Id, "application", app.Name, "methods", req.Methods)

	return api.SubmitTaskResponse{TaskId: task.Id}, nil
}

// abandon marks a task that never reached the queue as failed.
func (s *BackendService) abandon(ctx context.Context, taskId uuid.UUID, reason string) {
	ctx = context.WithoutCancel(ctx)
	database.SaveTaskError(ctx, s.db, taskId, "", reason)
	if err := database.UpdateTaskAction(ctx, s.db, taskId, database.TaskFailed); err != nil {
		slog.Error("error marking task failed", "task_id", taskId, "error", err)
	}
}

func (s *BackendService) ListTasks(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListTasksParams](r)
	if err != nil {
		return nil, err
	}

	tasks, err := database.ListTasksByEmail(r.Context(), s.db, strings.TrimSpace(params.Email))
	if err != nil {
		slog.Error("error listing tasks", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving tasks")
	}

	out := make([]api.Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, convertTask(task, nil))
	}
	return out, nil
}

func (s *BackendService) getTask(ctx context.Context, r *http.Request) (database.Task, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return database.Task{}, err
	}

	task, err := database.GetTask(ctx, s.db, taskId)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			return database.Task{}, CodedErrorf(http.StatusNotFound, "task not found")
		}
		slog.Error("error getting task", "task_id", taskId, "error", err)
		return database.Task{}, CodedErrorf(http.StatusInternalServerError, "error retrieving task record")
	}
	return task, nil
}

func (s *BackendService) GetTask(r *http.Request) (any, error) {
	task, err := s.getTask(r.Context(), r)
	if err != nil {
		return nil, err
	}

	errs, err := database.GetTaskErrors(r.Context(), s.db, task.Id)
	if err != nil {
		slog.Error("error getting task errors", "task_id", task.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task errors")
	}

	return convertTask(task, errs), nil
}

func (s *BackendService) GetTaskResult(r *http.Request) (any, error) {
	task, err := s.getTask(r.Context(), r)
	if err != nil {
		return nil, err
	}

	if task.Action != database.TaskFinished {
		return nil, CodedErrorf(http.StatusConflict, "task is not finished: task has status: %s", task.Action)
	}

	classifications, err := s.readTable(task.Id, core.ClassificationTable)
	if err != nil {
		return nil, err
	}
	scores, err := s.readTable(task.Id, core.ScoreTable)
	if err != nil {
		return nil, err
	}

	result := api.TaskResult{TaskId: task.Id, Classifications: classifications, Scores: scores}
	if s.store.Exists(task.Id, core.AmpActivityTable) {
		activity, err := s.readTable(task.Id, core.AmpActivityTable)
		if err != nil {
			return nil, err
		}
		result.AmpActivity = &activity
	}

	return result, nil
}

func (s *BackendService) readTable(taskId uuid.UUID, name string) (api.Table, error) {
	data, err := s.store.Read(taskId, name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return api.Table{}, CodedErrorf(http.StatusNotFound, "%s not found for task", name)
		}
		slog.Error("error reading result table", "task_id", taskId, "table", name, "error", err)
		return api.Table{}, CodedErrorf(http.StatusInternalServerError, "error reading %s", name)
	}

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		slog.Error("error parsing result table", "task_id", taskId, "table", name, "error", err)
		return api.Table{}, CodedErrorf(http.StatusInternalServerError, "error parsing %s", name)
	}

	return convertTable(rows), nil
}

func (s *BackendService) downloadTable(name string) func(r *http.Request) (File, error) {
	return func(r *http.Request) (File, error) {
		taskId, err := URLParamUUID(r, "task_id")
		if err != nil {
			return File{}, err
		}

		data, err := s.store.Read(taskId, name)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return File{}, CodedErrorf(http.StatusNotFound, "%s not found for task", name)
			}
			slog.Error("error reading result table", "task_id", taskId, "table", name, "error", err)
			return File{}, CodedErrorf(http.StatusInternalServerError, "error reading %s", name)
		}

		return File{Name: name, ContentType: "text/csv", Data: data}, nil
	}
}

func (s *BackendService) ListApplications(r *http.Request) (any, error) {
	names := core.ApplicationNames()
	apps := make([]api.Application, 0, len(names))
	for _, name := range names {
		app, _ := core.LookupApplication(name)
		apps = append(apps, api.Application{Name: app.Name, Methods: app.Methods})
	}
	return apps, nil
}

func (s *BackendService) ListCodons(r *http.Request) (any, error) {
	codons, err := database.ListCodons(r.Context(), s.db)
	if err != nil {
		slog.Error("error listing codon tables", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving codon tables")
	}

	out := make([]api.Codon, 0, len(codons))
	for _, c := range codons {
		out = append(out, api.Codon{Name: c.Name, CodonsNumber: c.CodonsNumber})
	}
	return out, nil
}

func (s *BackendService) ServiceHealth(r *http.Request) (any, error) {
	if s.health == nil {
		return []api.ServiceHealth{}, nil
	}

	statuses := s.health.Snapshot()
	out := make([]api.ServiceHealth, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, api.ServiceHealth(st))
	}
	return out, nil
}

func convertTask(task database.Task, errs []database.TaskError) api.Task {
	out := api.Task{
		Id:          task.Id,
		Email:       task.Email,
		Application: task.Application,
		Description: task.Description,
		Source:      task.Source,
		Action:      task.Action,
		CreatedAt:   task.CreatedAt,
		Methods:     make([]api.TaskMethod, 0, len(task.Methods)),
	}
	if task.CompletionTime.Valid {
		out.CompletionTime = &task.CompletionTime.Time
	}
	if opts, err := core.ParseTaskOptions(task.Options); err == nil && len(task.Options) > 0 {
		out.CodonTable = opts.CodonTable
	}

	for _, m := range task.Methods {
		method := api.TaskMethod{
			Method: m.Method,
			Status: m.Status,
			Source: m.Source.String,
			Error:  m.Error.String,
		}
		if m.Classification.Valid {
			method.Positives = &m.Classification.Int64
		}
		if m.PredictionScore.Valid {
			method.Score = &m.PredictionScore.Float64
		}
		out.Methods = append(out.Methods, method)
	}

	for _, e := range errs {
		out.Errors = append(out.Errors, api.TaskError{Method: e.Method.String, Error: e.Error, Timestamp: e.Timestamp})
	}

	return out
}

func convertTable(rows [][]string) api.Table {
	if len(rows) == 0 {
		return api.Table{Columns: []string{}, Rows: []map[string]string{}}
	}

	table := api.Table{Columns: rows[0], Rows: make([]map[string]string, 0, len(rows)-1)}
	for _, row := range rows[1:] {
		entry := make(map[string]string, len(table.Columns))
		for i, col := range table.Columns {
			if i < len(row) {
				entry[col] = row[i]
			}
		}
		table.Rows = append(table.Rows, entry)
	}
	return table
}
