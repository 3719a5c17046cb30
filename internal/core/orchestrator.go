package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"axpep-backend/internal/config"
	"axpep-backend/internal/core/utils"
	"axpep-backend/internal/database"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/sequence"
	"axpep-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrUnknownApplication = errors.New("unknown application")

// MICPredictor predicts antimicrobial activity for the ampep side table.
type MICPredictor interface {
	PredictMIC(ctx context.Context, taskId string, records []sequence.Record) ([]microservice.MICPrediction, error)
}

// Archive copies finished task directories to an object store.
type Archive struct {
	Store  storage.ObjectStore
	Bucket string
}

type TaskOrchestrator struct {
	db          *gorm.DB
	store       storage.TaskStore
	executor    *MethodExecutor
	reconciler  *Reconciler
	mic         MICPredictor
	features    config.FeatureFlags
	concurrency int
	archive     *Archive
}

func NewTaskOrchestrator(db *gorm.DB, store storage.TaskStore, executor *MethodExecutor, reconciler *Reconciler, mic MICPredictor, cfg config.Config, archive *Archive) *TaskOrchestrator {
	return &TaskOrchestrator{
		db:          db,
		store:       store,
		executor:    executor,
		reconciler:  reconciler,
		mic:         mic,
		features:    cfg.Features,
		concurrency: cfg.Execution.MethodConcurrency,
		archive:     archive,
	}
}

// Run executes every method of task, waits for all of them and reconciles
// their artifacts. A failing method leaves sentinels in its column. The task
// fails only when the input cannot be prepared or reconciliation fails.
func (o *TaskOrchestrator) Run(ctx context.Context, task database.Task, methods []database.TaskMethod) error {
	// Status updates must land even when ctx expires mid run.
	bookkeeping := context.WithoutCancel(ctx)

	app, ok := LookupApplication(task.Application)
	if !ok {
		return o.fail(bookkeeping, task.Id, fmt.Errorf("%w: %s", ErrUnknownApplication, task.Application))
	}

	if err := database.UpdateTaskAction(bookkeeping, o.db, task.Id, database.TaskRunning); err != nil {
		return fmt.Errorf("error marking task %s running: %w", task.Id, err)
	}

	slog.Info("running task", "task_id", task.Id, "application", app.Name, "methods", len(methods))

	opts, err := ParseTaskOptions(task.Options)
	if err != nil {
		return o.fail(bookkeeping, task.Id, err)
	}

	if app.PreStep == config.FamilyCodon {
		outcome := o.executor.ExtractORFs(ctx, task.Id, app, opts)
		if !outcome.Succeeded() {
			return o.fail(bookkeeping, task.Id, fmt.Errorf("orf extraction failed: %w", outcome.Err))
		}
	}

	data, err := o.store.Read(task.Id, app.InputFile)
	if err != nil {
		return o.fail(bookkeeping, task.Id, fmt.Errorf("error reading input: %w", err))
	}
	records, err := app.ParseInput(data)
	if err != nil {
		return o.fail(bookkeeping, task.Id, fmt.Errorf("error parsing input: %w", err))
	}

	jobs := make([]MethodJob, 0, len(methods)+1)
	for _, m := range methods {
		family, _ := app.Family(m.Method)
		jobs = append(jobs, MethodJob{TaskID: task.Id, Application: app, Method: m.Method, Family: family, Records: records, Options: opts})
	}
	if app.SummaryMethod != "" {
		jobs = append(jobs, MethodJob{TaskID: task.Id, Application: app, Method: app.SummaryMethod, Family: app.SummaryMethod, Records: records, Options: opts})
	}

	completed := utils.RunAll(jobs, func(job MethodJob) (Outcome, error) {
		if job.Family == "" {
			return Outcome{Method: job.Method, State: StateFailed, Err: fmt.Errorf("method '%s' is not supported by application '%s'", job.Method, app.Name)}, nil
		}
		return o.executor.Execute(ctx, job), nil
	}, o.concurrency)

	artifacts := make([]MethodArtifact, 0, len(methods))
	for i, m := range methods {
		outcome := completed[i].Result
		o.recordOutcome(bookkeeping, task.Id, m, outcome)
		artifacts = append(artifacts, MethodArtifact{Method: m.Method, Name: outcome.Artifact.Name, Format: outcome.Artifact.Format})
	}
	if app.SummaryMethod != "" {
		if outcome := completed[len(methods)].Result; !outcome.Succeeded() && outcome.Err != nil {
			database.SaveTaskError(bookkeeping, o.db, task.Id, outcome.Method, outcome.Err.Error())
		}
	}

	if slices.ContainsFunc(methods, func(m database.TaskMethod) bool { return m.Method == "ampep" }) {
		o.predictActivity(ctx, task.Id, records)
	}

	tables, err := o.reconciler.Reconcile(bookkeeping, task.Id, app, artifacts)
	if err != nil {
		return o.fail(bookkeeping, task.Id, err)
	}

	for _, m := range methods {
		summary, ok := tables.Summaries[m.Method]
		if !ok {
			continue
		}
		positives := sql.NullInt64{Int64: int64(summary.Positives), Valid: summary.HasPositives}
		score := sql.NullFloat64{Float64: summary.MeanScore, Valid: summary.HasScore}
		if err := database.UpdateMethodSummary(bookkeeping, o.db, m.Id, positives, score); err != nil {
			slog.Warn("error saving method summary", "task_id", task.Id, "method", m.Method, "error", err)
		}
	}

	if err := database.UpdateTaskAction(bookkeeping, o.db, task.Id, database.TaskFinished); err != nil {
		return fmt.Errorf("error marking task %s finished: %w", task.Id, err)
	}

	o.archiveTask(bookkeeping, task.Id)

	slog.Info("task finished", "task_id", task.Id, "application", app.Name)

	return nil
}

func (o *TaskOrchestrator) recordOutcome(ctx context.Context, taskId uuid.UUID, m database.TaskMethod, outcome Outcome) {
	update := database.MethodOutcome{
		Status:         database.MethodSucceeded,
		Source:         outcome.Source,
		ArtifactName:   outcome.Artifact.Name,
		ArtifactFormat: outcome.Artifact.Format,
	}
	if !outcome.Succeeded() {
		update.Status = database.MethodFailed
		if outcome.Err != nil {
			update.Error = outcome.Err.Error()
		}
		database.SaveTaskError(ctx, o.db, taskId, m.Method, update.Error)
	}

	if err := database.UpdateMethodOutcome(ctx, o.db, m.Id, update); err != nil {
		slog.Warn("error saving method outcome", "task_id", taskId, "method", m.Method, "error", err)
	}
}

// predictActivity writes the MIC side table. It never fails the task.
func (o *TaskOrchestrator) predictActivity(ctx context.Context, taskId uuid.UUID, records []sequence.Record) {
	if o.mic == nil || !o.features.UseMicroservice(config.FamilyAmpRegression) {
		slog.Info("amp activity prediction disabled", "task_id", taskId)
		return
	}

	preds, err := o.mic.PredictMIC(ctx, taskId.String(), records)
	if err != nil {
		slog.Warn("amp activity prediction failed", "task_id", taskId, "error", err)
		return
	}

	rows := [][]string{{"id", "sequence", "ec_predicted_MIC_μM", "sa_predicted_MIC_μM"}}
	for _, p := range preds {
		rows = append(rows, []string{p.Id, p.Sequence, p.EcMIC, p.SaMIC})
	}
	data, err := encodeCSV(rows)
	if err == nil {
		err = o.store.Write(taskId, AmpActivityTable, data)
	}
	if err != nil {
		slog.Warn("error writing amp activity table", "task_id", taskId, "error", err)
	}
}

func (o *TaskOrchestrator) fail(ctx context.Context, taskId uuid.UUID, cause error) error {
	slog.Error("task failed", "task_id", taskId, "error", cause)

	database.SaveTaskError(ctx, o.db, taskId, "", cause.Error())
	if err := database.UpdateTaskAction(ctx, o.db, taskId, database.TaskFailed); err != nil {
		slog.Error("error marking task failed", "task_id", taskId, "error", err)
	}

	o.archiveTask(ctx, taskId)

	return fmt.Errorf("task %s failed: %w", taskId, cause)
}

func (o *TaskOrchestrator) archiveTask(ctx context.Context, taskId uuid.UUID) {
	if o.archive == nil {
		return
	}
	if err := o.archive.Store.UploadDir(ctx, o.archive.Bucket, taskId.String(), o.store.Dir(taskId)); err != nil {
		slog.Warn("error archiving task directory", "task_id", taskId, "bucket", o.archive.Bucket, "error", err)
	}
}
