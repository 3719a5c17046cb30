package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"axpep-backend/internal/core/utils"
	"axpep-backend/internal/database"
	"axpep-backend/internal/messaging"
	"axpep-backend/internal/storage"

	"gorm.io/gorm"
)

const maxActiveTasks = 1024

type TaskProcessor struct {
	db           *gorm.DB
	reciever     messaging.Reciever
	orchestrator *TaskOrchestrator
	store        storage.TaskStore
	// Inputs are fetched from here when the task directory is not on this host.
	inputs *Archive

	jobTimeout time.Duration
	workers    int
	active     *utils.MutexMap
}

func NewTaskProcessor(db *gorm.DB, reciever messaging.Reciever, orchestrator *TaskOrchestrator, store storage.TaskStore, inputs *Archive, jobTimeout time.Duration, workers int) *TaskProcessor {
	return &TaskProcessor{
		db:           db,
		reciever:     reciever,
		orchestrator: orchestrator,
		store:        store,
		inputs:       inputs,
		jobTimeout:   jobTimeout,
		workers:      max(workers, 1),
		active:       utils.NewMutexMap(maxActiveTasks),
	}
}

// Start consumes the queue until the receiver is closed.
func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "workers", proc.workers)

	wg := sync.WaitGroup{}
	wg.Add(proc.workers)
	for i := 0; i < proc.workers; i++ {
		go func() {
			defer wg.Done()
			for task := range proc.reciever.Tasks() {
				proc.ProcessTask(task)
			}
		}()
	}
	wg.Wait()
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case messaging.PredictionQueue:
		var payload messaging.PredictionTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling prediction task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processPredictionTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processPredictionTask(ctx context.Context, payload messaging.PredictionTaskPayload) error {
	key := payload.TaskId.String()
	locked, err := proc.active.TryLock(key)
	if err != nil {
		return fmt.Errorf("error locking task %s: %w", key, err)
	}
	if !locked {
		slog.Warn("task is already being processed, skipping duplicate delivery", "task_id", key)
		return nil
	}
	defer func() {
		if err := proc.active.Unlock(key); err != nil {
			slog.Error("error unlocking task", "task_id", key, "error", err)
		}
	}()

	task, err := database.GetTask(ctx, proc.db, payload.TaskId)
	if err != nil {
		if errors.Is(err, database.ErrTaskNotFound) {
			slog.Warn("task not found, dropping message", "task_id", key)
			return nil
		}
		return err
	}

	if task.IsTerminal() {
		slog.Info("task already completed, skipping", "task_id", key, "action", task.Action)
		return nil
	}

	if err := proc.hydrate(ctx, task); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, proc.jobTimeout)
	defer cancel()

	return proc.orchestrator.Run(ctx, task, task.Methods)
}

// hydrate downloads the task directory when the submission is not local.
func (proc *TaskProcessor) hydrate(ctx context.Context, task database.Task) error {
	app, ok := LookupApplication(task.Application)
	if !ok || proc.store.Exists(task.Id, app.SubmissionFile) || proc.inputs == nil {
		return nil
	}

	slog.Info("downloading task input", "task_id", task.Id, "bucket", proc.inputs.Bucket)
	if err := proc.inputs.Store.DownloadDir(ctx, proc.inputs.Bucket, task.Id.String(), proc.store.Dir(task.Id), false); err != nil {
		return fmt.Errorf("error downloading input for task %s: %w", task.Id, err)
	}
	return nil
}
