package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrTaskNotFound = errors.New("task not found")

// CreateTask stores the task together with its methods in a single transaction.
func CreateTask(ctx context.Context, db *gorm.DB, task *Task) error {
	for i := range task.Methods {
		if task.Methods[i].Id == uuid.Nil {
			task.Methods[i].Id = uuid.New()
		}
		task.Methods[i].TaskId = task.Id
		task.Methods[i].Position = i
		if task.Methods[i].Status == "" {
			task.Methods[i].Status = MethodPending
		}
	}

	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(task).Error; err != nil {
			return fmt.Errorf("error creating task: %w", err)
		}
		return nil
	})
}

func GetTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID) (Task, error) {
	var task Task
	err := db.WithContext(ctx).
		Preload("Methods", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&task, "id = ?", taskId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("error retrieving task %s: %w", taskId, err)
	}
	return task, nil
}

func ListTasksByEmail(ctx context.Context, db *gorm.DB, email string) ([]Task, error) {
	var tasks []Task
	if err := db.WithContext(ctx).
		Preload("Methods", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("email = ?", email).
		Order("created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("error listing tasks: %w", err)
	}
	return tasks, nil
}

// GetMethodsByTask returns the methods of a task in the order they were requested.
func GetMethodsByTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID) ([]TaskMethod, error) {
	var methods []TaskMethod
	if err := db.WithContext(ctx).
		Where("task_id = ?", taskId).
		Order("position ASC").
		Find(&methods).Error; err != nil {
		return nil, fmt.Errorf("error retrieving methods for task %s: %w", taskId, err)
	}
	return methods, nil
}

func UpdateTaskAction(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, action string) error {
	updates := map[string]any{"action": action}
	if action == TaskFinished || action == TaskFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Task{Id: taskId}).Updates(updates).Error; err != nil {
		slog.Error("error updating task action", "task_id", taskId, "action", action, "error", err)
		return err
	}
	return nil
}

type MethodOutcome struct {
	Status         string
	Source         string
	ArtifactName   string
	ArtifactFormat string
	Error          string
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func UpdateMethodOutcome(ctx context.Context, txn *gorm.DB, methodId uuid.UUID, outcome MethodOutcome) error {
	updates := map[string]any{
		"status":          outcome.Status,
		"source":          nullString(outcome.Source),
		"artifact_name":   nullString(outcome.ArtifactName),
		"artifact_format": nullString(outcome.ArtifactFormat),
		"error":           nullString(outcome.Error),
	}

	if err := txn.WithContext(ctx).Model(&TaskMethod{Id: methodId}).Updates(updates).Error; err != nil {
		slog.Error("error updating method outcome", "method_id", methodId, "status", outcome.Status, "error", err)
		return err
	}
	return nil
}

func UpdateMethodSummary(ctx context.Context, txn *gorm.DB, methodId uuid.UUID, positives sql.NullInt64, score sql.NullFloat64) error {
	updates := map[string]any{
		"classification":   positives,
		"prediction_score": score,
	}

	if err := txn.WithContext(ctx).Model(&TaskMethod{Id: methodId}).Updates(updates).Error; err != nil {
		slog.Error("error updating method summary", "method_id", methodId, "error", err)
		return err
	}
	return nil
}

func SaveTaskError(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, method string, errorMessage string) {
	taskError := TaskError{
		TaskId:    taskId,
		ErrorId:   uuid.New(),
		Method:    nullString(method),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&taskError).Error; err != nil {
		slog.Error("error saving task error", "task_id", taskId, "error", err)
	}
}

func GetTaskErrors(ctx context.Context, db *gorm.DB, taskId uuid.UUID) ([]TaskError, error) {
	var errs []TaskError
	if err := db.WithContext(ctx).Where("task_id = ?", taskId).Order("timestamp ASC").Find(&errs).Error; err != nil {
		return nil, fmt.Errorf("error retrieving errors for task %s: %w", taskId, err)
	}
	return errs, nil
}

func ListCodons(ctx context.Context, db *gorm.DB) ([]Codon, error) {
	var codons []Codon
	if err := db.WithContext(ctx).Order("codons_number ASC").Find(&codons).Error; err != nil {
		return nil, fmt.Errorf("error listing codon tables: %w", err)
	}
	return codons, nil
}

func CodonExists(ctx context.Context, db *gorm.DB, codonsNumber int) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&Codon{}).Where("codons_number = ?", codonsNumber).Count(&count).Error; err != nil {
		return false, fmt.Errorf("error checking codon table: %w", err)
	}
	return count > 0, nil
}
