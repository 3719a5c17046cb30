package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskReady    string = "ready"
	TaskRunning  string = "running"
	TaskFinished string = "finished"
	TaskFailed   string = "failed"
)

type Task struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email       string    `gorm:"index"`
	Action      string    `gorm:"size:20;not null"`
	Source      string    `gorm:"size:20"`
	Description string
	Application string `gorm:"size:30;not null"`

	// Application specific options, e.g. the codon table for ORF extraction.
	Options datatypes.JSON

	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletionTime sql.NullTime

	Methods []TaskMethod `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
	Errors  []TaskError  `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
}

func (t *Task) IsTerminal() bool {
	return t.Action == TaskFinished || t.Action == TaskFailed
}

const (
	MethodPending   string = "pending"
	MethodSucceeded string = "succeeded"
	MethodFailed    string = "failed"

	SourceMicroservice string = "microservice"
	SourceProcess      string = "process"
)

type TaskMethod struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskId   uuid.UUID `gorm:"type:uuid;index;not null"`
	Method   string    `gorm:"size:50;not null"`
	// Position of the method in the submitted request; result columns follow it.
	Position int       `gorm:"not null;default:0"`

	// Summary of the reconciled column: number of positive rows and mean score.
	Classification  sql.NullInt64
	PredictionScore sql.NullFloat64

	Status         string `gorm:"size:20;not null;default:pending"`
	Source         sql.NullString
	ArtifactName   sql.NullString
	ArtifactFormat sql.NullString
	Error          sql.NullString
}

type TaskError struct {
	TaskId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Method    sql.NullString
	Error     string
	Timestamp time.Time
}

type Codon struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null"`
	CodonsNumber int       `gorm:"uniqueIndex;not null"`
}
