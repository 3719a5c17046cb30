package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Task struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email       string    `gorm:"index"`
	Action      string    `gorm:"size:20;not null"`
	Source      string    `gorm:"size:20"`
	Description string
	Application string `gorm:"size:30;not null"`

	Options datatypes.JSON

	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletionTime sql.NullTime

	Methods []TaskMethod `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
	Errors  []TaskError  `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
}

type TaskMethod struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskId   uuid.UUID `gorm:"type:uuid;index;not null"`
	Method   string    `gorm:"size:50;not null"`
	Position int       `gorm:"not null;default:0"`

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

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Task{}, &TaskMethod{}, &TaskError{}, &Codon{})
}
