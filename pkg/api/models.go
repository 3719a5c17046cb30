package api

import (
	"time"

	"github.com/google/uuid"
)

type SubmitTaskRequest struct {
	Application string
	Email       string
	Description string
	Source      string

	// Input is the FASTA or SMILES payload.
	Input   string
	Methods []string

	CodonTable int `json:"CodonTable,omitempty"`
}

// SubmitTaskForm holds the form fields of a multipart submission. The payload
// itself is sent in the "file" part.
type SubmitTaskForm struct {
	Application string   `schema:"application"`
	Email       string   `schema:"email"`
	Description string   `schema:"description"`
	Source      string   `schema:"source"`
	Methods     []string `schema:"methods"`
	CodonTable  int      `schema:"codon_table"`
}

type SubmitTaskResponse struct {
	TaskId uuid.UUID
}

type ListTasksParams struct {
	Email string `schema:"email,required"`
}

type TaskMethod struct {
	Method string
	Status string
	Source string `json:"Source,omitempty"`

	Positives *int64   `json:"Positives,omitempty"`
	Score     *float64 `json:"Score,omitempty"`

	Error string `json:"Error,omitempty"`
}

type TaskError struct {
	Method    string `json:"Method,omitempty"`
	Error     string
	Timestamp time.Time
}

type Task struct {
	Id          uuid.UUID
	Email       string
	Application string
	Description string
	Source      string
	Action      string

	CodonTable int `json:"CodonTable,omitempty"`

	CreatedAt      time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	Methods []TaskMethod
	Errors  []TaskError `json:"Errors,omitempty"`
}

// Table is a result table. Every row is keyed by the column headers.
type Table struct {
	Columns []string
	Rows    []map[string]string
}

type TaskResult struct {
	TaskId uuid.UUID

	Classifications Table
	Scores          Table
	AmpActivity     *Table `json:"AmpActivity,omitempty"`
}

type Codon struct {
	Name         string
	CodonsNumber int
}

type ServiceHealth struct {
	Service     string
	URL         string
	Healthy     bool
	Status      string
	Version     string `json:"Version,omitempty"`
	ModelLoaded bool
	Error       string `json:"Error,omitempty"`
	CheckedAt   time.Time
}

type Application struct {
	Name    string
	Methods []string `json:"Methods,omitempty"`
}
