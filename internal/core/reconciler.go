package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"axpep-backend/internal/microservice"
	"axpep-backend/internal/sequence"
	"axpep-backend/internal/storage"

	"github.com/google/uuid"
)

var ErrReconciliation = errors.New("reconciliation failed")

// MethodArtifact names the raw artifact of one requested method. Empty name or
// format fall back to the family default.
type MethodArtifact struct {
	Method string
	Name   string
	Format string
}

type MethodSummary struct {
	Positives    int
	HasPositives bool
	MeanScore    float64
	HasScore     bool
}

// Tables are the reconciled result tables, header row first.
type Tables struct {
	Classification [][]string
	Score          [][]string
	Summaries      map[string]MethodSummary
}

type Reconciler struct {
	store     storage.TaskStore
	threshold float64
}

func NewReconciler(store storage.TaskStore, threshold float64) *Reconciler {
	return &Reconciler{store: store, threshold: threshold}
}

// Seed writes the result tables with every method cell empty. Applications
// whose input does not exist yet get header only tables.
func (r *Reconciler) Seed(ctx context.Context, taskId uuid.UUID, app *Application, methods []string) error {
	var records []sequence.Record
	if r.store.Exists(taskId, app.InputFile) {
		data, err := r.store.Read(taskId, app.InputFile)
		if err != nil {
			return err
		}
		if records, err = app.ParseInput(data); err != nil {
			return fmt.Errorf("error parsing input for task %s: %w", taskId, err)
		}
	}

	tables := buildTables(app, methods, records, func(string) (map[string]Cell, bool) { return nil, false }, "")
	return r.write(taskId, tables)
}

// Reconcile merges the raw artifacts of every method into the result tables.
// Rows always follow the input file, never the order of any artifact, and the
// tables are rebuilt from scratch on every call.
func (r *Reconciler) Reconcile(ctx context.Context, taskId uuid.UUID, app *Application, artifacts []MethodArtifact) (*Tables, error) {
	data, err := r.store.Read(taskId, app.InputFile)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read input: %w", ErrReconciliation, err)
	}
	records, err := app.ParseInput(data)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse input: %w", ErrReconciliation, err)
	}

	parsed := make(map[string]map[string]Cell, len(artifacts)+1)
	formats := make(map[string]string, len(artifacts)+1)
	load := func(ma MethodArtifact) {
		artifact, ok := r.resolve(app, ma)
		if !ok || !r.store.Exists(taskId, artifact.Name) {
			slog.Warn("no artifact for method", "task_id", taskId, "method", ma.Method, "artifact", artifact.Name)
			return
		}

		raw, err := r.store.Read(taskId, artifact.Name)
		if err != nil {
			slog.Warn("error reading artifact", "task_id", taskId, "method", ma.Method, "error", err)
			return
		}
		cells, err := ParseArtifact(artifact.Format, raw, r.threshold)
		if err != nil {
			slog.Warn("error parsing artifact", "task_id", taskId, "method", ma.Method, "format", artifact.Format, "error", err)
			return
		}
		parsed[ma.Method] = cells
		formats[ma.Method] = artifact.Format
	}

	methods := make([]string, 0, len(artifacts))
	for _, ma := range artifacts {
		methods = append(methods, ma.Method)
		load(ma)
	}
	if app.SummaryMethod != "" {
		load(MethodArtifact{Method: app.SummaryMethod})
	}

	if len(parsed) == 0 {
		return nil, fmt.Errorf("%w: no artifact found for any method of task %s", ErrReconciliation, taskId)
	}

	lookup := func(method string) (map[string]Cell, bool) {
		cells, ok := parsed[method]
		return cells, ok
	}
	tables := buildTables(app, methods, records, lookup, FailureSentinel)
	tables.Summaries = summarize(methods, records, lookup, formats)

	if err := r.write(taskId, tables); err != nil {
		return nil, err
	}

	slog.Info("reconciled task results", "task_id", taskId, "rows", len(records), "methods", len(methods), "artifacts", len(parsed))

	return tables, nil
}

func (r *Reconciler) resolve(app *Application, ma MethodArtifact) (Artifact, bool) {
	artifact := Artifact{Name: ma.Name, Format: ma.Format}
	if artifact.Name != "" && artifact.Format != "" {
		return artifact, true
	}

	family, ok := app.Family(ma.Method)
	if !ok {
		return artifact, false
	}
	def, ok := DefaultArtifact(family, ma.Method)
	if !ok {
		return artifact, false
	}
	if artifact.Name == "" {
		artifact.Name = def.Name
	}
	if artifact.Format == "" {
		artifact.Format = def.Format
	}
	return artifact, true
}

func (r *Reconciler) write(taskId uuid.UUID, tables *Tables) error {
	for name, rows := range map[string][][]string{ClassificationTable: tables.Classification, ScoreTable: tables.Score} {
		data, err := encodeCSV(rows)
		if err != nil {
			return err
		}
		if err := r.store.Write(taskId, name, data); err != nil {
			return fmt.Errorf("error writing %s for task %s: %w", name, taskId, err)
		}
	}
	return nil
}

func buildTables(app *Application, methods []string, records []sequence.Record, lookup func(string) (map[string]Cell, bool), missing string) *Tables {
	cellOf := func(method string, id string) (Cell, bool) {
		cells, ok := lookup(method)
		if !ok {
			return Cell{}, false
		}
		c, ok := cells[sequence.NormalizeId(id)]
		return c, ok
	}

	if app.SummaryMethod != "" {
		return buildSummaryTables(app, methods, records, cellOf, missing)
	}

	classHeader := append([]string{"id"}, methods...)
	scoreHeader := append([]string{"id"}, methods...)
	if app.Aggregates {
		classHeader = append(classHeader, NumberOfPositivesColumn)
		scoreHeader = append(scoreHeader, ProductOfProbabilityColumn)
	}
	classHeader = append(classHeader, app.SequenceColumn)
	scoreHeader = append(scoreHeader, app.SequenceColumn)

	tables := &Tables{
		Classification: [][]string{classHeader},
		Score:          [][]string{scoreHeader},
	}

	for _, rec := range records {
		classRow := []string{rec.Id}
		scoreRow := []string{rec.Id}

		positives := 0
		product, factors := 1.0, 0
		for _, method := range methods {
			c, ok := cellOf(method, rec.Id)
			if !ok {
				classRow = append(classRow, missing)
				scoreRow = append(scoreRow, missing)
				continue
			}
			classRow = append(classRow, c.Label)
			scoreRow = append(scoreRow, c.Score)

			if c.Label == "1" {
				positives++
			}
			if v, ok := scoreValue(c); ok {
				product *= v
				factors++
			}
		}

		if app.Aggregates {
			if missing == "" {
				classRow = append(classRow, "")
				scoreRow = append(scoreRow, "")
			} else {
				classRow = append(classRow, fmt.Sprint(positives))
				scoreRow = append(scoreRow, formatProduct(product, factors))
			}
		}

		tables.Classification = append(tables.Classification, append(classRow, rec.Sequence))
		tables.Score = append(tables.Score, append(scoreRow, rec.Sequence))
	}

	return tables
}

// buildSummaryTables lays out applications with a summary method: per method
// values in the classification table and the summary verdict in the score table.
func buildSummaryTables(app *Application, methods []string, records []sequence.Record, cellOf func(string, string) (Cell, bool), missing string) *Tables {
	classHeader := append(append([]string{"id"}, methods...), app.SequenceColumn)
	tables := &Tables{
		Classification: [][]string{classHeader},
		Score:          [][]string{{"id", "classification", "score", app.SequenceColumn}},
	}

	for _, rec := range records {
		classRow := []string{rec.Id}
		for _, method := range methods {
			if c, ok := cellOf(method, rec.Id); ok {
				classRow = append(classRow, c.Label)
			} else {
				classRow = append(classRow, missing)
			}
		}
		tables.Classification = append(tables.Classification, append(classRow, rec.Sequence))

		scoreRow := []string{rec.Id, missing, missing, rec.Sequence}
		if c, ok := cellOf(app.SummaryMethod, rec.Id); ok {
			scoreRow[1], scoreRow[2] = c.Label, c.Score
		}
		tables.Score = append(tables.Score, scoreRow)
	}

	return tables
}

// scoreValue returns the numeric score of a cell. Sentinels and cells outside
// the applicability domain have none.
func scoreValue(c Cell) (float64, bool) {
	if c.Label == OutOfAD || c.Score == FailureSentinel || c.Label == FailureSentinel {
		return 0, false
	}
	return parseNumber(c.Score)
}

// formatProduct multiplies only the numeric scores of a row. A row without any
// has an empty product.
func formatProduct(product float64, factors int) string {
	if factors == 0 {
		return ""
	}
	return microservice.FormatFloat(product)
}

func summarize(methods []string, records []sequence.Record, lookup func(string) (map[string]Cell, bool), formats map[string]string) map[string]MethodSummary {
	summaries := make(map[string]MethodSummary, len(methods))
	for _, method := range methods {
		cells, ok := lookup(method)
		if !ok {
			continue
		}

		var summary MethodSummary
		summary.HasPositives = IsClassifierFormat(formats[method])

		total, n := 0.0, 0
		for _, rec := range records {
			c, ok := cells[sequence.NormalizeId(rec.Id)]
			if !ok {
				continue
			}
			if c.Positive {
				summary.Positives++
			}
			if v, ok := scoreValue(c); ok {
				total += v
				n++
			}
		}
		if n > 0 {
			summary.MeanScore = total / float64(n)
			summary.HasScore = true
		}
		summaries[method] = summary
	}
	return summaries
}
