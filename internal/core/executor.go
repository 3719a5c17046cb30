package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"axpep-backend/internal/config"
	"axpep-backend/internal/database"
	"axpep-backend/internal/microservice"
	"axpep-backend/internal/process"
	"axpep-backend/internal/sequence"
	"axpep-backend/internal/storage"

	"github.com/google/uuid"
)

type State string

const (
	StatePending             State = "pending"
	StateMicroserviceAttempt State = "microservice_attempt"
	StateFallback            State = "fallback"
	StateProcessAttempt      State = "process_attempt"
	StateSucceeded           State = "succeeded"
	StateFailed              State = "failed"
	StateDone                State = "done"
)

var (
	ErrNoScript      = errors.New("no local script configured")
	ErrNoPredictions = errors.New("microservice returned no predictions")
	ErrNoArtifact    = errors.New("script did not produce its artifact")
)

type MethodJob struct {
	TaskID      uuid.UUID
	Application *Application
	Method      string
	Family      string
	Records     []sequence.Record
	Options     TaskOptions
}

type Outcome struct {
	Method      string
	Family      string
	Source      string
	State       State
	Artifact    Artifact
	Err         error
	Transitions []State
}

func (o Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}

// ORFExtractor translates nucleotide input into peptide ORFs.
type ORFExtractor interface {
	ExtractORFs(ctx context.Context, fasta string, opts microservice.ORFOptions) (microservice.ORFResult, error)
}

type MethodExecutor struct {
	predictors map[string]microservice.Predictor
	orfs       ORFExtractor
	runner     process.Runner
	scripts    config.ScriptCatalog
	features   config.FeatureFlags
	exec       config.ExecutionConfig
	store      storage.TaskStore
	threshold  float64
}

func NewMethodExecutor(
	cfg config.Config,
	predictors map[string]microservice.Predictor,
	orfs ORFExtractor,
	runner process.Runner,
	scripts config.ScriptCatalog,
	store storage.TaskStore,
) (*MethodExecutor, error) {
	exec := cfg.Execution
	root, err := filepath.Abs(exec.ScriptsRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid scripts root %s: %w", exec.ScriptsRoot, err)
	}
	exec.ScriptsRoot = root

	return &MethodExecutor{
		predictors: predictors,
		orfs:       orfs,
		runner:     runner,
		scripts:    scripts,
		features:   cfg.Features,
		exec:       exec,
		store:      store,
		threshold:  cfg.Reconcile.AcpepLabelThreshold,
	}, nil
}

type attempt func(ctx context.Context) (Artifact, error)

// run drives one method through the microservice then process state machine.
// The process path runs at most once, and only after the microservice path was
// skipped or failed.
func (e *MethodExecutor) run(ctx context.Context, taskId uuid.UUID, method, family string, remote, local attempt) Outcome {
	out := Outcome{Method: method, Family: family, State: StatePending}
	step := func(s State) {
		out.State = s
		out.Transitions = append(out.Transitions, s)
	}
	step(StatePending)

	logger := slog.With("task_id", taskId, "method", method, "family", family)

	var remoteErr error
	if remote != nil && e.features.UseMicroservice(family) {
		step(StateMicroserviceAttempt)
		start := time.Now()
		artifact, err := remote(ctx)
		if err == nil {
			logger.Info("method completed by microservice", "artifact", artifact.Name, "duration", time.Since(start))
			out.Source, out.Artifact = database.SourceMicroservice, artifact
			step(StateSucceeded)
			step(StateDone)
			return out
		}
		remoteErr = err
		logger.Warn("microservice attempt failed, falling back to local process", "error", err)
		step(StateFallback)
	}

	step(StateProcessAttempt)
	var artifact Artifact
	err := ErrNoScript
	if local != nil {
		start := time.Now()
		artifact, err = local(ctx)
		if err == nil {
			logger.Info("method completed by local process", "artifact", artifact.Name, "duration", time.Since(start))
		}
	}

	if err != nil {
		if remoteErr != nil {
			err = fmt.Errorf("microservice: %w; process: %w", remoteErr, err)
		}
		logger.Error("method failed", "error", err)
		out.Err = err
		step(StateFailed)
	} else {
		out.Source, out.Artifact = database.SourceProcess, artifact
		step(StateSucceeded)
	}
	step(StateDone)

	return out
}

// Execute produces the raw artifact of one method.
func (e *MethodExecutor) Execute(ctx context.Context, job MethodJob) Outcome {
	artifact, ok := DefaultArtifact(job.Family, job.Method)
	if ok {
		// A stale artifact from an earlier run must not be mistaken for this one.
		if err := e.store.Remove(job.TaskID, artifact.Name); err != nil {
			slog.Warn("error removing stale artifact", "task_id", job.TaskID, "artifact", artifact.Name, "error", err)
		}
	}

	var remote attempt
	if predictor, found := e.predictors[job.Family]; found && ok {
		remote = func(ctx context.Context) (Artifact, error) {
			return e.predictRemote(ctx, predictor, job, artifact)
		}
	}

	var local attempt
	if script, found := e.scripts.Lookup(job.Method, job.Family); found {
		local = func(ctx context.Context) (Artifact, error) {
			return e.runScript(ctx, job.TaskID, job.Application.InputFile, job.Method, job.Family, job.Options, script)
		}
	}

	return e.run(ctx, job.TaskID, job.Method, job.Family, remote, local)
}

func (e *MethodExecutor) predictRemote(ctx context.Context, predictor microservice.Predictor, job MethodJob, artifact Artifact) (Artifact, error) {
	preds, err := predictor.Predict(ctx, microservice.Request{
		TaskId:  job.TaskID.String(),
		Method:  job.Method,
		Records: job.Records,
	})
	if err != nil {
		return Artifact{}, err
	}

	succeeded := 0
	for _, p := range preds {
		if !p.Failed() {
			succeeded++
		}
	}
	if succeeded == 0 {
		return Artifact{}, ErrNoPredictions
	}

	data, err := WriteArtifact(artifact.Format, job.Records, preds, e.threshold)
	if err != nil {
		return Artifact{}, err
	}
	if err := e.store.Write(job.TaskID, artifact.Name, data); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

func (e *MethodExecutor) scriptVars(taskId uuid.UUID, inputFile, method string, opts TaskOptions) config.ScriptVars {
	return config.ScriptVars{
		"input":        e.store.Path(taskId, inputFile),
		"task_dir":     e.store.Dir(taskId),
		"task_id":      taskId.String(),
		"method":       method,
		"codon_table":  strconv.Itoa(opts.CodonTable),
		"scripts_root": e.exec.ScriptsRoot,
		"python":       e.exec.Python,
		"rscript":      e.exec.Rscript,
	}
}

func (e *MethodExecutor) runScript(ctx context.Context, taskId uuid.UUID, inputFile, method, family string, opts TaskOptions, script config.Script) (Artifact, error) {
	vars := e.scriptVars(taskId, inputFile, method, opts)

	artifact := Artifact{Name: vars.Expand(script.Artifact), Format: script.Format}
	if artifact.Format == "" {
		if def, ok := DefaultArtifact(family, method); ok {
			artifact.Format = def.Format
		}
	}
	vars["output"] = e.store.Path(taskId, artifact.Name)

	if err := e.store.Remove(taskId, artifact.Name); err != nil {
		return Artifact{}, err
	}

	name, args := script.Command(vars)
	if _, err := e.runner.Run(ctx, process.Command{
		Name:    name,
		Args:    args,
		Dir:     e.store.Dir(taskId),
		Timeout: e.exec.ProcessTimeout,
	}); err != nil {
		// A failed method must not leave partial rows for the reconciler.
		if rmErr := e.store.Remove(taskId, artifact.Name); rmErr != nil {
			slog.Warn("error removing partial artifact", "task_id", taskId, "artifact", artifact.Name, "error", rmErr)
		}
		return Artifact{}, err
	}

	if script.Output != "" {
		if err := e.store.Adopt(taskId, vars.Expand(script.Output), artifact.Name); err != nil {
			return Artifact{}, fmt.Errorf("%w: %w", ErrNoArtifact, err)
		}
	}

	if !e.store.Exists(taskId, artifact.Name) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNoArtifact, artifact.Name)
	}
	return artifact, nil
}

// ExtractORFs derives the peptide input of app from its nucleotide submission.
func (e *MethodExecutor) ExtractORFs(ctx context.Context, taskId uuid.UUID, app *Application, opts TaskOptions) Outcome {
	remote := func(ctx context.Context) (Artifact, error) {
		submission, err := e.store.Read(taskId, app.SubmissionFile)
		if err != nil {
			return Artifact{}, err
		}
		res, err := e.orfs.ExtractORFs(ctx, string(submission), microservice.DefaultORFOptions(opts.CodonTable))
		if err != nil {
			return Artifact{}, err
		}
		if res.Count == 0 || res.Fasta == "" {
			return Artifact{}, fmt.Errorf("no open reading frames found")
		}
		if err := e.store.Write(taskId, app.InputFile, []byte(res.Fasta)); err != nil {
			return Artifact{}, err
		}
		return Artifact{Name: app.InputFile}, nil
	}
	if e.orfs == nil {
		remote = nil
	}

	var local attempt
	if script, ok := e.scripts.Lookup(config.FamilyCodon, config.FamilyCodon); ok {
		local = func(ctx context.Context) (Artifact, error) {
			return e.runScript(ctx, taskId, app.SubmissionFile, config.FamilyCodon, config.FamilyCodon, opts, script)
		}
	}

	return e.run(ctx, taskId, config.FamilyCodon, config.FamilyCodon, remote, local)
}
