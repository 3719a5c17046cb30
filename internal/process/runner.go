package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultTimeout = 3600 * time.Second
	// Upper bound on how long pipes are drained after the process is killed.
	defaultWaitDelay = 5 * time.Second
	stderrTailBytes  = 2048
)

type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Failure is returned when a process could not be started, exited with a
// non-zero status, or was killed.
type Failure struct {
	Command  string
	ExitCode int
	TimedOut bool
	Stderr   string
	Err      error
}

func (f *Failure) Error() string {
	switch {
	case f.TimedOut:
		return fmt.Sprintf("process '%s' timed out", f.Command)
	case f.ExitCode > 0:
		return fmt.Sprintf("process '%s' exited with status %d: %s", f.Command, f.ExitCode, f.Stderr)
	default:
		return fmt.Sprintf("process '%s' failed: %v", f.Command, f.Err)
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type ExecRunner struct {
	defaultTimeout time.Duration
	waitDelay      time.Duration
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner(defaultTimeout time.Duration) *ExecRunner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &ExecRunner{defaultTimeout: defaultTimeout, waitDelay: defaultWaitDelay}
}

func (r *ExecRunner) Run(ctx context.Context, command Command) (Result, error) {
	timeout := command.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.waitDelay
	killProcessGroupOnCancel(cmd)

	slog.Info("starting process", "command", command.String(), "dir", command.Dir, "timeout", timeout)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if err == nil {
		slog.Info("process completed", "command", command.String(), "duration", res.Duration)
		return res, nil
	}

	failure := &Failure{
		Command:  command.String(),
		ExitCode: res.ExitCode,
		Stderr:   tail(res.Stderr, stderrTailBytes),
		Err:      err,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		failure.TimedOut = true
		failure.Err = context.DeadlineExceeded
	} else if ctx.Err() != nil {
		failure.Err = ctx.Err()
	}

	slog.Error("process failed", "command", command.String(), "exit_code", failure.ExitCode, "timed_out", failure.TimedOut, "duration", res.Duration, "error", err)

	return res, failure
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
