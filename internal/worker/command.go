package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	yamlv3 "gopkg.in/yaml.v3"

	"flotilla/internal/logging"
	"flotilla/internal/model"
)

// CommandWorker runs each assignment as a subprocess. The assignment is
// written to the process's stdin as YAML and the result is read from its
// stdout as YAML. The process is killed when the task's deadline expires.
type CommandWorker struct {
	Command string
	Args    []string
	Dir     string
	Log     *logging.Logger
}

func NewCommandWorker(cfg model.WorkerConfig, dir string, log *logging.Logger) *CommandWorker {
	if log == nil {
		log = logging.Nop()
	}
	return &CommandWorker{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     dir,
		Log:     log.WithComponent("worker"),
	}
}

func (w *CommandWorker) Execute(ctx context.Context, a Assignment) (Result, error) {
	input, err := yamlv3.Marshal(a)
	if err != nil {
		return Result{}, fmt.Errorf("marshal assignment: %w", err)
	}

	cmd := exec.CommandContext(ctx, w.Command, w.Args...)
	cmd.Dir = w.Dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	w.Log.Debug("dispatching task=%s attempt=%d command=%s", a.TaskID, a.Attempt, w.Command)
	runErr := cmd.Run()

	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("task %s: %w", a.TaskID, model.ErrTimeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("task %s: worker exited %d: %s",
				a.TaskID, exitErr.ExitCode(), firstLine(stderr.Bytes()))
		}
		return Result{}, fmt.Errorf("task %s: run worker: %w", a.TaskID, runErr)
	}

	var result Result
	if err := yamlv3.Unmarshal(stdout.Bytes(), &result); err != nil {
		return Result{}, fmt.Errorf("task %s: parse worker output: %w", a.TaskID, err)
	}
	if result.TaskID == "" {
		result.TaskID = a.TaskID
	}
	switch result.Outcome {
	case OutcomePass, OutcomeFail, OutcomeBlocked:
	default:
		return Result{}, fmt.Errorf("task %s: worker reported unknown outcome %q", a.TaskID, result.Outcome)
	}
	return result, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
