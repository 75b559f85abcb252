package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"time"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/fsx"
	"github.com/davidahmann/agentlab/core/jcs"
	schemaharness "github.com/davidahmann/agentlab/core/schema/v1/harness"
	"github.com/davidahmann/agentlab/core/schema/validate"
)

const (
	EnvTrialInput  = "AGENTLAB_TRIAL_INPUT"
	EnvTrialOutput = "AGENTLAB_TRIAL_OUTPUT"

	waitDelay = 2 * time.Second
)

var (
	ErrTimeout       = errors.New("harness timed out")
	ErrNonZeroExit   = errors.New("harness exited non-zero")
	ErrMissingOutput = errors.New("harness did not write trial output")
)

// Invocation is one harness execution for one trial.
type Invocation struct {
	Command    []string
	Input      schemaharness.TrialInput
	InputPath  string
	OutputPath string
	Dir        string
	Env        []string
	Timeout    time.Duration
	Stdout     io.Writer
	Stderr     io.Writer
}

type Result struct {
	Output    schemaharness.TrialOutput
	RawOutput []byte
	ExitCode  int
	Duration  time.Duration
}

// Executor runs harness commands against the trial input/output contract.
type Executor struct {
	schemas validate.Validator
	logger  *slog.Logger
}

func NewExecutor(schemas validate.Validator, logger *slog.Logger) *Executor {
	if schemas == nil {
		schemas = validate.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{schemas: schemas, logger: logger}
}

// Run writes and validates the input document, runs the command with the
// trial env vars set, and reads and validates the output document. A
// timeout is reported as ErrTimeout, distinct from a failing harness.
func (e *Executor) Run(ctx context.Context, inv Invocation) (Result, error) {
	if len(inv.Command) == 0 {
		return Result{}, labErrors.Wrap(fmt.Errorf("harness command is empty"), labErrors.CategoryInvalidConfig, "harness_command_missing", "", false)
	}
	input, err := json.MarshalIndent(inv.Input, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode trial input: %w", err)
	}
	if err := e.schemas.Validate(validate.TrialInputV1, input); err != nil {
		return Result{}, labErrors.Wrap(fmt.Errorf("trial input: %w", err), labErrors.CategoryInvalidInput, "trial_input_invalid", "", false)
	}
	if err := fsx.WriteFileAtomicMkdir(inv.InputPath, append(input, '\n'), 0o600); err != nil {
		return Result{}, labErrors.Wrap(fmt.Errorf("write trial input: %w", err), labErrors.CategoryIOFailure, "trial_input_write_failed", "", true)
	}
	if err := fsx.EnsureParent(inv.OutputPath); err != nil {
		return Result{}, err
	}
	_ = os.Remove(inv.OutputPath)

	runCtx := ctx
	cancel := func() {}
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
	}
	defer cancel()

	// #nosec G204 -- the harness command is declared by the experiment author.
	cmd := exec.CommandContext(runCtx, inv.Command[0], inv.Command[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = append(append(os.Environ(), inv.Env...), EnvTrialInput+"="+inv.InputPath, EnvTrialOutput+"="+inv.OutputPath)
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.WaitDelay = waitDelay

	started := time.Now()
	runErr := cmd.Run()
	result := Result{Duration: time.Since(started)}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.logger.Warn("harness timed out", "timeout", inv.Timeout.String(), "dir", inv.Dir)
		return result, labErrors.Wrap(fmt.Errorf("%w after %s", ErrTimeout, inv.Timeout), labErrors.CategoryTimeout, "harness_timeout", "raise runtime.harness.timeout_seconds", true)
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("harness canceled: %w", ctx.Err())
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return result, labErrors.Wrap(fmt.Errorf("%w: %d", ErrNonZeroExit, exitErr.ExitCode()), labErrors.CategoryHarnessFailure, "harness_nonzero_exit", "", false)
		}
		if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, fs.ErrNotExist) {
			return result, labErrors.Wrap(fmt.Errorf("start harness: %w", runErr), labErrors.CategoryInvalidConfig, "harness_command_not_found", "check runtime.harness.command", false)
		}
		return result, labErrors.Wrap(fmt.Errorf("start harness: %w", runErr), labErrors.CategoryHarnessFailure, "harness_start_failed", "check runtime.harness.command", false)
	}

	// #nosec G304 -- output path is inside the trial directory.
	raw, err := os.ReadFile(inv.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, labErrors.Wrap(fmt.Errorf("%w: %s", ErrMissingOutput, inv.OutputPath), labErrors.CategoryHarnessFailure, "harness_output_missing", "", false)
		}
		return result, fmt.Errorf("read trial output: %w", err)
	}
	if err := e.schemas.Validate(validate.TrialOutputV1, raw); err != nil {
		return result, labErrors.Wrap(fmt.Errorf("trial output: %w", err), labErrors.CategoryInvalidInput, "trial_output_invalid", "", false)
	}
	var output schemaharness.TrialOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return result, labErrors.Wrap(fmt.Errorf("decode trial output: %w", err), labErrors.CategoryInvalidInput, "trial_output_invalid", "", false)
	}
	result.Output = output
	result.RawOutput = bytes.TrimSpace(raw)
	return result, nil
}

// WriteControlAction writes the canonical action document and returns its
// control version (the digest of the written bytes).
func WriteControlAction(path string, action schemaharness.ControlAction) (string, error) {
	encoded, err := jcs.Canonicalize(action)
	if err != nil {
		return "", fmt.Errorf("encode control action: %w", err)
	}
	if err := fsx.WriteFileAtomicMkdir(path, encoded, 0o600); err != nil {
		return "", labErrors.Wrap(fmt.Errorf("write control action: %w", err), labErrors.CategoryIOFailure, "control_write_failed", "", true)
	}
	return jcs.Digest(encoded), nil
}
