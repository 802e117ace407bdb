package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nebula/svcbridge/internal/logger"
)

// Result is the outcome of one native command
type Result struct {
	Output   string
	ExitCode int
	Err      error
}

// Success reports whether the command ran and exited zero
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Started reports whether the command ran at all, whatever its exit code
func (r Result) Started() bool {
	return r.ExitCode >= 0
}

// Failure describes a failed result, or returns nil
func (r Result) Failure() error {
	if r.Success() {
		return nil
	}
	out := strings.TrimSpace(r.Output)
	if out == "" && r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("exit status %d: %s", r.ExitCode, out)
}

// Runner executes native service-manager commands
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and captures combined output. ExitCode is -1 when
// the command could not be started.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) Result {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()

	res := Result{Output: string(output)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		res.Err = err
	}

	logger.Debug().
		Str("cmd", name).
		Strs("args", args).
		Int("exit", res.ExitCode).
		Msg("native command")
	return res
}
