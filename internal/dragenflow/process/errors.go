package process

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// LaunchError means the process never started, typically because the executable is missing or not executable.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExecutionError means the process started and exited non-zero. Result holds what it wrote before exiting.
type ExecutionError struct {
	Argv   []string
	Result *Result
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%q exited with code %d", strings.Join(e.Argv, " "), e.Result.ExitCode)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// TimeoutError means the process was still running when the timeout expired and was killed.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
	Result  *Result
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%q did not finish within %s", strings.Join(e.Argv, " "), e.Timeout)
}

func IsLaunchError(err error) bool {
	var e *LaunchError
	return errors.As(err, &e)
}

func IsExecutionError(err error) bool {
	var e *ExecutionError
	return errors.As(err, &e)
}

func IsTimeoutError(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}
