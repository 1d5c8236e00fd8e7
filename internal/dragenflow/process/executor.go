package process

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
)

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs an argument vector to completion. Implementations never retry.
type Executor interface {
	Execute(ctx context.Context, argv []string) (*Result, error)
}

// LocalExecutor runs commands as child processes of this one. No shell is involved.
type LocalExecutor struct {
	timeout time.Duration
	clock   clock.PassiveClock
}

// NewLocalExecutor returns an executor that kills any command still running after timeout. A zero timeout only
// bounds commands by the caller's context.
func NewLocalExecutor(timeout time.Duration) *LocalExecutor {
	return &LocalExecutor{
		timeout: timeout,
		clock:   clock.RealClock{},
	}
}

func (e *LocalExecutor) Execute(ctx context.Context, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argument vector")
	}
	log := flowcontext.FromContext(ctx).Log.WithField("command", argv[0])

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	setProcessGroup(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := e.clock.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.WithStack(&LaunchError{Argv: argv, Err: err})
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-runCtx.Done():
		killProcessGroup(cmd)
		<-done
		result := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Duration: e.clock.Since(start),
		}
		if ctx.Err() != nil {
			// The caller gave up, rather than our own bound expiring
			return result, errors.WithStack(ctx.Err())
		}
		log.Warnf("Killed after %s", e.timeout)
		return result, errors.WithStack(&TimeoutError{Argv: argv, Timeout: e.timeout, Result: result})
	case waitErr = <-done:
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: e.clock.Since(start),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, errors.WithStack(&ExecutionError{Argv: argv, Result: result})
		}
		return nil, errors.WithStack(&LaunchError{Argv: argv, Err: waitErr})
	}
	log.Debugf("Completed in %s", result.Duration)
	return result, nil
}
