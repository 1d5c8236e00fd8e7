package engine

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

// advanceFileTask marks a wait for file task RUNNING and makes sure a watch is running for it. The watch
// completes the task itself.
func (e *Engine) advanceFileTask(ctx *flowcontext.Context, task *model.Task) error {
	if task.Status == model.Pending {
		now := e.clock.Now()
		updated, err := repository.MutateTask(ctx, e.repo, task.Id, func(t *model.Task) (bool, error) {
			if t.Status != model.Pending {
				return false, nil
			}
			t.Status = model.Running
			t.UpdatedAt = now
			return true, nil
		})
		if err != nil {
			return err
		}
		if updated.Status != model.Running {
			return nil
		}
		e.metrics.recordTaskStatus(model.Running)
		task = updated
	}
	e.watchFile(task)
	return nil
}

// watchFile starts a watch for the task unless one is running. The deadline counts from task creation, so it
// survives restarts.
func (e *Engine) watchFile(task *model.Task) bool {
	var deadline time.Time
	timeout := e.config.WaitForFile.Timeout
	if timeout > 0 {
		deadline = task.CreatedAt.Add(timeout)
	}
	ctx := flowcontext.WithLogFields(e.root, logrus.Fields{"machineId": task.MachineId, "state": task.StateName})
	taskId := task.Id
	path := task.WaitPath
	return e.watcher.Watch(ctx, taskId, path, deadline, func(ctx *flowcontext.Context, outcome WatchOutcome) {
		var err error
		switch outcome {
		case FileFound:
			_, err = e.finishTask(ctx, taskId, model.Complete, &model.TaskResult{Output: path})
		case WatchExpired:
			_, err = e.finishTask(ctx, taskId, model.Failed, &model.TaskResult{
				ExitCode: -1,
				Reason:   fmt.Sprintf("%s did not appear within %s", path, timeout),
			})
		}
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("Unable to record outcome of waiting for %s", path)
		}
	})
}

// advanceReviewTask leaves the task PENDING until a decision is recorded, failing it once the review timeout
// has passed.
func (e *Engine) advanceReviewTask(ctx *flowcontext.Context, task *model.Task) error {
	timeout := e.config.Review.Timeout
	if timeout <= 0 || e.clock.Since(task.CreatedAt) < timeout {
		return nil
	}
	_, err := e.finishTask(ctx, task.Id, model.Failed, &model.TaskResult{
		ExitCode: -1,
		Reason:   fmt.Sprintf("no review decision within %s", timeout),
	})
	return err
}

// ApproveReview completes a review task awaiting a decision.
func (e *Engine) ApproveReview(ctx *flowcontext.Context, taskId string, reviewer string, comment string) (*model.Task, error) {
	return e.decideReview(ctx, taskId, true, reviewer, comment)
}

// RejectReview fails a review task awaiting a decision, and with it the machine.
func (e *Engine) RejectReview(ctx *flowcontext.Context, taskId string, reviewer string, comment string) (*model.Task, error) {
	return e.decideReview(ctx, taskId, false, reviewer, comment)
}

func (e *Engine) decideReview(
	ctx *flowcontext.Context,
	taskId string,
	approved bool,
	reviewer string,
	comment string,
) (*model.Task, error) {
	if reviewer == "" {
		return nil, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "reviewer", Value: "", Message: "required"})
	}
	now := e.clock.Now()
	task, err := repository.MutateTask(ctx, e.repo, taskId, func(t *model.Task) (bool, error) {
		if t.Kind != model.KindWaitForReview {
			return false, errors.WithStack(&flowerrors.ErrInvalidArgument{
				Name:    "taskId",
				Value:   taskId,
				Message: fmt.Sprintf("task is %s, not %s", t.Kind, model.KindWaitForReview),
			})
		}
		if t.IsTerminal() {
			return false, errors.WithStack(&flowerrors.ErrInvalidArgument{
				Name:    "taskId",
				Value:   taskId,
				Message: fmt.Sprintf("task is already %s", t.Status),
			})
		}
		t.Review = &model.Review{
			Approved:  approved,
			Reviewer:  reviewer,
			Comment:   comment,
			DecidedAt: now,
		}
		t.Result = &model.TaskResult{CompletedAt: now}
		if approved {
			t.Status = model.Complete
		} else {
			t.Status = model.Failed
			t.Result.ExitCode = 1
			t.Result.Reason = fmt.Sprintf("rejected by %s", reviewer)
			if comment != "" {
				t.Result.Reason += ": " + comment
			}
		}
		t.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.recordTaskStatus(task.Status)
	ctx.Log.Infof("Review task %s is %s by %s", taskId, task.Status, reviewer)
	return task, nil
}
