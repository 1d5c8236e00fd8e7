package engine

import (
	"fmt"
	"time"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/process"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

// unknownSubmission is the failure reason for a task whose submission may or may not have reached the scheduler.
const unknownSubmission = "submission outcome unknown"

func (e *Engine) advanceProcessTask(ctx *flowcontext.Context, task *model.Task) error {
	switch {
	case task.Submitted():
		return e.pollJob(ctx, task)
	case task.SubmitAttemptedAt != nil:
		return e.reconcileSubmission(ctx, task)
	default:
		return e.submit(ctx, task)
	}
}

// submit claims the task and hands it to the scheduler. The claim is recorded before the scheduler is called, so a
// task is submitted at most once however many engines see it PENDING.
func (e *Engine) submit(ctx *flowcontext.Context, task *model.Task) error {
	if !e.toggles.SubmissionsEnabled() {
		ctx.Log.Debugf("Submissions are disabled; not submitting task %s", task.Id)
		return nil
	}
	now := e.clock.Now()
	claimed := false
	claim, err := repository.MutateTask(ctx, e.repo, task.Id, func(t *model.Task) (bool, error) {
		claimed = false
		if t.Status != model.Pending || t.SubmitAttemptedAt != nil {
			return false, nil
		}
		t.SubmitAttemptedAt = &now
		t.UpdatedAt = now
		claimed = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if !claimed {
		ctx.Log.Infof("Task %s was claimed by another worker", task.Id)
		return nil
	}

	jobId, err := e.scheduler.Submit(ctx, claim.Partition, claim)
	if err != nil {
		if scheduler.IsTransient(err) {
			e.metrics.transientErrors.Inc()
			logging.WithStacktrace(ctx.Log, err).Warnf("Outcome of submitting task %s is unknown; will look for it in the queue", task.Id)
			return nil
		}
		_, err = e.finishTask(ctx, task.Id, model.Failed, &model.TaskResult{
			ExitCode: -1,
			Reason:   "submission failed: " + err.Error(),
		})
		return err
	}
	e.metrics.submissions.Inc()
	ctx.Log.Infof("Submitted task %s as job %s", task.Id, jobId)
	return e.recordJobId(ctx, task.Id, jobId, model.Queued)
}

// recordJobId stores the scheduler's id for the task's job. If the task was cancelled while the job was being
// submitted, the job is cancelled straight away.
func (e *Engine) recordJobId(ctx *flowcontext.Context, taskId string, jobId string, status model.Status) error {
	now := e.clock.Now()
	orphaned := false
	_, err := repository.MutateTask(ctx, e.repo, taskId, func(t *model.Task) (bool, error) {
		orphaned = false
		if t.Submitted() {
			return false, nil
		}
		t.ExternalJobId = jobId
		t.UpdatedAt = now
		if t.IsTerminal() {
			orphaned = true
		} else if t.Status.CanTransition(status) {
			t.Status = status
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if orphaned {
		ctx.Log.Warnf("Task %s finished while job %s was being submitted; cancelling the job", taskId, jobId)
		if _, err := e.scheduler.Cancel(ctx, jobId); err != nil {
			return err
		}
		return nil
	}
	e.metrics.recordTaskStatus(status)
	return nil
}

// reconcileSubmission deals with a task that was claimed but never got a job id, e.g. because the process
// submitting it died. A queued job named after the task is adopted; if none appears within the claim timeout the
// task fails rather than risk a second submission.
func (e *Engine) reconcileSubmission(ctx *flowcontext.Context, task *model.Task) error {
	queue, err := e.scheduler.ListQueue(ctx)
	if err != nil {
		if scheduler.IsTransient(err) {
			e.metrics.transientErrors.Inc()
			logging.WithStacktrace(ctx.Log, err).Warn("Unable to list the scheduler queue")
			return nil
		}
		return err
	}
	for _, q := range queue {
		if q.Name != task.Id {
			continue
		}
		status := scheduler.ResolveStatus(q.State)
		if !status.IsActive() {
			status = model.Queued
		}
		ctx.Log.Infof("Adopting job %s found in the queue for task %s", q.JobId, task.Id)
		return e.recordJobId(ctx, task.Id, q.JobId, status)
	}
	if e.clock.Since(*task.SubmitAttemptedAt) < e.config.ClaimTimeout {
		ctx.Log.Infof("No job found for task %s claimed at %s yet", task.Id, task.SubmitAttemptedAt)
		return nil
	}
	_, err = e.finishTask(ctx, task.Id, model.Failed, &model.TaskResult{ExitCode: -1, Reason: unknownSubmission})
	return err
}

// pollJob queries the scheduler for the task's job and records any progress.
func (e *Engine) pollJob(ctx *flowcontext.Context, task *model.Task) error {
	now := e.clock.Now()
	if task.NextQueryAt != nil && now.Before(*task.NextQueryAt) {
		return nil
	}
	ctx = flowcontext.WithLogField(ctx, "jobId", task.ExternalJobId)
	info, err := e.scheduler.FetchJobInfo(ctx, task.ExternalJobId)
	if err != nil {
		return e.recordQueryFailure(ctx, task, err)
	}

	status := info.Status
	if status == model.Unknown {
		e.metrics.unknownStatuses.Inc()
		ctx.Log.Warnf("Job %s of task %s is in unrecognised state %q; leaving the task %s", task.ExternalJobId, task.Id, info.State, task.Status)
	}
	if status.IsTerminal() {
		result := &model.TaskResult{
			ExitCode: info.ExitCode,
			Output:   e.readOutput(ctx, task.ExternalJobId),
		}
		if status != model.Complete {
			result.Reason = fmt.Sprintf("job %s ended %s", task.ExternalJobId, info.State)
		}
		_, err := e.finishTask(ctx, task.Id, status, result)
		return err
	}

	transitioned := false
	_, err = repository.MutateTask(ctx, e.repo, task.Id, func(t *model.Task) (bool, error) {
		transitioned = false
		if t.IsTerminal() {
			return false, nil
		}
		changed := t.QueryFailures != 0 || t.NextQueryAt != nil
		t.QueryFailures = 0
		t.NextQueryAt = nil
		if t.Status.CanTransition(status) {
			t.Status = status
			transitioned = true
			changed = true
		} else if status != model.Unknown && status != t.Status {
			ctx.Log.Infof("Ignoring move of job %s from %s back to %s", t.ExternalJobId, t.Status, status)
		}
		if changed {
			t.UpdatedAt = now
		}
		return changed, nil
	})
	if err != nil {
		return err
	}
	if transitioned {
		e.metrics.recordTaskStatus(status)
		ctx.Log.Infof("Task %s is %s", task.Id, status)
	}
	return nil
}

// recordQueryFailure backs off further queries for the task, failing it once too many have failed in a row. A
// scheduler tool that cannot be launched fails the task immediately.
func (e *Engine) recordQueryFailure(ctx *flowcontext.Context, task *model.Task, queryErr error) error {
	if process.IsLaunchError(queryErr) {
		logging.WithStacktrace(ctx.Log, queryErr).Error("Unable to run the scheduler")
		_, err := e.finishTask(ctx, task.Id, model.Failed, &model.TaskResult{
			ExitCode: -1,
			Reason:   "unable to query scheduler: " + queryErr.Error(),
		})
		return err
	}
	e.metrics.transientErrors.Inc()

	now := e.clock.Now()
	failures := 0
	var retryAt time.Time
	_, err := repository.MutateTask(ctx, e.repo, task.Id, func(t *model.Task) (bool, error) {
		failures = 0
		if t.IsTerminal() {
			return false, nil
		}
		t.QueryFailures++
		failures = t.QueryFailures
		retryAt = now.Add(e.config.queryBackoff(failures))
		t.NextQueryAt = &retryAt
		t.UpdatedAt = now
		return true, nil
	})
	if err != nil || failures == 0 {
		return err
	}
	if failures >= e.config.MaxConsecutiveQueryFailures {
		logging.WithStacktrace(ctx.Log, queryErr).Errorf("Giving up on job %s of task %s after %d failed queries", task.ExternalJobId, task.Id, failures)
		_, err := e.finishTask(ctx, task.Id, model.Failed, &model.TaskResult{
			ExitCode: -1,
			Reason:   fmt.Sprintf("scheduler query failed %d consecutive times: %s", failures, queryErr),
		})
		return err
	}
	logging.WithStacktrace(ctx.Log, queryErr).Warnf("Query %d for job %s of task %s failed; retrying at %s", failures, task.ExternalJobId, task.Id, retryAt)
	return nil
}

func (e *Engine) readOutput(ctx *flowcontext.Context, jobId string) string {
	reader, ok := e.scheduler.(scheduler.OutputReader)
	if !ok {
		return ""
	}
	output, err := reader.ReadOutput(ctx, jobId)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("Unable to read output of job %s", jobId)
		return ""
	}
	return output
}
