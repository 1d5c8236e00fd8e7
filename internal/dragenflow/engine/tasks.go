package engine

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

// materialise creates whichever of the state's main tasks do not exist yet and returns every task of the state.
// Task ids are derived from their position, so racing engines create each task exactly once.
func (e *Engine) materialise(
	ctx *flowcontext.Context,
	machine *model.Machine,
	stateIndex int,
	def model.StateDefinition,
) ([]*model.Task, error) {
	existing, err := e.repo.GetTasksForState(ctx, machine.Id, stateIndex)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(existing))
	for _, task := range existing {
		present[task.Id] = true
	}

	created := 0
	for i, spec := range def.Tasks {
		id := model.TaskId(machine.Id, stateIndex, i)
		if present[id] {
			continue
		}
		task, err := e.newTask(id, machine, stateIndex, def, spec, false)
		if err != nil {
			return nil, err
		}
		if err := e.createTask(ctx, task); err != nil {
			return nil, err
		}
		created++
	}
	if created == 0 {
		return existing, nil
	}
	ctx.Log.Infof("Created %d tasks for state %s", created, def.Name)
	return e.repo.GetTasksForState(ctx, machine.Id, stateIndex)
}

func (e *Engine) materialiseExitTask(
	ctx *flowcontext.Context,
	machine *model.Machine,
	stateIndex int,
	def model.StateDefinition,
) (*model.Task, error) {
	id := model.ExitTaskId(machine.Id, stateIndex)
	task, err := e.newTask(id, machine, stateIndex, def, *def.ExitTask, true)
	if err != nil {
		return nil, err
	}
	if err := e.createTask(ctx, task); err != nil {
		return nil, err
	}
	ctx.Log.Infof("Created exit task %s for state %s", id, def.Name)
	return e.repo.GetTask(ctx, id)
}

// createTask treats a task that already exists as created: another engine got there first.
func (e *Engine) createTask(ctx *flowcontext.Context, task *model.Task) error {
	err := e.repo.CreateTask(ctx, task)
	if flowerrors.IsAlreadyExists(err) {
		return nil
	}
	if err == nil {
		e.metrics.materialisations.Inc()
	}
	return err
}

// newTask builds the task record for spec, rendering the command line for process kinds.
func (e *Engine) newTask(
	id string,
	machine *model.Machine,
	stateIndex int,
	def model.StateDefinition,
	spec model.TaskSpec,
	exit bool,
) (*model.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	task := &model.Task{
		Id:         id,
		MachineId:  machine.Id,
		StateIndex: stateIndex,
		StateName:  def.Name,
		Name:       spec.Name,
		Kind:       spec.Kind,
		Exit:       exit,
		Partition:  spec.Partition,
		Status:     model.Pending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if task.Partition == "" {
		task.Partition = def.Partition
	}

	var err error
	switch spec.Kind {
	case model.KindDemultiplex:
		task.CommandLine, err = e.builder.Demultiplex(*spec.Demultiplex)
	case model.KindAlign:
		task.CommandLine, err = e.builder.Align(*spec.Align)
	case model.KindAggregate:
		task.CommandLine, err = e.builder.Aggregate(*spec.Aggregate)
	case model.KindProcessGeneric:
		task.CommandLine, err = e.builder.Generic(*spec.Generic)
	case model.KindWaitForFile:
		task.WaitPath = spec.WaitForFile.Path
	case model.KindWaitForReview:
	default:
		err = errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "kind", Value: string(spec.Kind), Message: "unknown task kind"})
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "task %s", spec.Name)
	}
	return task, nil
}

// advanceTask moves one unfinished task forward according to its kind.
func (e *Engine) advanceTask(ctx *flowcontext.Context, task *model.Task) error {
	ctx = flowcontext.WithLogField(ctx, "taskId", task.Id)
	switch task.Kind {
	case model.KindDemultiplex, model.KindAlign, model.KindAggregate, model.KindProcessGeneric:
		return e.advanceProcessTask(ctx, task)
	case model.KindWaitForFile:
		return e.advanceFileTask(ctx, task)
	case model.KindWaitForReview:
		return e.advanceReviewTask(ctx, task)
	default:
		return errors.Errorf("task %s has unknown kind %s", task.Id, task.Kind)
	}
}

// finishTask moves a task to a terminal status unless it already is in one. It reports whether it did.
func (e *Engine) finishTask(ctx *flowcontext.Context, id string, status model.Status, result *model.TaskResult) (bool, error) {
	now := e.clock.Now()
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}
	finished := false
	_, err := repository.MutateTask(ctx, e.repo, id, func(t *model.Task) (bool, error) {
		finished = false
		if t.IsTerminal() {
			return false, nil
		}
		t.Status = status
		r := *result
		t.Result = &r
		t.QueryFailures = 0
		t.NextQueryAt = nil
		t.UpdatedAt = now
		finished = true
		return true, nil
	})
	if err != nil || !finished {
		return false, err
	}
	e.metrics.recordTaskStatus(status)
	if status == model.Complete {
		ctx.Log.Infof("Task %s is COMPLETE", id)
	} else {
		ctx.Log.Warnf("Task %s is %s: %s", id, status, result.Reason)
	}
	return true, nil
}

// cancelUnfinishedTasks cancels the jobs of every unfinished task of the state and marks those tasks CANCELLED.
func (e *Engine) cancelUnfinishedTasks(ctx *flowcontext.Context, machineId string, stateIndex int, reason string) error {
	tasks, err := e.repo.GetTasksForState(ctx, machineId, stateIndex)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, task := range tasks {
		if task.IsTerminal() {
			continue
		}
		e.watcher.Stop(task.Id)
		if task.Submitted() {
			ok, err := e.scheduler.Cancel(ctx, task.ExternalJobId)
			if err != nil {
				logging.WithStacktrace(ctx.Log, err).Warnf("Unable to cancel job %s of task %s", task.ExternalJobId, task.Id)
				result = multierror.Append(result, errors.WithMessagef(err, "cancelling job %s of task %s", task.ExternalJobId, task.Id))
			} else if !ok {
				ctx.Log.Infof("Scheduler declined to cancel job %s of task %s", task.ExternalJobId, task.Id)
			}
		}
		if _, err := e.finishTask(ctx, task.Id, model.Cancelled, &model.TaskResult{ExitCode: -1, Reason: reason}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
