package repository

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
)

// Repository stores machines and tasks by id. Every record carries a version: creating a record sets it to 1 and
// each update must present the version it read, failing with flowerrors.ErrConflict otherwise. On success the
// version of the passed record is advanced to match the stored one.
type Repository interface {
	CreateMachine(ctx context.Context, machine *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	GetMachinesByStatus(ctx context.Context, status model.Status) ([]*model.Machine, error)
	UpdateMachine(ctx context.Context, machine *model.Machine) error

	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// GetTasksForState returns the tasks materialised for one state of a machine, ordered by id.
	GetTasksForState(ctx context.Context, machineId string, stateIndex int) ([]*model.Task, error)
	GetTasksByStatus(ctx context.Context, status model.Status) ([]*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
}

// conflictRetries is the number of times a read-modify-write is reattempted after losing a race.
const conflictRetries = 1

// MutateTask applies mutate to the stored task and writes the result back. If a concurrent writer updates the
// task first, the task is reloaded and mutate applied once more, so mutate must decide from the task it is given.
// It returns false to leave the task untouched. The returned task is the latest stored version.
func MutateTask(
	ctx context.Context,
	repo Repository,
	id string,
	mutate func(task *model.Task) (bool, error),
) (*model.Task, error) {
	var result *model.Task
	err := retryOnConflict(ctx, func() error {
		task, err := repo.GetTask(ctx, id)
		if err != nil {
			return err
		}
		changed, err := mutate(task)
		if err != nil {
			return err
		}
		if changed {
			if err := repo.UpdateTask(ctx, task); err != nil {
				return err
			}
		}
		result = task
		return nil
	})
	return result, err
}

// MutateMachine is the machine equivalent of MutateTask.
func MutateMachine(
	ctx context.Context,
	repo Repository,
	id string,
	mutate func(machine *model.Machine) (bool, error),
) (*model.Machine, error) {
	var result *model.Machine
	err := retryOnConflict(ctx, func() error {
		machine, err := repo.GetMachine(ctx, id)
		if err != nil {
			return err
		}
		changed, err := mutate(machine)
		if err != nil {
			return err
		}
		if changed {
			if err := repo.UpdateMachine(ctx, machine); err != nil {
				return err
			}
		}
		result = machine
		return nil
	})
	return result, err
}

func retryOnConflict(ctx context.Context, f func() error) error {
	err := retry.Do(
		f,
		retry.Attempts(conflictRetries+1),
		retry.RetryIf(flowerrors.IsConflict),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(10*time.Millisecond),
	)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}
