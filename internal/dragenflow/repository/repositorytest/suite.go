// Package repositorytest holds the behaviour every repository.Repository implementation must share.
package repositorytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

var baseTime = time.Date(2023, 3, 14, 9, 0, 0, 0, time.UTC)

// RunSuite runs the shared tests against repositories produced by newRepo. Each subtest gets a fresh repository.
func RunSuite(t *testing.T, newRepo func(t *testing.T) repository.Repository) {
	tests := map[string]func(t *testing.T, repo repository.Repository){
		"machine round trip":             testMachineRoundTrip,
		"machine create twice":           testMachineAlreadyExists,
		"machine not found":              testMachineNotFound,
		"machine version conflict":       testMachineConflict,
		"machines by status":             testMachinesByStatus,
		"task round trip":                testTaskRoundTrip,
		"task create twice":              testTaskAlreadyExists,
		"task not found":                 testTaskNotFound,
		"task version conflict":          testTaskConflict,
		"tasks for state":                testTasksForState,
		"tasks by status follows update": testTasksByStatus,
		"returned records are copies":    testCopies,
		"mutate task retries conflict":   testMutateTaskRetries,
		"mutate task no change":          testMutateTaskNoChange,
		"mutate machine":                 testMutateMachine,
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tc(t, newRepo(t))
		})
	}
}

func NewTestMachine(t *testing.T, id string) *model.Machine {
	machine, err := model.NewMachine(id, "machine "+id, []model.StateDefinition{
		{
			Name:      "Demultiplex",
			Partition: "dragen",
			Tasks: []model.TaskSpec{
				{
					Name: "bcl-convert",
					Kind: model.KindDemultiplex,
					Demultiplex: &command.DemultiplexParams{
						InputDir:    "/staging/run1",
						OutputDir:   "/staging/run1/fastq",
						SampleSheet: "/staging/run1/SampleSheet.csv",
					},
				},
			},
			ExitTask: &model.TaskSpec{
				Name:    "upload",
				Kind:    model.KindProcessGeneric,
				Generic: &command.GenericParams{Tool: "gsutil", Args: []string{"cp", "a", "gs://b"}},
			},
		},
	}, baseTime)
	require.NoError(t, err)
	return machine
}

func NewTestTask(machineId string, stateIndex int, taskIndex int) *model.Task {
	return &model.Task{
		Id:          model.TaskId(machineId, stateIndex, taskIndex),
		MachineId:   machineId,
		StateIndex:  stateIndex,
		StateName:   "Demultiplex",
		Name:        "bcl-convert",
		Kind:        model.KindDemultiplex,
		Partition:   "dragen",
		CommandLine: "dragen --bcl-conversion-only true",
		Status:      model.Pending,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
}

func testMachineRoundTrip(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	machine := NewTestMachine(t, "m1")
	require.NoError(t, repo.CreateMachine(ctx, machine))
	assert.Equal(t, int64(1), machine.Version)

	stored, err := repo.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assertTimesEqual(t, machine.CreatedAt, stored.CreatedAt)
	stored.CreatedAt = machine.CreatedAt
	stored.UpdatedAt = machine.UpdatedAt
	assert.Equal(t, machine, stored)
}

func testMachineAlreadyExists(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateMachine(ctx, NewTestMachine(t, "m1")))
	err := repo.CreateMachine(ctx, NewTestMachine(t, "m1"))
	assert.True(t, flowerrors.IsAlreadyExists(err), "expected already exists, got %v", err)
}

func testMachineNotFound(t *testing.T, repo repository.Repository) {
	_, err := repo.GetMachine(context.Background(), "missing")
	assert.True(t, flowerrors.IsNotFound(err), "expected not found, got %v", err)

	err = repo.UpdateMachine(context.Background(), NewTestMachine(t, "missing"))
	assert.True(t, flowerrors.IsNotFound(err), "expected not found, got %v", err)
}

func testMachineConflict(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateMachine(ctx, NewTestMachine(t, "m1")))

	first, err := repo.GetMachine(ctx, "m1")
	require.NoError(t, err)
	second, err := repo.GetMachine(ctx, "m1")
	require.NoError(t, err)

	first.Status = model.Running
	require.NoError(t, repo.UpdateMachine(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = model.Cancelled
	err = repo.UpdateMachine(ctx, second)
	assert.True(t, flowerrors.IsConflict(err), "expected conflict, got %v", err)

	stored, err := repo.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Running, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func testMachinesByStatus(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	for _, id := range []string{"m3", "m1", "m2"} {
		require.NoError(t, repo.CreateMachine(ctx, NewTestMachine(t, id)))
	}
	m2, err := repo.GetMachine(ctx, "m2")
	require.NoError(t, err)
	m2.Status = model.Running
	require.NoError(t, repo.UpdateMachine(ctx, m2))

	notStarted, err := repo.GetMachinesByStatus(ctx, model.NotStarted)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, machineIds(notStarted))

	running, err := repo.GetMachinesByStatus(ctx, model.Running)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, machineIds(running))

	failed, err := repo.GetMachinesByStatus(ctx, model.Failed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func testTaskRoundTrip(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	task := NewTestTask("m1", 0, 0)
	attempted := baseTime.Add(time.Minute)
	task.SubmitAttemptedAt = &attempted
	task.Result = &model.TaskResult{ExitCode: 3, Output: "boom", CompletedAt: baseTime.Add(time.Hour)}
	require.NoError(t, repo.CreateTask(ctx, task))
	assert.Equal(t, int64(1), task.Version)

	stored, err := repo.GetTask(ctx, task.Id)
	require.NoError(t, err)
	require.NotNil(t, stored.SubmitAttemptedAt)
	require.NotNil(t, stored.Result)
	assertTimesEqual(t, attempted, *stored.SubmitAttemptedAt)
	assertTimesEqual(t, task.Result.CompletedAt, stored.Result.CompletedAt)
	assert.Equal(t, task.Result.ExitCode, stored.Result.ExitCode)
	assert.Equal(t, task.Result.Output, stored.Result.Output)
	assert.Equal(t, task.CommandLine, stored.CommandLine)
	assert.Equal(t, task.Status, stored.Status)
	assert.Equal(t, task.Version, stored.Version)
}

func testTaskAlreadyExists(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateTask(ctx, NewTestTask("m1", 0, 0)))
	err := repo.CreateTask(ctx, NewTestTask("m1", 0, 0))
	assert.True(t, flowerrors.IsAlreadyExists(err), "expected already exists, got %v", err)
}

func testTaskNotFound(t *testing.T, repo repository.Repository) {
	_, err := repo.GetTask(context.Background(), "missing")
	assert.True(t, flowerrors.IsNotFound(err), "expected not found, got %v", err)

	err = repo.UpdateTask(context.Background(), NewTestTask("m1", 0, 0))
	assert.True(t, flowerrors.IsNotFound(err), "expected not found, got %v", err)
}

func testTaskConflict(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	task := NewTestTask("m1", 0, 0)
	require.NoError(t, repo.CreateTask(ctx, task))

	stale := task.DeepCopy()
	task.Status = model.Queued
	task.ExternalJobId = "1001"
	require.NoError(t, repo.UpdateTask(ctx, task))
	assert.Equal(t, int64(2), task.Version)

	stale.Status = model.Failed
	err := repo.UpdateTask(ctx, stale)
	assert.True(t, flowerrors.IsConflict(err), "expected conflict, got %v", err)
	assert.Equal(t, int64(1), stale.Version)

	stored, err := repo.GetTask(ctx, task.Id)
	require.NoError(t, err)
	assert.Equal(t, model.Queued, stored.Status)
	assert.Equal(t, "1001", stored.ExternalJobId)
}

func testTasksForState(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateTask(ctx, NewTestTask("m1", 0, 2)))
	require.NoError(t, repo.CreateTask(ctx, NewTestTask("m1", 0, 0)))
	require.NoError(t, repo.CreateTask(ctx, NewTestTask("m1", 0, 1)))
	require.NoError(t, repo.CreateTask(ctx, NewTestTask("m1", 1, 0)))
	require.NoError(t, repo.CreateTask(ctx, NewTestTask("m2", 0, 0)))

	tasks, err := repo.GetTasksForState(ctx, "m1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1.0.0", "m1.0.1", "m1.0.2"}, taskIds(tasks))

	tasks, err = repo.GetTasksForState(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1.1.0"}, taskIds(tasks))

	tasks, err = repo.GetTasksForState(ctx, "m1", 2)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func testTasksByStatus(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	a := NewTestTask("m1", 0, 0)
	b := NewTestTask("m1", 0, 1)
	require.NoError(t, repo.CreateTask(ctx, a))
	require.NoError(t, repo.CreateTask(ctx, b))

	a.Status = model.Running
	require.NoError(t, repo.UpdateTask(ctx, a))

	pending, err := repo.GetTasksByStatus(ctx, model.Pending)
	require.NoError(t, err)
	assert.Equal(t, []string{b.Id}, taskIds(pending))

	running, err := repo.GetTasksByStatus(ctx, model.Running)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Id}, taskIds(running))
}

func testCopies(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	task := NewTestTask("m1", 0, 0)
	require.NoError(t, repo.CreateTask(ctx, task))
	task.Status = model.Failed

	stored, err := repo.GetTask(ctx, task.Id)
	require.NoError(t, err)
	assert.Equal(t, model.Pending, stored.Status)
	stored.Status = model.Complete

	again, err := repo.GetTask(ctx, task.Id)
	require.NoError(t, err)
	assert.Equal(t, model.Pending, again.Status)
}

func testMutateTaskRetries(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	task := NewTestTask("m1", 0, 0)
	require.NoError(t, repo.CreateTask(ctx, task))

	calls := 0
	result, err := repository.MutateTask(ctx, repo, task.Id, func(current *model.Task) (bool, error) {
		calls++
		if calls == 1 {
			// A concurrent writer gets in between our read and write
			other, err := repo.GetTask(ctx, task.Id)
			require.NoError(t, err)
			other.QueryFailures = 7
			require.NoError(t, repo.UpdateTask(ctx, other))
		}
		current.Status = model.Queued
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, model.Queued, result.Status)
	assert.Equal(t, 7, result.QueryFailures)
	assert.Equal(t, int64(3), result.Version)
}

func testMutateTaskNoChange(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	task := NewTestTask("m1", 0, 0)
	require.NoError(t, repo.CreateTask(ctx, task))

	result, err := repository.MutateTask(ctx, repo, task.Id, func(current *model.Task) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Version)
}

func testMutateMachine(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateMachine(ctx, NewTestMachine(t, "m1")))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repository.MutateMachine(ctx, repo, "m1", func(m *model.Machine) (bool, error) {
				if m.Status != model.NotStarted {
					return false, nil
				}
				m.Status = model.Running
				return true, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := repo.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Running, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func assertTimesEqual(t *testing.T, expected time.Time, actual time.Time) {
	assert.True(t, expected.Equal(actual), "expected %s, got %s", expected, actual)
}

func machineIds(machines []*model.Machine) []string {
	ids := make([]string, len(machines))
	for i, m := range machines {
		ids[i] = m.Id
	}
	return ids
}

func taskIds(tasks []*model.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.Id
	}
	return ids
}
