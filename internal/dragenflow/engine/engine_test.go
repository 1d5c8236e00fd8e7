package engine

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/process"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/memory"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler/simulator"
)

var startTime = time.Date(2023, 5, 2, 8, 0, 0, 0, time.UTC)

// Ticks run often enough in these tests that their logs would drown out failures.
var quietCtx = flowcontext.New(context.Background(), logrus.NewEntry(logging.NullLogger))

type testEngine struct {
	*Engine
	t     *testing.T
	repo  *memory.Repository
	sim   *simulator.Simulator
	clock *clocktesting.FakeClock
	fs    afero.Fs
}

func newTestEngine(t *testing.T, configure func(config *Config)) *testEngine {
	repo, err := memory.New()
	require.NoError(t, err)
	return newTestEngineWith(t, repo, simulator.New(simulator.DefaultConfig()), configure)
}

func newTestEngineWith(
	t *testing.T,
	repo *memory.Repository,
	sim *simulator.Simulator,
	configure func(config *Config),
) *testEngine {
	config := DefaultConfig()
	if configure != nil {
		configure(&config)
	}
	fakeClock := clocktesting.NewFakeClock(startTime)
	fs := afero.NewMemMapFs()
	builder := command.NewBuilder(fs, command.Tools{Dragen: "dragen", GsUtil: "gsutil"})
	e := New(repo, sim, builder, fs, fakeClock, config, nil)
	t.Cleanup(e.Close)
	return &testEngine{Engine: e, t: t, repo: repo, sim: sim, clock: fakeClock, fs: fs}
}

func (e *testEngine) start(id string, states ...model.StateDefinition) {
	ctx := flowcontext.Background()
	_, err := e.CreateMachine(ctx, id, "test run", states)
	require.NoError(e.t, err)
	_, err = e.StartMachine(ctx, id)
	require.NoError(e.t, err)
}

func (e *testEngine) tick(times int) {
	for i := 0; i < times; i++ {
		require.NoError(e.t, e.Tick(quietCtx))
	}
}

func (e *testEngine) machine(id string) *model.Machine {
	machine, err := e.repo.GetMachine(flowcontext.Background(), id)
	require.NoError(e.t, err)
	return machine
}

func (e *testEngine) task(id string) *model.Task {
	task, err := e.repo.GetTask(flowcontext.Background(), id)
	require.NoError(e.t, err)
	return task
}

func genericTask(name string) model.TaskSpec {
	return model.TaskSpec{
		Name:    name,
		Kind:    model.KindProcessGeneric,
		Generic: &command.GenericParams{Tool: "echo", Args: []string{name}},
	}
}

func genericState(name string, tasks ...string) model.StateDefinition {
	def := model.StateDefinition{Name: name, Partition: "dragen"}
	for _, task := range tasks {
		def.Tasks = append(def.Tasks, genericTask(task))
	}
	return def
}

func TestTwoStatesComplete(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Complete)
	e.sim.ScriptFor("m1.1.0", model.Running, model.Complete)
	e.start("m1", genericState("first", "a"), genericState("second", "b"))

	e.tick(1)
	task := e.task("m1.0.0")
	assert.Equal(t, model.Queued, task.Status)
	assert.Equal(t, "echo a", task.CommandLine)
	assert.Equal(t, "dragen", task.Partition)
	assert.Equal(t, 1, e.sim.Submissions())

	e.tick(1)
	assert.Equal(t, model.Complete, e.task("m1.0.0").Status)
	machine := e.machine("m1")
	assert.Equal(t, 1, machine.CurrentState)
	assert.Equal(t, "second", machine.CurrentStateName())

	e.tick(1)
	assert.Equal(t, model.Queued, e.task("m1.1.0").Status)
	assert.Equal(t, 2, e.sim.Submissions())

	e.tick(1)
	assert.Equal(t, model.Running, e.task("m1.1.0").Status)
	assert.Equal(t, 1, e.machine("m1").CurrentState)

	e.tick(1)
	machine = e.machine("m1")
	assert.Equal(t, model.Complete, machine.Status)
	require.NotNil(t, machine.CompletedAt)
	result := e.task("m1.1.0").Result
	require.NotNil(t, result)
	assert.Equal(t, "Success", result.Output)

	e.tick(3)
	assert.Equal(t, 2, e.machine("m1").CurrentState)
	assert.Equal(t, 2, e.sim.Submissions())
}

func TestStateAdvancesOnce(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Complete)
	e.sim.ScriptFor("m1.1.0", model.Running)
	e.start("m1", genericState("first", "a"), genericState("second", "b"), genericState("third", "c"))

	e.tick(10)
	machine := e.machine("m1")
	assert.Equal(t, model.Running, machine.Status)
	assert.Equal(t, "second", machine.CurrentStateName())
	assert.Equal(t, 2, e.sim.Submissions())
	assert.Empty(t, e.sim.JobsNamed("m1.2.0"))
}

func TestFailedTaskFailsMachine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Failed)
	e.start("m1", genericState("first", "a"), genericState("second", "b"))

	e.tick(5)
	machine := e.machine("m1")
	assert.Equal(t, model.Failed, machine.Status)
	assert.Contains(t, machine.FailureReason, "m1.0.0")
	assert.Equal(t, 0, machine.CurrentState)
	assert.Empty(t, e.sim.JobsNamed("m1.1.0"))
	assert.Equal(t, 1, e.sim.Submissions())

	task := e.task("m1.0.0")
	assert.Equal(t, model.Failed, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, 1, task.Result.ExitCode)

	_, err := e.repo.GetTask(flowcontext.Background(), "m1.1.0")
	assert.True(t, flowerrors.IsNotFound(err))
}

func TestFailedTaskCancelsSiblings(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Failed)
	e.sim.ScriptFor("m1.0.1", model.Running)
	e.start("m1", genericState("first", "a", "b"))

	e.tick(2)
	assert.Equal(t, model.Failed, e.machine("m1").Status)
	assert.Equal(t, model.Cancelled, e.task("m1.0.1").Status)
	assert.Equal(t, 1, e.sim.Cancellations())
}

func TestCancelledTaskFailsMachine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Cancelled)
	e.start("m1", genericState("first", "a"))

	e.tick(2)
	machine := e.machine("m1")
	assert.Equal(t, model.Failed, machine.Status)
	assert.Contains(t, machine.FailureReason, "CANCELLED")
}

func TestCancelMachine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Running)
	e.start("m1", genericState("first", "a", "b"), genericState("second", "c"))

	e.tick(2)
	require.Equal(t, model.Running, e.task("m1.0.0").Status)
	submissions := e.sim.Submissions()

	machine, err := e.CancelMachine(flowcontext.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, machine.Status)
	assert.Equal(t, model.Cancelled, e.task("m1.0.0").Status)
	assert.Equal(t, model.Cancelled, e.task("m1.0.1").Status)
	assert.Equal(t, 2, e.sim.Cancellations())

	e.tick(5)
	assert.Equal(t, submissions, e.sim.Submissions())
	assert.Equal(t, model.Cancelled, e.machine("m1").Status)

	again, err := e.CancelMachine(flowcontext.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, again.Status)
	assert.Equal(t, 2, e.sim.Cancellations())
}

func TestCancelFinishedMachine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Complete)
	e.start("m1", genericState("first", "a"))
	e.tick(2)
	require.Equal(t, model.Complete, e.machine("m1").Status)

	_, err := e.CancelMachine(flowcontext.Background(), "m1")
	assert.True(t, flowerrors.IsInvalidArgument(err))
}

func TestCancelNotStartedMachine(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateMachine(flowcontext.Background(), "m1", "test", []model.StateDefinition{genericState("first", "a")})
	require.NoError(t, err)

	machine, err := e.CancelMachine(flowcontext.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, machine.Status)

	_, err = e.StartMachine(flowcontext.Background(), "m1")
	assert.True(t, flowerrors.IsInvalidArgument(err))
	e.tick(2)
	assert.Equal(t, 0, e.sim.Submissions())
}

func TestStartMachineIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	e.start("m1", genericState("first", "a"))
	before := e.machine("m1")

	machine, err := e.StartMachine(flowcontext.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, machine.Version)
	assert.Equal(t, model.Running, machine.Status)
}

func TestCreateMachineGeneratesId(t *testing.T) {
	e := newTestEngine(t, nil)
	machine, err := e.CreateMachine(flowcontext.Background(), "", "test", []model.StateDefinition{genericState("first", "a")})
	require.NoError(t, err)
	assert.NotEmpty(t, machine.Id)
	assert.Equal(t, model.NotStarted, e.machine(machine.Id).Status)

	_, err = e.CreateMachine(flowcontext.Background(), machine.Id, "test", []model.StateDefinition{genericState("first", "a")})
	assert.True(t, flowerrors.IsAlreadyExists(err))
}

func TestSubmissionsToggle(t *testing.T) {
	e := newTestEngine(t, func(config *Config) {
		config.SubmissionsEnabled = false
	})
	e.start("m1", genericState("first", "a"))

	e.tick(3)
	assert.Equal(t, 0, e.sim.Submissions())
	task := e.task("m1.0.0")
	assert.Equal(t, model.Pending, task.Status)
	assert.Nil(t, task.SubmitAttemptedAt)

	assert.False(t, e.Admin().SubmissionsEnabled())
	e.Admin().SetSubmissionsEnabled(true)
	e.tick(1)
	assert.Equal(t, 1, e.sim.Submissions())
	assert.Equal(t, model.Queued, e.task("m1.0.0").Status)
}

func TestTransientQueryFailuresBackOff(t *testing.T) {
	e := newTestEngine(t, func(config *Config) {
		config.QueryBackoffBase = 10 * time.Second
		config.QueryBackoffMax = time.Minute
	})
	e.start("m1", genericState("first", "a"))
	e.tick(1)
	jobId := e.task("m1.0.0").ExternalJobId
	require.NotEmpty(t, jobId)

	e.sim.FailQueries(jobId, scheduler.NewParseError("sacct", "", "no rows"))
	e.tick(1)
	task := e.task("m1.0.0")
	assert.Equal(t, model.Queued, task.Status)
	assert.Equal(t, 1, task.QueryFailures)
	require.NotNil(t, task.NextQueryAt)
	assert.Equal(t, startTime.Add(10*time.Second), *task.NextQueryAt)

	// Not yet due
	e.tick(1)
	assert.Equal(t, 1, e.task("m1.0.0").QueryFailures)

	e.clock.Step(10 * time.Second)
	e.tick(1)
	task = e.task("m1.0.0")
	assert.Equal(t, 2, task.QueryFailures)
	assert.Equal(t, e.clock.Now().Add(20*time.Second), *task.NextQueryAt)

	e.sim.FailQueries(jobId, nil)
	e.clock.Step(20 * time.Second)
	e.tick(1)
	task = e.task("m1.0.0")
	assert.Equal(t, 0, task.QueryFailures)
	assert.Nil(t, task.NextQueryAt)
	assert.Equal(t, model.Queued, task.Status)

	e.tick(2)
	assert.Equal(t, model.Complete, e.task("m1.0.0").Status)
	assert.Equal(t, model.Complete, e.machine("m1").Status)
}

func TestQueryFailuresAreBounded(t *testing.T) {
	e := newTestEngine(t, func(config *Config) {
		config.QueryBackoffBase = time.Second
		config.QueryBackoffMax = time.Second
		config.MaxConsecutiveQueryFailures = 3
	})
	e.start("m1", genericState("first", "a"))
	e.tick(1)
	e.sim.FailQueries(e.task("m1.0.0").ExternalJobId, scheduler.NewParseError("sacct", "", "no rows"))

	for i := 0; i < 3; i++ {
		e.tick(1)
		e.clock.Step(time.Second)
	}
	task := e.task("m1.0.0")
	assert.Equal(t, model.Failed, task.Status)
	assert.Contains(t, task.Result.Reason, "3 consecutive")
	assert.Equal(t, model.Failed, e.machine("m1").Status)
}

func TestQueryLaunchFailureFailsTask(t *testing.T) {
	e := newTestEngine(t, nil)
	e.start("m1", genericState("first", "a"))
	e.tick(1)
	e.sim.FailQueries(e.task("m1.0.0").ExternalJobId, &process.LaunchError{Argv: []string{"sacct"}, Err: os.ErrNotExist})

	e.tick(1)
	task := e.task("m1.0.0")
	assert.Equal(t, model.Failed, task.Status)
	assert.Contains(t, task.Result.Reason, "unable to query scheduler")
}

func TestUnknownStatusKeepsTaskRunning(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Running, model.Unknown, model.Unknown, model.Complete)
	e.start("m1", genericState("first", "a"))

	e.tick(2)
	assert.Equal(t, model.Running, e.task("m1.0.0").Status)
	e.tick(2)
	assert.Equal(t, model.Running, e.task("m1.0.0").Status)
	assert.Equal(t, model.Running, e.machine("m1").Status)
	e.tick(1)
	assert.Equal(t, model.Complete, e.task("m1.0.0").Status)
}

func TestBackwardsStatusIsIgnored(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Running, model.Queued, model.Complete)
	e.start("m1", genericState("first", "a"))

	e.tick(2)
	assert.Equal(t, model.Running, e.task("m1.0.0").Status)
	e.tick(1)
	assert.Equal(t, model.Running, e.task("m1.0.0").Status)
	e.tick(1)
	assert.Equal(t, model.Complete, e.machine("m1").Status)
}

func TestExitTaskRunsAfterMainTasks(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Running, model.Complete)
	e.sim.ScriptFor("m1.0.1", model.Complete)
	e.sim.ScriptFor("m1.0.exit", model.Complete)
	state := genericState("first", "a", "b")
	exit := genericTask("metrics")
	state.ExitTask = &exit
	e.start("m1", state)

	e.tick(2)
	assert.Empty(t, e.sim.JobsNamed("m1.0.exit"))
	assert.Equal(t, model.Running, e.task("m1.0.0").Status)
	assert.Equal(t, model.Complete, e.task("m1.0.1").Status)

	e.tick(1)
	assert.Len(t, e.sim.JobsNamed("m1.0.exit"), 1)
	exitTask := e.task("m1.0.exit")
	assert.True(t, exitTask.Exit)
	assert.Equal(t, model.Queued, exitTask.Status)
	assert.Equal(t, model.Running, e.machine("m1").Status)

	e.tick(1)
	assert.Equal(t, model.Complete, e.machine("m1").Status)
	e.tick(2)
	assert.Len(t, e.sim.JobsNamed("m1.0.exit"), 1)
}

func TestFailedExitTaskFailsMachine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.ScriptFor("m1.0.0", model.Complete)
	e.sim.ScriptFor("m1.0.exit", model.Failed)
	state := genericState("first", "a")
	exit := genericTask("metrics")
	state.ExitTask = &exit
	e.start("m1", state, genericState("second", "b"))

	e.tick(4)
	assert.Equal(t, model.Failed, e.machine("m1").Status)
	assert.Empty(t, e.sim.JobsNamed("m1.1.0"))
}

func TestSubmissionLaunchFailure(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.FailSubmissions(&process.LaunchError{Argv: []string{"sbatch"}, Err: os.ErrNotExist})
	e.start("m1", genericState("first", "a"))

	e.tick(1)
	task := e.task("m1.0.0")
	assert.Equal(t, model.Failed, task.Status)
	assert.Contains(t, task.Result.Reason, "submission failed")
	assert.Equal(t, model.Failed, e.machine("m1").Status)
}

func TestUnresolvedSubmissionIsAdopted(t *testing.T) {
	e := newTestEngine(t, nil)
	e.sim.FailSubmissions(scheduler.NewParseError("sbatch", "", "no job id"))
	e.start("m1", genericState("first", "a"))

	e.tick(1)
	task := e.task("m1.0.0")
	assert.Equal(t, model.Pending, task.Status)
	assert.NotNil(t, task.SubmitAttemptedAt)
	assert.False(t, task.Submitted())

	// The earlier submission did reach the scheduler
	e.sim.FailSubmissions(nil)
	jobId := e.sim.Enqueue("m1.0.0", "dragen")
	e.tick(1)
	task = e.task("m1.0.0")
	assert.Equal(t, jobId, task.ExternalJobId)
	assert.Equal(t, model.Queued, task.Status)
	assert.Equal(t, 0, e.sim.Submissions())
}

func TestUnresolvedSubmissionTimesOut(t *testing.T) {
	e := newTestEngine(t, func(config *Config) {
		config.ClaimTimeout = 5 * time.Minute
	})
	e.sim.FailSubmissions(scheduler.NewParseError("sbatch", "", "no job id"))
	e.start("m1", genericState("first", "a"))

	e.tick(1)
	e.sim.FailSubmissions(nil)
	e.clock.Step(4 * time.Minute)
	e.tick(1)
	assert.Equal(t, model.Pending, e.task("m1.0.0").Status)

	e.clock.Step(time.Minute)
	e.tick(1)
	task := e.task("m1.0.0")
	assert.Equal(t, model.Failed, task.Status)
	assert.Equal(t, unknownSubmission, task.Result.Reason)
	assert.Equal(t, 0, e.sim.Submissions())
	assert.Equal(t, model.Failed, e.machine("m1").Status)
}

func TestInvalidCommandFailsMachine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.start("m1", model.StateDefinition{
		Name: "Demultiplex",
		Tasks: []model.TaskSpec{{
			Name: "bcl-convert",
			Kind: model.KindDemultiplex,
			Demultiplex: &command.DemultiplexParams{
				InputDir:    "/runs/missing",
				OutputDir:   "/runs/missing/fastq",
				SampleSheet: "/runs/missing/SampleSheet.csv",
			},
		}},
	})

	e.tick(2)
	machine := e.machine("m1")
	assert.Equal(t, model.Failed, machine.Status)
	assert.Contains(t, machine.FailureReason, "unable to create tasks")
	assert.Equal(t, 0, e.sim.Submissions())
}

func TestDemultiplexCommand(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.fs.MkdirAll("/runs/r1", 0o755))
	e.start("m1", model.StateDefinition{
		Name: "Demultiplex",
		Tasks: []model.TaskSpec{{
			Name: "bcl-convert",
			Kind: model.KindDemultiplex,
			Demultiplex: &command.DemultiplexParams{
				BclConversionOnly: true,
				InputDir:          "/runs/r1",
				OutputDir:         "/runs/r1/fastq",
				SampleSheet:       "/runs/r1/SampleSheet.csv",
			},
		}},
	})

	e.tick(1)
	assert.Equal(t,
		"dragen --bcl-conversion-only=true --bcl-input-directory /runs/r1 --output-directory /runs/r1/fastq --sample-sheet /runs/r1/SampleSheet.csv",
		e.task("m1.0.0").CommandLine)
}

func TestConcurrentEnginesSubmitOnce(t *testing.T) {
	repo, err := memory.New()
	require.NoError(t, err)
	sim := simulator.New(simulator.Config{
		StartJobId: 1,
		Partitions: []string{"dragen"},
		Script:     []model.Status{model.Running},
	})
	first := newTestEngineWith(t, repo, sim, nil)
	second := newTestEngineWith(t, repo, sim, nil)
	first.start("m1", genericState("first", "a", "b", "c", "d", "e"))

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for _, e := range []*testEngine{first, second} {
			wg.Add(1)
			go func(e *testEngine) {
				defer wg.Done()
				assert.NoError(t, e.Tick(flowcontext.Background()))
			}(e)
		}
		wg.Wait()
	}

	assert.Equal(t, 5, sim.Submissions())
	for i := 0; i < 5; i++ {
		assert.Len(t, sim.JobsNamed(model.TaskId("m1", 0, i)), 1)
	}
}
