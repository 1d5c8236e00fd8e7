package engine

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/common/util"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

// Engine advances machines through their states. All progress lives in the repository; the engine itself keeps
// only file watches and per-machine locks, so several engines may share one repository.
type Engine struct {
	repo      repository.Repository
	scheduler scheduler.Client
	builder   *command.Builder
	watcher   *FileWatcher
	clock     clock.Clock
	config    Config
	toggles   *Toggles
	metrics   *Metrics

	// Parent of every file watch, cancelled by Close
	root       *flowcontext.Context
	cancelRoot func()

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(
	repo repository.Repository,
	client scheduler.Client,
	builder *command.Builder,
	fs afero.Fs,
	clock clock.Clock,
	config Config,
	metrics *Metrics,
) *Engine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	root, cancel := flowcontext.WithCancel(flowcontext.Background())
	return &Engine{
		repo:       repo,
		scheduler:  client,
		builder:    builder,
		watcher:    NewFileWatcher(fs, clock, config.WaitForFile.PollInterval, metrics),
		clock:      clock,
		config:     config,
		toggles:    NewToggles(config.SubmissionsEnabled),
		metrics:    metrics,
		root:       root,
		cancelRoot: cancel,
		locks:      map[string]*sync.Mutex{},
	}
}

func (e *Engine) Admin() Admin {
	return e.toggles
}

// CreateMachine stores a new NOT_STARTED machine. An empty id is replaced with a random one.
func (e *Engine) CreateMachine(
	ctx *flowcontext.Context,
	id string,
	name string,
	states []model.StateDefinition,
) (*model.Machine, error) {
	if id == "" {
		id = util.NewUUID()
	}
	machine, err := model.NewMachine(id, name, states, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.repo.CreateMachine(ctx, machine); err != nil {
		return nil, err
	}
	ctx.Log.Infof("Created machine %s (%s) with %d states", machine.Id, machine.Name, len(machine.States))
	return machine, nil
}

// StartMachine moves a NOT_STARTED machine to RUNNING in its first state. Starting a RUNNING machine is a no-op.
func (e *Engine) StartMachine(ctx *flowcontext.Context, id string) (*model.Machine, error) {
	now := e.clock.Now()
	started := false
	machine, err := repository.MutateMachine(ctx, e.repo, id, func(m *model.Machine) (bool, error) {
		started = false
		switch m.Status {
		case model.Running:
			return false, nil
		case model.NotStarted:
		default:
			return false, errors.WithStack(&flowerrors.ErrInvalidArgument{
				Name:    "machineId",
				Value:   id,
				Message: fmt.Sprintf("cannot start a machine that is %s", m.Status),
			})
		}
		m.Status = model.Running
		m.CurrentState = 0
		m.StartedAt = &now
		m.UpdatedAt = now
		started = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		ctx.Log.Infof("Started machine %s in state %s", machine.Id, machine.CurrentStateName())
	}
	return machine, nil
}

// CancelMachine stops a machine that has not finished: its active jobs are cancelled, its unfinished tasks
// marked CANCELLED and nothing more is submitted for it. Cancelling a CANCELLED machine is a no-op.
func (e *Engine) CancelMachine(ctx *flowcontext.Context, id string) (*model.Machine, error) {
	lock := e.machineLock(id)
	lock.Lock()
	defer lock.Unlock()

	now := e.clock.Now()
	cancelled := false
	var previous model.Status
	machine, err := repository.MutateMachine(ctx, e.repo, id, func(m *model.Machine) (bool, error) {
		cancelled = false
		previous = m.Status
		switch m.Status {
		case model.Cancelled:
			return false, nil
		case model.Complete, model.Failed:
			return false, errors.WithStack(&flowerrors.ErrInvalidArgument{
				Name:    "machineId",
				Value:   id,
				Message: fmt.Sprintf("machine is already %s", m.Status),
			})
		}
		m.Status = model.Cancelled
		m.FailureReason = "cancelled"
		m.CompletedAt = &now
		m.UpdatedAt = now
		cancelled = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return machine, nil
	}
	e.metrics.recordMachineOutcome(model.Cancelled)
	ctx.Log.Infof("Cancelled machine %s", id)
	if previous != model.Running {
		return machine, nil
	}
	return machine, e.cancelUnfinishedTasks(ctx, id, machine.CurrentState, "machine cancelled")
}

// Tick advances every RUNNING machine once. A failure processing one machine is logged and does not stop the
// others.
func (e *Engine) Tick(ctx *flowcontext.Context) error {
	machines, err := e.repo.GetMachinesByStatus(ctx, model.Running)
	if err != nil {
		return err
	}
	e.metrics.runningMachines.Set(float64(len(machines)))

	g, gctx := flowcontext.ErrGroup(ctx)
	if e.config.MachineConcurrency > 0 {
		g.SetLimit(e.config.MachineConcurrency)
	}
	for _, m := range machines {
		id := m.Id
		g.Go(func() error {
			if err := e.ProcessMachine(gctx, id); err != nil {
				logging.WithStacktrace(gctx.Log, err).Errorf("Error processing machine %s", id)
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessMachine advances one machine by one step. If the machine is already being processed by this engine the
// call returns immediately.
func (e *Engine) ProcessMachine(ctx *flowcontext.Context, id string) error {
	lock := e.machineLock(id)
	if !lock.TryLock() {
		ctx.Log.Debugf("Machine %s is already being processed", id)
		return nil
	}
	defer lock.Unlock()

	machine, err := e.repo.GetMachine(ctx, id)
	if err != nil {
		return err
	}
	if machine.Status != model.Running {
		return nil
	}
	def, ok := machine.CurrentStateDefinition()
	if !ok {
		return errors.Errorf("machine %s is RUNNING but has no state %d", id, machine.CurrentState)
	}
	stateIndex := machine.CurrentState
	ctx = flowcontext.WithLogFields(ctx, logrus.Fields{"machineId": id, "state": def.Name})

	tasks, err := e.materialise(ctx, machine, stateIndex, def)
	if err != nil {
		if flowerrors.IsInvalidArgument(err) {
			return e.failMachine(ctx, id, stateIndex, fmt.Sprintf("unable to create tasks for state %s: %s", def.Name, err))
		}
		return err
	}
	for _, task := range tasks {
		if task.IsTerminal() {
			continue
		}
		if err := e.advanceTask(ctx, task); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("Error advancing task %s", task.Id)
		}
	}
	return e.evaluateState(ctx, id, stateIndex, def)
}

// evaluateState applies the state's rule to its tasks: any FAILED or CANCELLED task fails the machine; once
// every main task is COMPLETE the exit task, if any, is started; once that is COMPLETE too the machine moves on.
func (e *Engine) evaluateState(ctx *flowcontext.Context, machineId string, stateIndex int, def model.StateDefinition) error {
	tasks, err := e.repo.GetTasksForState(ctx, machineId, stateIndex)
	if err != nil {
		return err
	}
	var exit *model.Task
	completeMain := 0
	for _, task := range tasks {
		if task.Status == model.Failed || task.Status == model.Cancelled {
			return e.failMachine(ctx, machineId, stateIndex, describeFailure(def, task))
		}
		if task.Exit {
			exit = task
		} else if task.Status == model.Complete {
			completeMain++
		}
	}
	if completeMain < len(def.Tasks) {
		return nil
	}

	if def.ExitTask != nil {
		if exit == nil {
			machine, err := e.repo.GetMachine(ctx, machineId)
			if err != nil {
				return err
			}
			exit, err = e.materialiseExitTask(ctx, machine, stateIndex, def)
			if err != nil {
				if flowerrors.IsInvalidArgument(err) {
					return e.failMachine(ctx, machineId, stateIndex, fmt.Sprintf("unable to create exit task for state %s: %s", def.Name, err))
				}
				return err
			}
			return e.advanceTask(ctx, exit)
		}
		if exit.Status != model.Complete {
			return nil
		}
	}
	return e.completeState(ctx, machineId, stateIndex)
}

func (e *Engine) completeState(ctx *flowcontext.Context, machineId string, stateIndex int) error {
	now := e.clock.Now()
	advanced := false
	machine, err := repository.MutateMachine(ctx, e.repo, machineId, func(m *model.Machine) (bool, error) {
		advanced = false
		if m.Status != model.Running || m.CurrentState != stateIndex {
			return false, nil
		}
		m.CurrentState++
		m.UpdatedAt = now
		if m.CurrentState >= len(m.States) {
			m.Status = model.Complete
			m.CompletedAt = &now
		}
		advanced = true
		return true, nil
	})
	if err != nil || !advanced {
		return err
	}
	if machine.Status == model.Complete {
		e.metrics.recordMachineOutcome(model.Complete)
		ctx.Log.Infof("Machine %s is COMPLETE", machineId)
	} else {
		ctx.Log.Infof("Machine %s advanced to state %s", machineId, machine.CurrentStateName())
	}
	return nil
}

// failMachine marks the machine FAILED if it is still RUNNING in stateIndex and cancels whatever else the state
// still has in flight.
func (e *Engine) failMachine(ctx *flowcontext.Context, machineId string, stateIndex int, reason string) error {
	now := e.clock.Now()
	failed := false
	_, err := repository.MutateMachine(ctx, e.repo, machineId, func(m *model.Machine) (bool, error) {
		failed = false
		if m.Status != model.Running || m.CurrentState != stateIndex {
			return false, nil
		}
		m.Status = model.Failed
		m.FailureReason = reason
		m.CompletedAt = &now
		m.UpdatedAt = now
		failed = true
		return true, nil
	})
	if err != nil || !failed {
		return err
	}
	e.metrics.recordMachineOutcome(model.Failed)
	ctx.Log.Errorf("Machine %s FAILED: %s", machineId, reason)
	return e.cancelUnfinishedTasks(ctx, machineId, stateIndex, "state failed")
}

func (e *Engine) machineLock(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// Recover resumes the in-process parts of RUNNING tasks after a restart. Everything else is picked up by the
// next tick from the repository.
func (e *Engine) Recover(ctx *flowcontext.Context) error {
	running, err := e.repo.GetTasksByStatus(ctx, model.Running)
	if err != nil {
		return err
	}
	watches := 0
	for _, task := range running {
		if task.Kind == model.KindWaitForFile && e.watchFile(task) {
			watches++
		}
	}
	pending, err := e.repo.GetTasksByStatus(ctx, model.Pending)
	if err != nil {
		return err
	}
	unresolved := 0
	for _, task := range pending {
		if task.SubmitAttemptedAt != nil && !task.Submitted() {
			unresolved++
		}
	}
	ctx.Log.Infof("Resumed %d file watches; %d submissions will be reconciled against the scheduler queue", watches, unresolved)
	return nil
}

// Close stops every file watch.
func (e *Engine) Close() {
	e.cancelRoot()
	e.watcher.StopAll()
}

func describeFailure(def model.StateDefinition, task *model.Task) string {
	description := fmt.Sprintf("task %s (%s) in state %s is %s", task.Id, task.Name, def.Name, task.Status)
	if task.Result != nil && task.Result.Reason != "" {
		description += ": " + task.Result.Reason
	}
	return description
}
