package memory

import (
	"context"
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

const (
	machinesTable = "machines"
	tasksTable    = "tasks"
	idIndex       = "id"     // primary key
	statusIndex   = "status" // for recovery scans by status
	stateIndex    = "state"  // tasks of one state of one machine
)

// Repository keeps machines and tasks in a go-memdb database. Stored objects are never handed out: reads return
// deep copies and writes store one, as memdb requires its objects to be immutable once inserted.
type Repository struct {
	db *memdb.MemDB
}

func New() (*Repository, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) CreateMachine(_ context.Context, machine *model.Machine) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(machinesTable, idIndex, machine.Id)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return repository.MachineExists(machine.Id)
	}
	stored := machine.DeepCopy()
	stored.Version = 1
	if err := txn.Insert(machinesTable, stored); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	machine.Version = 1
	return nil
}

func (r *Repository) GetMachine(_ context.Context, id string) (*model.Machine, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(machinesTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, repository.MachineNotFound(id)
	}
	return raw.(*model.Machine).DeepCopy(), nil
}

func (r *Repository) GetMachinesByStatus(_ context.Context, status model.Status) ([]*model.Machine, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(machinesTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	machines := []*model.Machine{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		machines = append(machines, obj.(*model.Machine).DeepCopy())
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].Id < machines[j].Id })
	return machines, nil
}

func (r *Repository) UpdateMachine(_ context.Context, machine *model.Machine) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(machinesTable, idIndex, machine.Id)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return repository.MachineNotFound(machine.Id)
	}
	if current := raw.(*model.Machine).Version; current != machine.Version {
		return repository.Conflict(repository.MachineType, machine.Id, machine.Version, current)
	}
	stored := machine.DeepCopy()
	stored.Version++
	if err := txn.Insert(machinesTable, stored); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	machine.Version = stored.Version
	return nil
}

func (r *Repository) CreateTask(_ context.Context, task *model.Task) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tasksTable, idIndex, task.Id)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return repository.TaskExists(task.Id)
	}
	stored := task.DeepCopy()
	stored.Version = 1
	if err := txn.Insert(tasksTable, stored); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	task.Version = 1
	return nil
}

func (r *Repository) GetTask(_ context.Context, id string) (*model.Task, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tasksTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, repository.TaskNotFound(id)
	}
	return raw.(*model.Task).DeepCopy(), nil
}

func (r *Repository) GetTasksForState(_ context.Context, machineId string, index int) ([]*model.Task, error) {
	return r.getTasks(stateIndex, machineId, index)
}

func (r *Repository) GetTasksByStatus(_ context.Context, status model.Status) ([]*model.Task, error) {
	return r.getTasks(statusIndex, string(status))
}

func (r *Repository) getTasks(index string, args ...interface{}) ([]*model.Task, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tasksTable, index, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tasks := []*model.Task{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		tasks = append(tasks, obj.(*model.Task).DeepCopy())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Id < tasks[j].Id })
	return tasks, nil
}

func (r *Repository) UpdateTask(_ context.Context, task *model.Task) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tasksTable, idIndex, task.Id)
	if err != nil {
		return errors.WithStack(err)
	}
	if raw == nil {
		return repository.TaskNotFound(task.Id)
	}
	if current := raw.(*model.Task).Version; current != task.Version {
		return repository.Conflict(repository.TaskType, task.Id, task.Version, current)
	}
	stored := task.DeepCopy()
	stored.Version++
	if err := txn.Insert(tasksTable, stored); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	task.Version = stored.Version
	return nil
}

func (r *Repository) Check() error {
	return nil
}

func (r *Repository) Close() error {
	return nil
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			machinesTable: {
				Name: machinesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tasksTable: {
				Name: tasksTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					statusIndex: {
						Name:    statusIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
					stateIndex: {
						Name: stateIndex,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "MachineId"},
								&memdb.IntFieldIndex{Field: "StateIndex"},
							},
						},
					},
				},
			},
		},
	}
}
