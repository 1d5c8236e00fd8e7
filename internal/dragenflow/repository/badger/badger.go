package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	commonconfig "github.com/dragenflow/dragenflow/internal/common/config"
	"github.com/dragenflow/dragenflow/internal/common/xjson"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

const (
	machinePrefix       = "machine/"
	taskPrefix          = "task/"
	machineStatusPrefix = "idx/machine/status/"
	taskStatusPrefix    = "idx/task/status/"
	taskStatePrefix     = "idx/task/state/"
)

type Config struct {
	// Directory holding the database files
	Dir commonconfig.Path `validate:"required_without=InMemory"`
	// When set, nothing is written to Dir
	InMemory bool
}

// Repository keeps machines and tasks in an embedded badger database. Index entries are empty-valued keys whose
// suffix is the record id, so a prefix scan yields ids in order.
type Repository struct {
	db *badger.DB
}

func Open(config Config) (*Repository, error) {
	opts := badger.DefaultOptions(config.Dir.String())
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger database at %s", config.Dir)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) CreateMachine(_ context.Context, machine *model.Machine) error {
	stored := machine.DeepCopy()
	stored.Version = 1
	err := r.db.Update(func(txn *badger.Txn) error {
		if exists, err := keyExists(txn, machineKey(stored.Id)); err != nil {
			return err
		} else if exists {
			return repository.MachineExists(stored.Id)
		}
		return putMachine(txn, nil, stored)
	})
	if err == badger.ErrConflict {
		return repository.MachineExists(machine.Id)
	}
	if err != nil {
		return err
	}
	machine.Version = 1
	return nil
}

func (r *Repository) GetMachine(_ context.Context, id string) (*model.Machine, error) {
	var machine *model.Machine
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		machine, err = getMachine(txn, id)
		return err
	})
	return machine, err
}

func (r *Repository) GetMachinesByStatus(_ context.Context, status model.Status) ([]*model.Machine, error) {
	machines := []*model.Machine{}
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range indexedIds(txn, machineStatusPrefix+string(status)+"/") {
			machine, err := getMachine(txn, id)
			if err != nil {
				return err
			}
			machines = append(machines, machine)
		}
		return nil
	})
	return machines, err
}

func (r *Repository) UpdateMachine(_ context.Context, machine *model.Machine) error {
	stored := machine.DeepCopy()
	err := r.db.Update(func(txn *badger.Txn) error {
		current, err := getMachine(txn, machine.Id)
		if err != nil {
			return err
		}
		if current.Version != machine.Version {
			return repository.Conflict(repository.MachineType, machine.Id, machine.Version, current.Version)
		}
		stored.Version = current.Version + 1
		return putMachine(txn, current, stored)
	})
	if err == badger.ErrConflict {
		return repository.Conflict(repository.MachineType, machine.Id, machine.Version, -1)
	}
	if err != nil {
		return err
	}
	machine.Version = stored.Version
	return nil
}

func (r *Repository) CreateTask(_ context.Context, task *model.Task) error {
	stored := task.DeepCopy()
	stored.Version = 1
	err := r.db.Update(func(txn *badger.Txn) error {
		if exists, err := keyExists(txn, taskKey(stored.Id)); err != nil {
			return err
		} else if exists {
			return repository.TaskExists(stored.Id)
		}
		if err := txn.Set(taskStateKey(stored.MachineId, stored.StateIndex, stored.Id), nil); err != nil {
			return errors.WithStack(err)
		}
		return putTask(txn, nil, stored)
	})
	if err == badger.ErrConflict {
		return repository.TaskExists(task.Id)
	}
	if err != nil {
		return err
	}
	task.Version = 1
	return nil
}

func (r *Repository) GetTask(_ context.Context, id string) (*model.Task, error) {
	var task *model.Task
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		task, err = getTask(txn, id)
		return err
	})
	return task, err
}

func (r *Repository) GetTasksForState(_ context.Context, machineId string, stateIndex int) ([]*model.Task, error) {
	return r.tasksIndexedBy(fmt.Sprintf("%s%s/%d/", taskStatePrefix, machineId, stateIndex))
}

func (r *Repository) GetTasksByStatus(_ context.Context, status model.Status) ([]*model.Task, error) {
	return r.tasksIndexedBy(taskStatusPrefix + string(status) + "/")
}

func (r *Repository) tasksIndexedBy(prefix string) ([]*model.Task, error) {
	tasks := []*model.Task{}
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range indexedIds(txn, prefix) {
			task, err := getTask(txn, id)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	return tasks, err
}

func (r *Repository) UpdateTask(_ context.Context, task *model.Task) error {
	stored := task.DeepCopy()
	err := r.db.Update(func(txn *badger.Txn) error {
		current, err := getTask(txn, task.Id)
		if err != nil {
			return err
		}
		if current.Version != task.Version {
			return repository.Conflict(repository.TaskType, task.Id, task.Version, current.Version)
		}
		stored.Version = current.Version + 1
		return putTask(txn, current, stored)
	})
	if err == badger.ErrConflict {
		return repository.Conflict(repository.TaskType, task.Id, task.Version, -1)
	}
	if err != nil {
		return err
	}
	task.Version = stored.Version
	return nil
}

func (r *Repository) Check() error {
	if r.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (r *Repository) Close() error {
	return errors.WithStack(r.db.Close())
}

func getMachine(txn *badger.Txn, id string) (*model.Machine, error) {
	machine := &model.Machine{}
	found, err := getJson(txn, machineKey(id), machine)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, repository.MachineNotFound(id)
	}
	return machine, nil
}

func putMachine(txn *badger.Txn, previous *model.Machine, machine *model.Machine) error {
	if previous != nil && previous.Status != machine.Status {
		if err := txn.Delete(machineStatusKey(previous.Status, machine.Id)); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := txn.Set(machineStatusKey(machine.Status, machine.Id), nil); err != nil {
		return errors.WithStack(err)
	}
	return setJson(txn, machineKey(machine.Id), machine)
}

func getTask(txn *badger.Txn, id string) (*model.Task, error) {
	task := &model.Task{}
	found, err := getJson(txn, taskKey(id), task)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, repository.TaskNotFound(id)
	}
	return task, nil
}

func putTask(txn *badger.Txn, previous *model.Task, task *model.Task) error {
	if previous != nil && previous.Status != task.Status {
		if err := txn.Delete(taskStatusKey(previous.Status, task.Id)); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := txn.Set(taskStatusKey(task.Status, task.Id), nil); err != nil {
		return errors.WithStack(err)
	}
	return setJson(txn, taskKey(task.Id), task)
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func getJson(txn *badger.Txn, key []byte, v interface{}) (bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	err = item.Value(func(val []byte) error {
		return xjson.Unmarshal(val, v)
	})
	if err != nil {
		return false, errors.Wrapf(err, "decoding %s", key)
	}
	return true, nil
}

func setJson(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := xjson.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(txn.Set(key, data))
}

func indexedIds(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	ids := []string{}
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		ids = append(ids, string(it.Item().Key()[len(prefix):]))
	}
	return ids
}

func machineKey(id string) []byte {
	return []byte(machinePrefix + id)
}

func machineStatusKey(status model.Status, id string) []byte {
	return []byte(machineStatusPrefix + string(status) + "/" + id)
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

func taskStatusKey(status model.Status, id string) []byte {
	return []byte(taskStatusPrefix + string(status) + "/" + id)
}

func taskStateKey(machineId string, stateIndex int, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%d/%s", taskStatePrefix, machineId, stateIndex, id))
}
