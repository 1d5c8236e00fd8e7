package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/xjson"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

// Repository stores each record as a JSON string and maintains set indexes alongside it:
//
//	<prefix>machine:<id>                        record
//	<prefix>machines:status:<status>            machine ids
//	<prefix>task:<id>                           record
//	<prefix>tasks:status:<status>               task ids
//	<prefix>tasks:state:<machineId>:<index>     task ids
//
// Writes WATCH the record key and commit record and indexes in one MULTI, so a concurrent writer makes the
// transaction fail and the write surfaces as a version conflict.
type Repository struct {
	db     redis.UniversalClient
	prefix string
}

func New(db redis.UniversalClient, keyPrefix string) *Repository {
	return &Repository{db: db, prefix: keyPrefix}
}

func (r *Repository) CreateMachine(_ context.Context, machine *model.Machine) error {
	key := r.machineKey(machine.Id)
	err := r.db.Watch(func(tx *redis.Tx) error {
		exists, err := tx.Exists(key).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if exists > 0 {
			return repository.MachineExists(machine.Id)
		}
		stored := machine.DeepCopy()
		stored.Version = 1
		data, err := xjson.Marshal(stored)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, data, 0)
			pipe.SAdd(r.machineStatusKey(stored.Status), stored.Id)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		return repository.MachineExists(machine.Id)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	machine.Version = 1
	return nil
}

func (r *Repository) GetMachine(_ context.Context, id string) (*model.Machine, error) {
	return r.getMachine(r.db, id)
}

func (r *Repository) getMachine(db redis.Cmdable, id string) (*model.Machine, error) {
	data, err := db.Get(r.machineKey(id)).Bytes()
	if err == redis.Nil {
		return nil, repository.MachineNotFound(id)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	machine := &model.Machine{}
	if err := xjson.Unmarshal(data, machine); err != nil {
		return nil, errors.Wrapf(err, "decoding machine %s", id)
	}
	return machine, nil
}

func (r *Repository) GetMachinesByStatus(_ context.Context, status model.Status) ([]*model.Machine, error) {
	values, err := r.membersOf(r.machineStatusKey(status), r.machineKey)
	if err != nil {
		return nil, err
	}
	machines := make([]*model.Machine, 0, len(values))
	for _, data := range values {
		machine := &model.Machine{}
		if err := xjson.Unmarshal(data, machine); err != nil {
			return nil, errors.WithStack(err)
		}
		// The index may briefly lag a record moved by a concurrent writer
		if machine.Status == status {
			machines = append(machines, machine)
		}
	}
	return machines, nil
}

func (r *Repository) UpdateMachine(_ context.Context, machine *model.Machine) error {
	key := r.machineKey(machine.Id)
	var newVersion int64
	err := r.db.Watch(func(tx *redis.Tx) error {
		current, err := r.getMachine(tx, machine.Id)
		if err != nil {
			return err
		}
		if current.Version != machine.Version {
			return repository.Conflict(repository.MachineType, machine.Id, machine.Version, current.Version)
		}
		stored := machine.DeepCopy()
		stored.Version++
		data, err := xjson.Marshal(stored)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, data, 0)
			if current.Status != stored.Status {
				pipe.SRem(r.machineStatusKey(current.Status), stored.Id)
				pipe.SAdd(r.machineStatusKey(stored.Status), stored.Id)
			}
			return nil
		})
		newVersion = stored.Version
		return err
	}, key)
	if err == redis.TxFailedErr {
		return repository.Conflict(repository.MachineType, machine.Id, machine.Version, -1)
	}
	if err != nil {
		return err
	}
	machine.Version = newVersion
	return nil
}

func (r *Repository) CreateTask(_ context.Context, task *model.Task) error {
	key := r.taskKey(task.Id)
	err := r.db.Watch(func(tx *redis.Tx) error {
		exists, err := tx.Exists(key).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if exists > 0 {
			return repository.TaskExists(task.Id)
		}
		stored := task.DeepCopy()
		stored.Version = 1
		data, err := xjson.Marshal(stored)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, data, 0)
			pipe.SAdd(r.taskStatusKey(stored.Status), stored.Id)
			pipe.SAdd(r.taskStateKey(stored.MachineId, stored.StateIndex), stored.Id)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		return repository.TaskExists(task.Id)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	task.Version = 1
	return nil
}

func (r *Repository) GetTask(_ context.Context, id string) (*model.Task, error) {
	return r.getTask(r.db, id)
}

func (r *Repository) getTask(db redis.Cmdable, id string) (*model.Task, error) {
	data, err := db.Get(r.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, repository.TaskNotFound(id)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	task := &model.Task{}
	if err := xjson.Unmarshal(data, task); err != nil {
		return nil, errors.Wrapf(err, "decoding task %s", id)
	}
	return task, nil
}

func (r *Repository) GetTasksForState(_ context.Context, machineId string, stateIndex int) ([]*model.Task, error) {
	return r.tasksIn(r.taskStateKey(machineId, stateIndex), func(*model.Task) bool { return true })
}

func (r *Repository) GetTasksByStatus(_ context.Context, status model.Status) ([]*model.Task, error) {
	return r.tasksIn(r.taskStatusKey(status), func(task *model.Task) bool { return task.Status == status })
}

func (r *Repository) tasksIn(indexKey string, keep func(*model.Task) bool) ([]*model.Task, error) {
	values, err := r.membersOf(indexKey, r.taskKey)
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(values))
	for _, data := range values {
		task := &model.Task{}
		if err := xjson.Unmarshal(data, task); err != nil {
			return nil, errors.WithStack(err)
		}
		if keep(task) {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (r *Repository) UpdateTask(_ context.Context, task *model.Task) error {
	key := r.taskKey(task.Id)
	var newVersion int64
	err := r.db.Watch(func(tx *redis.Tx) error {
		current, err := r.getTask(tx, task.Id)
		if err != nil {
			return err
		}
		if current.Version != task.Version {
			return repository.Conflict(repository.TaskType, task.Id, task.Version, current.Version)
		}
		stored := task.DeepCopy()
		stored.Version++
		data, err := xjson.Marshal(stored)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, data, 0)
			if current.Status != stored.Status {
				pipe.SRem(r.taskStatusKey(current.Status), stored.Id)
				pipe.SAdd(r.taskStatusKey(stored.Status), stored.Id)
			}
			return nil
		})
		newVersion = stored.Version
		return err
	}, key)
	if err == redis.TxFailedErr {
		return repository.Conflict(repository.TaskType, task.Id, task.Version, -1)
	}
	if err != nil {
		return err
	}
	task.Version = newVersion
	return nil
}

// membersOf loads the records whose ids are in the set at indexKey, in id order.
func (r *Repository) membersOf(indexKey string, recordKey func(string) string) ([][]byte, error) {
	ids, err := r.db.SMembers(indexKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	values, err := r.db.MGet(keys...).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([][]byte, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			result = append(result, []byte(s))
		}
	}
	return result, nil
}

func (r *Repository) Check() error {
	return errors.WithStack(r.db.Ping().Err())
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) machineKey(id string) string {
	return r.prefix + "machine:" + id
}

func (r *Repository) machineStatusKey(status model.Status) string {
	return r.prefix + "machines:status:" + string(status)
}

func (r *Repository) taskKey(id string) string {
	return r.prefix + "task:" + id
}

func (r *Repository) taskStatusKey(status model.Status) string {
	return r.prefix + "tasks:status:" + string(status)
}

func (r *Repository) taskStateKey(machineId string, stateIndex int) string {
	return fmt.Sprintf("%stasks:state:%s:%d", r.prefix, machineId, stateIndex)
}
