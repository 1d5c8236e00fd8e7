package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	commonconfig "github.com/dragenflow/dragenflow/internal/common/config"
	"github.com/dragenflow/dragenflow/internal/common/xjson"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

type Config struct {
	// Database file, created along with its directory if missing
	Path commonconfig.Path `validate:"required"`
}

const schema = `
CREATE TABLE IF NOT EXISTS machines (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    data       BLOB NOT NULL,
    version    INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_machines_status ON machines (status);
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    machine_id  TEXT NOT NULL,
    state_index INTEGER NOT NULL,
    status      TEXT NOT NULL,
    data        BLOB NOT NULL,
    version     INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_machine_state ON tasks (machine_id, state_index);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

// Repository keeps machines and tasks in a single sqlite file, for single-host deployments without a database
// server. Like the postgres repository the full record is stored as json with the queried fields alongside.
type Repository struct {
	db *sql.DB
	// SQLite allows one writer at a time, so writes are serialised here rather than failing with SQLITE_BUSY
	writeLock sync.Mutex
}

func Open(ctx context.Context, config Config) (*Repository, error) {
	path := config.Path.String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for sqlite database %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database %s", path)
	}
	db.SetMaxOpenConns(1)
	for _, statement := range []string{"PRAGMA journal_mode=WAL", schema} {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "preparing sqlite database %s", path)
		}
	}
	return &Repository{db: db}, nil
}

func (r *Repository) CreateMachine(ctx context.Context, machine *model.Machine) error {
	stored := machine.DeepCopy()
	stored.Version = 1
	data, err := xjson.Marshal(stored)
	if err != nil {
		return errors.WithStack(err)
	}
	created, err := r.exec(ctx,
		`INSERT INTO machines (id, status, data, version, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		stored.Id, string(stored.Status), data, stored.Version, stored.UpdatedAt.UnixNano())
	if err != nil {
		return err
	}
	if !created {
		return repository.MachineExists(machine.Id)
	}
	machine.Version = 1
	return nil
}

func (r *Repository) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM machines WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
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

func (r *Repository) GetMachinesByStatus(ctx context.Context, status model.Status) ([]*model.Machine, error) {
	machines := []*model.Machine{}
	err := r.query(ctx, func(data []byte) error {
		machine := &model.Machine{}
		if err := xjson.Unmarshal(data, machine); err != nil {
			return err
		}
		machines = append(machines, machine)
		return nil
	}, `SELECT data FROM machines WHERE status = ? ORDER BY id`, string(status))
	return machines, err
}

func (r *Repository) UpdateMachine(ctx context.Context, machine *model.Machine) error {
	stored := machine.DeepCopy()
	stored.Version++
	data, err := xjson.Marshal(stored)
	if err != nil {
		return errors.WithStack(err)
	}
	updated, err := r.exec(ctx,
		`UPDATE machines SET status = ?, data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(stored.Status), data, stored.Version, stored.UpdatedAt.UnixNano(), stored.Id, machine.Version)
	if err != nil {
		return err
	}
	if !updated {
		return r.missedUpdate(ctx, "machines", repository.MachineType, machine.Id, machine.Version)
	}
	machine.Version = stored.Version
	return nil
}

func (r *Repository) CreateTask(ctx context.Context, task *model.Task) error {
	stored := task.DeepCopy()
	stored.Version = 1
	data, err := xjson.Marshal(stored)
	if err != nil {
		return errors.WithStack(err)
	}
	created, err := r.exec(ctx,
		`INSERT INTO tasks (id, machine_id, state_index, status, data, version, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		stored.Id, stored.MachineId, stored.StateIndex, string(stored.Status), data, stored.Version,
		stored.UpdatedAt.UnixNano())
	if err != nil {
		return err
	}
	if !created {
		return repository.TaskExists(task.Id)
	}
	task.Version = 1
	return nil
}

func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
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

func (r *Repository) GetTasksForState(ctx context.Context, machineId string, stateIndex int) ([]*model.Task, error) {
	return r.queryTasks(ctx, `SELECT data FROM tasks WHERE machine_id = ? AND state_index = ? ORDER BY id`,
		machineId, stateIndex)
}

func (r *Repository) GetTasksByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	return r.queryTasks(ctx, `SELECT data FROM tasks WHERE status = ? ORDER BY id`, string(status))
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*model.Task, error) {
	tasks := []*model.Task{}
	err := r.query(ctx, func(data []byte) error {
		task := &model.Task{}
		if err := xjson.Unmarshal(data, task); err != nil {
			return err
		}
		tasks = append(tasks, task)
		return nil
	}, query, args...)
	return tasks, err
}

func (r *Repository) UpdateTask(ctx context.Context, task *model.Task) error {
	stored := task.DeepCopy()
	stored.Version++
	data, err := xjson.Marshal(stored)
	if err != nil {
		return errors.WithStack(err)
	}
	updated, err := r.exec(ctx,
		`UPDATE tasks SET status = ?, data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(stored.Status), data, stored.Version, stored.UpdatedAt.UnixNano(), stored.Id, task.Version)
	if err != nil {
		return err
	}
	if !updated {
		return r.missedUpdate(ctx, "tasks", repository.TaskType, task.Id, task.Version)
	}
	task.Version = stored.Version
	return nil
}

func (r *Repository) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.WithStack(r.db.PingContext(ctx))
}

func (r *Repository) Close() error {
	return errors.WithStack(r.db.Close())
}

// exec reports whether any row was written. For inserts false means the id is already taken; for updates that
// the id or version did not match.
func (r *Repository) exec(ctx context.Context, statement string, args ...interface{}) (bool, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	result, err := r.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return false, errors.WithStack(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return rows > 0, nil
}

func (r *Repository) query(ctx context.Context, decode func(data []byte) error, query string, args ...interface{}) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return errors.WithStack(err)
		}
		if err := decode(data); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(rows.Err())
}

// missedUpdate works out why a versioned update matched no rows.
func (r *Repository) missedUpdate(ctx context.Context, table string, recordType string, id string, expected int64) error {
	var actual int64
	err := r.db.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = ?`, id).Scan(&actual)
	if err == sql.ErrNoRows {
		if recordType == repository.MachineType {
			return repository.MachineNotFound(id)
		}
		return repository.TaskNotFound(id)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return repository.Conflict(recordType, id, expected, actual)
}
