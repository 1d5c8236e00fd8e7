package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/xjson"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
)

// Repository stores the full record as jsonb in the data column. The remaining columns duplicate the fields
// that are queried or that operators commonly want to look at directly.
type Repository struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateMachine(ctx context.Context, machine *model.Machine) error {
	stored := machine.DeepCopy()
	stored.Version = 1
	data, err := xjson.Marshal(stored)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO machines (id, name, status, current_state, current_state_name, data, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		stored.Id, stored.Name, string(stored.Status), stored.CurrentState, stored.CurrentStateName(), data,
		stored.Version, stored.CreatedAt, stored.UpdatedAt)
	if isUniqueViolation(err) {
		return repository.MachineExists(machine.Id)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	machine.Version = 1
	return nil
}

func (r *Repository) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM machines WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
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
	rows, err := r.db.Query(ctx, `SELECT data FROM machines WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	machines := []*model.Machine{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.WithStack(err)
		}
		machine := &model.Machine{}
		if err := xjson.Unmarshal(data, machine); err != nil {
			return nil, errors.WithStack(err)
		}
		machines = append(machines, machine)
	}
	return machines, errors.WithStack(rows.Err())
}

func (r *Repository) UpdateMachine(ctx context.Context, machine *model.Machine) error {
	stored := machine.DeepCopy()
	stored.Version++
	data, err := xjson.Marshal(stored)
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE machines
		 SET name = $3, status = $4, current_state = $5, current_state_name = $6, data = $7, version = $8, updated_at = $9
		 WHERE id = $1 AND version = $2`,
		stored.Id, machine.Version, stored.Name, string(stored.Status), stored.CurrentState,
		stored.CurrentStateName(), data, stored.Version, stored.UpdatedAt)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
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
	exitCode, completedAt := resultColumns(stored)
	_, err = r.db.Exec(ctx,
		`INSERT INTO tasks (id, machine_id, state_index, kind, command_line, external_job_id, status, exit_code, data,
		                    version, created_at, completed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		stored.Id, stored.MachineId, stored.StateIndex, string(stored.Kind), stored.CommandLine, stored.ExternalJobId,
		string(stored.Status), exitCode, data, stored.Version, stored.CreatedAt, completedAt, stored.UpdatedAt)
	if isUniqueViolation(err) {
		return repository.TaskExists(task.Id)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	task.Version = 1
	return nil
}

func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM tasks WHERE id = $1`, id).Scan(&data)
	if err == pgx.ErrNoRows {
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
	return r.queryTasks(ctx,
		`SELECT data FROM tasks WHERE machine_id = $1 AND state_index = $2 ORDER BY id`, machineId, stateIndex)
}

func (r *Repository) GetTasksByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	return r.queryTasks(ctx, `SELECT data FROM tasks WHERE status = $1 ORDER BY id`, string(status))
}

func (r *Repository) queryTasks(ctx context.Context, sql string, args ...interface{}) ([]*model.Task, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	tasks := []*model.Task{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.WithStack(err)
		}
		task := &model.Task{}
		if err := xjson.Unmarshal(data, task); err != nil {
			return nil, errors.WithStack(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, errors.WithStack(rows.Err())
}

func (r *Repository) UpdateTask(ctx context.Context, task *model.Task) error {
	stored := task.DeepCopy()
	stored.Version++
	data, err := xjson.Marshal(stored)
	if err != nil {
		return errors.WithStack(err)
	}
	exitCode, completedAt := resultColumns(stored)
	tag, err := r.db.Exec(ctx,
		`UPDATE tasks
		 SET external_job_id = $3, status = $4, exit_code = $5, data = $6, version = $7, completed_at = $8, updated_at = $9
		 WHERE id = $1 AND version = $2`,
		stored.Id, task.Version, stored.ExternalJobId, string(stored.Status), exitCode, data, stored.Version,
		completedAt, stored.UpdatedAt)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missedUpdate(ctx, "tasks", repository.TaskType, task.Id, task.Version)
	}
	task.Version = stored.Version
	return nil
}

func (r *Repository) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.WithStack(r.db.Ping(ctx))
}

func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

// missedUpdate works out why a versioned update matched no rows.
func (r *Repository) missedUpdate(ctx context.Context, table string, recordType string, id string, expected int64) error {
	var actual int64
	err := r.db.QueryRow(ctx, `SELECT version FROM `+table+` WHERE id = $1`, id).Scan(&actual)
	if err == pgx.ErrNoRows {
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

func resultColumns(task *model.Task) (*int, *time.Time) {
	if task.Result == nil {
		return nil, nil
	}
	exitCode := task.Result.ExitCode
	completedAt := task.Result.CompletedAt
	return &exitCode, &completedAt
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
