package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragenflow/dragenflow/internal/common/database"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/repositorytest"
)

func TestMigrationsAreOrdered(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	assert.NotEmpty(t, migrations)
}

func TestRepository(t *testing.T) {
	err := skipUnlessDb(t, func(repo *Repository) {
		repositorytest.RunSuite(t, func(t *testing.T) repository.Repository {
			_, err := repo.db.Exec(context.Background(), `TRUNCATE machines, tasks`)
			require.NoError(t, err)
			return repo
		})
	})
	require.NoError(t, err)
}

func TestResultColumns(t *testing.T) {
	err := skipUnlessDb(t, func(repo *Repository) {
		ctx := context.Background()
		task := repositorytest.NewTestTask("m1", 0, 0)
		require.NoError(t, repo.CreateTask(ctx, task))
		task.Status = model.Failed
		task.Result = &model.TaskResult{ExitCode: 2}
		require.NoError(t, repo.UpdateTask(ctx, task))

		var exitCode int
		require.NoError(t, repo.db.QueryRow(ctx, `SELECT exit_code FROM tasks WHERE id = $1`, task.Id).Scan(&exitCode))
		assert.Equal(t, 2, exitCode)
	})
	require.NoError(t, err)
}

func skipUnlessDb(t *testing.T, action func(repo *Repository)) error {
	if !database.TestDbAvailable() {
		t.Skipf("%s not set", database.TestDbEnvVar)
	}
	migrations, err := Migrations()
	require.NoError(t, err)
	return database.WithTestDb(migrations, func(db *pgxpool.Pool) error {
		action(New(db))
		return nil
	})
}
