package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonconfig "github.com/dragenflow/dragenflow/internal/common/config"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/repositorytest"
)

func TestRepository(t *testing.T) {
	repositorytest.RunSuite(t, func(t *testing.T) repository.Repository {
		repo, err := Open(Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := Open(Config{Dir: commonconfig.Path(dir)})
	require.NoError(t, err)
	task := repositorytest.NewTestTask("m1", 0, 0)
	require.NoError(t, repo.CreateTask(ctx, task))
	task.Status = model.Running
	require.NoError(t, repo.UpdateTask(ctx, task))
	require.NoError(t, repo.Close())
	assert.Error(t, repo.Check())

	reopened, err := Open(Config{Dir: commonconfig.Path(dir)})
	require.NoError(t, err)
	defer reopened.Close()

	running, err := reopened.GetTasksByStatus(ctx, model.Running)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, task.Id, running[0].Id)
	assert.Equal(t, int64(2), running[0].Version)

	pending, err := reopened.GetTasksByStatus(ctx, model.Pending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
