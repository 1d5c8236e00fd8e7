package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/repositorytest"
)

func TestRepository(t *testing.T) {
	repositorytest.RunSuite(t, func(t *testing.T) repository.Repository {
		return newTestRepository(t, "dragenflow:")
	})
}

func TestKeysArePrefixed(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	repo := New(redis.NewClient(&redis.Options{Addr: server.Addr()}), "site-a:")
	machine := repositorytest.NewTestMachine(t, "m1")
	require.NoError(t, repo.CreateMachine(context.Background(), machine))

	assert.True(t, server.Exists("site-a:machine:m1"))
	assert.False(t, server.Exists("machine:m1"))
	require.NoError(t, repo.Check())
}

func newTestRepository(t *testing.T, prefix string) *Repository {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, prefix)
}
