package flowcontext

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.NewEntry(logrus.New()).WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, ctx.Context, context.Background())
}

func TestFromContext(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	assert.Same(t, ctx, FromContext(ctx))

	plain := FromContext(context.TODO())
	assert.Equal(t, context.TODO(), plain.Context)
	assert.NotNil(t, plain.Log)
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "fish", "chips")
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips"}, ctx.Log.Data)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"fish": "chips", "salt": "pepper"})
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips", "salt": "pepper"}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 100*time.Millisecond)
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithDeadline(t *testing.T) {
	ctx, cancel := WithDeadline(Background(), time.Now().Add(100*time.Millisecond))
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithCancel(t *testing.T) {
	ctx, cancel := WithCancel(WithLogField(Background(), "a", 1))
	cancel()
	<-ctx.Done()
	assert.Equal(t, context.Canceled, ctx.Err())
	assert.Equal(t, logrus.Fields{"a": 1}, ctx.Log.Data)
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(Background())
	called := false
	g.Go(func() error {
		called = true
		return errors.New("boom")
	})
	err := g.Wait()
	assert.EqualError(t, err, "boom")
	assert.True(t, called)
	<-ctx.Done()
}

func testDeadline(t *testing.T, c *Context) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after deadline")
	}
	assert.Equal(t, context.DeadlineExceeded, c.Err())
}
