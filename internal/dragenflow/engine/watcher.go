package engine

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/logging"
)

type WatchOutcome int

const (
	FileFound WatchOutcome = iota
	WatchExpired
)

// FileWatcher polls for the appearance of paths, one goroutine per watched task. Each watch ends when the path
// exists, when its deadline passes, or when it is stopped, and reports the first two through its callback.
type FileWatcher struct {
	fs           afero.Fs
	clock        clock.Clock
	pollInterval time.Duration
	metrics      *Metrics

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	path     string
	deadline time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewFileWatcher(fs afero.Fs, clock clock.Clock, pollInterval time.Duration, metrics *Metrics) *FileWatcher {
	return &FileWatcher{
		fs:           fs,
		clock:        clock,
		pollInterval: pollInterval,
		metrics:      metrics,
		watches:      map[string]*watch{},
	}
}

// Watch starts watching path on behalf of id unless a watch for id is already running. A zero deadline never
// expires. onDone runs on the watch goroutine.
func (w *FileWatcher) Watch(
	ctx *flowcontext.Context,
	id string,
	path string,
	deadline time.Time,
	onDone func(ctx *flowcontext.Context, outcome WatchOutcome),
) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watches[id]; ok {
		return false
	}
	watchCtx, cancel := flowcontext.WithCancel(flowcontext.WithLogFields(ctx, map[string]interface{}{
		"taskId": id,
		"path":   path,
	}))
	wt := &watch{
		path:     path,
		deadline: deadline,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.watches[id] = wt
	w.metrics.activeFileWatches.Inc()
	go w.run(watchCtx, id, wt, onDone)
	return true
}

func (w *FileWatcher) run(
	ctx *flowcontext.Context,
	id string,
	wt *watch,
	onDone func(ctx *flowcontext.Context, outcome WatchOutcome),
) {
	defer func() {
		w.mu.Lock()
		if w.watches[id] == wt {
			delete(w.watches, id)
			w.metrics.activeFileWatches.Dec()
		}
		w.mu.Unlock()
		close(wt.done)
	}()

	ctx.Log.Infof("Waiting for %s", wt.path)
	for {
		exists, err := afero.Exists(w.fs, wt.path)
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("Unable to check whether %s exists", wt.path)
		}
		if ctx.Err() != nil {
			return
		}
		if exists {
			ctx.Log.Infof("Found %s", wt.path)
			onDone(ctx, FileFound)
			return
		}
		if !wt.deadline.IsZero() && !w.clock.Now().Before(wt.deadline) {
			ctx.Log.Warnf("Gave up waiting for %s at %s", wt.path, wt.deadline)
			onDone(ctx, WatchExpired)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.pollInterval):
		}
	}
}

func (w *FileWatcher) IsWatching(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[id]
	return ok
}

// Stop cancels the watch for id and waits for its goroutine to exit. The callback is not invoked.
func (w *FileWatcher) Stop(id string) {
	w.mu.Lock()
	wt, ok := w.watches[id]
	w.mu.Unlock()
	if !ok {
		return
	}
	wt.cancel()
	<-wt.done
}

func (w *FileWatcher) StopAll() {
	w.mu.Lock()
	watches := make([]*watch, 0, len(w.watches))
	for _, wt := range w.watches {
		watches = append(watches, wt)
	}
	w.mu.Unlock()
	for _, wt := range watches {
		wt.cancel()
		<-wt.done
	}
}
