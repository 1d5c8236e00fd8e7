package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager runs each registered function once immediately and then every interval until stopped.
// It is not threadsafe and should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	clock         clock.Clock
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return NewBackgroundTaskManagerWithClock(metricsPrefix, prometheus.DefaultRegisterer, clock.RealClock{})
}

func NewBackgroundTaskManagerWithClock(
	metricsPrefix string,
	registerer prometheus.Registerer,
	clock clock.Clock,
) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		clock:         clock,
		wg:            &sync.WaitGroup{},
	}
}

func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll signals every task and waits up to timeout for them to return. It returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if m.registerer != nil {
		if err := m.registerer.Register(taskDurationHistogram); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				taskDurationHistogram = are.ExistingCollector.(prometheus.Histogram)
			}
		}
	}

	run := func() {
		start := m.clock.Now()
		task.function()
		taskDurationHistogram.Observe(m.clock.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run()
		for {
			select {
			case <-m.clock.After(task.interval):
			case <-task.stopChannel:
				return
			}
			run()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		task.stopChannel <- true
	}
}
