package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
)

const (
	metricsNamespace = "dragenflow"
	metricsSubsystem = "engine"
)

type Metrics struct {
	submissions       prometheus.Counter
	taskTransitions   *prometheus.CounterVec
	machineOutcomes   *prometheus.CounterVec
	transientErrors   prometheus.Counter
	unknownStatuses   prometheus.Counter
	runningMachines   prometheus.Gauge
	activeFileWatches prometheus.Gauge
	materialisations  prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them with registerer, which may be nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "submissions_total",
			Help:      "Jobs accepted by the scheduler.",
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_transitions_total",
			Help:      "Task status changes, by new status.",
		}, []string{"status"}),
		machineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "machine_outcomes_total",
			Help:      "Machines reaching a terminal status, by status.",
		}, []string{"status"}),
		transientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "scheduler_transient_errors_total",
			Help:      "Scheduler queries that failed and will be retried.",
		}),
		unknownStatuses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "unknown_statuses_total",
			Help:      "Scheduler states that could not be mapped to a task status.",
		}),
		runningMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "running_machines",
			Help:      "Machines seen RUNNING by the last tick.",
		}),
		activeFileWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_file_watches",
			Help:      "Paths currently being watched for wait for file tasks.",
		}),
		materialisations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_materialised_total",
			Help:      "Task records created on entering a state.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.submissions,
			m.taskTransitions,
			m.machineOutcomes,
			m.transientErrors,
			m.unknownStatuses,
			m.runningMachines,
			m.activeFileWatches,
			m.materialisations,
		)
	}
	return m
}

func (m *Metrics) recordTaskStatus(status model.Status) {
	m.taskTransitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) recordMachineOutcome(status model.Status) {
	m.machineOutcomes.WithLabelValues(string(status)).Inc()
}
