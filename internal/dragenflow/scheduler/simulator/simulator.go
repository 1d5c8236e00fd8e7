package simulator

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

type Config struct {
	// First job id handed out
	StartJobId int
	Partitions []string
	// Statuses each job reports, one step per status query; the last one sticks
	Script []model.Status
	// What every job "wrote"
	Output string
}

func DefaultConfig() Config {
	return Config{
		StartJobId: 1000,
		Partitions: []string{"dragen"},
		Script:     []model.Status{model.Queued, model.Running, model.Complete},
		Output:     "Success",
	}
}

type job struct {
	id        string
	name      string
	partition string
	script    []model.Status
	step      int
	cancelled bool
}

func (j *job) status() model.Status {
	if j.cancelled {
		return model.Cancelled
	}
	return j.script[j.step]
}

// Simulator is an in-memory scheduler. Each job walks through a status script, advancing one step every time its
// status is fetched, so tests control exactly how many polls a job takes to finish.
type Simulator struct {
	mu        sync.Mutex
	config    Config
	nextId    int
	jobs      map[string]*job
	scripts   map[string][]model.Status
	submitErr error
	queryErrs map[string]error

	submissions   int
	cancellations int
}

func New(config Config) *Simulator {
	if len(config.Script) == 0 {
		config.Script = DefaultConfig().Script
	}
	return &Simulator{
		config:    config,
		nextId:    config.StartJobId,
		jobs:      map[string]*job{},
		scripts:   map[string][]model.Status{},
		queryErrs: map[string]error{},
	}
}

// ScriptFor sets the statuses the job submitted for taskId will walk through. It must be called before the task
// is submitted.
func (s *Simulator) ScriptFor(taskId string, statuses ...model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[taskId] = statuses
}

// FailSubmissions makes every subsequent Submit return err, until called again with nil.
func (s *Simulator) FailSubmissions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// FailQueries makes status queries for jobId return err, until called again with nil.
func (s *Simulator) FailQueries(jobId string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.queryErrs, jobId)
		return
	}
	s.queryErrs[jobId] = err
}

// Enqueue adds a job that the orchestrator did not submit through this simulator, as if an earlier process had
// submitted it before crashing.
func (s *Simulator) Enqueue(name string, partition string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addJob(name, partition)
}

func (s *Simulator) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissions
}

func (s *Simulator) Cancellations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancellations
}

// JobsNamed returns the ids of every job submitted under name, in submission order.
func (s *Simulator) JobsNamed(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, j := range s.sortedJobs() {
		if j.name == name {
			ids = append(ids, j.id)
		}
	}
	return ids
}

func (s *Simulator) Submit(_ context.Context, partition string, task *model.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	if task.CommandLine == "" {
		return "", errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "commandLine", Value: task.Id, Message: "task has no command line"})
	}
	s.submissions++
	return s.addJob(task.Id, partition), nil
}

func (s *Simulator) addJob(name string, partition string) string {
	id := strconv.Itoa(s.nextId)
	s.nextId++
	script, ok := s.scripts[name]
	if !ok || len(script) == 0 {
		script = s.config.Script
	}
	s.jobs[id] = &job{
		id:        id,
		name:      name,
		partition: partition,
		script:    slices.Clone(script),
	}
	return id
}

func (s *Simulator) Cancel(_ context.Context, jobId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobId]
	if !ok || j.status().IsTerminal() {
		return false, nil
	}
	j.cancelled = true
	s.cancellations++
	return true, nil
}

func (s *Simulator) FetchJobStatus(ctx context.Context, jobId string) (model.Status, error) {
	info, err := s.FetchJobInfo(ctx, jobId)
	if err != nil {
		return model.Unknown, err
	}
	return info.Status, nil
}

func (s *Simulator) FetchJobInfo(_ context.Context, jobId string) (*scheduler.JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.queryErrs[jobId]; err != nil {
		return nil, err
	}
	j, ok := s.jobs[jobId]
	if !ok {
		return nil, scheduler.NewParseError("simulator", "", "no accounting row for job %s", jobId)
	}
	status := j.status()
	if !j.cancelled && j.step < len(j.script)-1 {
		j.step++
	}
	info := &scheduler.JobInfo{
		JobId:     j.id,
		Name:      j.name,
		Partition: j.partition,
		State:     slurmState(status),
		Status:    status,
	}
	if status == model.Failed {
		info.ExitCode = 1
	}
	return info, nil
}

func (s *Simulator) ListPartitions(_ context.Context) ([]scheduler.PartitionInfo, error) {
	partitions := make([]scheduler.PartitionInfo, len(s.config.Partitions))
	for i, name := range s.config.Partitions {
		partitions[i] = scheduler.PartitionInfo{
			Name:      name,
			Available: "up",
			TimeLimit: "infinite",
			Nodes:     1,
			Default:   i == 0,
		}
	}
	return partitions, nil
}

// ListQueue returns every job that has not finished, without advancing any of them.
func (s *Simulator) ListQueue(_ context.Context) ([]scheduler.QueueInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queue []scheduler.QueueInfo
	for _, j := range s.sortedJobs() {
		status := j.status()
		if status.IsTerminal() {
			continue
		}
		queue = append(queue, scheduler.QueueInfo{
			JobId:     j.id,
			Name:      j.name,
			User:      "simulator",
			Partition: j.partition,
			State:     slurmState(status),
			Nodes:     1,
		})
	}
	return queue, nil
}

func (s *Simulator) ReadOutput(_ context.Context, jobId string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobId]; !ok {
		return "", errors.WithStack(&flowerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	return s.config.Output, nil
}

func (s *Simulator) sortedJobs() []*job {
	ids := maps.Keys(s.jobs)
	slices.SortFunc(ids, func(a, b string) bool {
		ai, _ := strconv.Atoi(a)
		bi, _ := strconv.Atoi(b)
		return ai < bi
	})
	jobs := make([]*job, len(ids))
	for i, id := range ids {
		jobs[i] = s.jobs[id]
	}
	return jobs
}

func slurmState(status model.Status) string {
	switch status {
	case model.Queued:
		return "PENDING"
	case model.Running:
		return "RUNNING"
	case model.Complete:
		return "COMPLETED"
	case model.Failed:
		return "FAILED"
	case model.Cancelled:
		return "CANCELLED"
	default:
		return string(status)
	}
}
