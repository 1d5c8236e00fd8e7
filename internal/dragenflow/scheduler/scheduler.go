package scheduler

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/process"
)

// PartitionInfo summarises one named pool of nodes.
type PartitionInfo struct {
	Name      string
	Available string
	TimeLimit string
	Nodes     int
	Default   bool
}

// QueueInfo is one pending or running job.
type QueueInfo struct {
	JobId     string
	Name      string
	User      string
	Partition string
	State     string
	Nodes     int
	Time      string
	NodeList  string
}

// JobInfo is the accounting record of one job.
type JobInfo struct {
	JobId     string
	Name      string
	Partition string
	Account   string
	AllocCPUs int
	// Raw scheduler state, e.g. COMPLETED or CANCELLED by 1000
	State    string
	Status   model.Status
	ExitCode int
	Signal   int
}

// Client is the orchestrator's view of a cluster scheduler.
type Client interface {
	// Submit hands task's command line to the scheduler and returns the scheduler's job id. The job is named after
	// the task id so that a submission whose outcome was lost can be found again in the queue.
	Submit(ctx context.Context, partition string, task *model.Task) (string, error)
	// Cancel returns false if the scheduler refused, e.g. because the job had already finished.
	Cancel(ctx context.Context, jobId string) (bool, error)
	FetchJobStatus(ctx context.Context, jobId string) (model.Status, error)
	FetchJobInfo(ctx context.Context, jobId string) (*JobInfo, error)
	ListPartitions(ctx context.Context) ([]PartitionInfo, error)
	ListQueue(ctx context.Context) ([]QueueInfo, error)
}

// OutputReader is implemented by clients that can return what a job wrote.
type OutputReader interface {
	ReadOutput(ctx context.Context, jobId string) (string, error)
}

// ParseError means a scheduler tool produced output that could not be understood.
type ParseError struct {
	Command string
	Output  string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse output of %s: %s", e.Command, e.Message)
}

func NewParseError(command string, output string, format string, args ...interface{}) error {
	return errors.WithStack(&ParseError{
		Command: command,
		Output:  output,
		Message: fmt.Sprintf(format, args...),
	})
}

// IsTransient is true for failures worth retrying on a later poll: unparsable output and query timeouts.
func IsTransient(err error) bool {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return true
	}
	return process.IsTimeoutError(err)
}
