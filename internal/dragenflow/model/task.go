package model

import (
	"fmt"
	"time"
)

type TaskResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
	// Why the orchestrator, rather than the job, decided the outcome
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Review records the decision on a WaitForReview task.
type Review struct {
	Approved  bool      `json:"approved"`
	Reviewer  string    `json:"reviewer"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Task is one materialised unit of work within a machine's state. It references its machine by id only.
type Task struct {
	Id          string   `json:"id"`
	MachineId   string   `json:"machineId"`
	StateIndex  int      `json:"stateIndex"`
	StateName   string   `json:"stateName"`
	Name        string   `json:"name"`
	Kind        TaskKind `json:"kind"`
	Exit        bool     `json:"exit,omitempty"`
	Partition   string   `json:"partition,omitempty"`
	CommandLine string   `json:"commandLine,omitempty"`
	WaitPath    string   `json:"waitPath,omitempty"`

	ExternalJobId string      `json:"externalJobId,omitempty"`
	Status        Status      `json:"status"`
	Result        *TaskResult `json:"result,omitempty"`
	Review        *Review     `json:"review,omitempty"`

	// Set before a submission is attempted so that the attempt is made at most once
	SubmitAttemptedAt *time.Time `json:"submitAttemptedAt,omitempty"`
	// Consecutive transient failures querying the scheduler
	QueryFailures int        `json:"queryFailures,omitempty"`
	NextQueryAt   *time.Time `json:"nextQueryAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

// TaskId is deterministic so that materialising a state twice yields the same records.
func TaskId(machineId string, stateIndex int, taskIndex int) string {
	return fmt.Sprintf("%s.%d.%d", machineId, stateIndex, taskIndex)
}

func ExitTaskId(machineId string, stateIndex int) string {
	return fmt.Sprintf("%s.%d.exit", machineId, stateIndex)
}

func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Submitted is true once the scheduler has accepted the task.
func (t *Task) Submitted() bool {
	return t.ExternalJobId != ""
}

func (t *Task) DeepCopy() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Review != nil {
		r := *t.Review
		c.Review = &r
	}
	c.SubmitAttemptedAt = copyTime(t.SubmitAttemptedAt)
	c.NextQueryAt = copyTime(t.NextQueryAt)
	return &c
}
