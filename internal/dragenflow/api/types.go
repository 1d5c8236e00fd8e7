package api

import (
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

// MachineDetails is a machine together with every task materialised for it so far, in state then id order.
type MachineDetails struct {
	Machine *model.Machine `json:"machine"`
	Tasks   []*model.Task  `json:"tasks"`
}

type ReviewDecision struct {
	Reviewer string `json:"reviewer"`
	Comment  string `json:"comment,omitempty"`
}

type SubmissionsToggle struct {
	Enabled bool `json:"enabled"`
}

type Partitions struct {
	Partitions []scheduler.PartitionInfo `json:"partitions"`
}

type Queue struct {
	Jobs []scheduler.QueueInfo `json:"jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
	// One of notFound, alreadyExists, invalidArgument or conflict when the failure was the caller's
	Kind string `json:"kind,omitempty"`
}
