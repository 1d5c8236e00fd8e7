package model

import (
	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
)

type WaitForFileParams struct {
	Path string `json:"path" yaml:"path"`
}

type WaitForReviewParams struct {
	// Shown to the reviewer
	Instructions string `json:"instructions,omitempty" yaml:"instructions"`
}

// TaskSpec is the static description of one task in a state. Exactly one parameter block, the one matching Kind,
// is set.
type TaskSpec struct {
	Name string   `json:"name" yaml:"name"`
	Kind TaskKind `json:"kind" yaml:"kind"`
	// Overrides the state's partition
	Partition string `json:"partition,omitempty" yaml:"partition"`

	Demultiplex   *command.DemultiplexParams `json:"demultiplex,omitempty" yaml:"demultiplex"`
	Align         *command.AlignParams       `json:"align,omitempty" yaml:"align"`
	Aggregate     *command.AggregateParams   `json:"aggregate,omitempty" yaml:"aggregate"`
	Generic       *command.GenericParams     `json:"generic,omitempty" yaml:"generic"`
	WaitForFile   *WaitForFileParams         `json:"waitForFile,omitempty" yaml:"waitForFile"`
	WaitForReview *WaitForReviewParams       `json:"waitForReview,omitempty" yaml:"waitForReview"`
}

func (s TaskSpec) Validate() error {
	set := map[TaskKind]bool{
		KindDemultiplex:    s.Demultiplex != nil,
		KindAlign:          s.Align != nil,
		KindAggregate:      s.Aggregate != nil,
		KindProcessGeneric: s.Generic != nil,
		KindWaitForFile:    s.WaitForFile != nil,
		KindWaitForReview:  s.WaitForReview != nil,
	}
	populated, ok := set[s.Kind]
	if !ok {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "kind", Value: string(s.Kind), Message: "unknown task kind"})
	}
	if !populated {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{
			Name:    "kind",
			Value:   string(s.Kind),
			Message: "parameters for the task kind are missing",
		})
	}
	for kind, isSet := range set {
		if kind != s.Kind && isSet {
			return errors.WithStack(&flowerrors.ErrInvalidArgument{
				Name:    "kind",
				Value:   string(s.Kind),
				Message: "parameters for " + string(kind) + " must not be set",
			})
		}
	}
	if s.WaitForFile != nil && s.WaitForFile.Path == "" {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "waitForFile.path", Value: "", Message: "required"})
	}
	return nil
}

func (s TaskSpec) DeepCopy() TaskSpec {
	c := s
	c.Demultiplex = s.Demultiplex.DeepCopy()
	c.Align = s.Align.DeepCopy()
	c.Aggregate = s.Aggregate.DeepCopy()
	c.Generic = s.Generic.DeepCopy()
	if s.WaitForFile != nil {
		w := *s.WaitForFile
		c.WaitForFile = &w
	}
	if s.WaitForReview != nil {
		r := *s.WaitForReview
		c.WaitForReview = &r
	}
	return c
}

// StateDefinition is one named stage of a machine. It succeeds when every task, and then its exit task if any,
// is COMPLETE.
type StateDefinition struct {
	Name string `json:"name" yaml:"name"`
	// Default partition for the state's process tasks
	Partition string     `json:"partition,omitempty" yaml:"partition"`
	Tasks     []TaskSpec `json:"tasks" yaml:"tasks"`
	// Runs once all Tasks are COMPLETE, e.g. to upload metrics
	ExitTask *TaskSpec `json:"exitTask,omitempty" yaml:"exitTask"`
}

func (d StateDefinition) Validate() error {
	if d.Name == "" {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "state.name", Value: "", Message: "required"})
	}
	if len(d.Tasks) == 0 {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "state.tasks", Value: d.Name, Message: "a state needs at least one task"})
	}
	for _, t := range d.Tasks {
		if err := t.Validate(); err != nil {
			return errors.WithMessagef(err, "state %s task %s", d.Name, t.Name)
		}
	}
	if d.ExitTask != nil {
		if err := d.ExitTask.Validate(); err != nil {
			return errors.WithMessagef(err, "state %s exit task", d.Name)
		}
	}
	return nil
}

func (d StateDefinition) DeepCopy() StateDefinition {
	c := d
	c.Tasks = make([]TaskSpec, len(d.Tasks))
	for i, t := range d.Tasks {
		c.Tasks[i] = t.DeepCopy()
	}
	if d.ExitTask != nil {
		e := d.ExitTask.DeepCopy()
		c.ExitTask = &e
	}
	return c
}
