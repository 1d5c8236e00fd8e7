package model

import (
	"time"

	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
)

// Machine is one pipeline run: an ordered list of states and a pointer to the current one.
type Machine struct {
	Id            string            `json:"id"`
	Name          string            `json:"name"`
	Status        Status            `json:"status"`
	States        []StateDefinition `json:"states"`
	CurrentState  int               `json:"currentState"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Version       int64             `json:"version"`
}

func NewMachine(id string, name string, states []StateDefinition, now time.Time) (*Machine, error) {
	if id == "" {
		return nil, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "id", Value: "", Message: "required"})
	}
	if len(states) == 0 {
		return nil, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "states", Value: name, Message: "a machine needs at least one state"})
	}
	seen := map[string]bool{}
	for _, s := range states {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "state.name", Value: s.Name, Message: "duplicate state name"})
		}
		seen[s.Name] = true
	}
	return &Machine{
		Id:        id,
		Name:      name,
		Status:    NotStarted,
		States:    states,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CurrentStateName is empty once the machine has no current state.
func (m *Machine) CurrentStateName() string {
	if def, ok := m.CurrentStateDefinition(); ok {
		return def.Name
	}
	return ""
}

func (m *Machine) CurrentStateDefinition() (StateDefinition, bool) {
	if m.CurrentState < 0 || m.CurrentState >= len(m.States) {
		return StateDefinition{}, false
	}
	return m.States[m.CurrentState], true
}

func (m *Machine) IsTerminal() bool {
	return m.Status.IsTerminal()
}

func (m *Machine) DeepCopy() *Machine {
	if m == nil {
		return nil
	}
	c := *m
	c.States = make([]StateDefinition, len(m.States))
	for i, s := range m.States {
		c.States[i] = s.DeepCopy()
	}
	c.StartedAt = copyTime(m.StartedAt)
	c.CompletedAt = copyTime(m.CompletedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
