package model

import (
	"strings"

	"github.com/pkg/errors"
)

// Status is shared by tasks and machines. Tasks move PENDING -> QUEUED -> RUNNING -> terminal; machines move
// NOT_STARTED -> RUNNING -> terminal. UNKNOWN is only ever produced when resolving a scheduler state string and
// is never stored.
type Status string

const (
	NotStarted Status = "NOT_STARTED"
	Pending    Status = "PENDING"
	Queued     Status = "QUEUED"
	Running    Status = "RUNNING"
	Complete   Status = "COMPLETE"
	Failed     Status = "FAILED"
	Cancelled  Status = "CANCELLED"
	Unknown    Status = "UNKNOWN"
)

var allStatuses = []Status{NotStarted, Pending, Queued, Running, Complete, Failed, Cancelled, Unknown}

func (s Status) IsTerminal() bool {
	return s == Complete || s == Failed || s == Cancelled
}

// IsActive is true for work the scheduler currently holds.
func (s Status) IsActive() bool {
	return s == Queued || s == Running
}

func (s Status) rank() int {
	switch s {
	case NotStarted, Pending:
		return 0
	case Queued:
		return 1
	case Running:
		return 2
	case Complete, Failed, Cancelled:
		return 3
	default:
		return -1
	}
}

// CanTransition is true if moving from s to next goes strictly forward. Terminal statuses never move.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || next == Unknown {
		return false
	}
	return next.rank() > s.rank()
}

func (s Status) String() string {
	return string(s)
}

func ParseStatus(s string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == candidate {
			return st, nil
		}
	}
	return "", errors.Errorf("unknown status %q", s)
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
