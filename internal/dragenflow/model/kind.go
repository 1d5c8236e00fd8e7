package model

import "github.com/pkg/errors"

type TaskKind string

const (
	KindDemultiplex    TaskKind = "Demultiplex"
	KindAlign          TaskKind = "Align"
	KindAggregate      TaskKind = "Aggregate"
	KindProcessGeneric TaskKind = "ProcessGeneric"
	KindWaitForFile    TaskKind = "WaitForFile"
	KindWaitForReview  TaskKind = "WaitForReview"
)

// IsProcess is true for kinds that run as a scheduler job.
func (k TaskKind) IsProcess() bool {
	switch k {
	case KindDemultiplex, KindAlign, KindAggregate, KindProcessGeneric:
		return true
	default:
		return false
	}
}

func (k *TaskKind) UnmarshalText(text []byte) error {
	switch kind := TaskKind(text); kind {
	case KindDemultiplex, KindAlign, KindAggregate, KindProcessGeneric, KindWaitForFile, KindWaitForReview:
		*k = kind
		return nil
	default:
		return errors.Errorf("unknown task kind %q", string(text))
	}
}
