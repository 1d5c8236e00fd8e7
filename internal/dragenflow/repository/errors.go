package repository

import (
	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
)

const (
	MachineType = "machine"
	TaskType    = "task"
)

func MachineNotFound(id string) error {
	return errors.WithStack(&flowerrors.ErrNotFound{Type: MachineType, Value: id})
}

func TaskNotFound(id string) error {
	return errors.WithStack(&flowerrors.ErrNotFound{Type: TaskType, Value: id})
}

func MachineExists(id string) error {
	return errors.WithStack(&flowerrors.ErrAlreadyExists{Type: MachineType, Value: id})
}

func TaskExists(id string) error {
	return errors.WithStack(&flowerrors.ErrAlreadyExists{Type: TaskType, Value: id})
}

func Conflict(recordType string, id string, expected int64, actual int64) error {
	return errors.WithStack(&flowerrors.ErrConflict{
		Type:            recordType,
		Value:           id,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	})
}
