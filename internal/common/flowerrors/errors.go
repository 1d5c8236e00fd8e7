// Package flowerrors contains the generic errors returned across the orchestrator. Callers check for them with
// errors.As (or the Is* helpers below) so that wrapping with errors.WithStack never hides the type.
//
// If multiple errors occur in some function (e.g., cancelling several external jobs), that function should return
// an error of type multierror.Error from package github.com/hashicorp/go-multierror that encapsulates them.
package flowerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "task" or "machine"
	Value   string // Resource id
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "referenceDir"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrConflict is returned by an optimistic update whose expected version no longer matches the stored one.
type ErrConflict struct {
	Type            string
	Value           string
	ExpectedVersion int64
	ActualVersion   int64
}

func (err *ErrConflict) Error() string {
	return fmt.Sprintf(
		"version mismatch updating %s %q: expected %d, found %d",
		err.Type, err.Value, err.ExpectedVersion, err.ActualVersion,
	)
}

func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

func IsAlreadyExists(err error) bool {
	var e *ErrAlreadyExists
	return errors.As(err, &e)
}

func IsInvalidArgument(err error) bool {
	var e *ErrInvalidArgument
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ErrConflict
	return errors.As(err, &e)
}
