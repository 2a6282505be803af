package tasks

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown task id.
var ErrNotFound = errors.New("task not found")

// InvalidTransitionError reports a trigger invoked from an illegal state.
type InvalidTransitionError struct {
	TaskID  string
	From    Status
	Trigger string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot %s from status %s", e.TaskID, e.Trigger, e.From)
}

// StorageError reports a persistence or filesystem failure in the task store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("task storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
