package queue

import "errors"

// Task-level errors abort the whole call.
var (
	ErrInvalidRoot   = errors.New("root path does not exist or is not a directory")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskCancelled = errors.New("task is cancelled")
)

// FileErrorKind tags a per-file failure inside a batch call. File-level
// failures are data in the result, never call-level errors: one mistyped
// path must not abort the other nine.
type FileErrorKind string

const (
	FileErrorNotInTask         FileErrorKind = "file_not_in_task"
	FileErrorInvalidTransition FileErrorKind = "invalid_transition"
)

// FileResult is the per-file outcome of a done or skip call. Error is
// empty on success; State carries the file's resulting state.
type FileResult struct {
	Path  string        `json:"path"`
	State string        `json:"state,omitempty"`
	Error FileErrorKind `json:"error,omitempty"`
}
