package models

import "time"

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type FileState string

const (
	FileStatePending FileState = "pending"
	FileStateClaimed FileState = "claimed"
	FileStateDone    FileState = "done"
	FileStateSkipped FileState = "skipped"
)

// FileEntry is one file in a task's queue. Path is relative to the task
// root, using forward slashes.
type FileEntry struct {
	Path        string     `json:"path"`
	State       FileState  `json:"state"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is one batch-processing job over a fixed file set. The file list is
// produced by a single scan at creation time and never changes afterwards;
// its order determines claim order.
type Task struct {
	ID          string      `json:"id"`
	RootPath    string      `json:"root_path"`
	Description string      `json:"description"`
	Status      TaskStatus  `json:"status"`
	Files       []FileEntry `json:"files"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TaskSummary is the aggregate view returned by status-style calls.
// The four state counts always sum to Total.
type TaskSummary struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Root        string     `json:"root"`
	Status      TaskStatus `json:"status"`
	Total       int        `json:"total"`
	Pending     int        `json:"pending"`
	Claimed     int        `json:"claimed"`
	Done        int        `json:"done"`
	Skipped     int        `json:"skipped"`
}

// Summarize counts file states for a task.
func Summarize(t *Task) TaskSummary {
	s := TaskSummary{
		ID:          t.ID,
		Description: t.Description,
		Root:        t.RootPath,
		Status:      t.Status,
		Total:       len(t.Files),
	}
	for _, f := range t.Files {
		switch f.State {
		case FileStatePending:
			s.Pending++
		case FileStateClaimed:
			s.Claimed++
		case FileStateDone:
			s.Done++
		case FileStateSkipped:
			s.Skipped++
		}
	}
	return s
}
