// Package queue holds the task registry and the claim/done/skip/status/
// cancel operations over a task's file-state table.
//
// Each file moves forward through pending -> claimed -> done|skipped.
// done and skipped are terminal; claimed entries can only resolve via
// done or skip, unless the task carries a claim lease, in which case an
// expired claim is swept back to pending before new claims are served.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Driftcell/foreach/internal/scanner"
	"github.com/Driftcell/foreach/pkg/models"
)

// Journal persists task mutations. Implementations must be safe for
// concurrent use. Journal writes are best-effort: a failed write is
// logged, not propagated, so the in-memory state stays authoritative.
// File writes happen under the owning task's lock, which keeps persisted
// states in application order; implementations must not call back into
// the Registry.
type Journal interface {
	SaveTask(ctx context.Context, t *models.Task, lease time.Duration) error
	UpdateFiles(ctx context.Context, taskID string, entries []models.FileEntry) error
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error
}

// CreateResult is what create returns to the transport.
type CreateResult struct {
	Task     models.TaskSummary
	Preview  []models.FileEntry
	Warnings []string
}

// StatusPage is one page of a status listing.
type StatusPage struct {
	Summary models.TaskSummary
	Entries []models.FileEntry
}

// taskState is one task plus its exclusive-access region. All reads and
// writes of the file table go through mu; that single coarse lock is what
// makes next and done's combined reclaim atomic against concurrent calls.
type taskState struct {
	mu    sync.Mutex
	task  *models.Task
	index map[string]int // path -> position in task.Files
	lease time.Duration  // 0 = claims never expire
}

// Registry is the in-memory task store. Construct one per process (or per
// test); operations on different tasks share no lock.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*taskState
	journal Journal
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal attaches a write-through journal.
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithClock overrides the time source, for lease tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks: make(map[string]*taskState),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create scans rootPath and registers a new task with every matched file
// pending. lease > 0 enables claim expiry for this task.
func (r *Registry) Create(ctx context.Context, rootPath, description string, includeGlobs, excludeGlobs []string, previewCount int, lease time.Duration) (*CreateResult, error) {
	info, err := os.Stat(rootPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, rootPath)
	}

	scan, err := scanner.Scan(rootPath, includeGlobs, excludeGlobs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, rootPath)
	}

	t := &models.Task{
		ID:          uuid.New().String(),
		RootPath:    scan.Root,
		Description: description,
		Status:      models.TaskStatusActive,
		CreatedAt:   r.now().UTC(),
		Files:       make([]models.FileEntry, 0, len(scan.Files)),
	}
	for _, f := range scan.Files {
		t.Files = append(t.Files, models.FileEntry{Path: f, State: models.FileStatePending})
	}

	ts := newTaskState(t, lease)
	r.mu.Lock()
	r.tasks[t.ID] = ts
	r.mu.Unlock()

	if r.journal != nil {
		if err := r.journal.SaveTask(ctx, t, lease); err != nil {
			slog.Warn("journal: save task failed", "task_id", t.ID, "error", err)
		}
	}

	if previewCount < 0 {
		previewCount = 0
	}
	if previewCount > len(t.Files) {
		previewCount = len(t.Files)
	}
	preview := make([]models.FileEntry, previewCount)
	copy(preview, t.Files[:previewCount])

	return &CreateResult{
		Task:     models.Summarize(t),
		Preview:  preview,
		Warnings: scan.Warnings,
	}, nil
}

// Restore re-registers tasks loaded from a journal, preserving stored
// file order and states. Used at startup when persistence is enabled.
func (r *Registry) Restore(tasks []*models.Task, leases map[string]time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		r.tasks[t.ID] = newTaskState(t, leases[t.ID])
	}
}

func newTaskState(t *models.Task, lease time.Duration) *taskState {
	ts := &taskState{
		task:  t,
		index: make(map[string]int, len(t.Files)),
		lease: lease,
	}
	for i, f := range t.Files {
		ts.index[f.Path] = i
	}
	return ts
}

func (r *Registry) get(taskID string) (*taskState, error) {
	r.mu.RLock()
	ts, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return ts, nil
}

// sweepExpired requeues claims older than the task lease. Caller holds
// ts.mu. Returns the entries it touched so they can be journaled.
func (ts *taskState) sweepExpired(now time.Time) []models.FileEntry {
	if ts.lease <= 0 {
		return nil
	}
	cutoff := now.Add(-ts.lease)
	var touched []models.FileEntry
	for i := range ts.task.Files {
		f := &ts.task.Files[i]
		if f.State == models.FileStateClaimed && f.ClaimedAt != nil && f.ClaimedAt.Before(cutoff) {
			f.State = models.FileStatePending
			f.ClaimedAt = nil
			touched = append(touched, *f)
		}
	}
	return touched
}

// claimPending transitions up to n pending entries to claimed, lowest
// index first. Caller holds ts.mu.
func (ts *taskState) claimPending(n int, now time.Time) []models.FileEntry {
	var claimed []models.FileEntry
	for i := range ts.task.Files {
		if len(claimed) >= n {
			break
		}
		f := &ts.task.Files[i]
		if f.State == models.FileStatePending {
			at := now
			f.State = models.FileStateClaimed
			f.ClaimedAt = &at
			claimed = append(claimed, *f)
		}
	}
	return claimed
}

// resolve looks up a done/skip path, which may be given root-relative or
// absolute. Caller holds ts.mu.
func (ts *taskState) resolve(p string) (int, bool) {
	if i, ok := ts.index[filepath.ToSlash(p)]; ok {
		return i, true
	}
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(ts.task.RootPath, p); err == nil {
			if i, ok := ts.index[filepath.ToSlash(rel)]; ok {
				return i, true
			}
		}
	}
	return 0, false
}

// Next claims up to n pending files in stored order and returns them.
// Fewer than n (including zero) remaining is not an error.
func (r *Registry) Next(ctx context.Context, taskID string, n int) ([]models.FileEntry, error) {
	ts, err := r.get(taskID)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.task.Status == models.TaskStatusCancelled {
		return nil, fmt.Errorf("%w: %s", ErrTaskCancelled, taskID)
	}
	now := r.now().UTC()
	swept := ts.sweepExpired(now)
	claimed := ts.claimPending(n, now)

	// Journaled under the task lock so persisted states land in the same
	// order they were applied.
	r.journalFiles(ctx, taskID, append(swept, claimed...))
	return claimed, nil
}

// Mark applies done or skip transitions, collecting a per-file result for
// each path. to must be FileStateDone or FileStateSkipped. When nextN > 0
// it also claims up to nextN new files under the same lock, so report and
// reclaim are atomic against concurrent callers.
func (r *Registry) Mark(ctx context.Context, taskID string, to models.FileState, files []string, nextN int) ([]FileResult, []models.FileEntry, error) {
	ts, err := r.get(taskID)
	if err != nil {
		return nil, nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.task.Status == models.TaskStatusCancelled {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskCancelled, taskID)
	}

	// Expired claims go back to pending before anything else, so a worker
	// loop that only ever calls done with a reclaim still recovers files
	// lost to a crashed peer.
	now := r.now().UTC()
	swept := ts.sweepExpired(now)

	results := make([]FileResult, 0, len(files))
	var touched []models.FileEntry
	for _, p := range files {
		i, ok := ts.resolve(p)
		if !ok {
			results = append(results, FileResult{Path: p, Error: FileErrorNotInTask})
			continue
		}
		f := &ts.task.Files[i]
		switch f.State {
		case models.FileStateClaimed:
			at := now
			f.State = to
			f.CompletedAt = &at
			touched = append(touched, *f)
			results = append(results, FileResult{Path: f.Path, State: string(to)})
		case to:
			// Repeating a terminal transition is a no-op, so retried
			// batches succeed.
			results = append(results, FileResult{Path: f.Path, State: string(to)})
		default:
			results = append(results, FileResult{Path: f.Path, State: string(f.State), Error: FileErrorInvalidTransition})
		}
	}

	var claimed []models.FileEntry
	if nextN > 0 {
		claimed = ts.claimPending(nextN, now)
	}

	entries := append(swept, touched...)
	r.journalFiles(ctx, taskID, append(entries, claimed...))
	return results, claimed, nil
}

// Status returns aggregate counts plus one page of entries whose state is
// in states (nil or empty means all), in stored file order. Never mutates.
func (r *Registry) Status(taskID string, states []models.FileState, limit, offset int) (*StatusPage, error) {
	ts, err := r.get(taskID)
	if err != nil {
		return nil, err
	}

	wanted := func(s models.FileState) bool { return true }
	if len(states) > 0 {
		set := make(map[models.FileState]bool, len(states))
		for _, s := range states {
			set[s] = true
		}
		wanted = func(s models.FileState) bool { return set[s] }
	}
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	page := &StatusPage{Summary: models.Summarize(ts.task)}
	skipped := 0
	for _, f := range ts.task.Files {
		if !wanted(f.State) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(page.Entries) >= limit {
			break
		}
		page.Entries = append(page.Entries, f)
	}
	return page, nil
}

// Cancel marks the task cancelled. Idempotent; file states are left as
// they are for audit via Status.
func (r *Registry) Cancel(ctx context.Context, taskID string) (models.TaskSummary, error) {
	ts, err := r.get(taskID)
	if err != nil {
		return models.TaskSummary{}, err
	}

	ts.mu.Lock()
	changed := ts.task.Status != models.TaskStatusCancelled
	ts.task.Status = models.TaskStatusCancelled
	summary := models.Summarize(ts.task)
	ts.mu.Unlock()

	if changed && r.journal != nil {
		if err := r.journal.UpdateTaskStatus(ctx, taskID, models.TaskStatusCancelled); err != nil {
			slog.Warn("journal: update task status failed", "task_id", taskID, "error", err)
		}
	}
	return summary, nil
}

// Summary returns the aggregate view of one task.
func (r *Registry) Summary(taskID string) (models.TaskSummary, error) {
	ts, err := r.get(taskID)
	if err != nil {
		return models.TaskSummary{}, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return models.Summarize(ts.task), nil
}

// Summaries lists every registered task, newest first.
func (r *Registry) Summaries() []models.TaskSummary {
	r.mu.RLock()
	states := make([]*taskState, 0, len(r.tasks))
	for _, ts := range r.tasks {
		states = append(states, ts)
	}
	r.mu.RUnlock()

	type entry struct {
		summary models.TaskSummary
		created time.Time
	}
	entries := make([]entry, 0, len(states))
	for _, ts := range states {
		ts.mu.Lock()
		entries = append(entries, entry{models.Summarize(ts.task), ts.task.CreatedAt})
		ts.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].created.After(entries[j].created) })

	out := make([]models.TaskSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.summary)
	}
	return out
}

func (r *Registry) journalFiles(ctx context.Context, taskID string, entries []models.FileEntry) {
	if r.journal == nil || len(entries) == 0 {
		return
	}
	if err := r.journal.UpdateFiles(ctx, taskID, entries); err != nil {
		slog.Warn("journal: update files failed", "task_id", taskID, "error", err)
	}
}
