package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Driftcell/foreach/pkg/models"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte("content\n"), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// newTask creates a registry plus a task over a fresh temp tree holding
// the given files.
func newTask(t *testing.T, files ...string) (*Registry, *CreateResult) {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		writeFile(t, root, f)
	}

	r := NewRegistry()
	created, err := r.Create(context.Background(), root, "test task", nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return r, created
}

func paths(entries []models.FileEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestCreateScansAndPreviews(t *testing.T) {
	_, created := newTask(t, "a.py", "b.py", "node_modules/x.js", ".env")

	if created.Task.Total != 2 {
		t.Errorf("expected 2 files, got %d", created.Task.Total)
	}
	if created.Task.Pending != 2 {
		t.Errorf("expected 2 pending, got %d", created.Task.Pending)
	}
	if got := paths(created.Preview); len(got) != 2 || got[0] != "a.py" || got[1] != "b.py" {
		t.Errorf("unexpected preview: %v", got)
	}
	if created.Task.Status != models.TaskStatusActive {
		t.Errorf("expected active status, got %s", created.Task.Status)
	}
	if created.Task.ID == "" {
		t.Error("expected a task id")
	}
}

func TestCreateInvalidRoot(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	if _, err := r.Create(ctx, filepath.Join(t.TempDir(), "missing"), "d", nil, nil, 10, 0); !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("expected ErrInvalidRoot for missing dir, got %v", err)
	}

	root := t.TempDir()
	writeFile(t, root, "f.py")
	if _, err := r.Create(ctx, filepath.Join(root, "f.py"), "d", nil, nil, 10, 0); !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("expected ErrInvalidRoot for file root, got %v", err)
	}
}

// The end-to-end claim/done/status/cancel walk from the design contract.
func TestClaimDoneStatusCancelFlow(t *testing.T) {
	r, created := newTask(t, "a.py", "b.py", "node_modules/x.js", ".env")
	ctx := context.Background()
	id := created.Task.ID

	claimed, err := r.Next(ctx, id, 1)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Path != "a.py" {
		t.Fatalf("expected [a.py], got %v", paths(claimed))
	}
	if claimed[0].State != models.FileStateClaimed || claimed[0].ClaimedAt == nil {
		t.Errorf("expected claimed state with timestamp, got %+v", claimed[0])
	}

	results, next, err := r.Mark(ctx, id, models.FileStateDone, []string{"a.py"}, 1)
	if err != nil {
		t.Fatalf("Mark done failed: %v", err)
	}
	if len(results) != 1 || results[0].Error != "" || results[0].State != "done" {
		t.Errorf("unexpected results: %+v", results)
	}
	if len(next) != 1 || next[0].Path != "b.py" {
		t.Errorf("expected reclaim of [b.py], got %v", paths(next))
	}

	summary, err := r.Summary(id)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Pending != 0 || summary.Claimed != 1 || summary.Done != 1 || summary.Skipped != 0 {
		t.Errorf("unexpected counts: %+v", summary)
	}

	if _, err := r.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := r.Next(ctx, id, 1); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("expected ErrTaskCancelled after cancel, got %v", err)
	}
	if _, _, err := r.Mark(ctx, id, models.FileStateDone, []string{"b.py"}, 0); !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("expected ErrTaskCancelled for done after cancel, got %v", err)
	}

	// Status stays readable for audit.
	page, err := r.Status(id, nil, 50, 0)
	if err != nil {
		t.Fatalf("Status after cancel failed: %v", err)
	}
	if page.Summary.Status != models.TaskStatusCancelled {
		t.Errorf("expected cancelled status, got %s", page.Summary.Status)
	}
	if page.Summary.Claimed != 1 || page.Summary.Done != 1 {
		t.Errorf("file states should survive cancel: %+v", page.Summary)
	}
}

func TestNextReturnsWhatIsAvailable(t *testing.T) {
	r, created := newTask(t, "a.py", "b.py")
	ctx := context.Background()

	claimed, err := r.Next(ctx, created.Task.ID, 5)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("expected 2 files, got %d", len(claimed))
	}

	empty, err := r.Next(ctx, created.Task.ID, 5)
	if err != nil {
		t.Fatalf("Next on exhausted task failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty batch, got %v", paths(empty))
	}
}

func TestNextUnknownTask(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Next(context.Background(), "nope", 1); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDoneIdempotent(t *testing.T) {
	r, created := newTask(t, "a.py")
	ctx := context.Background()
	id := created.Task.ID

	if _, err := r.Next(ctx, id, 1); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if _, _, err := r.Mark(ctx, id, models.FileStateDone, []string{"a.py"}, 0); err != nil {
		t.Fatalf("first done failed: %v", err)
	}

	results, _, err := r.Mark(ctx, id, models.FileStateDone, []string{"a.py"}, 0)
	if err != nil {
		t.Fatalf("second done failed: %v", err)
	}
	if results[0].Error != "" {
		t.Errorf("repeated done should be a no-op success, got %+v", results[0])
	}

	summary, _ := r.Summary(id)
	if summary.Done != 1 {
		t.Errorf("expected done=1 after repeat, got %+v", summary)
	}
}

func TestPerFileErrorsDoNotAbortBatch(t *testing.T) {
	r, created := newTask(t, "a.py", "b.py")
	ctx := context.Background()
	id := created.Task.ID

	if _, err := r.Next(ctx, id, 2); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	results, _, err := r.Mark(ctx, id, models.FileStateSkipped, []string{"missing.py", "a.py"}, 0)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Error != FileErrorNotInTask {
		t.Errorf("expected file_not_in_task for missing.py, got %+v", results[0])
	}
	if results[1].Error != "" || results[1].State != "skipped" {
		t.Errorf("expected a.py skipped despite the bad path, got %+v", results[1])
	}
}

func TestInvalidTransitions(t *testing.T) {
	r, created := newTask(t, "a.py", "b.py")
	ctx := context.Background()
	id := created.Task.ID

	// done on a never-claimed file is rejected.
	results, _, err := r.Mark(ctx, id, models.FileStateDone, []string{"a.py"}, 0)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if results[0].Error != FileErrorInvalidTransition {
		t.Errorf("expected invalid_transition for pending file, got %+v", results[0])
	}

	// a skipped file cannot become done, nor the reverse.
	if _, err := r.Next(ctx, id, 2); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if _, _, err := r.Mark(ctx, id, models.FileStateSkipped, []string{"a.py"}, 0); err != nil {
		t.Fatalf("skip failed: %v", err)
	}
	results, _, err = r.Mark(ctx, id, models.FileStateDone, []string{"a.py"}, 0)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if results[0].Error != FileErrorInvalidTransition {
		t.Errorf("expected invalid_transition for skipped->done, got %+v", results[0])
	}

	if _, _, err := r.Mark(ctx, id, models.FileStateDone, []string{"b.py"}, 0); err != nil {
		t.Fatalf("done failed: %v", err)
	}
	results, _, err = r.Mark(ctx, id, models.FileStateSkipped, []string{"b.py"}, 0)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if results[0].Error != FileErrorInvalidTransition {
		t.Errorf("expected invalid_transition for done->skip, got %+v", results[0])
	}
}

func TestMarkAcceptsAbsolutePaths(t *testing.T) {
	r, created := newTask(t, "sub/a.py")
	ctx := context.Background()
	id := created.Task.ID

	if _, err := r.Next(ctx, id, 1); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	abs := filepath.Join(created.Task.Root, "sub", "a.py")
	results, _, err := r.Mark(ctx, id, models.FileStateDone, []string{abs}, 0)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if results[0].Error != "" || results[0].Path != "sub/a.py" {
		t.Errorf("expected absolute path to resolve, got %+v", results[0])
	}
}

func TestStatusPagination(t *testing.T) {
	files := make([]string, 7)
	for i := range files {
		files[i] = fmt.Sprintf("f%02d.py", i)
	}
	r, created := newTask(t, files...)
	id := created.Task.ID

	page, err := r.Status(id, nil, 3, 0)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got := paths(page.Entries); len(got) != 3 || got[0] != "f00.py" {
		t.Errorf("unexpected first page: %v", got)
	}

	page, err = r.Status(id, nil, 3, 6)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got := paths(page.Entries); len(got) != 1 || got[0] != "f06.py" {
		t.Errorf("unexpected last page: %v", got)
	}

	if page.Summary.Pending+page.Summary.Claimed+page.Summary.Done+page.Summary.Skipped != page.Summary.Total {
		t.Errorf("counts do not sum to total: %+v", page.Summary)
	}
}

func TestStatusFiltersByState(t *testing.T) {
	r, created := newTask(t, "a.py", "b.py", "c.py")
	ctx := context.Background()
	id := created.Task.ID

	if _, err := r.Next(ctx, id, 1); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if _, _, err := r.Mark(ctx, id, models.FileStateDone, []string{"a.py"}, 1); err != nil {
		t.Fatalf("done failed: %v", err)
	}

	page, err := r.Status(id, []models.FileState{models.FileStateDone, models.FileStatePending}, 50, 0)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got := paths(page.Entries); len(got) != 2 || got[0] != "a.py" || got[1] != "c.py" {
		t.Errorf("unexpected filtered entries: %v", got)
	}
}

func TestCancelIdempotent(t *testing.T) {
	r, created := newTask(t, "a.py")
	ctx := context.Background()

	first, err := r.Cancel(ctx, created.Task.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	second, err := r.Cancel(ctx, created.Task.ID)
	if err != nil {
		t.Fatalf("repeat Cancel failed: %v", err)
	}
	if first.Status != models.TaskStatusCancelled || second.Status != models.TaskStatusCancelled {
		t.Errorf("expected cancelled both times: %s, %s", first.Status, second.Status)
	}
}

// Every file must be claimed exactly once across concurrent callers.
func TestConcurrentNextClaimsEachFileOnce(t *testing.T) {
	files := make([]string, 40)
	for i := range files {
		files[i] = fmt.Sprintf("f%02d.py", i)
	}
	r, created := newTask(t, files...)
	ctx := context.Background()
	id := created.Task.ID

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := r.Next(ctx, id, 3)
				if err != nil {
					t.Errorf("Next failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, f := range claimed {
					seen[f.Path]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != len(files) {
		t.Errorf("expected %d distinct files claimed, got %d", len(files), len(seen))
	}
	for path, count := range seen {
		if count != 1 {
			t.Errorf("file %s claimed %d times", path, count)
		}
	}
}

func TestClaimLeaseRequeuesExpired(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py")

	now := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return now }))

	ctx := context.Background()
	created, err := r.Create(ctx, root, "leased", nil, nil, 10, time.Minute)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.Task.ID

	claimed, err := r.Next(ctx, id, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Next = %v, %v", paths(claimed), err)
	}

	// Within the lease the claim holds.
	now = now.Add(30 * time.Second)
	if again, _ := r.Next(ctx, id, 1); len(again) != 0 {
		t.Fatalf("claim should still be held, got %v", paths(again))
	}

	// After expiry the file is swept back to pending and reclaimable.
	now = now.Add(2 * time.Minute)
	again, err := r.Next(ctx, id, 1)
	if err != nil {
		t.Fatalf("Next after expiry failed: %v", err)
	}
	if len(again) != 1 || again[0].Path != "a.py" {
		t.Errorf("expected expired claim to be reissued, got %v", paths(again))
	}

	summary, _ := r.Summary(id)
	if summary.Pending+summary.Claimed+summary.Done+summary.Skipped != summary.Total {
		t.Errorf("counts do not sum to total after sweep: %+v", summary)
	}
}

// A worker loop driven only by done-with-reclaim must also recover
// expired claims, not just bare next calls.
func TestClaimLeaseSweepRunsOnMark(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py")

	now := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return now }))

	ctx := context.Background()
	created, err := r.Create(ctx, root, "leased", nil, nil, 10, time.Minute)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.Task.ID

	claimed, err := r.Next(ctx, id, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Next = %v, %v", paths(claimed), err)
	}

	now = now.Add(5 * time.Minute)
	_, reclaimed, err := r.Mark(ctx, id, models.FileStateDone, nil, 1)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Path != "a.py" {
		t.Errorf("expected done-with-reclaim to reissue the expired claim, got %v", paths(reclaimed))
	}
}

// recordingJournal captures the per-path sequence of persisted states.
type recordingJournal struct {
	mu     sync.Mutex
	states map[string][]models.FileState
}

func newRecordingJournal() *recordingJournal {
	return &recordingJournal{states: make(map[string][]models.FileState)}
}

func (j *recordingJournal) SaveTask(ctx context.Context, t *models.Task, lease time.Duration) error {
	return nil
}

func (j *recordingJournal) UpdateFiles(ctx context.Context, taskID string, entries []models.FileEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, f := range entries {
		j.states[f.Path] = append(j.states[f.Path], f.State)
	}
	return nil
}

func (j *recordingJournal) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	return nil
}

// Persisted file states must land in the order they were applied, even
// with concurrent workers, or a restart would resurrect a stale state.
func TestJournalWritesFollowApplicationOrder(t *testing.T) {
	root := t.TempDir()
	files := make([]string, 20)
	for i := range files {
		files[i] = fmt.Sprintf("f%02d.py", i)
		writeFile(t, root, files[i])
	}

	journal := newRecordingJournal()
	r := NewRegistry(WithJournal(journal))

	ctx := context.Background()
	created, err := r.Create(ctx, root, "journaled", nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.Task.ID

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := r.Next(ctx, id, 1)
				if err != nil {
					t.Errorf("Next failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				if _, _, err := r.Mark(ctx, id, models.FileStateDone, paths(claimed), 0); err != nil {
					t.Errorf("Mark failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, path := range files {
		got := journal.states[path]
		if len(got) != 2 || got[0] != models.FileStateClaimed || got[1] != models.FileStateDone {
			t.Errorf("journal sequence for %s = %v, want [claimed done]", path, got)
		}
	}
}

func TestNoLeaseMeansClaimsNeverExpire(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py")

	now := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return now }))

	ctx := context.Background()
	created, err := r.Create(ctx, root, "unleased", nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := r.Next(ctx, created.Task.ID, 1); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	now = now.Add(24 * time.Hour)
	again, err := r.Next(ctx, created.Task.ID, 1)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("claims must not expire without a lease, got %v", paths(again))
	}
}

func TestRestoreRebuildsRegistry(t *testing.T) {
	now := time.Now().UTC()
	task := &models.Task{
		ID:          "restored-task",
		RootPath:    t.TempDir(),
		Description: "restored",
		Status:      models.TaskStatusActive,
		CreatedAt:   now,
		Files: []models.FileEntry{
			{Path: "a.py", State: models.FileStateDone, CompletedAt: &now},
			{Path: "b.py", State: models.FileStatePending},
		},
	}

	r := NewRegistry()
	r.Restore([]*models.Task{task}, nil)

	claimed, err := r.Next(context.Background(), "restored-task", 5)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Path != "b.py" {
		t.Errorf("expected only b.py claimable after restore, got %v", paths(claimed))
	}
}
