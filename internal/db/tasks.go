package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Driftcell/foreach/pkg/models"
)

// SaveTask inserts a task and its full file list in one transaction.
func (db *DB) SaveTask(ctx context.Context, t *models.Task, lease time.Duration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, root_path, description, status, claim_lease_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.RootPath, t.Description, t.Status, int64(lease.Seconds()), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_files (task_id, position, path, state, claimed_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()

	for i, f := range t.Files {
		if _, err := stmt.ExecContext(ctx, t.ID, i, f.Path, f.State, f.ClaimedAt, f.CompletedAt); err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

// UpdateFiles writes the current state of the given entries.
func (db *DB) UpdateFiles(ctx context.Context, taskID string, entries []models.FileEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE task_files SET state = ?, claimed_at = ?, completed_at = ?
		WHERE task_id = ? AND path = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare file update: %w", err)
	}
	defer stmt.Close()

	for _, f := range entries {
		if _, err := stmt.ExecContext(ctx, f.State, f.ClaimedAt, f.CompletedAt, taskID, f.Path); err != nil {
			return fmt.Errorf("failed to update file %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

// UpdateTaskStatus writes a task's status.
func (db *DB) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	if _, err := db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, taskID); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// LoadTasks reads every persisted task and its files in stored order,
// plus each task's claim lease.
func (db *DB) LoadTasks(ctx context.Context) ([]*models.Task, map[string]time.Duration, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, root_path, description, status, claim_lease_seconds, created_at
		FROM tasks
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	leases := make(map[string]time.Duration)
	for rows.Next() {
		t := &models.Task{}
		var leaseSeconds int64
		if err := rows.Scan(&t.ID, &t.RootPath, &t.Description, &t.Status, &leaseSeconds, &t.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan task: %w", err)
		}
		leases[t.ID] = time.Duration(leaseSeconds) * time.Second
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	for _, t := range tasks {
		files, err := db.loadFiles(ctx, t.ID)
		if err != nil {
			return nil, nil, err
		}
		t.Files = files
	}

	return tasks, leases, nil
}

func (db *DB) loadFiles(ctx context.Context, taskID string) ([]models.FileEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT path, state, claimed_at, completed_at
		FROM task_files
		WHERE task_id = ?
		ORDER BY position ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task files: %w", err)
	}
	defer rows.Close()

	var files []models.FileEntry
	for rows.Next() {
		f := models.FileEntry{}
		if err := rows.Scan(&f.Path, &f.State, &f.ClaimedAt, &f.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return files, nil
}
