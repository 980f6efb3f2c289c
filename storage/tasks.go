package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanbeam/models"
)

const taskColumns = `task_id, file_id, file_name, file_size, mime_type, file_hash, file_path,
chunks_json, direction, peer_id, peer_name, peer_ip, peer_port, status,
transferred_bytes, resume_offset, resumed, encrypted, error, created_at, completed_at`

// SaveTask inserts or replaces the full task row.
func (s *Store) SaveTask(task *models.TransferTask) error {
	if err := models.ValidateDirection(task.Direction); err != nil {
		return err
	}
	if err := models.ValidateStatus(task.Status); err != nil {
		return err
	}

	chunksJSON, err := taskToRow(task)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  status = excluded.status,
  transferred_bytes = excluded.transferred_bytes,
  resume_offset = excluded.resume_offset,
  resumed = excluded.resumed,
  error = excluded.error,
  completed_at = excluded.completed_at;
`,
		task.ID, task.File.ID, task.File.Name, task.File.Size, task.File.MimeType,
		task.File.Hash, task.File.Path, chunksJSON, task.Direction,
		task.PeerID, task.PeerName, task.PeerIP, task.PeerPort, task.Status,
		task.TransferredBytes, task.ResumeOffset, boolToInt(task.Resumed),
		boolToInt(task.Encrypted), task.Error, task.CreatedAt, nullInt64(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %q: %w", task.ID, err)
	}
	return nil
}

// GetTask loads one task row by ID.
func (s *Store) GetTask(taskID string) (*models.TransferTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	return task, err
}

// ListTasks returns all task rows, newest first.
func (s *Store) ListTasks() ([]*models.TransferTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, task_id;`)
}

// ListTasksByStatus returns task rows with the given status, newest first.
func (s *Store) ListTasksByStatus(status string) ([]*models.TransferTask, error) {
	if err := models.ValidateStatus(status); err != nil {
		return nil, err
	}
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC, task_id;`, status)
}

// UpdateTaskProgress persists transfer accounting for a running task.
func (s *Store) UpdateTaskProgress(taskID string, transferredBytes, resumeOffset int64) error {
	result, err := s.db.Exec(`
UPDATE tasks SET transferred_bytes = ?, resume_offset = ? WHERE task_id = ?;
`, transferredBytes, resumeOffset, taskID)
	if err != nil {
		return fmt.Errorf("update task progress %q: %w", taskID, err)
	}
	return requireRow(result, taskID)
}

// UpdateTaskStatus transitions a task row, recording error text and
// completion time for terminal states.
func (s *Store) UpdateTaskStatus(taskID, status, errorText string, completedAt *int64) error {
	if err := models.ValidateStatus(status); err != nil {
		return err
	}

	result, err := s.db.Exec(`
UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE task_id = ?;
`, status, errorText, nullInt64(completedAt), taskID)
	if err != nil {
		return fmt.Errorf("update task status %q: %w", taskID, err)
	}
	return requireRow(result, taskID)
}

// MarkTaskResumed flags a task as having been continued from a checkpoint.
func (s *Store) MarkTaskResumed(taskID string) error {
	result, err := s.db.Exec(`UPDATE tasks SET resumed = 1 WHERE task_id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("mark task resumed %q: %w", taskID, err)
	}
	return requireRow(result, taskID)
}

// DeleteTask removes one task row (and, via cascade, its checkpoint).
func (s *Store) DeleteTask(taskID string) error {
	result, err := s.db.Exec(`DELETE FROM tasks WHERE task_id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", taskID, err)
	}
	return requireRow(result, taskID)
}

func (s *Store) queryTasks(query string, args ...any) ([]*models.TransferTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.TransferTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.TransferTask, error) {
	var (
		task        models.TransferTask
		chunksJSON  string
		resumed     int
		encrypted   int
		completedAt sql.NullInt64
	)

	err := row.Scan(
		&task.ID, &task.File.ID, &task.File.Name, &task.File.Size, &task.File.MimeType,
		&task.File.Hash, &task.File.Path, &chunksJSON, &task.Direction,
		&task.PeerID, &task.PeerName, &task.PeerIP, &task.PeerPort, &task.Status,
		&task.TransferredBytes, &task.ResumeOffset, &resumed, &encrypted,
		&task.Error, &task.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	chunks, err := rowToChunks(chunksJSON)
	if err != nil {
		return nil, err
	}
	task.File.Chunks = chunks
	task.Resumed = resumed != 0
	task.Encrypted = encrypted != 0
	task.CompletedAt = int64Ptr(completedAt)
	task.Progress = models.Progress(task.TransferredBytes, task.File.Size)
	return &task, nil
}

func requireRow(result sql.Result, taskID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	return nil
}
