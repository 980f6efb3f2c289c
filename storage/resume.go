package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanbeam/models"
)

// UpsertResumeCheckpoint records durable per-task resume state. Callers must
// only invoke this after the corresponding chunk bytes are flushed, so a
// crash mid-write never advances the checkpoint past unwritten data.
func (s *Store) UpsertResumeCheckpoint(cp ResumeCheckpoint) error {
	if err := models.ValidateDirection(cp.Direction); err != nil {
		return err
	}
	if cp.FileHash == "" {
		return errors.New("resume checkpoint requires a file hash")
	}

	completed := cp.CompletedChunks
	if len(completed) == 0 {
		completed = []byte("[]")
	}

	_, err := s.db.Exec(`
INSERT INTO resume_checkpoints
  (task_id, direction, resume_offset, next_chunk, completed_chunks, file_hash, temp_path, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  resume_offset = excluded.resume_offset,
  next_chunk = excluded.next_chunk,
  completed_chunks = excluded.completed_chunks,
  file_hash = excluded.file_hash,
  temp_path = excluded.temp_path,
  updated_at = excluded.updated_at;
`, cp.TaskID, cp.Direction, cp.ResumeOffset, cp.NextChunk, string(completed), cp.FileHash, cp.TempPath, nowUnixMilli())
	if err != nil {
		return fmt.Errorf("upsert resume checkpoint %q: %w", cp.TaskID, err)
	}
	return nil
}

// GetResumeCheckpoint loads one checkpoint by task ID.
func (s *Store) GetResumeCheckpoint(taskID string) (*ResumeCheckpoint, error) {
	row := s.db.QueryRow(`
SELECT task_id, direction, resume_offset, next_chunk, completed_chunks, file_hash, temp_path, updated_at
FROM resume_checkpoints WHERE task_id = ?;
`, taskID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resume checkpoint %q: %w", taskID, ErrNotFound)
	}
	return cp, err
}

// ListResumeCheckpoints returns all checkpoints, most recently updated first.
func (s *Store) ListResumeCheckpoints() ([]*ResumeCheckpoint, error) {
	rows, err := s.db.Query(`
SELECT task_id, direction, resume_offset, next_chunk, completed_chunks, file_hash, temp_path, updated_at
FROM resume_checkpoints ORDER BY updated_at DESC, task_id;
`)
	if err != nil {
		return nil, fmt.Errorf("query resume checkpoints: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*ResumeCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteResumeCheckpoint removes one checkpoint. Missing rows are not an
// error; cleanup is idempotent.
func (s *Store) DeleteResumeCheckpoint(taskID string) error {
	if _, err := s.db.Exec(`DELETE FROM resume_checkpoints WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete resume checkpoint %q: %w", taskID, err)
	}
	return nil
}

// DeleteAllResumeCheckpoints clears the ledger.
func (s *Store) DeleteAllResumeCheckpoints() error {
	if _, err := s.db.Exec(`DELETE FROM resume_checkpoints;`); err != nil {
		return fmt.Errorf("delete resume checkpoints: %w", err)
	}
	return nil
}

func scanCheckpoint(row rowScanner) (*ResumeCheckpoint, error) {
	var (
		cp        ResumeCheckpoint
		completed string
	)
	err := row.Scan(&cp.TaskID, &cp.Direction, &cp.ResumeOffset, &cp.NextChunk, &completed, &cp.FileHash, &cp.TempPath, &cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cp.CompletedChunks = []byte(completed)
	return &cp, nil
}
