package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lanbeam/models"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// ResumeCheckpoint is one persisted resume ledger entry. CompletedChunks is
// the JSON index-array form of the completion bitmap; FileHash pins the
// checkpoint to the exact content it was taken against.
type ResumeCheckpoint struct {
	TaskID          string
	Direction       string
	ResumeOffset    int64
	NextChunk       int
	CompletedChunks []byte
	FileHash        string
	TempPath        string
	UpdatedAt       int64
}

func taskToRow(task *models.TransferTask) (chunksJSON string, err error) {
	raw, err := json.Marshal(task.File.Chunks)
	if err != nil {
		return "", fmt.Errorf("marshal chunk table: %w", err)
	}
	return string(raw), nil
}

func rowToChunks(chunksJSON string) ([]models.ChunkInfo, error) {
	if chunksJSON == "" {
		return nil, nil
	}
	var chunks []models.ChunkInfo
	if err := json.Unmarshal([]byte(chunksJSON), &chunks); err != nil {
		return nil, fmt.Errorf("unmarshal chunk table: %w", err)
	}
	return chunks, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
