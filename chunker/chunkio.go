package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"lanbeam/models"
)

// ReadChunk reads one chunk from path using the precomputed offset.
func ReadChunk(path string, chunk models.ChunkInfo) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file for chunk read: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	return ReadChunkFrom(file, chunk)
}

// ReadChunkFrom reads one chunk from an open file.
func ReadChunkFrom(file *os.File, chunk models.ChunkInfo) ([]byte, error) {
	buf := make([]byte, chunk.Size)
	n, err := file.ReadAt(buf, chunk.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", chunk.Index, chunk.Offset, err)
	}
	if int64(n) != chunk.Size {
		return nil, fmt.Errorf("short chunk %d: read %d bytes, want %d", chunk.Index, n, chunk.Size)
	}
	return buf, nil
}

// WriteChunkAt writes chunk data at its precomputed offset. Chunks may land
// out of order over an unreliable transport, so writes are sparse.
func WriteChunkAt(file *os.File, chunk models.ChunkInfo, data []byte) error {
	if int64(len(data)) != chunk.Size {
		return fmt.Errorf("chunk %d: payload is %d bytes, want %d", chunk.Index, len(data), chunk.Size)
	}
	if _, err := file.WriteAt(data, chunk.Offset); err != nil {
		return fmt.Errorf("write chunk %d at offset %d: %w", chunk.Index, chunk.Offset, err)
	}
	return nil
}

// VerifyChunk reports whether data matches the expected hex SHA-256 digest.
func VerifyChunk(data []byte, expectedHash string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == expectedHash
}

// VerifyFileChunk re-reads one chunk from disk and checks its digest.
// Used when resuming to guard against silent corruption of partial files.
func VerifyFileChunk(path string, chunk models.ChunkInfo) error {
	data, err := ReadChunk(path, chunk)
	if err != nil {
		return err
	}
	if !VerifyChunk(data, chunk.Hash) {
		return fmt.Errorf("%w: chunk %d of %q", ErrHashMismatch, chunk.Index, path)
	}
	return nil
}
