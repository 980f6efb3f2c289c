// Package chunker computes content-addressed file metadata and performs
// random-access chunk I/O for the transfer engine.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"lanbeam/models"
)

const (
	// DefaultChunkSize is the fixed chunk size; only the final chunk may be
	// shorter.
	DefaultChunkSize = 1024 * 1024
	// DefaultMaxFileSize caps Prepare input at 32 GiB.
	DefaultMaxFileSize = 32 << 30
)

var (
	// ErrTooLarge indicates the file exceeds the configured maximum size.
	ErrTooLarge = errors.New("chunker: file exceeds maximum size")
	// ErrHashMismatch indicates chunk or file content failed verification.
	ErrHashMismatch = errors.New("chunker: hash mismatch")
	// ErrNotRegular indicates the path is not a regular file.
	ErrNotRegular = errors.New("chunker: not a regular file")
)

// Config controls metadata preparation.
type Config struct {
	ChunkSize   int64
	MaxFileSize int64
}

func (c Config) withDefaults() Config {
	out := c
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxFileSize <= 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	return out
}

// Prepare computes transfer metadata for path using default config.
func Prepare(path string) (*models.FileMetadata, error) {
	return PrepareWithConfig(path, Config{})
}

// PrepareWithConfig reads the file once, computing the whole-file digest and
// the per-chunk digest table. Identical bytes always produce identical
// hashes, which is what makes resume validation and dedup possible.
func PrepareWithConfig(path string, config Config) (*models.FileMetadata, error) {
	cfg := config.withDefaults()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q", ErrNotRegular, path)
	}
	if info.Size() > cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, info.Size(), cfg.MaxFileSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	fileHasher := sha256.New()
	chunks := make([]models.ChunkInfo, 0, chunkCount(info.Size(), cfg.ChunkSize))
	buf := make([]byte, cfg.ChunkSize)

	var offset int64
	for index := 0; offset < info.Size(); index++ {
		want := cfg.ChunkSize
		if remaining := info.Size() - offset; remaining < want {
			want = remaining
		}

		n, err := io.ReadFull(file, buf[:want])
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}

		chunkSum := sha256.Sum256(buf[:n])
		_, _ = fileHasher.Write(buf[:n])

		chunks = append(chunks, models.ChunkInfo{
			Index:  index,
			Offset: offset,
			Size:   int64(n),
			Hash:   hex.EncodeToString(chunkSum[:]),
		})
		offset += int64(n)
	}

	return &models.FileMetadata{
		ID:       uuid.NewString(),
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType(path),
		Hash:     hex.EncodeToString(fileHasher.Sum(nil)),
		Chunks:   chunks,
		Path:     path,
	}, nil
}

// HashFile returns the hex SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateChunkTable checks that chunks exactly partition [0, size) with
// contiguous indices and no gaps or overlaps.
func ValidateChunkTable(size int64, chunks []models.ChunkInfo) error {
	var offset int64
	for i, chunk := range chunks {
		if chunk.Index != i {
			return fmt.Errorf("chunk %d: index %d out of order", i, chunk.Index)
		}
		if chunk.Offset != offset {
			return fmt.Errorf("chunk %d: offset %d, want %d", i, chunk.Offset, offset)
		}
		if chunk.Size <= 0 {
			return fmt.Errorf("chunk %d: non-positive size %d", i, chunk.Size)
		}
		offset += chunk.Size
	}
	if offset != size {
		return fmt.Errorf("chunk table covers %d bytes, file is %d", offset, size)
	}
	return nil
}

func mimeType(path string) string {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt
}

func chunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	count := size / chunkSize
	if size%chunkSize != 0 {
		count++
	}
	return int(count)
}
