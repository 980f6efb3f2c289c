package models

// ChunkInfo describes one fixed-size slice of a file.
type ChunkInfo struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Hash   string `json:"hash"`
}

// FileMetadata is the content-addressed identity of a file prepared for
// transfer. Hash and per-chunk hashes are hex-encoded SHA-256 digests, so
// identical byte content always yields identical metadata.
type FileMetadata struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Size     int64       `json:"size"`
	MimeType string      `json:"mimeType"`
	Hash     string      `json:"hash"`
	Chunks   []ChunkInfo `json:"chunks"`
	Path     string      `json:"path,omitempty"`
}

// TotalChunks returns the number of chunks in the table.
func (m *FileMetadata) TotalChunks() int {
	return len(m.Chunks)
}
