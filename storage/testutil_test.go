package storage

import (
	"testing"

	"lanbeam/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testTask(id, direction, status string) *models.TransferTask {
	return &models.TransferTask{
		ID: id,
		File: models.FileMetadata{
			ID:       "file-" + id,
			Name:     id + ".bin",
			Size:     4096,
			MimeType: "application/octet-stream",
			Hash:     "hash-" + id,
			Path:     "/tmp/" + id + ".bin",
			Chunks: []models.ChunkInfo{
				{Index: 0, Offset: 0, Size: 2048, Hash: "c0"},
				{Index: 1, Offset: 2048, Size: 2048, Hash: "c1"},
			},
		},
		Direction: direction,
		PeerID:    "peer-1",
		PeerName:  "Peer One",
		PeerIP:    "192.168.1.20",
		PeerPort:  7410,
		Status:    status,
		CreatedAt: nowUnixMilli(),
	}
}

func mustSaveTask(t *testing.T, store *Store, task *models.TransferTask) {
	t.Helper()
	if err := store.SaveTask(task); err != nil {
		t.Fatalf("save task %q: %v", task.ID, err)
	}
}
