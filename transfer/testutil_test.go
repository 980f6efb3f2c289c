package transfer

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanbeam/events"
	"lanbeam/models"
	"lanbeam/storage"
)

const testChunkSize = 1024

func newTestEngine(t *testing.T, cfg Config) (*Engine, *storage.Store, *events.Bus) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if cfg.DeviceID == "" {
		cfg.DeviceID = "device-" + t.Name()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Test Device"
	}
	if cfg.ReceiveDir == "" {
		cfg.ReceiveDir = t.TempDir()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = testChunkSize
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = freePort(t)
	}
	if cfg.DialRetryWindow == 0 {
		cfg.DialRetryWindow = 2 * time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	if cfg.FrameReadTimeout == 0 {
		cfg.FrameReadTimeout = 2 * time.Second
	}

	bus := events.NewBus()
	engine, err := NewEngine(cfg, store, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, store, bus
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}

func fixtureFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "fixture.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func localPeer(port int) *models.PeerInfo {
	return &models.PeerInfo{
		ID:     "peer-local",
		Name:   "Local Peer",
		IP:     "127.0.0.1",
		Port:   port,
		Status: models.PeerStatusOnline,
	}
}

func waitForTaskStatus(t *testing.T, store *storage.Store, taskID, status string, timeout time.Duration) *models.TransferTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		task, err := store.GetTask(taskID)
		if err == nil {
			last = task.Status
			if task.Status == status {
				return task
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %q never reached %q, last status %q", taskID, status, last)
	return nil
}

func waitForTaskError(t *testing.T, store *storage.Store, taskID string, timeout time.Duration) *models.TransferTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(taskID)
		if err == nil && task.Error != "" {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %q never recorded an error", taskID)
	return nil
}

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %q: %v", path, err)
	}
	return data
}
