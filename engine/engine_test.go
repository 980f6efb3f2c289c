package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"lanbeam/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.DeviceConfig{
		DeviceID:         "device-" + t.Name(),
		DeviceName:       "Test Device",
		DeviceType:       "desktop",
		TransferPort:     7410,
		SharePort:        0,
		ReceiveDirectory: filepath.Join(dataDir, "received"),
		UploadDirectory:  filepath.Join(dataDir, "uploads"),
		ChunkSize:        1024,
		MaxFileSize:      1 << 30,
	}
	if err := os.MkdirAll(cfg.UploadDirectory, 0o700); err != nil {
		t.Fatalf("create upload dir: %v", err)
	}

	backend, err := New(cfg, dataDir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(backend.Close)
	return backend
}

func TestNetworkInfoAndPrepare(t *testing.T) {
	backend := newTestEngine(t)

	info := backend.GetNetworkInfo()
	if info.DeviceID == "" || info.TransferPort != 7410 {
		t.Fatalf("unexpected network info: %+v", info)
	}

	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	meta, err := backend.PrepareTransfer(path)
	if err != nil {
		t.Fatalf("PrepareTransfer failed: %v", err)
	}
	if meta.Size != 4096 || len(meta.Chunks) != 4 {
		t.Fatalf("unexpected metadata: size=%d chunks=%d", meta.Size, len(meta.Chunks))
	}
}

func TestManualPeerThroughFacade(t *testing.T) {
	backend := newTestEngine(t)

	peer, err := backend.AddManualPeer("192.168.1.50", 7410)
	if err != nil {
		t.Fatalf("AddManualPeer failed: %v", err)
	}

	peers, err := backend.Peers()
	if err != nil {
		t.Fatalf("Peers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != peer.ID || !peers[0].Manual {
		t.Fatalf("unexpected peers: %+v", peers)
	}

	if err := backend.RemovePeer(peer.ID); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
}

func TestWebUploadSessionThroughFacade(t *testing.T) {
	backend := newTestEngine(t)

	info, err := backend.StartWebUpload()
	if err != nil {
		t.Fatalf("StartWebUpload failed: %v", err)
	}
	if info.Mode != "upload" || info.Port == 0 {
		t.Fatalf("unexpected share info: %+v", info)
	}

	if err := backend.StopWebUpload(); err != nil {
		t.Fatalf("StopWebUpload failed: %v", err)
	}
}

func TestEventsSubscription(t *testing.T) {
	backend := newTestEngine(t)

	subscription := backend.Events()
	defer subscription.Close()
	if subscription.C == nil {
		t.Fatalf("expected live event channel")
	}
}
