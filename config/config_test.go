package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LANBEAM_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.TransferPort != DefaultTransferPort {
		t.Fatalf("expected default transfer port %d, got %d", DefaultTransferPort, firstCfg.TransferPort)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}
	if firstCfg.ReceiveDirectory != filepath.Join(tempDir, "received") {
		t.Fatalf("unexpected receive directory %q", firstCfg.ReceiveDirectory)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.ReceiveDirectory != firstCfg.ReceiveDirectory {
		t.Fatalf("expected stable receive directory, got %q then %q", firstCfg.ReceiveDirectory, secondCfg.ReceiveDirectory)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LANBEAM_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &DeviceConfig{
		DeviceID:     "legacy-device",
		DeviceName:   "Legacy",
		TransferPort: 9410,
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.TransferPort != 9410 {
		t.Fatalf("expected custom transfer port to be retained, got %d", cfg.TransferPort)
	}
	if cfg.SharePort != DefaultSharePort {
		t.Fatalf("expected share port to be filled in, got %d", cfg.SharePort)
	}
	if cfg.PinMaxAttempts != DefaultPinMaxAttempts {
		t.Fatalf("expected pin attempts to be filled in, got %d", cfg.PinMaxAttempts)
	}
	if cfg.UploadDirectory != filepath.Join(tempDir, "uploads") {
		t.Fatalf("unexpected upload directory %q", cfg.UploadDirectory)
	}

	// The normalized config must have been written back.
	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load after normalize failed: %v", err)
	}
	if reloaded.SharePort != DefaultSharePort {
		t.Fatalf("expected normalized config on disk, got share port %d", reloaded.SharePort)
	}
}
