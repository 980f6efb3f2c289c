package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanbeam"
	// DefaultTransferPort is the TCP port the transfer listener binds.
	DefaultTransferPort = 7410
	// DefaultSharePort is the HTTP port the link-sharing server binds.
	DefaultSharePort = 7420
	// DefaultChunkSize is the transfer chunk size in bytes.
	DefaultChunkSize = 1 << 20
	// DefaultMaxFileSize caps a single incoming file.
	DefaultMaxFileSize = 50 << 30
	// DefaultShareMaxFiles caps the number of files in one share session.
	DefaultShareMaxFiles = 100
	// DefaultShareMaxTotalSize caps the combined size of one share session.
	DefaultShareMaxTotalSize = 10 << 30
	// DefaultPinMaxAttempts is the PIN failure budget before lockout.
	DefaultPinMaxAttempts = 3
	// DefaultPinLockoutMinutes is how long a locked client stays locked.
	DefaultPinLockoutMinutes = 5
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`

	TransferPort int `json:"transfer_port"`
	SharePort    int `json:"share_port"`

	ReceiveDirectory string `json:"receive_directory"`
	UploadDirectory  string `json:"upload_directory"`

	ChunkSize   int64 `json:"chunk_size"`
	MaxFileSize int64 `json:"max_file_size"`
	Encrypt     bool  `json:"encrypt"`

	ShareMaxFiles     int   `json:"share_max_files"`
	ShareMaxTotalSize int64 `json:"share_max_total_size"`
	PinMaxAttempts    int   `json:"pin_max_attempts"`
	PinLockoutMinutes int   `json:"pin_lockout_minutes"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANBEAM_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANBEAM_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "received"),
		filepath.Join(dataDir, "uploads"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := "LanBeam Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		DeviceID:          uuid.NewString(),
		DeviceName:        deviceName,
		DeviceType:        "desktop",
		TransferPort:      DefaultTransferPort,
		SharePort:         DefaultSharePort,
		ReceiveDirectory:  filepath.Join(dataDir, "received"),
		UploadDirectory:   filepath.Join(dataDir, "uploads"),
		ChunkSize:         DefaultChunkSize,
		MaxFileSize:       DefaultMaxFileSize,
		Encrypt:           true,
		ShareMaxFiles:     DefaultShareMaxFiles,
		ShareMaxTotalSize: DefaultShareMaxTotalSize,
		PinMaxAttempts:    DefaultPinMaxAttempts,
		PinLockoutMinutes: DefaultPinLockoutMinutes,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "LanBeam Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.DeviceType == "" {
		cfg.DeviceType = "desktop"
		updated = true
	}

	if cfg.TransferPort <= 0 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}
	if cfg.SharePort <= 0 {
		cfg.SharePort = DefaultSharePort
		updated = true
	}

	if cfg.ReceiveDirectory == "" {
		cfg.ReceiveDirectory = filepath.Join(dataDir, "received")
		updated = true
	}
	if cfg.UploadDirectory == "" {
		cfg.UploadDirectory = filepath.Join(dataDir, "uploads")
		updated = true
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
		updated = true
	}

	if cfg.ShareMaxFiles <= 0 {
		cfg.ShareMaxFiles = DefaultShareMaxFiles
		updated = true
	}
	if cfg.ShareMaxTotalSize <= 0 {
		cfg.ShareMaxTotalSize = DefaultShareMaxTotalSize
		updated = true
	}
	if cfg.PinMaxAttempts <= 0 {
		cfg.PinMaxAttempts = DefaultPinMaxAttempts
		updated = true
	}
	if cfg.PinLockoutMinutes <= 0 {
		cfg.PinLockoutMinutes = DefaultPinLockoutMinutes
		updated = true
	}

	return updated
}
