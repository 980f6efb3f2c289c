// Package engine is the backend command facade. It wires configuration,
// storage, the event bus, peer discovery, the transfer engine and the
// link-sharing server behind one API.
package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"lanbeam/chunker"
	"lanbeam/config"
	"lanbeam/discovery"
	"lanbeam/events"
	"lanbeam/models"
	"lanbeam/share"
	"lanbeam/storage"
	"lanbeam/transfer"
)

// NetworkInfo describes how this device is reachable on the LAN.
type NetworkInfo struct {
	DeviceID     string   `json:"deviceId"`
	DeviceName   string   `json:"deviceName"`
	TransferPort int      `json:"transferPort"`
	Addresses    []string `json:"addresses"`
}

// Engine owns the backend subsystems for one device.
type Engine struct {
	cfg    *config.DeviceConfig
	logger zerolog.Logger

	store    *storage.Store
	bus      *events.Bus
	transfer *transfer.Engine
	registry *discovery.Registry
	share    *share.Server
}

// New builds an engine from persisted device configuration. The caller
// owns the lifecycle: Start, then Close.
func New(cfg *config.DeviceConfig, dataDir string, logger zerolog.Logger) (*Engine, error) {
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := events.NewBus()

	transferEngine, err := transfer.NewEngine(transfer.Config{
		DeviceID:    cfg.DeviceID,
		DeviceName:  cfg.DeviceName,
		ListenPort:  cfg.TransferPort,
		ReceiveDir:  cfg.ReceiveDirectory,
		ChunkSize:   cfg.ChunkSize,
		MaxFileSize: cfg.MaxFileSize,
		Encrypt:     cfg.Encrypt,
	}, store, bus, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init transfer engine: %w", err)
	}

	registry := discovery.NewRegistry(discovery.RegistryConfig{
		Discovery: discovery.Config{
			SelfDeviceID:  cfg.DeviceID,
			DeviceName:    cfg.DeviceName,
			DeviceType:    cfg.DeviceType,
			ListeningPort: cfg.TransferPort,
		},
	}, store, bus, logger)

	shareServer, err := share.NewServer(share.Config{
		Port:            cfg.SharePort,
		MaxFiles:        cfg.ShareMaxFiles,
		MaxTotalSize:    cfg.ShareMaxTotalSize,
		MaxPinAttempts:  cfg.PinMaxAttempts,
		LockoutDuration: time.Duration(cfg.PinLockoutMinutes) * time.Minute,
		UploadDir:       cfg.UploadDirectory,
	}, bus, logger)
	if err != nil {
		transferEngine.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init share server: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "engine").Logger(),
		store:    store,
		bus:      bus,
		transfer: transferEngine,
		registry: registry,
		share:    shareServer,
	}, nil
}

// Start brings up discovery and the incoming-transfer listener.
func (e *Engine) Start() error {
	if err := e.registry.Start(); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	if err := e.transfer.StartReceiving(); err != nil {
		e.registry.Stop()
		return fmt.Errorf("start receiver: %w", err)
	}
	e.logger.Info().
		Str("device", e.cfg.DeviceName).
		Int("port", e.cfg.TransferPort).
		Msg("engine started")
	return nil
}

// Close stops every subsystem and releases storage.
func (e *Engine) Close() {
	if e.share.Running() {
		_ = e.share.Stop()
	}
	e.registry.Stop()
	e.transfer.Close()
	_ = e.store.Close()
}

// Events returns a subscription to the engine's event stream. The caller
// must Close it when done.
func (e *Engine) Events() *events.Subscription {
	return e.bus.Subscribe()
}

// PrepareTransfer stats and chunks a local file without starting a
// transfer.
func (e *Engine) PrepareTransfer(path string) (*models.FileMetadata, error) {
	return chunker.PrepareWithConfig(path, chunker.Config{
		ChunkSize:   e.cfg.ChunkSize,
		MaxFileSize: e.cfg.MaxFileSize,
	})
}

// GetNetworkInfo reports this device's identity and LAN addresses.
func (e *Engine) GetNetworkInfo() *NetworkInfo {
	return &NetworkInfo{
		DeviceID:     e.cfg.DeviceID,
		DeviceName:   e.cfg.DeviceName,
		TransferPort: e.cfg.TransferPort,
		Addresses:    localAddresses(),
	}
}

// Send starts an outbound transfer of path to the given peer.
func (e *Engine) Send(peerID, path string) (*models.TransferTask, error) {
	peer, err := e.registry.GetPeer(peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %q: %w", peerID, err)
	}
	return e.transfer.Send(peer, path)
}

// SendPrepared starts an outbound transfer of metadata already returned
// by PrepareTransfer, without re-hashing the file.
func (e *Engine) SendPrepared(peerID string, meta *models.FileMetadata) (*models.TransferTask, error) {
	peer, err := e.registry.GetPeer(peerID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %q: %w", peerID, err)
	}
	return e.transfer.SendPrepared(peer, meta)
}

// StartReceiving opens the incoming-transfer listener.
func (e *Engine) StartReceiving() error { return e.transfer.StartReceiving() }

// StopReceiving closes the incoming-transfer listener.
func (e *Engine) StopReceiving() { e.transfer.StopReceiving() }

// UpdateReceiveDirectory changes where incoming files land.
func (e *Engine) UpdateReceiveDirectory(dir string) error {
	return e.transfer.UpdateReceiveDirectory(dir)
}

// Cancel cancels an active or pending transfer.
func (e *Engine) Cancel(taskID string) error { return e.transfer.Cancel(taskID) }

// Cleanup removes all terminal task records.
func (e *Engine) Cleanup() (int, error) { return e.transfer.Cleanup() }

// RemoveTask removes a single task record.
func (e *Engine) RemoveTask(taskID string) error { return e.transfer.RemoveTask(taskID) }

// Tasks lists all transfer tasks.
func (e *Engine) Tasks() ([]*models.TransferTask, error) { return e.transfer.Tasks() }

// Task returns a single transfer task.
func (e *Engine) Task(taskID string) (*models.TransferTask, error) { return e.transfer.Task(taskID) }

// ResumableTasks lists interrupted tasks whose resume state still checks
// out.
func (e *Engine) ResumableTasks() ([]*models.TransferTask, error) { return e.transfer.ResumableTasks() }

// Resume continues an interrupted transfer.
func (e *Engine) Resume(taskID string) error { return e.transfer.Resume(taskID) }

// CleanupResumeInfo drops a task's resume checkpoint and partial data.
func (e *Engine) CleanupResumeInfo(taskID string) error { return e.transfer.CleanupResumeInfo(taskID) }

// CleanupAllResumeInfo drops every inactive resume checkpoint.
func (e *Engine) CleanupAllResumeInfo() (int, error) { return e.transfer.CleanupAllResumeInfo() }

// StartShare begins a download-mode share session over files.
func (e *Engine) StartShare(files []models.FileMetadata) (*models.ShareLinkInfo, error) {
	return e.share.Start(files, models.ShareModeDownload)
}

// StopShare ends the share session.
func (e *Engine) StopShare() error { return e.share.Stop() }

// ShareInfo returns the current share session descriptor.
func (e *Engine) ShareInfo() (*models.ShareLinkInfo, error) { return e.share.Info() }

// UpdateShareFiles hot-swaps the shared file set.
func (e *Engine) UpdateShareFiles(files []models.FileMetadata) error {
	return e.share.UpdateFiles(files)
}

// UpdateShareSettings applies PIN and acceptance settings.
func (e *Engine) UpdateShareSettings(settings share.Settings) error {
	return e.share.UpdateSettings(settings)
}

// AcceptRequest approves a pending share access request.
func (e *Engine) AcceptRequest(requestID string) error { return e.share.Accept(requestID) }

// RejectRequest denies a pending share access request.
func (e *Engine) RejectRequest(requestID string) error { return e.share.Reject(requestID) }

// ShareRequests lists the access requests of the current session.
func (e *Engine) ShareRequests() []models.AccessRequest { return e.share.Requests() }

// StartWebUpload begins an upload-mode share session. Browsers push files
// to this device instead of pulling from it.
func (e *Engine) StartWebUpload() (*models.ShareLinkInfo, error) {
	return e.share.Start(nil, models.ShareModeUpload)
}

// StopWebUpload ends the upload session.
func (e *Engine) StopWebUpload() error { return e.share.Stop() }

// AcceptWebUploadRequest approves a pending upload access request.
func (e *Engine) AcceptWebUploadRequest(requestID string) error { return e.share.Accept(requestID) }

// RejectWebUploadRequest denies a pending upload access request.
func (e *Engine) RejectWebUploadRequest(requestID string) error { return e.share.Reject(requestID) }

// Peers lists all known peers, discovered and manual.
func (e *Engine) Peers() ([]*models.PeerInfo, error) { return e.registry.ListPeers() }

// AddManualPeer registers a peer by address, outside mDNS discovery.
func (e *Engine) AddManualPeer(ip string, port int) (*models.PeerInfo, error) {
	return e.registry.AddPeerManually(ip, port)
}

// RemovePeer deletes a peer record.
func (e *Engine) RemovePeer(peerID string) error { return e.registry.RemovePeer(peerID) }

// RefreshPeers triggers an immediate mDNS scan.
func (e *Engine) RefreshPeers() error { return e.registry.Refresh() }

// CheckOnline probes a peer's transfer port and reports liveness.
func (e *Engine) CheckOnline(peerID string) (bool, error) { return e.registry.CheckOnline(peerID) }

// localAddresses returns non-loopback IPv4 addresses of up interfaces.
func localAddresses() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			ipNet, ok := address.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			out = append(out, ipNet.IP.String())
		}
	}
	return out
}
