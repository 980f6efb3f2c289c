package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanbeam/events"
	"lanbeam/models"
	"lanbeam/storage"
)

type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// RegistryConfig controls the peer registry on top of the mDNS layer.
type RegistryConfig struct {
	Discovery        Config
	HeartbeatTimeout time.Duration
	ProbeTimeout     time.Duration

	dialFn dialFunc
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	out := c
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.dialFn == nil {
		out.dialFn = net.DialTimeout
	}
	return out
}

// Registry keeps the persistent peer set. Discovered and manually added
// peers land in the same table; peers leave it only by explicit removal,
// going stale just flips them offline.
type Registry struct {
	cfg    RegistryConfig
	store  *storage.Store
	bus    *events.Bus
	logger zerolog.Logger

	mu        sync.Mutex
	announcer *Announcer
	scanner   *Scanner
	running   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry backed by the given store and event bus.
func NewRegistry(config RegistryConfig, store *storage.Store, bus *events.Bus, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:    config.withDefaults(),
		store:  store,
		bus:    bus,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Start announces this device and begins scanning for peers. Rows left
// online by a previous run are normalized to offline first.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("discovery already running")
	}

	if _, err := r.store.MarkPeersOffline(nowUnixMilli()); err != nil {
		return fmt.Errorf("normalize stale peers: %w", err)
	}

	announcer, err := StartAnnouncer(r.cfg.Discovery)
	if err != nil {
		return err
	}

	scanner, err := NewScanner(r.cfg.Discovery)
	if err != nil {
		announcer.Stop()
		return err
	}
	if err := scanner.Start(); err != nil {
		announcer.Stop()
		return err
	}

	r.announcer = announcer
	r.scanner = scanner
	r.running = true
	r.stop = make(chan struct{})

	r.wg.Add(2)
	go r.consumeScannerEvents(scanner.Events())
	go r.heartbeatLoop()

	r.logger.Info().
		Str("service", r.cfg.Discovery.withDefaults().Service).
		Msg("peer discovery started")
	return nil
}

// Stop halts announcement, scanning and the heartbeat loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	scanner := r.scanner
	announcer := r.announcer
	r.scanner = nil
	r.announcer = nil
	r.mu.Unlock()

	if scanner != nil {
		scanner.Stop()
	}
	if announcer != nil {
		announcer.Stop()
	}
	r.wg.Wait()
	r.logger.Info().Msg("peer discovery stopped")
}

// Running reports whether discovery is active.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// ListPeers returns the persistent peer set, discovered and manual alike.
func (r *Registry) ListPeers() ([]*models.PeerInfo, error) {
	return r.store.ListPeers()
}

// GetPeer loads one peer by ID.
func (r *Registry) GetPeer(peerID string) (*models.PeerInfo, error) {
	return r.store.GetPeer(peerID)
}

// AddPeerManually registers a peer by address without waiting for mDNS.
// Re-adding the same address refreshes the existing row. The peer starts
// out with unknown status until probed or seen on the network.
func (r *Registry) AddPeerManually(ip string, port int) (*models.PeerInfo, error) {
	trimmed := strings.TrimSpace(ip)
	if net.ParseIP(trimmed) == nil {
		return nil, fmt.Errorf("invalid peer address %q", ip)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid peer port %d", port)
	}

	now := nowUnixMilli()
	peer := models.PeerInfo{
		ID:           manualPeerID(trimmed, port),
		Name:         trimmed + ":" + strconv.Itoa(port),
		IP:           trimmed,
		Port:         port,
		DeviceType:   "unknown",
		Status:       models.PeerStatusUnknown,
		Manual:       true,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	if err := r.store.UpsertPeer(peer); err != nil {
		return nil, err
	}

	stored, err := r.store.GetPeer(peer.ID)
	if err != nil {
		return nil, err
	}
	r.publishPeer(stored)
	r.logger.Info().Str("peer", peer.ID).Msg("peer added manually")
	return stored, nil
}

// RemovePeer deletes a peer from the registry. This is the only path that
// removes a peer row.
func (r *Registry) RemovePeer(peerID string) error {
	if err := r.store.DeletePeer(peerID); err != nil {
		return err
	}
	r.logger.Info().Str("peer", peerID).Msg("peer removed")
	return nil
}

// CheckOnline probes the peer's transfer port with a short TCP dial and
// returns the live result. The cached status is updated either way, so a
// probe overrides whatever discovery last recorded.
func (r *Registry) CheckOnline(peerID string) (bool, error) {
	peer, err := r.store.GetPeer(peerID)
	if err != nil {
		return false, err
	}

	address := net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port))
	conn, dialErr := r.cfg.dialFn("tcp", address, r.cfg.ProbeTimeout)
	online := dialErr == nil
	if conn != nil {
		_ = conn.Close()
	}

	status := models.PeerStatusOffline
	if online {
		status = models.PeerStatusOnline
	}
	if peer.Status != status {
		if err := r.store.UpdatePeerStatus(peerID, status); err != nil {
			return online, err
		}
		peer.Status = status
		r.publishPeer(peer)
	}
	return online, nil
}

// Refresh triggers an immediate mDNS scan.
func (r *Registry) Refresh() error {
	r.mu.Lock()
	scanner := r.scanner
	r.mu.Unlock()
	if scanner == nil {
		return errors.New("discovery is not running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Discovery.withDefaults().ScanTimeout)
	defer cancel()
	return scanner.Refresh(ctx)
}

func (r *Registry) consumeScannerEvents(scannerEvents <-chan Event) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case event, ok := <-scannerEvents:
			if !ok {
				return
			}
			switch event.Type {
			case EventPeerUpserted:
				r.recordDiscovered(event.Peer)
			case EventPeerLost:
				r.recordLost(event.Peer)
			}
		}
	}
}

func (r *Registry) recordDiscovered(peer DiscoveredPeer) {
	now := nowUnixMilli()
	row := models.PeerInfo{
		ID:           peer.DeviceID,
		Name:         peer.DeviceName,
		IP:           peer.Address(),
		Port:         peer.Port,
		DeviceType:   peer.DeviceType,
		Status:       models.PeerStatusOnline,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	if err := r.store.UpsertPeer(row); err != nil {
		r.logger.Error().Err(err).Str("peer", peer.DeviceID).Msg("persist discovered peer")
		return
	}
	stored, err := r.store.GetPeer(peer.DeviceID)
	if err != nil {
		return
	}
	r.publishPeer(stored)
}

func (r *Registry) recordLost(peer DiscoveredPeer) {
	if err := r.store.UpdatePeerStatus(peer.DeviceID, models.PeerStatusOffline); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error().Err(err).Str("peer", peer.DeviceID).Msg("mark lost peer offline")
		}
		return
	}
	if stored, err := r.store.GetPeer(peer.DeviceID); err == nil {
		r.publishPeer(stored)
	}
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	interval := r.cfg.HeartbeatTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.expireStalePeers()
		}
	}
}

// expireStalePeers flips peers unseen for a full heartbeat window to
// offline and publishes an update per flipped peer.
func (r *Registry) expireStalePeers() {
	cutoff := nowUnixMilli() - r.cfg.HeartbeatTimeout.Milliseconds()

	peers, err := r.store.ListPeers()
	if err != nil {
		r.logger.Error().Err(err).Msg("list peers for heartbeat sweep")
		return
	}
	for _, peer := range peers {
		if peer.Status == models.PeerStatusOffline || peer.LastSeen >= cutoff {
			continue
		}
		if err := r.store.UpdatePeerStatus(peer.ID, models.PeerStatusOffline); err != nil {
			continue
		}
		peer.Status = models.PeerStatusOffline
		r.publishPeer(peer)
		r.logger.Debug().Str("peer", peer.ID).Msg("peer went stale")
	}
}

func (r *Registry) publishPeer(peer *models.PeerInfo) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Type: events.EventPeerUpdated, Peer: peer})
}

func manualPeerID(ip string, port int) string {
	return "manual-" + ip + ":" + strconv.Itoa(port)
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
