package discovery

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanbeam/events"
	"lanbeam/models"
	"lanbeam/storage"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *storage.Store, *events.Bus) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	bus := events.NewBus()
	registry := NewRegistry(cfg, store, bus, zerolog.Nop())
	return registry, store, bus
}

func TestAddAndRemoveManualPeer(t *testing.T) {
	registry, store, _ := newTestRegistry(t, RegistryConfig{})

	peer, err := registry.AddPeerManually("192.168.1.77", 7410)
	if err != nil {
		t.Fatalf("AddPeerManually failed: %v", err)
	}
	if !peer.Manual || peer.Status != models.PeerStatusUnknown {
		t.Fatalf("unexpected manual peer: %+v", peer)
	}

	// Re-adding the same address refreshes the same row.
	again, err := registry.AddPeerManually("192.168.1.77", 7410)
	if err != nil {
		t.Fatalf("second AddPeerManually failed: %v", err)
	}
	if again.ID != peer.ID {
		t.Fatalf("re-add produced a new row: %q vs %q", again.ID, peer.ID)
	}
	listed, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(listed))
	}

	if err := registry.RemovePeer(peer.ID); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	if _, err := store.GetPeer(peer.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected peer gone, got %v", err)
	}
}

func TestAddPeerManuallyRejectsBadInput(t *testing.T) {
	registry, _, _ := newTestRegistry(t, RegistryConfig{})

	if _, err := registry.AddPeerManually("not-an-ip", 7410); err == nil {
		t.Fatalf("expected invalid address error")
	}
	if _, err := registry.AddPeerManually("192.168.1.77", 0); err == nil {
		t.Fatalf("expected invalid port error")
	}
}

func TestCheckOnlineProbesAndOverridesCachedStatus(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()
	port := listener.Addr().(*net.TCPAddr).Port

	registry, store, _ := newTestRegistry(t, RegistryConfig{ProbeTimeout: 500 * time.Millisecond})

	peer, err := registry.AddPeerManually("127.0.0.1", port)
	if err != nil {
		t.Fatalf("AddPeerManually failed: %v", err)
	}

	// Pretend discovery cached it offline; a live probe must override that.
	if err := store.UpdatePeerStatus(peer.ID, models.PeerStatusOffline); err != nil {
		t.Fatalf("UpdatePeerStatus failed: %v", err)
	}

	online, err := registry.CheckOnline(peer.ID)
	if err != nil {
		t.Fatalf("CheckOnline failed: %v", err)
	}
	if !online {
		t.Fatalf("expected peer online while listener is up")
	}
	stored, err := store.GetPeer(peer.ID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if stored.Status != models.PeerStatusOnline {
		t.Fatalf("cached status not updated: %q", stored.Status)
	}

	_ = listener.Close()
	online, err = registry.CheckOnline(peer.ID)
	if err != nil {
		t.Fatalf("CheckOnline after close failed: %v", err)
	}
	if online {
		t.Fatalf("expected peer offline after listener closed")
	}
	stored, err = store.GetPeer(peer.ID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if stored.Status != models.PeerStatusOffline {
		t.Fatalf("cached status not flipped offline: %q", stored.Status)
	}
}

func TestCheckOnlineUnknownPeer(t *testing.T) {
	registry, _, _ := newTestRegistry(t, RegistryConfig{})
	if _, err := registry.CheckOnline("absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatSweepFlipsStalePeersOffline(t *testing.T) {
	registry, store, bus := newTestRegistry(t, RegistryConfig{HeartbeatTimeout: 50 * time.Millisecond})

	now := time.Now().UnixMilli()
	stale := models.PeerInfo{
		ID:           "stale-peer",
		Name:         "Stale",
		IP:           "192.168.1.10",
		Port:         7410,
		DeviceType:   "desktop",
		Status:       models.PeerStatusOnline,
		DiscoveredAt: now - 10_000,
		LastSeen:     now - 10_000,
	}
	fresh := stale
	fresh.ID = "fresh-peer"
	fresh.Name = "Fresh"
	fresh.LastSeen = now
	for _, peer := range []models.PeerInfo{stale, fresh} {
		if err := store.UpsertPeer(peer); err != nil {
			t.Fatalf("UpsertPeer failed: %v", err)
		}
	}

	sub := bus.Subscribe()
	defer sub.Close()

	registry.expireStalePeers()

	got, err := store.GetPeer("stale-peer")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.Status != models.PeerStatusOffline {
		t.Fatalf("stale peer not flipped offline: %q", got.Status)
	}
	got, err = store.GetPeer("fresh-peer")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.Status != models.PeerStatusOnline {
		t.Fatalf("fresh peer flipped: %q", got.Status)
	}

	select {
	case event := <-sub.C:
		if event.Type != events.EventPeerUpdated || event.Peer == nil || event.Peer.ID != "stale-peer" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a peer update event")
	}
}

func TestRecordDiscoveredPersistsPeerOnline(t *testing.T) {
	registry, store, _ := newTestRegistry(t, RegistryConfig{})

	registry.recordDiscovered(DiscoveredPeer{
		DeviceID:   "peer-9",
		DeviceName: "Dana",
		DeviceType: "laptop",
		Port:       7410,
		Addresses:  []string{"10.0.0.9"},
	})

	stored, err := store.GetPeer("peer-9")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if stored.Status != models.PeerStatusOnline || stored.IP != "10.0.0.9" || stored.DeviceType != "laptop" {
		t.Fatalf("unexpected stored peer: %+v", stored)
	}

	registry.recordLost(DiscoveredPeer{DeviceID: "peer-9"})
	stored, err = store.GetPeer("peer-9")
	if err != nil {
		t.Fatalf("GetPeer after lost failed: %v", err)
	}
	if stored.Status != models.PeerStatusOffline {
		t.Fatalf("lost peer not offline: %q", stored.Status)
	}
}
