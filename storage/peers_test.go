package storage

import (
	"errors"
	"testing"

	"lanbeam/models"
)

func testPeer(id string, lastSeen int64) models.PeerInfo {
	return models.PeerInfo{
		ID:           id,
		Name:         "Peer " + id,
		IP:           "192.168.1.50",
		Port:         7410,
		DeviceType:   "desktop",
		Status:       models.PeerStatusOnline,
		DiscoveredAt: lastSeen,
		LastSeen:     lastSeen,
	}
}

func TestPeerUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	if err := store.UpsertPeer(testPeer("peer-1", now)); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.Name != "Peer peer-1" || got.Status != models.PeerStatusOnline {
		t.Fatalf("unexpected peer: %+v", got)
	}

	// Re-upsert with a new address; manual flag sticks once set.
	manual := testPeer("peer-1", now+1000)
	manual.IP = "192.168.1.99"
	manual.Manual = true
	if err := store.UpsertPeer(manual); err != nil {
		t.Fatalf("UpsertPeer update failed: %v", err)
	}
	demoted := testPeer("peer-1", now+2000)
	if err := store.UpsertPeer(demoted); err != nil {
		t.Fatalf("UpsertPeer demote failed: %v", err)
	}

	updated, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer after update failed: %v", err)
	}
	if !updated.Manual {
		t.Fatalf("manual flag did not stick")
	}
	if updated.LastSeen != now+2000 {
		t.Fatalf("last_seen not refreshed: %d", updated.LastSeen)
	}
}

func TestMarkPeersOffline(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	if err := store.UpsertPeer(testPeer("stale", now-60_000)); err != nil {
		t.Fatalf("UpsertPeer stale failed: %v", err)
	}
	if err := store.UpsertPeer(testPeer("fresh", now)); err != nil {
		t.Fatalf("UpsertPeer fresh failed: %v", err)
	}

	flipped, err := store.MarkPeersOffline(now - 30_000)
	if err != nil {
		t.Fatalf("MarkPeersOffline failed: %v", err)
	}
	if flipped != 1 {
		t.Fatalf("expected 1 peer flipped offline, got %d", flipped)
	}

	stale, err := store.GetPeer("stale")
	if err != nil {
		t.Fatalf("GetPeer stale failed: %v", err)
	}
	if stale.Status != models.PeerStatusOffline {
		t.Fatalf("stale peer not offline: %q", stale.Status)
	}

	fresh, err := store.GetPeer("fresh")
	if err != nil {
		t.Fatalf("GetPeer fresh failed: %v", err)
	}
	if fresh.Status != models.PeerStatusOnline {
		t.Fatalf("fresh peer flipped: %q", fresh.Status)
	}
}

func TestDeletePeer(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertPeer(testPeer("peer-del", nowUnixMilli())); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}
	if err := store.DeletePeer("peer-del"); err != nil {
		t.Fatalf("DeletePeer failed: %v", err)
	}
	if _, err := store.GetPeer("peer-del"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeletePeer("peer-del"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
