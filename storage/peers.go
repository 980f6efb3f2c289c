package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanbeam/models"
)

func validatePeerStatus(status string) error {
	switch status {
	case models.PeerStatusOnline, models.PeerStatusOffline, models.PeerStatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

// UpsertPeer inserts or refreshes one peer row. DiscoveredAt is preserved on
// update; the manual flag is sticky once set.
func (s *Store) UpsertPeer(peer models.PeerInfo) error {
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}

	_, err := s.db.Exec(`
INSERT INTO peers (peer_id, name, ip, port, device_type, status, manual, discovered_at, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET
  name = excluded.name,
  ip = excluded.ip,
  port = excluded.port,
  device_type = excluded.device_type,
  status = excluded.status,
  manual = MAX(peers.manual, excluded.manual),
  last_seen = excluded.last_seen;
`, peer.ID, peer.Name, peer.IP, peer.Port, peer.DeviceType, peer.Status,
		boolToInt(peer.Manual), peer.DiscoveredAt, peer.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.ID, err)
	}
	return nil
}

// GetPeer loads one peer by ID.
func (s *Store) GetPeer(peerID string) (*models.PeerInfo, error) {
	row := s.db.QueryRow(`
SELECT peer_id, name, ip, port, device_type, status, manual, discovered_at, last_seen
FROM peers WHERE peer_id = ?;
`, peerID)

	peer, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %q: %w", peerID, ErrNotFound)
	}
	return peer, err
}

// ListPeers returns all known peers sorted by name.
func (s *Store) ListPeers() ([]*models.PeerInfo, error) {
	rows, err := s.db.Query(`
SELECT peer_id, name, ip, port, device_type, status, manual, discovered_at, last_seen
FROM peers ORDER BY name, peer_id;
`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.PeerInfo
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, peer)
	}
	return out, rows.Err()
}

// UpdatePeerStatus sets the cached status for one peer.
func (s *Store) UpdatePeerStatus(peerID, status string) error {
	if err := validatePeerStatus(status); err != nil {
		return err
	}

	result, err := s.db.Exec(`UPDATE peers SET status = ? WHERE peer_id = ?;`, status, peerID)
	if err != nil {
		return fmt.Errorf("update peer status %q: %w", peerID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("peer %q: %w", peerID, ErrNotFound)
	}
	return nil
}

// MarkPeersOffline flips peers unseen since the cutoff to offline and
// returns how many rows changed. Peers are never deleted automatically.
func (s *Store) MarkPeersOffline(lastSeenBefore int64) (int64, error) {
	result, err := s.db.Exec(`
UPDATE peers SET status = ? WHERE last_seen < ? AND status != ?;
`, models.PeerStatusOffline, lastSeenBefore, models.PeerStatusOffline)
	if err != nil {
		return 0, fmt.Errorf("mark peers offline: %w", err)
	}
	return result.RowsAffected()
}

// DeletePeer removes one peer row; peers leave the set only by explicit
// request.
func (s *Store) DeletePeer(peerID string) error {
	result, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?;`, peerID)
	if err != nil {
		return fmt.Errorf("delete peer %q: %w", peerID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("peer %q: %w", peerID, ErrNotFound)
	}
	return nil
}

func scanPeer(row rowScanner) (*models.PeerInfo, error) {
	var (
		peer   models.PeerInfo
		manual int
	)
	err := row.Scan(&peer.ID, &peer.Name, &peer.IP, &peer.Port, &peer.DeviceType, &peer.Status, &manual, &peer.DiscoveredAt, &peer.LastSeen)
	if err != nil {
		return nil, err
	}
	peer.Manual = manual != 0
	return &peer, nil
}
