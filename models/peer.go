package models

// Peer statuses. Status is a heartbeat-derived projection, not authoritative
// truth; a live probe always overrides the cached value.
const (
	PeerStatusOnline  = "online"
	PeerStatusOffline = "offline"
	PeerStatusUnknown = "unknown"
)

// PeerInfo represents a discovered or manually added remote device.
// Peers flip to offline on heartbeat timeout but are never auto-deleted.
type PeerInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	DeviceType   string `json:"deviceType,omitempty"`
	Status       string `json:"status"`
	Manual       bool   `json:"manual,omitempty"`
	DiscoveredAt int64  `json:"discoveredAt"`
	LastSeen     int64  `json:"lastSeen"`
}
