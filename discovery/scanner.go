package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerLost is emitted when a previously seen peer stops answering
	// scans. Lost peers stay in the registry as offline.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for registry consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Address returns the preferred dial address for the peer.
func (p DiscoveredPeer) Address() string {
	if len(p.Addresses) == 0 {
		return ""
	}
	return p.Addresses[0]
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner browses the LAN for peers over mDNS, both on a timer and on
// demand through Refresh. It keeps the last completed scan as a snapshot
// and publishes upsert/lost events for the differences between scans.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start launches the background scan loop. Repeated calls are no-ops.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop ends background scanning and closes the event channel.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one scan now and reports its outcome. The call blocks
// until the scan window closes or ctx is done.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// ListPeers returns the latest scan snapshot, sorted by name then ID.
func (s *Scanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// One scan up front, so callers see peers without waiting out the
	// first refresh interval.
	s.scanOnce(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanOnce(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.scanOnce(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// scanOnce runs a single bounded browse window and swaps the snapshot.
// callerCtx can end the window early; Stop always can.
func (s *Scanner) scanOnce(callerCtx context.Context) error {
	browseCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if callerCtx != nil {
		go func() {
			select {
			case <-callerCtx.Done():
				cancel()
			case <-browseCtx.Done():
			}
		}()
	}

	results := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]DiscoveredPeer)
	var foundMu sync.Mutex
	drained := make(chan struct{})

	go func() {
		defer close(drained)
		for {
			select {
			case <-browseCtx.Done():
				return
			case entry := <-results:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				foundMu.Lock()
				found[peer.DeviceID] = peer
				foundMu.Unlock()
			}
		}
	}()

	if err := s.browse(browseCtx, s.cfg.Service, s.cfg.Domain, results); err != nil {
		return err
	}

	<-browseCtx.Done()
	<-drained
	foundMu.Lock()
	next := found
	foundMu.Unlock()

	s.swapSnapshot(next)

	// Reaching the deadline is the normal end of a browse window, not a
	// failure.
	if err := browseCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// swapSnapshot installs the scan result and publishes the delta against
// the previous snapshot.
func (s *Scanner) swapSnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, known := previous[id]
		if !known || !samePeer(old, peer) {
			s.publish(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, still := next[id]; !still {
			s.publish(Event{Type: EventPeerLost, Peer: peer})
		}
	}
}

// publish drops the event when the buffer is full. Consumers that fall
// behind can always recover the full state from ListPeers.
func (s *Scanner) publish(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := parseTXT(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	deviceType := strings.TrimSpace(txt["device_type"])
	if deviceType == "" {
		deviceType = "desktop"
	}

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		DeviceType: deviceType,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  collectAddresses(entry),
	}, true
}

// collectAddresses merges the entry's v4 and v6 addresses, deduplicated
// and sorted so snapshot comparison is order-stable.
func collectAddresses(entry *zeroconf.ServiceEntry) []string {
	out := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	sort.Strings(out)
	return out
}

func parseTXT(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func samePeer(a, b DiscoveredPeer) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.DeviceType != b.DeviceType ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
