// Package events delivers engine updates to consumers over buffered
// channels. Subscribers drop their receiver to unsubscribe; there is no
// listener teardown protocol.
package events

import (
	"sync"

	"lanbeam/models"
)

// EventType identifies an engine update.
type EventType string

const (
	// EventTransferProgress carries per-task progress updates.
	EventTransferProgress EventType = "transfer_progress"
	// EventTransferState carries task status transitions.
	EventTransferState EventType = "transfer_state"
	// EventShareActivity carries share server request/record updates.
	EventShareActivity EventType = "share_activity"
	// EventPeerUpdated carries peer discovery updates.
	EventPeerUpdated EventType = "peer_updated"
)

// TransferProgress is the payload for transfer events. For a single task,
// TransferredBytes is non-decreasing across delivered events.
type TransferProgress struct {
	TaskID                 string  `json:"taskId"`
	Status                 string  `json:"status"`
	Direction              string  `json:"direction"`
	Progress               int     `json:"progress"`
	TransferredBytes       int64   `json:"transferredBytes"`
	TotalBytes             int64   `json:"totalBytes"`
	Speed                  float64 `json:"speed"`
	EstimatedTimeRemaining float64 `json:"estimatedTimeRemaining,omitempty"`
	Error                  string  `json:"error,omitempty"`
}

// ShareActivity is the payload for share server events.
type ShareActivity struct {
	RequestID string                 `json:"requestId"`
	IP        string                 `json:"ip"`
	Status    string                 `json:"status"`
	Record    *models.TransferRecord `json:"record,omitempty"`
}

// Event is the union delivered to subscribers.
type Event struct {
	Type     EventType         `json:"type"`
	Transfer *TransferProgress `json:"transfer,omitempty"`
	Share    *ShareActivity    `json:"share,omitempty"`
	Peer     *models.PeerInfo  `json:"peer,omitempty"`
}

const subscriberBuffer = 256

// Subscription is one receiver attached to a Bus.
type Subscription struct {
	C <-chan Event

	bus       *Bus
	ch        chan Event
	closeOnce sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus fans events out to all active subscriptions.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new buffered receiver.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{
		C:   ch,
		bus: b,
		ch:  ch,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every subscriber without blocking the
// emitter. A slow subscriber loses its oldest buffered event, never the
// emitter's ordering.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}
