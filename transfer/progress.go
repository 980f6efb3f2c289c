package transfer

import (
	"sync"
	"time"

	"lanbeam/events"
	"lanbeam/models"
)

const (
	// speedSmoothing is the EWMA weight given to the newest sample.
	speedSmoothing = 0.3
	// progressEmitInterval throttles intermediate progress events.
	progressEmitInterval = 200 * time.Millisecond
)

// progressTracker computes smoothed speed and ETA for one task and
// publishes throttled progress events. State transitions always emit.
type progressTracker struct {
	mu sync.Mutex

	taskID     string
	direction  string
	totalBytes int64

	bus *events.Bus

	transferred int64
	speed       float64
	lastSample  time.Time
	lastEmit    time.Time
}

func newProgressTracker(taskID, direction string, totalBytes, startOffset int64, bus *events.Bus) *progressTracker {
	return &progressTracker{
		taskID:      taskID,
		direction:   direction,
		totalBytes:  totalBytes,
		bus:         bus,
		transferred: startOffset,
		lastSample:  time.Now(),
	}
}

// Advance records delta freshly transferred bytes and emits a throttled
// progress event. Returns the running byte total.
func (p *progressTracker) Advance(delta int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.transferred += delta

	elapsed := now.Sub(p.lastSample).Seconds()
	if elapsed > 0 {
		sample := float64(delta) / elapsed
		if p.speed == 0 {
			p.speed = sample
		} else {
			p.speed = speedSmoothing*sample + (1-speedSmoothing)*p.speed
		}
	}
	p.lastSample = now

	if now.Sub(p.lastEmit) >= progressEmitInterval {
		p.lastEmit = now
		p.publishLocked(models.StatusTransferring, "")
	}
	return p.transferred
}

// Transferred returns the running byte total.
func (p *progressTracker) Transferred() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transferred
}

// Speed returns the smoothed bytes-per-second estimate.
func (p *progressTracker) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// EmitState publishes an unthrottled event for a status transition.
func (p *progressTracker) EmitState(status, errorText string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastEmit = time.Now()
	p.publishLocked(status, errorText)
}

func (p *progressTracker) publishLocked(status, errorText string) {
	if p.bus == nil {
		return
	}

	eta := 0.0
	if p.speed > 0 && p.transferred < p.totalBytes {
		eta = float64(p.totalBytes-p.transferred) / p.speed
	}

	eventType := events.EventTransferProgress
	if status != models.StatusTransferring {
		eventType = events.EventTransferState
	}

	p.bus.Publish(events.Event{
		Type: eventType,
		Transfer: &events.TransferProgress{
			TaskID:                 p.taskID,
			Status:                 status,
			Direction:              p.direction,
			Progress:               models.Progress(p.transferred, p.totalBytes),
			TransferredBytes:       p.transferred,
			TotalBytes:             p.totalBytes,
			Speed:                  p.speed,
			EstimatedTimeRemaining: eta,
			Error:                  errorText,
		},
	})
}
