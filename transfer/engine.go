package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanbeam/chunker"
	"lanbeam/events"
	"lanbeam/models"
	"lanbeam/storage"
)

const (
	// DefaultListenPort is the TCP port for incoming transfers.
	DefaultListenPort = 7410
	// DefaultMaxChunkRetries bounds nack/timeout retries per chunk.
	DefaultMaxChunkRetries = 3
	// DefaultDialRetryWindow bounds the backoff-driven dial retry loop.
	DefaultDialRetryWindow = 20 * time.Second
)

var (
	// ErrTaskNotFound indicates the task ID is unknown.
	ErrTaskNotFound = errors.New("transfer: task not found")
	// ErrInvalidState indicates the operation does not apply to the task's
	// current status.
	ErrInvalidState = errors.New("transfer: invalid task state")
	// ErrNotResumable indicates the task has no usable resume checkpoint.
	ErrNotResumable = errors.New("transfer: task is not resumable")
	// ErrNotReceiving indicates the receive listener is not running.
	ErrNotReceiving = errors.New("transfer: not receiving")
)

// Config controls the transfer engine.
type Config struct {
	DeviceID   string
	DeviceName string

	ListenPort int
	ReceiveDir string

	ChunkSize   int64
	MaxFileSize int64

	// Encrypt wraps each chunk in AES-GCM under an ephemeral session key.
	Encrypt bool

	DialTimeout      time.Duration
	AckTimeout       time.Duration
	FrameReadTimeout time.Duration
	DialRetryWindow  time.Duration
	MaxChunkRetries  int
}

func (c Config) withDefaults() Config {
	out := c
	if out.ListenPort <= 0 {
		out.ListenPort = DefaultListenPort
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = chunker.DefaultChunkSize
	}
	if out.MaxFileSize <= 0 {
		out.MaxFileSize = chunker.DefaultMaxFileSize
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.DialRetryWindow <= 0 {
		out.DialRetryWindow = DefaultDialRetryWindow
	}
	if out.MaxChunkRetries <= 0 {
		out.MaxChunkRetries = DefaultMaxChunkRetries
	}
	return out
}

// Engine runs chunked transfers in both directions. Task state lives in
// the store; the engine keeps only runtime handles for active transfers.
type Engine struct {
	cfg    Config
	store  *storage.Store
	bus    *events.Bus
	logger zerolog.Logger

	mu         sync.Mutex
	active     map[string]context.CancelFunc
	receiveDir string
	listener   net.Listener
	receiving  bool

	wg sync.WaitGroup
}

// NewEngine creates a transfer engine. Tasks left transferring by a
// previous run are normalized to interrupted so they show up as resumable.
func NewEngine(config Config, store *storage.Store, bus *events.Bus, logger zerolog.Logger) (*Engine, error) {
	cfg := config.withDefaults()
	if cfg.DeviceID == "" {
		return nil, errors.New("transfer: device ID is required")
	}

	engine := &Engine{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		logger:     logger.With().Str("component", "transfer").Logger(),
		active:     make(map[string]context.CancelFunc),
		receiveDir: cfg.ReceiveDir,
	}

	if err := engine.normalizeStaleTasks(); err != nil {
		return nil, err
	}
	return engine, nil
}

func (e *Engine) normalizeStaleTasks() error {
	for _, status := range []string{models.StatusPending, models.StatusTransferring} {
		stale, err := e.store.ListTasksByStatus(status)
		if err != nil {
			return fmt.Errorf("list stale tasks: %w", err)
		}
		for _, task := range stale {
			if err := e.store.UpdateTaskStatus(task.ID, models.StatusInterrupted, "engine restarted", nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Send prepares the file at path and starts an outbound transfer to the
// peer. The returned task is already persisted as pending.
func (e *Engine) Send(peer *models.PeerInfo, path string) (*models.TransferTask, error) {
	meta, err := chunker.PrepareWithConfig(path, chunker.Config{
		ChunkSize:   e.cfg.ChunkSize,
		MaxFileSize: e.cfg.MaxFileSize,
	})
	if err != nil {
		return nil, err
	}
	return e.SendPrepared(peer, meta)
}

// SendPrepared starts an outbound transfer from metadata an earlier
// Prepare call produced, skipping the second chunk-hashing pass.
func (e *Engine) SendPrepared(peer *models.PeerInfo, meta *models.FileMetadata) (*models.TransferTask, error) {
	if peer == nil {
		return nil, errors.New("transfer: peer is required")
	}
	if meta == nil || meta.Path == "" {
		return nil, errors.New("transfer: prepared file metadata is required")
	}
	if err := chunker.ValidateChunkTable(meta.Size, meta.Chunks); err != nil {
		return nil, err
	}

	task := &models.TransferTask{
		ID:        uuid.NewString(),
		File:      *meta,
		Direction: models.DirectionSend,
		PeerID:    peer.ID,
		PeerName:  peer.Name,
		PeerIP:    peer.IP,
		PeerPort:  peer.Port,
		Status:    models.StatusPending,
		Encrypted: e.cfg.Encrypt,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := e.store.SaveTask(task); err != nil {
		return nil, err
	}

	e.startSender(task)
	e.logger.Info().
		Str("task", task.ID).
		Str("peer", peer.ID).
		Str("file", meta.Name).
		Int64("size", meta.Size).
		Msg("transfer queued")
	return task, nil
}

// Cancel stops an active transfer at the next chunk boundary. Pending and
// interrupted tasks cancel immediately. Terminal tasks reject the call.
func (e *Engine) Cancel(taskID string) error {
	task, err := e.Task(taskID)
	if err != nil {
		return err
	}
	if models.Terminal(task.Status) {
		return fmt.Errorf("cancel %q in status %q: %w", taskID, task.Status, ErrInvalidState)
	}

	e.mu.Lock()
	cancel := e.active[taskID]
	e.mu.Unlock()

	if cancel != nil {
		// The transfer goroutine observes the context at the next chunk
		// boundary and finalizes the cancelled status itself.
		cancel()
		return nil
	}

	if err := e.store.UpdateTaskStatus(taskID, models.StatusCancelled, "", int64Ptr(time.Now().UnixMilli())); err != nil {
		return err
	}
	// The receiver keeps its partial file on cancel; only the sender
	// discards state. RemoveTask and Cleanup delete the leftovers.
	if task.Direction == models.DirectionSend {
		e.cleanupTaskArtifacts(task)
	}
	e.emitState(task, models.StatusCancelled, "")
	return nil
}

// RemoveTask deletes a task record and its resume state. Active tasks
// must be cancelled first.
func (e *Engine) RemoveTask(taskID string) error {
	task, err := e.Task(taskID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	_, running := e.active[taskID]
	e.mu.Unlock()
	if running {
		return fmt.Errorf("remove %q while transferring: %w", taskID, ErrInvalidState)
	}

	e.cleanupTaskArtifacts(task)
	return e.store.DeleteTask(taskID)
}

// Cleanup removes all tasks in a terminal status. Interrupted tasks are
// kept so they stay resumable.
func (e *Engine) Cleanup() (int, error) {
	tasks, err := e.store.ListTasks()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, task := range tasks {
		if !models.Terminal(task.Status) {
			continue
		}
		e.cleanupTaskArtifacts(task)
		if err := e.store.DeleteTask(task.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Task loads one task by ID.
func (e *Engine) Task(taskID string) (*models.TransferTask, error) {
	task, err := e.store.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	return task, err
}

// Tasks lists all known tasks, newest first.
func (e *Engine) Tasks() ([]*models.TransferTask, error) {
	return e.store.ListTasks()
}

// Close cancels all active transfers and waits for them to settle.
func (e *Engine) Close() {
	e.StopReceiving()

	e.mu.Lock()
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) registerActive(taskID string) (context.Context, context.CancelFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[taskID]; exists {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.active[taskID] = cancel
	return ctx, cancel, true
}

func (e *Engine) unregisterActive(taskID string) {
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()
}

// cleanupTaskArtifacts drops the checkpoint and any partial temp file for
// a task that will not be resumed.
func (e *Engine) cleanupTaskArtifacts(task *models.TransferTask) {
	checkpoint, err := e.store.GetResumeCheckpoint(task.ID)
	if err == nil && checkpoint.TempPath != "" {
		_ = os.Remove(checkpoint.TempPath)
	}
	_ = e.store.DeleteResumeCheckpoint(task.ID)
}

func (e *Engine) emitState(task *models.TransferTask, status, errorText string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type: events.EventTransferState,
		Transfer: &events.TransferProgress{
			TaskID:           task.ID,
			Status:           status,
			Direction:        task.Direction,
			Progress:         models.Progress(task.TransferredBytes, task.File.Size),
			TransferredBytes: task.TransferredBytes,
			TotalBytes:       task.File.Size,
			Error:            errorText,
		},
	})
}

func int64Ptr(v int64) *int64 {
	return &v
}
