package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lanbeam/beamcrypto"
	"lanbeam/chunker"
	"lanbeam/models"
	"lanbeam/storage"
)

// StartReceiving opens the TCP listener for incoming transfers.
func (e *Engine) StartReceiving() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.receiving {
		return errors.New("transfer: already receiving")
	}
	if e.receiveDir == "" {
		return errors.New("transfer: receive directory is not set")
	}
	if err := os.MkdirAll(e.receiveDir, 0o700); err != nil {
		return fmt.Errorf("create receive directory: %w", err)
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(e.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", e.cfg.ListenPort, err)
	}

	e.listener = listener
	e.receiving = true

	e.wg.Add(1)
	go e.acceptLoop(listener)

	e.logger.Info().Int("port", e.cfg.ListenPort).Str("dir", e.receiveDir).Msg("receiving started")
	return nil
}

// StopReceiving closes the listener. In-flight transfers finish or
// interrupt on their own connections.
func (e *Engine) StopReceiving() {
	e.mu.Lock()
	listener := e.listener
	e.listener = nil
	wasReceiving := e.receiving
	e.receiving = false
	e.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	if wasReceiving {
		e.logger.Info().Msg("receiving stopped")
	}
}

// Receiving reports whether the listener is running.
func (e *Engine) Receiving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiving
}

// UpdateReceiveDirectory changes where completed files land. Transfers
// already in flight keep their original destination.
func (e *Engine) UpdateReceiveDirectory(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("transfer: receive directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create receive directory: %w", err)
	}

	e.mu.Lock()
	e.receiveDir = dir
	e.mu.Unlock()
	return nil
}

// ReceiveDirectory returns the current receive destination.
func (e *Engine) ReceiveDirectory() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveDir
}

func (e *Engine) acceptLoop(listener net.Listener) {
	defer e.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleIncoming(conn)
		}()
	}
}

func (e *Engine) handleIncoming(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	payload, err := ReadFrameWithTimeout(conn, e.cfg.FrameReadTimeout)
	if err != nil {
		return
	}
	messageType, err := DecodeMessageType(payload)
	if err != nil || messageType != TypeOffer {
		return
	}
	var offer OfferMessage
	if err := decodeInto(payload, &offer); err != nil {
		return
	}

	if offer.ProtocolVersion != ProtocolVersion {
		e.rejectOffer(conn, offer.TaskID, "unsupported protocol version")
		return
	}
	if offer.TaskID == "" || offer.DeviceID == "" {
		e.rejectOffer(conn, offer.TaskID, "missing task or device ID")
		return
	}
	if err := chunker.ValidateChunkTable(offer.File.Size, offer.File.Chunks); err != nil {
		e.rejectOffer(conn, offer.TaskID, err.Error())
		return
	}
	if offer.File.Size > e.cfg.MaxFileSize {
		e.rejectOffer(conn, offer.TaskID, "file exceeds size limit")
		return
	}

	ctx, _, ok := e.registerActive(offer.TaskID)
	if !ok {
		e.rejectOffer(conn, offer.TaskID, "task already active")
		return
	}
	defer e.unregisterActive(offer.TaskID)

	e.runReceiver(ctx, conn, offer)
}

type inboundState struct {
	task     *models.TransferTask
	bitmap   *chunker.Bitmap
	tempPath string
	fresh    bool
}

func (e *Engine) runReceiver(ctx context.Context, conn net.Conn, offer OfferMessage) {
	state, err := e.prepareInbound(offer)
	if err != nil {
		e.rejectOffer(conn, offer.TaskID, err.Error())
		return
	}
	task := state.task

	answer := AnswerMessage{
		Type:            TypeAnswer,
		TaskID:          task.ID,
		Status:          answerStatusAccepted,
		ResumeFromChunk: state.bitmap.NextMissing(),
		Timestamp:       time.Now().UnixMilli(),
	}

	var sessionKey []byte
	if offer.Encrypted {
		peerKeyRaw, err := base64.StdEncoding.DecodeString(offer.PublicKey)
		if err != nil {
			e.rejectOffer(conn, task.ID, "invalid public key")
			return
		}
		peerPublic, err := beamcrypto.ParsePublicKey(peerKeyRaw)
		if err != nil {
			e.rejectOffer(conn, task.ID, "invalid public key")
			return
		}
		privateKey, publicKey, err := beamcrypto.GenerateEphemeralKeyPair()
		if err != nil {
			e.rejectOffer(conn, task.ID, "key generation failed")
			return
		}
		sessionKey, err = beamcrypto.DeriveSessionKey(privateKey, peerPublic, e.cfg.DeviceID, offer.DeviceID)
		if err != nil {
			e.rejectOffer(conn, task.ID, "session key derivation failed")
			return
		}
		answer.PublicKey = base64.StdEncoding.EncodeToString(publicKey.Bytes())
	}

	if err := WriteMessage(conn, answer); err != nil {
		e.finalizeInterrupted(task, nil, fmt.Errorf("send answer: %w", err))
		return
	}

	if !state.fresh && !task.Resumed {
		if err := e.store.MarkTaskResumed(task.ID); err == nil {
			task.Resumed = true
		}
	}
	if err := e.store.UpdateTaskStatus(task.ID, models.StatusTransferring, "", nil); err != nil {
		e.finalizeFailed(task, err)
		return
	}

	startOffset := task.TransferredBytes
	tracker := newProgressTracker(task.ID, models.DirectionReceive, task.File.Size, startOffset, e.bus)
	tracker.EmitState(models.StatusTransferring, "")

	file, err := os.OpenFile(state.tempPath, os.O_RDWR, 0o600)
	if err != nil {
		e.finalizeFailed(task, fmt.Errorf("open temp file: %w", err))
		return
	}
	defer func() {
		_ = file.Close()
	}()

	for {
		if ctx.Err() != nil {
			e.finalizeCancelled(task)
			return
		}

		payload, err := ReadFrameWithTimeout(conn, e.cfg.FrameReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				e.finalizeCancelled(task)
			} else {
				e.finalizeInterrupted(task, tracker, fmt.Errorf("read frame: %w", err))
			}
			return
		}
		messageType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch messageType {
		case TypeChunk:
			var chunk ChunkMessage
			if err := decodeInto(payload, &chunk); err != nil || chunk.TaskID != task.ID {
				continue
			}
			e.handleInboundChunk(conn, file, state, tracker, chunk, sessionKey)

		case TypeDone:
			var done DoneMessage
			if err := decodeInto(payload, &done); err != nil || done.TaskID != task.ID {
				continue
			}
			if done.Status != doneStatusComplete {
				e.finalizeFailed(task, fmt.Errorf("sender reported failure: %s", done.Message))
				return
			}
			e.finalizeInbound(conn, file, state, tracker)
			return

		default:
		}
	}
}

// prepareInbound resolves an offer to either a fresh task with a sparse
// temp file, or a matching interrupted task with a verified checkpoint.
func (e *Engine) prepareInbound(offer OfferMessage) (*inboundState, error) {
	e.mu.Lock()
	receiveDir := e.receiveDir
	e.mu.Unlock()

	tempPath := filepath.Join(receiveDir, "."+offer.TaskID+".part")

	existing, err := e.store.GetTask(offer.TaskID)
	if err == nil {
		if existing.Direction != models.DirectionReceive {
			return nil, errors.New("task ID collides with an outbound task")
		}
		if existing.Status != models.StatusInterrupted {
			return nil, fmt.Errorf("task is %s, not resumable", existing.Status)
		}
		if existing.File.Hash != offer.File.Hash {
			return nil, errors.New("file content changed since interruption")
		}

		checkpoint, err := e.store.GetResumeCheckpoint(offer.TaskID)
		if err == nil && checkpoint.FileHash == offer.File.Hash {
			if _, statErr := os.Stat(checkpoint.TempPath); statErr == nil {
				claimed, decodeErr := chunker.DecodeBitmap(existing.File.TotalChunks(), checkpoint.CompletedChunks)
				if decodeErr == nil {
					bitmap, verifiedBytes := e.reverifyPartial(existing, checkpoint.TempPath, claimed)
					existing.TransferredBytes = verifiedBytes
					if err := e.store.UpdateTaskProgress(existing.ID, verifiedBytes, verifiedBytes); err != nil {
						return nil, err
					}
					return &inboundState{
						task:     existing,
						bitmap:   bitmap,
						tempPath: checkpoint.TempPath,
						fresh:    false,
					}, nil
				}
			}
		}

		// Checkpoint is unusable; restart the task from scratch.
		existing.TransferredBytes = 0
		_ = e.store.DeleteResumeCheckpoint(offer.TaskID)
		if err := e.createSparseFile(tempPath, offer.File.Size); err != nil {
			return nil, err
		}
		if err := e.store.UpdateTaskProgress(offer.TaskID, 0, 0); err != nil {
			return nil, err
		}
		return &inboundState{
			task:     existing,
			bitmap:   chunker.NewBitmap(existing.File.TotalChunks()),
			tempPath: tempPath,
			fresh:    true,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	finalPath := uniquePath(receiveDir, offer.File.Name)
	meta := offer.File
	meta.Path = finalPath

	task := &models.TransferTask{
		ID:        offer.TaskID,
		File:      meta,
		Direction: models.DirectionReceive,
		PeerID:    offer.DeviceID,
		PeerName:  offer.DeviceName,
		Status:    models.StatusPending,
		Encrypted: offer.Encrypted,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := e.store.SaveTask(task); err != nil {
		return nil, err
	}
	if err := e.createSparseFile(tempPath, offer.File.Size); err != nil {
		return nil, err
	}

	return &inboundState{
		task:     task,
		bitmap:   chunker.NewBitmap(meta.TotalChunks()),
		tempPath: tempPath,
		fresh:    true,
	}, nil
}

// reverifyPartial re-hashes every chunk the checkpoint claims before new
// data is accepted. A chunk that no longer matches its digest is dropped
// from the bitmap, which lowers the watermark and makes the sender resend
// it instead of the whole file failing at the final hash.
func (e *Engine) reverifyPartial(task *models.TransferTask, tempPath string, claimed *chunker.Bitmap) (*chunker.Bitmap, int64) {
	verified := chunker.NewBitmap(task.File.TotalChunks())
	var verifiedBytes int64
	for _, index := range claimed.Indices() {
		chunk := task.File.Chunks[index]
		if err := chunker.VerifyFileChunk(tempPath, chunk); err != nil {
			e.logger.Warn().
				Str("task", task.ID).
				Int("chunk", index).
				Msg("checkpointed chunk failed re-verification, re-fetching")
			continue
		}
		_ = verified.Set(index)
		verifiedBytes += chunk.Size
	}
	return verified, verifiedBytes
}

func (e *Engine) handleInboundChunk(conn net.Conn, file *os.File, state *inboundState, tracker *progressTracker, message ChunkMessage, sessionKey []byte) {
	task := state.task

	if message.Index < 0 || message.Index >= len(task.File.Chunks) {
		e.sendChunkNack(conn, task.ID, message.Index, "chunk index out of range")
		return
	}
	chunk := task.File.Chunks[message.Index]

	raw, err := base64.StdEncoding.DecodeString(message.Data)
	if err != nil {
		e.sendChunkNack(conn, task.ID, message.Index, "invalid chunk encoding")
		return
	}

	data := raw
	if sessionKey != nil {
		nonce, err := base64.StdEncoding.DecodeString(message.Nonce)
		if err != nil {
			e.sendChunkNack(conn, task.ID, message.Index, "invalid nonce encoding")
			return
		}
		data, err = beamcrypto.Open(sessionKey, nonce, raw)
		if err != nil {
			e.sendChunkNack(conn, task.ID, message.Index, "decryption failed")
			return
		}
	}

	if int64(len(data)) != chunk.Size {
		e.sendChunkNack(conn, task.ID, message.Index, "chunk size mismatch")
		return
	}
	if !chunker.VerifyChunk(data, chunk.Hash) {
		e.sendChunkNack(conn, task.ID, message.Index, "chunk hash mismatch")
		return
	}

	duplicate := state.bitmap.Has(message.Index)
	if !duplicate {
		if err := chunker.WriteChunkAt(file, chunk, data); err != nil {
			e.sendChunkNack(conn, task.ID, message.Index, "write failed")
			return
		}
		// The chunk must be durable before the ledger commits it, so a
		// checkpoint never claims data the file does not hold.
		if err := file.Sync(); err != nil {
			e.sendChunkNack(conn, task.ID, message.Index, "sync failed")
			return
		}
		_ = state.bitmap.Set(message.Index)

		transferred := tracker.Advance(chunk.Size)
		completedJSON, err := state.bitmap.MarshalJSON()
		if err == nil {
			if err := e.store.UpsertResumeCheckpoint(storage.ResumeCheckpoint{
				TaskID:          task.ID,
				Direction:       models.DirectionReceive,
				ResumeOffset:    transferred,
				NextChunk:       state.bitmap.NextMissing(),
				CompletedChunks: completedJSON,
				FileHash:        task.File.Hash,
				TempPath:        state.tempPath,
			}); err != nil {
				e.logger.Error().Err(err).Str("task", task.ID).Msg("persist checkpoint")
			}
		}
		if err := e.store.UpdateTaskProgress(task.ID, transferred, transferred); err != nil {
			e.logger.Error().Err(err).Str("task", task.ID).Msg("persist progress")
		}
	}

	e.sendChunkAck(conn, task.ID, message.Index)
}

// finalizeInbound verifies the whole file, renames it into place and
// reports the outcome to the sender.
func (e *Engine) finalizeInbound(conn net.Conn, file *os.File, state *inboundState, tracker *progressTracker) {
	task := state.task

	fail := func(reason string) {
		_ = WriteMessage(conn, DoneMessage{
			Type:      TypeDone,
			TaskID:    task.ID,
			Status:    doneStatusFailed,
			Message:   reason,
			Timestamp: time.Now().UnixMilli(),
		})
		e.finalizeFailed(task, errors.New(reason))
	}

	if !state.bitmap.Complete() {
		fail(fmt.Sprintf("missing chunks, next missing %d", state.bitmap.NextMissing()))
		return
	}
	if err := file.Sync(); err != nil {
		fail("final sync failed")
		return
	}
	_ = file.Close()

	hash, err := chunker.HashFile(state.tempPath)
	if err != nil {
		fail("final hash failed")
		return
	}
	if !strings.EqualFold(hash, task.File.Hash) {
		fail("file hash mismatch")
		return
	}

	if err := os.Rename(state.tempPath, task.File.Path); err != nil {
		fail("finalize rename failed")
		return
	}

	_ = WriteMessage(conn, DoneMessage{
		Type:      TypeDone,
		TaskID:    task.ID,
		Status:    doneStatusComplete,
		Timestamp: time.Now().UnixMilli(),
	})
	e.finalizeCompleted(task, tracker)
}

func (e *Engine) createSparseFile(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("allocate temp file: %w", err)
	}
	return nil
}

func (e *Engine) sendChunkAck(conn net.Conn, taskID string, index int) {
	_ = WriteMessage(conn, ChunkReply{
		Type:      TypeChunkAck,
		TaskID:    taskID,
		Index:     index,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (e *Engine) sendChunkNack(conn net.Conn, taskID string, index int, reason string) {
	e.logger.Warn().Str("task", taskID).Int("chunk", index).Str("reason", reason).Msg("chunk nacked")
	_ = WriteMessage(conn, ChunkReply{
		Type:      TypeChunkNack,
		TaskID:    taskID,
		Index:     index,
		Message:   reason,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (e *Engine) rejectOffer(conn net.Conn, taskID, reason string) {
	_ = WriteMessage(conn, AnswerMessage{
		Type:      TypeAnswer,
		TaskID:    taskID,
		Status:    answerStatusRejected,
		Message:   reason,
		Timestamp: time.Now().UnixMilli(),
	})
}

// uniquePath picks a destination that does not clobber an existing file,
// appending a numeric suffix before the extension when needed.
func uniquePath(dir, name string) string {
	base := filepath.Base(name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}

	candidate := filepath.Join(dir, base)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
