package transfer

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"

	"lanbeam/beamcrypto"
	"lanbeam/chunker"
	"lanbeam/models"
	"lanbeam/storage"
)

func (e *Engine) startSender(task *models.TransferTask) {
	ctx, _, ok := e.registerActive(task.ID)
	if !ok {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unregisterActive(task.ID)
		e.runSender(ctx, task)
	}()
}

func (e *Engine) runSender(ctx context.Context, task *models.TransferTask) {
	conn, err := e.dialPeer(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			e.finalizeCancelled(task)
			return
		}
		e.failOrInterrupt(task, fmt.Errorf("dial peer: %w", err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	offer := OfferMessage{
		Type:            TypeOffer,
		TaskID:          task.ID,
		DeviceID:        e.cfg.DeviceID,
		DeviceName:      e.cfg.DeviceName,
		File:            task.File,
		Encrypted:       task.Encrypted,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}

	var localPrivate *ecdh.PrivateKey
	if task.Encrypted {
		privateKey, publicKey, err := beamcrypto.GenerateEphemeralKeyPair()
		if err != nil {
			e.finalizeFailed(task, err)
			return
		}
		localPrivate = privateKey
		offer.PublicKey = base64.StdEncoding.EncodeToString(publicKey.Bytes())
	}

	if err := WriteMessage(conn, offer); err != nil {
		e.failOrInterrupt(task, fmt.Errorf("send offer: %w", err))
		return
	}

	answer, err := e.readAnswer(conn, task.ID)
	if err != nil {
		e.failOrInterrupt(task, err)
		return
	}
	if answer.Status != answerStatusAccepted {
		e.finalizeFailed(task, fmt.Errorf("offer rejected: %s", answer.Message))
		return
	}

	var sessionKey []byte
	if task.Encrypted {
		peerKey, err := base64.StdEncoding.DecodeString(answer.PublicKey)
		if err != nil {
			e.finalizeFailed(task, fmt.Errorf("decode peer public key: %w", err))
			return
		}
		peerPublic, err := beamcrypto.ParsePublicKey(peerKey)
		if err != nil {
			e.finalizeFailed(task, err)
			return
		}
		sessionKey, err = beamcrypto.DeriveSessionKey(localPrivate, peerPublic, e.cfg.DeviceID, task.PeerID)
		if err != nil {
			e.finalizeFailed(task, err)
			return
		}
	}

	// The receiver's watermark is authoritative: a receiver that lost its
	// partial file reports zero and gets everything again, regardless of
	// what the local checkpoint says was delivered.
	totalChunks := task.File.TotalChunks()
	startChunk := answer.ResumeFromChunk
	if startChunk < 0 {
		startChunk = 0
	}
	if startChunk > totalChunks {
		startChunk = totalChunks
	}
	startOffset := chunkOffset(task.File, startChunk)

	if startChunk > 0 && !task.Resumed {
		if err := e.store.MarkTaskResumed(task.ID); err != nil {
			e.logger.Error().Err(err).Str("task", task.ID).Msg("mark task resumed")
		}
		task.Resumed = true
	}

	if err := e.store.UpdateTaskStatus(task.ID, models.StatusTransferring, "", nil); err != nil {
		e.finalizeFailed(task, err)
		return
	}
	tracker := newProgressTracker(task.ID, models.DirectionSend, task.File.Size, startOffset, e.bus)
	tracker.EmitState(models.StatusTransferring, "")

	file, err := os.Open(task.File.Path)
	if err != nil {
		e.finalizeFailed(task, fmt.Errorf("open source file: %w", err))
		return
	}
	defer func() {
		_ = file.Close()
	}()

	for index := startChunk; index < totalChunks; index++ {
		// Cancellation is cooperative: checked only between chunks so the
		// chunk in flight always completes or fails whole.
		if ctx.Err() != nil {
			e.finalizeCancelled(task)
			return
		}

		chunk := task.File.Chunks[index]
		data, err := chunker.ReadChunkFrom(file, chunk)
		if err != nil {
			e.finalizeFailed(task, err)
			return
		}

		if err := e.deliverChunk(conn, task, chunk, data, sessionKey); err != nil {
			if ctx.Err() != nil {
				e.finalizeCancelled(task)
			} else if errors.Is(err, errChunkRejected) {
				e.finalizeFailed(task, fmt.Errorf("chunk %d rejected after %d attempts", index, e.cfg.MaxChunkRetries))
			} else {
				e.finalizeInterrupted(task, tracker, err)
			}
			return
		}

		transferred := tracker.Advance(chunk.Size)
		nextOffset := chunk.Offset + chunk.Size

		// The chunk is acknowledged before the ledger records it, so a
		// crash replays at most one already-delivered chunk.
		if err := e.store.UpdateTaskProgress(task.ID, transferred, nextOffset); err != nil {
			e.logger.Error().Err(err).Str("task", task.ID).Msg("persist progress")
		}
		if err := e.store.UpsertResumeCheckpoint(storage.ResumeCheckpoint{
			TaskID:       task.ID,
			Direction:    models.DirectionSend,
			ResumeOffset: nextOffset,
			NextChunk:    index + 1,
			FileHash:     task.File.Hash,
		}); err != nil {
			e.logger.Error().Err(err).Str("task", task.ID).Msg("persist checkpoint")
		}
	}

	if err := WriteMessage(conn, DoneMessage{
		Type:      TypeDone,
		TaskID:    task.ID,
		Status:    doneStatusComplete,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		e.finalizeInterrupted(task, tracker, fmt.Errorf("send done: %w", err))
		return
	}

	final, err := e.readDone(conn, task.ID)
	if err != nil {
		e.finalizeInterrupted(task, tracker, err)
		return
	}
	if final.Status != doneStatusComplete {
		e.finalizeFailed(task, fmt.Errorf("receiver reported failure: %s", final.Message))
		return
	}

	e.finalizeCompleted(task, tracker)
}

// dialPeer retries the TCP dial with exponential backoff inside a bounded
// window, so a peer restarting between discovery and transfer still works.
func (e *Engine) dialPeer(ctx context.Context, task *models.TransferTask) (net.Conn, error) {
	address := net.JoinHostPort(task.PeerIP, strconv.Itoa(task.PeerPort))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = e.cfg.DialRetryWindow

	var conn net.Conn
	operation := func() error {
		dialed, err := net.DialTimeout("tcp", address, e.cfg.DialTimeout)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

var errChunkRejected = errors.New("transfer: chunk rejected by receiver")

// deliverChunk sends one chunk and waits for its acknowledgement,
// resending on nack up to the retry budget.
func (e *Engine) deliverChunk(conn net.Conn, task *models.TransferTask, chunk models.ChunkInfo, data []byte, sessionKey []byte) error {
	message := ChunkMessage{
		Type:   TypeChunk,
		TaskID: task.ID,
		Index:  chunk.Index,
		Size:   len(data),
	}

	if sessionKey != nil {
		ciphertext, nonce, err := beamcrypto.Seal(sessionKey, data)
		if err != nil {
			return err
		}
		message.Data = base64.StdEncoding.EncodeToString(ciphertext)
		message.Nonce = base64.StdEncoding.EncodeToString(nonce)
	} else {
		message.Data = base64.StdEncoding.EncodeToString(data)
	}

	for attempt := 0; attempt < e.cfg.MaxChunkRetries; attempt++ {
		message.Timestamp = time.Now().UnixMilli()
		if err := WriteMessage(conn, message); err != nil {
			return fmt.Errorf("send chunk %d: %w", chunk.Index, err)
		}

		reply, err := e.readChunkReply(conn, task.ID, chunk.Index)
		if err != nil {
			return err
		}
		if reply.Type == TypeChunkAck {
			return nil
		}
		e.logger.Warn().
			Str("task", task.ID).
			Int("chunk", chunk.Index).
			Str("reason", reply.Message).
			Msg("chunk nacked, resending")
	}
	return errChunkRejected
}

func (e *Engine) readAnswer(conn net.Conn, taskID string) (AnswerMessage, error) {
	for {
		payload, err := ReadFrameWithTimeout(conn, e.cfg.AckTimeout)
		if err != nil {
			return AnswerMessage{}, fmt.Errorf("read answer: %w", err)
		}
		messageType, err := DecodeMessageType(payload)
		if err != nil {
			return AnswerMessage{}, err
		}
		if messageType != TypeAnswer {
			continue
		}
		var answer AnswerMessage
		if err := decodeInto(payload, &answer); err != nil {
			return AnswerMessage{}, err
		}
		if answer.TaskID != taskID {
			continue
		}
		return answer, nil
	}
}

func (e *Engine) readChunkReply(conn net.Conn, taskID string, index int) (ChunkReply, error) {
	for {
		payload, err := ReadFrameWithTimeout(conn, e.cfg.AckTimeout)
		if err != nil {
			return ChunkReply{}, fmt.Errorf("read chunk reply: %w", err)
		}
		messageType, err := DecodeMessageType(payload)
		if err != nil {
			return ChunkReply{}, err
		}
		if messageType != TypeChunkAck && messageType != TypeChunkNack {
			continue
		}
		var reply ChunkReply
		if err := decodeInto(payload, &reply); err != nil {
			return ChunkReply{}, err
		}
		if reply.TaskID != taskID || reply.Index != index {
			continue
		}
		return reply, nil
	}
}

func (e *Engine) readDone(conn net.Conn, taskID string) (DoneMessage, error) {
	for {
		payload, err := ReadFrameWithTimeout(conn, e.cfg.AckTimeout)
		if err != nil {
			return DoneMessage{}, fmt.Errorf("read done: %w", err)
		}
		messageType, err := DecodeMessageType(payload)
		if err != nil {
			return DoneMessage{}, err
		}
		if messageType != TypeDone {
			continue
		}
		var done DoneMessage
		if err := decodeInto(payload, &done); err != nil {
			return DoneMessage{}, err
		}
		if done.TaskID != taskID {
			continue
		}
		return done, nil
	}
}

func (e *Engine) finalizeCompleted(task *models.TransferTask, tracker *progressTracker) {
	now := time.Now().UnixMilli()
	if err := e.store.UpdateTaskProgress(task.ID, task.File.Size, task.File.Size); err != nil {
		e.logger.Error().Err(err).Str("task", task.ID).Msg("persist final progress")
	}
	if err := e.store.UpdateTaskStatus(task.ID, models.StatusCompleted, "", &now); err != nil {
		e.logger.Error().Err(err).Str("task", task.ID).Msg("persist completed status")
	}
	_ = e.store.DeleteResumeCheckpoint(task.ID)

	task.TransferredBytes = task.File.Size
	if tracker != nil {
		tracker.EmitState(models.StatusCompleted, "")
	} else {
		e.emitState(task, models.StatusCompleted, "")
	}
	e.logger.Info().Str("task", task.ID).Str("file", task.File.Name).Msg("transfer completed")
}

// failOrInterrupt maps a transport error that hit before the chunk loop.
// A task with durably persisted progress stays interrupted so it can
// resume; only a first attempt with nothing on the ledger fails outright.
func (e *Engine) failOrInterrupt(task *models.TransferTask, cause error) {
	if task.Resumed || task.TransferredBytes > 0 {
		e.finalizeInterrupted(task, nil, cause)
		return
	}
	if _, err := e.store.GetResumeCheckpoint(task.ID); err == nil {
		e.finalizeInterrupted(task, nil, cause)
		return
	}
	e.finalizeFailed(task, cause)
}

func (e *Engine) finalizeFailed(task *models.TransferTask, cause error) {
	now := time.Now().UnixMilli()
	if err := e.store.UpdateTaskStatus(task.ID, models.StatusFailed, cause.Error(), &now); err != nil {
		e.logger.Error().Err(err).Str("task", task.ID).Msg("persist failed status")
	}
	e.cleanupTaskArtifacts(task)
	e.emitState(task, models.StatusFailed, cause.Error())
	e.logger.Error().Err(cause).Str("task", task.ID).Msg("transfer failed")
}

// finalizeCancelled discards the sender's outgoing state. A receiver
// keeps its partial file and checkpoint on disk until the task record is
// removed.
func (e *Engine) finalizeCancelled(task *models.TransferTask) {
	now := time.Now().UnixMilli()
	if err := e.store.UpdateTaskStatus(task.ID, models.StatusCancelled, "", &now); err != nil {
		e.logger.Error().Err(err).Str("task", task.ID).Msg("persist cancelled status")
	}
	if task.Direction == models.DirectionSend {
		e.cleanupTaskArtifacts(task)
	}
	e.emitState(task, models.StatusCancelled, "")
	e.logger.Info().Str("task", task.ID).Msg("transfer cancelled")
}

// finalizeInterrupted keeps the checkpoint so the task can resume later.
func (e *Engine) finalizeInterrupted(task *models.TransferTask, tracker *progressTracker, cause error) {
	if err := e.store.UpdateTaskStatus(task.ID, models.StatusInterrupted, cause.Error(), nil); err != nil {
		e.logger.Error().Err(err).Str("task", task.ID).Msg("persist interrupted status")
	}
	if tracker != nil {
		task.TransferredBytes = tracker.Transferred()
		tracker.EmitState(models.StatusInterrupted, cause.Error())
	} else {
		e.emitState(task, models.StatusInterrupted, cause.Error())
	}
	e.logger.Warn().Err(cause).Str("task", task.ID).Msg("transfer interrupted")
}

// chunkOffset returns the byte offset where the given chunk index starts.
func chunkOffset(meta models.FileMetadata, index int) int64 {
	if index <= 0 {
		return 0
	}
	if index >= len(meta.Chunks) {
		return meta.Size
	}
	return meta.Chunks[index].Offset
}
