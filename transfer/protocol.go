package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"lanbeam/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size. Chunk frames
	// carry base64 data, so this leaves headroom over the chunk size.
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultDialTimeout bounds one TCP dial attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultAckTimeout waits this long for a chunk acknowledgement.
	DefaultAckTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds each frame read on the receiving side.
	DefaultFrameReadTimeout = 60 * time.Second
)

const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeChunk     = "chunk"
	TypeChunkAck  = "chunk_ack"
	TypeChunkNack = "chunk_nack"
	TypeDone      = "done"
	TypeError     = "error"
)

const (
	answerStatusAccepted = "accepted"
	answerStatusRejected = "rejected"

	doneStatusComplete = "complete"
	doneStatusFailed   = "failed"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transfer: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("transfer: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("transfer: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// OfferMessage opens a transfer. It carries the full chunk table so the
// receiver can verify each chunk independently.
type OfferMessage struct {
	Type            string              `json:"type"`
	TaskID          string              `json:"task_id"`
	DeviceID        string              `json:"device_id"`
	DeviceName      string              `json:"device_name"`
	File            models.FileMetadata `json:"file"`
	Encrypted       bool                `json:"encrypted"`
	PublicKey       string              `json:"public_key,omitempty"`
	ProtocolVersion int                 `json:"protocol_version"`
	Timestamp       int64               `json:"timestamp"`
}

// AnswerMessage accepts or rejects an offer. ResumeFromChunk tells the
// sender where to start; non-zero means the receiver already holds a
// verified prefix from an earlier attempt.
type AnswerMessage struct {
	Type            string `json:"type"`
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	ResumeFromChunk int    `json:"resume_from_chunk,omitempty"`
	PublicKey       string `json:"public_key,omitempty"`
	Message         string `json:"message,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// ChunkMessage carries one chunk. Data is base64; when the transfer is
// encrypted it is AES-GCM ciphertext and Nonce is set.
type ChunkMessage struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Index     int    `json:"index"`
	Size      int    `json:"size"`
	Data      string `json:"data"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ChunkReply acknowledges (chunk_ack) or rejects (chunk_nack) one chunk.
type ChunkReply struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Index     int    `json:"index"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DoneMessage closes a transfer in either direction.
type DoneMessage struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteMessage encodes and writes one protocol message as a frame.
func WriteMessage(w io.Writer, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

func decodeInto(payload []byte, target any) error {
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode protocol message: %w", err)
	}
	return nil
}
