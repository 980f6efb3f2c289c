package models

import "fmt"

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Task statuses. Interrupted is reachable only from transferring on
// connection loss and is the only status eligible for resume.
const (
	StatusPending      = "pending"
	StatusTransferring = "transferring"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
	StatusInterrupted  = "interrupted"
)

// TransferTask is the per-transfer state machine projection shared with
// consumers. Progress is always round(100*TransferredBytes/File.Size).
type TransferTask struct {
	ID               string       `json:"id"`
	File             FileMetadata `json:"file"`
	Direction        string       `json:"direction"`
	PeerID           string       `json:"peerId,omitempty"`
	PeerName         string       `json:"peerName,omitempty"`
	PeerIP           string       `json:"peerIp,omitempty"`
	PeerPort         int          `json:"peerPort,omitempty"`
	Status           string       `json:"status"`
	Progress         int          `json:"progress"`
	TransferredBytes int64        `json:"transferredBytes"`
	Speed            float64      `json:"speed"`
	Resumable        bool         `json:"resumable"`
	ResumeOffset     int64        `json:"resumeOffset"`
	Resumed          bool         `json:"resumed"`
	Encrypted        bool         `json:"encrypted,omitempty"`
	CreatedAt        int64        `json:"createdAt"`
	CompletedAt      *int64       `json:"completedAt,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Terminal reports whether a status admits no further transitions.
// Interrupted is recoverable and therefore not terminal.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidateDirection rejects unknown transfer directions.
func ValidateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

// ValidateStatus rejects unknown task statuses.
func ValidateStatus(status string) error {
	switch status {
	case StatusPending, StatusTransferring, StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid task status %q", status)
	}
}

// Progress returns the integer percentage for transferred over total bytes.
func Progress(transferred, total int64) int {
	if total <= 0 {
		return 0
	}
	if transferred >= total {
		return 100
	}
	return int((transferred*100 + total/2) / total)
}
