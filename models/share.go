package models

// Access request statuses for the share server.
const (
	AccessStatusPending  = "pending"
	AccessStatusAccepted = "accepted"
	AccessStatusRejected = "rejected"
)

// Share session statuses.
const (
	ShareStatusRunning = "running"
	ShareStatusStopped = "stopped"
)

// Share modes. Download serves the selected files; upload additionally
// accepts web uploads into the receive directory.
const (
	ShareModeDownload = "download"
	ShareModeUpload   = "upload"
)

// ShareLinkInfo describes one running share session.
type ShareLinkInfo struct {
	Token      string         `json:"token"`
	Links      []string       `json:"links"`
	Port       int            `json:"port"`
	Mode       string         `json:"mode"`
	Files      []FileMetadata `json:"files"`
	PinEnabled bool           `json:"pinEnabled"`
	AutoAccept bool           `json:"autoAccept"`
	Status     string         `json:"status"`
	StartedAt  int64          `json:"startedAt"`
}

// TransferRecord tracks one file moving through an accepted access request,
// in either direction.
type TransferRecord struct {
	ID               string  `json:"id"`
	FileID           string  `json:"fileId"`
	FileName         string  `json:"fileName"`
	Size             int64   `json:"size"`
	Direction        string  `json:"direction"`
	TransferredBytes int64   `json:"transferredBytes"`
	Progress         int     `json:"progress"`
	Speed            float64 `json:"speed"`
	Completed        bool    `json:"completed"`
	Error            string  `json:"error,omitempty"`
	StartedAt        int64   `json:"startedAt"`
}

// AccessRequest is the per-client-IP gate in front of a share session.
// Records of individual uploads/downloads hang off their request.
type AccessRequest struct {
	ID              string           `json:"id"`
	IP              string           `json:"ip"`
	Status          string           `json:"status"`
	PinVerified     bool             `json:"pinVerified"`
	PinAttempts     int              `json:"pinAttempts"`
	LockedUntil     int64            `json:"lockedUntil,omitempty"`
	UploadRecords   []TransferRecord `json:"uploadRecords,omitempty"`
	DownloadRecords []TransferRecord `json:"downloadRecords,omitempty"`
	CreatedAt       int64            `json:"createdAt"`
}
