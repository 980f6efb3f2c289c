package share

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanbeam/beamcrypto"
	"lanbeam/models"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/verify-pin", s.handleVerifyPIN)
	mux.HandleFunc("GET /api/v1/files", s.handleFiles)
	mux.HandleFunc("GET /api/v1/download", s.handleDownload)
	mux.HandleFunc("POST /api/v1/upload", s.handleUpload)
	return mux
}

type registerResponse struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	PinRequired bool   `json:"pinRequired"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	s.mu.Lock()
	request, exists := s.requests[ip]
	if !exists {
		status := models.AccessStatusPending
		if s.autoAccept {
			status = models.AccessStatusAccepted
		}
		request = &models.AccessRequest{
			ID:        uuid.NewString(),
			IP:        ip,
			Status:    status,
			CreatedAt: s.cfg.nowFn(),
		}
		s.requests[ip] = request
		s.requestIDs[request.ID] = ip
	}
	snapshot := *request
	pinRequired := s.pinEnabled && !request.PinVerified
	s.mu.Unlock()

	if !exists {
		s.publishActivity(snapshot, nil)
		s.logger.Info().Str("ip", ip).Str("status", snapshot.Status).Msg("access request registered")
	}

	writeJSON(w, http.StatusOK, registerResponse{
		RequestID:   snapshot.ID,
		Status:      snapshot.Status,
		PinRequired: pinRequired,
	})
}

type verifyPINRequest struct {
	PIN string `json:"pin"`
}

type verifyPINResponse struct {
	Verified     bool  `json:"verified"`
	AttemptsLeft int   `json:"attemptsLeft,omitempty"`
	LockedUntil  int64 `json:"lockedUntil,omitempty"`
}

func (s *Server) handleVerifyPIN(w http.ResponseWriter, r *http.Request) {
	var body verifyPINRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := clientIP(r)

	s.mu.Lock()
	request, exists := s.requests[ip]
	if !exists {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "register first")
		return
	}
	if !s.pinEnabled {
		request.PinVerified = true
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, verifyPINResponse{Verified: true})
		return
	}

	now := s.cfg.nowFn()

	// A lockout that has run out gives the client a fresh attempt budget.
	if request.LockedUntil != 0 && now >= request.LockedUntil {
		request.LockedUntil = 0
		request.PinAttempts = 0
	}

	// While locked, every attempt is rejected outright; a correct PIN does
	// not count and a wrong one does not extend the lock.
	if request.LockedUntil != 0 {
		lockedUntil := request.LockedUntil
		s.mu.Unlock()
		writeJSON(w, http.StatusLocked, verifyPINResponse{Verified: false, LockedUntil: lockedUntil})
		return
	}

	pinHash := s.pinHash
	s.mu.Unlock()

	ok, err := beamcrypto.VerifyPIN(pinHash, body.PIN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pin verification failed")
		return
	}

	s.mu.Lock()
	if ok {
		request.PinVerified = true
		request.PinAttempts = 0
		request.LockedUntil = 0
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, verifyPINResponse{Verified: true})
		return
	}

	request.PinAttempts++
	if request.PinAttempts >= s.cfg.MaxPinAttempts {
		request.LockedUntil = now + s.cfg.LockoutDuration.Milliseconds()
		lockedUntil := request.LockedUntil
		ip := request.IP
		s.mu.Unlock()
		s.logger.Warn().Str("ip", ip).Msg("pin attempts exhausted, client locked")
		writeJSON(w, http.StatusLocked, verifyPINResponse{Verified: false, LockedUntil: lockedUntil})
		return
	}
	attemptsLeft := s.cfg.MaxPinAttempts - request.PinAttempts
	s.mu.Unlock()

	writeJSON(w, http.StatusUnauthorized, verifyPINResponse{Verified: false, AttemptsLeft: attemptsLeft})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	s.mu.Lock()
	files := append([]models.FileMetadata(nil), s.files...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	request, ok := s.authorize(w, r)
	if !ok {
		return
	}

	fileID := r.URL.Query().Get("fileId")
	s.mu.Lock()
	file, exists := s.filesByID[fileID]
	s.mu.Unlock()
	if !exists {
		writeError(w, http.StatusNotFound, "unknown file")
		return
	}

	source, err := os.Open(file.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "open file failed")
		return
	}
	defer func() {
		_ = source.Close()
	}()

	record := s.appendRecord(request.IP, models.TransferRecord{
		ID:        uuid.NewString(),
		FileID:    file.ID,
		FileName:  file.Name,
		Size:      file.Size,
		Direction: models.DirectionSend,
		StartedAt: s.cfg.nowFn(),
	}, false)

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", file.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))

	counter := &countingWriter{w: w, started: time.Now()}
	_, copyErr := io.Copy(counter, source)

	s.completeRecord(request.IP, record, false, counter.n, counter.speed(), copyErr)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	request, ok := s.authorize(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()
	if mode != models.ShareModeUpload {
		writeError(w, http.StatusForbidden, "uploads are not enabled for this share")
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	var saved []models.TransferRecord
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "read multipart part failed")
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			continue
		}

		record, err := s.saveUpload(request.IP, part)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store upload failed")
			return
		}
		saved = append(saved, record)
	}

	if len(saved) == 0 {
		writeError(w, http.StatusBadRequest, "no file parts in request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploaded": saved})
}

func (s *Server) saveUpload(ip string, part *multipart.Part) (models.TransferRecord, error) {
	name := filepath.Base(part.FileName())
	if name == "" || name == "." {
		name = "upload.bin"
	}
	destination := uploadPath(s.cfg.UploadDir, name)

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return models.TransferRecord{}, err
	}

	started := time.Now()
	written, copyErr := io.Copy(out, part)
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(destination)
		return models.TransferRecord{}, copyErr
	}

	elapsed := time.Since(started).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(written) / elapsed
	}

	record := models.TransferRecord{
		ID:               uuid.NewString(),
		FileID:           uuid.NewString(),
		FileName:         name,
		Size:             written,
		Direction:        models.DirectionReceive,
		TransferredBytes: written,
		Progress:         100,
		Speed:            speed,
		Completed:        true,
		StartedAt:        started.UnixMilli(),
	}

	s.appendRecord(ip, record, true)
	s.logger.Info().Str("ip", ip).Str("file", name).Int64("size", written).Msg("web upload stored")
	return record, nil
}

// authorize resolves the caller's access request and enforces acceptance
// and PIN verification.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (models.AccessRequest, bool) {
	ip := clientIP(r)

	s.mu.Lock()
	request, exists := s.requests[ip]
	var snapshot models.AccessRequest
	pinEnabled := s.pinEnabled
	if exists {
		snapshot = *request
	}
	s.mu.Unlock()

	if !exists {
		writeError(w, http.StatusForbidden, "register first")
		return models.AccessRequest{}, false
	}
	switch snapshot.Status {
	case models.AccessStatusAccepted:
	case models.AccessStatusPending:
		writeError(w, http.StatusForbidden, "access request pending")
		return models.AccessRequest{}, false
	default:
		writeError(w, http.StatusForbidden, "access request rejected")
		return models.AccessRequest{}, false
	}
	if pinEnabled && !snapshot.PinVerified {
		writeError(w, http.StatusUnauthorized, "pin verification required")
		return models.AccessRequest{}, false
	}
	return snapshot, true
}

// appendRecord attaches a transfer record to the request for the IP and
// returns the stored copy.
func (s *Server) appendRecord(ip string, record models.TransferRecord, upload bool) models.TransferRecord {
	s.mu.Lock()
	request, exists := s.requests[ip]
	if exists {
		if upload {
			request.UploadRecords = append(request.UploadRecords, record)
		} else {
			request.DownloadRecords = append(request.DownloadRecords, record)
		}
	}
	var snapshot models.AccessRequest
	if exists {
		snapshot = *request
	}
	s.mu.Unlock()

	if exists {
		s.publishActivity(snapshot, &record)
	}
	return record
}

// completeRecord finalizes a download record in place.
func (s *Server) completeRecord(ip string, record models.TransferRecord, upload bool, transferred int64, speed float64, cause error) {
	record.TransferredBytes = transferred
	record.Progress = models.Progress(transferred, record.Size)
	record.Speed = speed
	record.Completed = cause == nil && transferred >= record.Size
	if cause != nil {
		record.Error = cause.Error()
	}

	s.mu.Lock()
	request, exists := s.requests[ip]
	if exists {
		records := request.DownloadRecords
		if upload {
			records = request.UploadRecords
		}
		for i := range records {
			if records[i].ID == record.ID {
				records[i] = record
				break
			}
		}
	}
	var snapshot models.AccessRequest
	if exists {
		snapshot = *request
	}
	s.mu.Unlock()

	if exists {
		s.publishActivity(snapshot, &record)
	}
}

type countingWriter struct {
	w       io.Writer
	n       int64
	started time.Time
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) speed() float64 {
	elapsed := time.Since(c.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(c.n) / elapsed
}

func uploadPath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
