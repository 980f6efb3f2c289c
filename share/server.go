// Package share runs the HTTP link-sharing server: a tokenized file
// listing behind per-IP access requests, optional PIN verification with
// lockout, and a web-upload mode.
package share

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanbeam/beamcrypto"
	"lanbeam/events"
	"lanbeam/models"
)

const (
	// DefaultPort is the share server HTTP port.
	DefaultPort = 7420
	// DefaultMaxFiles caps the number of files in one share session.
	DefaultMaxFiles = 100
	// DefaultMaxTotalSize caps the combined size of one share session.
	DefaultMaxTotalSize = 10 << 30
	// DefaultMaxPinAttempts is the consecutive failure budget before lockout.
	DefaultMaxPinAttempts = 3
	// DefaultLockoutDuration is how long a locked client stays locked.
	DefaultLockoutDuration = 5 * time.Minute
)

var (
	// ErrTooManyFiles indicates the share exceeds the file-count cap.
	ErrTooManyFiles = errors.New("share: too many files")
	// ErrShareTooLarge indicates the share exceeds the total-size cap.
	ErrShareTooLarge = errors.New("share: total size exceeds limit")
	// ErrNotRunning indicates no share session is active.
	ErrNotRunning = errors.New("share: server is not running")
	// ErrAlreadyRunning indicates a share session is already active.
	ErrAlreadyRunning = errors.New("share: server is already running")
	// ErrRequestNotFound indicates an unknown access request ID.
	ErrRequestNotFound = errors.New("share: access request not found")
	// ErrRequestNotPending indicates the request already left pending state.
	ErrRequestNotPending = errors.New("share: access request is not pending")
)

// Config controls the share server.
type Config struct {
	// Port is the HTTP listen port; zero binds an ephemeral port.
	Port         int
	MaxFiles     int
	MaxTotalSize int64

	// PIN is the plaintext PIN to require; empty disables PIN checks.
	PIN        string
	AutoAccept bool

	MaxPinAttempts  int
	LockoutDuration time.Duration

	// UploadDir receives files in upload mode.
	UploadDir string

	nowFn func() int64
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port < 0 {
		out.Port = DefaultPort
	}
	if out.MaxFiles <= 0 {
		out.MaxFiles = DefaultMaxFiles
	}
	if out.MaxTotalSize <= 0 {
		out.MaxTotalSize = DefaultMaxTotalSize
	}
	if out.MaxPinAttempts <= 0 {
		out.MaxPinAttempts = DefaultMaxPinAttempts
	}
	if out.LockoutDuration <= 0 {
		out.LockoutDuration = DefaultLockoutDuration
	}
	if out.nowFn == nil {
		out.nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return out
}

// Settings are the hot-swappable share options.
type Settings struct {
	PinEnabled bool
	PIN        string
	AutoAccept bool
}

// Server is one share session over HTTP. Requests are keyed by client IP:
// one AccessRequest per IP, with its upload/download records hanging off it.
type Server struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger

	mu         sync.Mutex
	running    bool
	mode       string
	token      string
	files      []models.FileMetadata
	filesByID  map[string]models.FileMetadata
	requests   map[string]*models.AccessRequest
	requestIDs map[string]string
	pinHash    string
	pinEnabled bool
	autoAccept bool
	startedAt  int64
	boundPort  int

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a share server. It serves nothing until Start.
func NewServer(config Config, bus *events.Bus, logger zerolog.Logger) (*Server, error) {
	cfg := config.withDefaults()

	server := &Server{
		cfg:        cfg,
		bus:        bus,
		logger:     logger.With().Str("component", "share").Logger(),
		requests:   map[string]*models.AccessRequest{},
		requestIDs: map[string]string{},
		autoAccept: cfg.AutoAccept,
	}
	if cfg.PIN != "" {
		hash, err := beamcrypto.HashPIN(cfg.PIN)
		if err != nil {
			return nil, err
		}
		server.pinHash = hash
		server.pinEnabled = true
	}
	return server, nil
}

// Start begins a share session over the given files. In upload mode the
// file set may be empty. Access state from a previous session is dropped.
func (s *Server) Start(files []models.FileMetadata, mode string) (*models.ShareLinkInfo, error) {
	if mode != models.ShareModeDownload && mode != models.ShareModeUpload {
		return nil, fmt.Errorf("share: invalid mode %q", mode)
	}
	if err := s.validateFiles(files, mode); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind share port %d: %w", s.cfg.Port, err)
	}
	s.boundPort = listener.Addr().(*net.TCPAddr).Port

	s.token = uuid.NewString()
	s.mode = mode
	s.setFilesLocked(files)
	s.requests = map[string]*models.AccessRequest{}
	s.requestIDs = map[string]string{}
	s.startedAt = s.cfg.nowFn()
	s.running = true
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpServer := s.httpServer
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("share server stopped unexpectedly")
		}
	}()

	info := s.infoLocked()
	s.logger.Info().
		Str("mode", mode).
		Int("port", s.boundPort).
		Int("files", len(files)).
		Bool("pin", s.pinEnabled).
		Msg("share started")
	return info, nil
}

// Stop shuts the session down, aborting active downloads.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	// Close rather than Shutdown: stopping a share revokes access
	// immediately, including downloads already streaming.
	if err := httpServer.Close(); err != nil {
		return fmt.Errorf("close share server: %w", err)
	}
	s.logger.Info().Msg("share stopped")
	return nil
}

// Running reports whether a session is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Info returns the current session descriptor.
func (s *Server) Info() (*models.ShareLinkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.infoLocked(), nil
}

// UpdateFiles hot-swaps the shared file set.
func (s *Server) UpdateFiles(files []models.FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	if err := s.validateFiles(files, s.mode); err != nil {
		return err
	}
	s.setFilesLocked(files)
	return nil
}

// UpdateSettings applies new PIN and acceptance settings. Rotating the PIN
// does not reset existing verifications.
func (s *Server) UpdateSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.PinEnabled {
		if settings.PIN == "" {
			return errors.New("share: PIN is required when enabled")
		}
		hash, err := beamcrypto.HashPIN(settings.PIN)
		if err != nil {
			return err
		}
		s.pinHash = hash
		s.pinEnabled = true
	} else {
		s.pinEnabled = false
		s.pinHash = ""
	}
	s.autoAccept = settings.AutoAccept
	return nil
}

// Accept transitions a pending access request to accepted.
func (s *Server) Accept(requestID string) error {
	return s.decide(requestID, models.AccessStatusAccepted)
}

// Reject transitions a pending access request to rejected.
func (s *Server) Reject(requestID string) error {
	return s.decide(requestID, models.AccessStatusRejected)
}

// Requests returns a snapshot of all access requests.
func (s *Server) Requests() []models.AccessRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.AccessRequest, 0, len(s.requests))
	for _, request := range s.requests {
		out = append(out, *request)
	}
	return out
}

func (s *Server) decide(requestID, status string) error {
	s.mu.Lock()
	request, ok := s.findByIDLocked(requestID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("request %q: %w", requestID, ErrRequestNotFound)
	}
	if request.Status != models.AccessStatusPending {
		s.mu.Unlock()
		return fmt.Errorf("request %q is %s: %w", requestID, request.Status, ErrRequestNotPending)
	}
	request.Status = status
	snapshot := *request
	s.mu.Unlock()

	s.publishActivity(snapshot, nil)
	s.logger.Info().Str("request", requestID).Str("ip", snapshot.IP).Str("status", status).Msg("access request decided")
	return nil
}

func (s *Server) validateFiles(files []models.FileMetadata, mode string) error {
	if len(files) == 0 && mode == models.ShareModeDownload {
		return errors.New("share: no files to share")
	}
	if len(files) > s.cfg.MaxFiles {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(files), s.cfg.MaxFiles)
	}
	var total int64
	for _, file := range files {
		total += file.Size
	}
	if total > s.cfg.MaxTotalSize {
		return fmt.Errorf("%w: %d bytes", ErrShareTooLarge, total)
	}
	return nil
}

func (s *Server) setFilesLocked(files []models.FileMetadata) {
	s.files = files
	s.filesByID = make(map[string]models.FileMetadata, len(files))
	for _, file := range files {
		s.filesByID[file.ID] = file
	}
}

func (s *Server) infoLocked() *models.ShareLinkInfo {
	status := models.ShareStatusStopped
	if s.running {
		status = models.ShareStatusRunning
	}
	return &models.ShareLinkInfo{
		Token:      s.token,
		Links:      shareLinks(lanAddresses(), s.boundPort, s.token),
		Port:       s.boundPort,
		Mode:       s.mode,
		Files:      append([]models.FileMetadata(nil), s.files...),
		PinEnabled: s.pinEnabled,
		AutoAccept: s.autoAccept,
		Status:     status,
		StartedAt:  s.startedAt,
	}
}

func (s *Server) findByIDLocked(requestID string) (*models.AccessRequest, bool) {
	ip, ok := s.requestIDs[requestID]
	if !ok {
		return nil, false
	}
	request, ok := s.requests[ip]
	return request, ok
}

func (s *Server) publishActivity(request models.AccessRequest, record *models.TransferRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type: events.EventShareActivity,
		Share: &events.ShareActivity{
			RequestID: request.ID,
			IP:        request.IP,
			Status:    request.Status,
			Record:    record,
		},
	})
}

// lanAddresses returns the non-loopback IPv4 addresses of up interfaces,
// falling back to loopback so links always resolve somewhere.
func lanAddresses() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return []string{"127.0.0.1"}
	}

	var out []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			ipNet, ok := address.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			out = append(out, ipNet.IP.String())
		}
	}
	if len(out) == 0 {
		out = append(out, "127.0.0.1")
	}
	return out
}

func shareLinks(hosts []string, port int, token string) []string {
	links := make([]string, 0, len(hosts))
	for _, host := range hosts {
		links = append(links, fmt.Sprintf("http://%s/#%s", net.JoinHostPort(host, strconv.Itoa(port)), token))
	}
	return links
}
