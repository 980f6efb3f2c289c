package share

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanbeam/events"
	"lanbeam/models"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *events.Bus) {
	t.Helper()

	if cfg.UploadDir == "" {
		cfg.UploadDir = t.TempDir()
	}

	bus := events.NewBus()
	server, err := NewServer(cfg, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() {
		if server.Running() {
			_ = server.Stop()
		}
	})
	return server, bus
}

func shareFixture(t *testing.T, name string, size int) models.FileMetadata {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return models.FileMetadata{
		ID:       "file-" + name,
		Name:     name,
		Size:     int64(size),
		MimeType: "application/octet-stream",
		Hash:     "hash-" + name,
		Path:     path,
	}
}

func baseURL(t *testing.T, info *models.ShareLinkInfo) string {
	t.Helper()
	return fmt.Sprintf("http://127.0.0.1:%d", info.Port)
}

func register(t *testing.T, base string) registerResponse {
	t.Helper()

	resp, err := http.Post(base+"/api/v1/register", "application/json", nil)
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register returned %d", resp.StatusCode)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out
}

func verifyPIN(t *testing.T, base, pin string) (int, verifyPINResponse) {
	t.Helper()

	body, _ := json.Marshal(verifyPINRequest{PIN: pin})
	resp, err := http.Post(base+"/api/v1/verify-pin", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("verify-pin request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var out verifyPINResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func TestRegisterAcceptDownloadFlow(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	file := shareFixture(t, "doc.bin", 4096)

	info, err := server.Start([]models.FileMetadata{file}, models.ShareModeDownload)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if info.Status != models.ShareStatusRunning || info.Token == "" || len(info.Links) == 0 {
		t.Fatalf("unexpected share info: %+v", info)
	}
	base := baseURL(t, info)

	reg := register(t, base)
	if reg.Status != models.AccessStatusPending {
		t.Fatalf("expected pending request, got %q", reg.Status)
	}

	// Pending requests cannot list or fetch.
	if code := getStatus(t, base+"/api/v1/files"); code != http.StatusForbidden {
		t.Fatalf("expected 403 before acceptance, got %d", code)
	}

	if err := server.Accept(reg.RequestID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := server.Accept(reg.RequestID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("expected ErrRequestNotPending on double accept, got %v", err)
	}

	if code := getStatus(t, base+"/api/v1/files"); code != http.StatusOK {
		t.Fatalf("expected 200 after acceptance, got %d", code)
	}

	resp, err := http.Get(base + "/api/v1/download?fileId=" + file.ID)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read download body: %v", err)
	}
	want, _ := os.ReadFile(file.Path)
	if !bytes.Equal(body, want) {
		t.Fatalf("downloaded content differs from source")
	}

	requests := server.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	records := requests[0].DownloadRecords
	if len(records) != 1 || !records[0].Completed || records[0].Progress != 100 {
		t.Fatalf("unexpected download records: %+v", records)
	}
}

func TestRejectedRequestIsRefused(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	file := shareFixture(t, "doc.bin", 1024)

	info, err := server.Start([]models.FileMetadata{file}, models.ShareModeDownload)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	base := baseURL(t, info)

	reg := register(t, base)
	if err := server.Reject(reg.RequestID); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if code := getStatus(t, base+"/api/v1/files"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for rejected request, got %d", code)
	}
}

func TestPINLockoutSemantics(t *testing.T) {
	var now int64 = 1_000_000
	server, _ := newTestServer(t, Config{
		PIN:             "4271",
		AutoAccept:      true,
		LockoutDuration: time.Minute,
		nowFn:           func() int64 { return now },
	})
	file := shareFixture(t, "doc.bin", 1024)

	info, err := server.Start([]models.FileMetadata{file}, models.ShareModeDownload)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	base := baseURL(t, info)

	reg := register(t, base)
	if reg.Status != models.AccessStatusAccepted || !reg.PinRequired {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	// Accepted but unverified: content stays behind the PIN.
	if code := getStatus(t, base+"/api/v1/files"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before pin verify, got %d", code)
	}

	for i, wantLeft := range []int{2, 1} {
		code, out := verifyPIN(t, base, "0000")
		if code != http.StatusUnauthorized || out.AttemptsLeft != wantLeft {
			t.Fatalf("attempt %d: code=%d resp=%+v", i+1, code, out)
		}
	}

	// Third consecutive failure locks the client.
	code, out := verifyPIN(t, base, "0000")
	if code != http.StatusLocked || out.LockedUntil != now+time.Minute.Milliseconds() {
		t.Fatalf("expected lock, code=%d resp=%+v", code, out)
	}

	// The correct PIN while locked is rejected and consumes nothing.
	code, _ = verifyPIN(t, base, "4271")
	if code != http.StatusLocked {
		t.Fatalf("expected 423 for correct pin while locked, got %d", code)
	}

	// After the lock expires the budget is fresh and the right PIN works.
	now += time.Minute.Milliseconds() + 1
	code, out = verifyPIN(t, base, "4271")
	if code != http.StatusOK || !out.Verified {
		t.Fatalf("expected verification after expiry, code=%d resp=%+v", code, out)
	}

	if code := getStatus(t, base+"/api/v1/files"); code != http.StatusOK {
		t.Fatalf("expected 200 after pin verify, got %d", code)
	}
}

func TestWebUpload(t *testing.T) {
	uploadDir := t.TempDir()
	server, _ := newTestServer(t, Config{AutoAccept: true, UploadDir: uploadDir})

	info, err := server.Start(nil, models.ShareModeUpload)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	base := baseURL(t, info)
	register(t, base)

	payload := []byte("web upload payload")
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	_ = writer.Close()

	resp, err := http.Post(base+"/api/v1/upload", writer.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload returned %d: %s", resp.StatusCode, raw)
	}

	stored, err := os.ReadFile(filepath.Join(uploadDir, "notes.txt"))
	if err != nil {
		t.Fatalf("stored upload missing: %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Fatalf("stored upload differs from payload")
	}

	requests := server.Requests()
	if len(requests) != 1 || len(requests[0].UploadRecords) != 1 {
		t.Fatalf("unexpected upload records: %+v", requests)
	}
	record := requests[0].UploadRecords[0]
	if !record.Completed || record.Size != int64(len(payload)) || record.Direction != models.DirectionReceive {
		t.Fatalf("unexpected upload record: %+v", record)
	}
}

func TestUploadRefusedInDownloadMode(t *testing.T) {
	server, _ := newTestServer(t, Config{AutoAccept: true})
	file := shareFixture(t, "doc.bin", 512)

	info, err := server.Start([]models.FileMetadata{file}, models.ShareModeDownload)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	base := baseURL(t, info)
	register(t, base)

	resp, err := http.Post(base+"/api/v1/upload", "multipart/form-data", nil)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 in download mode, got %d", resp.StatusCode)
	}
}

func TestShareCaps(t *testing.T) {
	server, _ := newTestServer(t, Config{MaxFiles: 2, MaxTotalSize: 4096})

	small := shareFixture(t, "a.bin", 512)
	files := []models.FileMetadata{small, shareFixture(t, "b.bin", 512), shareFixture(t, "c.bin", 512)}
	if _, err := server.Start(files, models.ShareModeDownload); !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("expected ErrTooManyFiles, got %v", err)
	}

	big := shareFixture(t, "big.bin", 8192)
	if _, err := server.Start([]models.FileMetadata{big}, models.ShareModeDownload); !errors.Is(err, ErrShareTooLarge) {
		t.Fatalf("expected ErrShareTooLarge, got %v", err)
	}

	if _, err := server.Start([]models.FileMetadata{small}, models.ShareModeDownload); err != nil {
		t.Fatalf("Start within caps failed: %v", err)
	}
}

func TestStopAndLifecycle(t *testing.T) {
	server, _ := newTestServer(t, Config{AutoAccept: true})
	file := shareFixture(t, "doc.bin", 256)

	if err := server.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}

	if _, err := server.Start([]models.FileMetadata{file}, models.ShareModeDownload); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := server.Start([]models.FileMetadata{file}, models.ShareModeDownload); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if server.Running() {
		t.Fatalf("server still running after stop")
	}
	if _, err := server.Info(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}
