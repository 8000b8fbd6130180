package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/catalog"
	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage/filesystem"
)

func newTestEnv(t *testing.T) (*filesystem.FilesystemBackend, *catalog.SidecarCatalog, string) {
	t.Helper()

	dir := t.TempDir()
	backend, err := filesystem.New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cat, err := catalog.NewSidecar(dir)
	if err != nil {
		t.Fatalf("NewSidecar() error = %v", err)
	}
	return backend, cat, dir
}

// storeFile places a committed blob plus its catalog record, bypassing
// the upload protocol.
func storeFile(t *testing.T, dir string, cat *catalog.SidecarCatalog, id, owner, name string, content []byte) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, id), content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	meta := models.UploadMeta{
		Filename:    name,
		UserID:      owner,
		IsEncrypted: true,
		Size:        int64(len(content)),
	}
	if err := cat.Put(context.Background(), id, meta); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
}

func TestListFilesHandler(t *testing.T) {
	_, cat, dir := newTestEnv(t)

	storeFile(t, dir, cat, "id-1", "alice", "a.pdf.enc", []byte("one"))
	storeFile(t, dir, cat, "id-2", "alice", "b.jpg.enc", []byte("two"))
	storeFile(t, dir, cat, "id-3", "bob", "c.txt.enc", []byte("three"))

	handler := ListFilesHandler(cat)

	req := httptest.NewRequest(http.MethodGet, "/list-files?user=alice", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var entries []models.FileEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == "id-3" {
			t.Error("bob's file leaked into alice's listing")
		}
	}
}

func TestListFilesHandler_NoUserParam(t *testing.T) {
	_, cat, dir := newTestEnv(t)
	storeFile(t, dir, cat, "id-1", "alice", "a.pdf.enc", []byte("one"))

	handler := ListFilesHandler(cat)

	req := httptest.NewRequest(http.MethodGet, "/list-files", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestListFilesHandler_NoUserParamSkipsOwnerlessRecords(t *testing.T) {
	_, cat, dir := newTestEnv(t)
	// A raw protocol client can omit the userId metadata entirely. The
	// resulting ownerless record must not surface on an ownerless query.
	storeFile(t, dir, cat, "id-1", "", "stray.bin", []byte("stray"))

	handler := ListFilesHandler(cat)

	req := httptest.NewRequest(http.MethodGet, "/list-files", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestDownloadHandler_DirectStream(t *testing.T) {
	backend, cat, dir := newTestEnv(t)

	content := []byte("%PDF-1.4 pretend pdf content")
	storeFile(t, dir, cat, "id-1", "alice", "report.pdf", content)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /download/{id}", DownloadHandler(backend, cat))

	req := httptest.NewRequest(http.MethodGet, "/download/id-1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="report.pdf"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	body, _ := io.ReadAll(w.Body)
	if !bytes.Equal(body, content) {
		t.Errorf("body = %q, want %q", body, content)
	}
}

func TestDownloadHandler_EncryptedIsOpaque(t *testing.T) {
	backend, cat, dir := newTestEnv(t)

	storeFile(t, dir, cat, "id-1", "alice", "report.pdf.enc", []byte("ciphertext"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /download/{id}", DownloadHandler(backend, cat))

	req := httptest.NewRequest(http.MethodGet, "/download/id-1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want application/octet-stream", ct)
	}
}

func TestDownloadHandler_NotFound(t *testing.T) {
	backend, cat, _ := newTestEnv(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /download/{id}", DownloadHandler(backend, cat))

	req := httptest.NewRequest(http.MethodGet, "/download/no-such-id", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var resp models.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	backend, _, _ := newTestEnv(t)

	handler := HealthHandler(backend, time.Now(), "dev")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp models.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Backend != "local" {
		t.Errorf("backend = %q, want local", resp.Backend)
	}
}
