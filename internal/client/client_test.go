package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/catalog"
	"github.com/vaultkeep/vaultkeep/internal/client/netmon"
	"github.com/vaultkeep/vaultkeep/internal/client/session"
	"github.com/vaultkeep/vaultkeep/internal/handlers"
	"github.com/vaultkeep/vaultkeep/internal/storage/filesystem"
	"github.com/vaultkeep/vaultkeep/internal/tusd"
	"github.com/vaultkeep/vaultkeep/internal/vaultcrypto"
)

// newVaultServer assembles the real server surface the client talks to.
func newVaultServer(t *testing.T) *httptest.Server {
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

	uploads := tusd.NewHandler(backend, cat, "/uploads", 0)
	mux := http.NewServeMux()
	mux.Handle("/uploads", uploads)
	mux.Handle("/uploads/", uploads)
	mux.HandleFunc("GET /list-files", handlers.ListFilesHandler(cat))
	mux.HandleFunc("GET /download/{id}", handlers.DownloadHandler(backend, cat))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestUploadListFetchRoundTrip(t *testing.T) {
	srv := newVaultServer(t)
	content := []byte("quarterly numbers, eyes only")
	path := writeTempFile(t, "report.pdf", content)

	v := New(srv.URL, "alice", "hunter2")
	defer v.Close()

	s, err := v.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if s.State() != session.StateComplete {
		t.Fatalf("state = %v, want complete", s.State())
	}
	if s.DisplayName() != "report.pdf.enc" {
		t.Errorf("name = %q, want report.pdf.enc", s.DisplayName())
	}

	entries, err := v.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].OriginalName != "report.pdf.enc" {
		t.Errorf("OriginalName = %q", entries[0].OriginalName)
	}

	dest := t.TempDir()
	got, err := v.Fetch(context.Background(), entries[0], dest)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if filepath.Base(got) != "report.pdf" {
		t.Errorf("fetched name = %q, want report.pdf (suffix stripped)", filepath.Base(got))
	}
	fetched, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(fetched, content) {
		t.Error("fetched content differs from the original")
	}
}

func TestUpload_MissingCredentials(t *testing.T) {
	srv := newVaultServer(t)
	path := writeTempFile(t, "report.pdf", []byte("data"))

	v := New(srv.URL, "alice", "")
	defer v.Close()

	if _, err := v.Upload(context.Background(), path); err == nil {
		t.Fatal("Upload() without passphrase should fail")
	}
}

func TestList_ScopedToOwnUser(t *testing.T) {
	srv := newVaultServer(t)

	alice := New(srv.URL, "alice", "alicepass")
	defer alice.Close()
	bob := New(srv.URL, "bob", "bobpass")
	defer bob.Close()

	if _, err := alice.Upload(context.Background(), writeTempFile(t, "alice.txt", []byte("alice data"))); err != nil {
		t.Fatalf("alice Upload() error = %v", err)
	}
	if _, err := bob.Upload(context.Background(), writeTempFile(t, "bob.txt", []byte("bob data"))); err != nil {
		t.Fatalf("bob Upload() error = %v", err)
	}

	entries, err := bob.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].OriginalName != "bob.txt.enc" {
		t.Errorf("bob sees %v, want only bob.txt.enc", entries)
	}
}

func TestFetch_WrongPassphraseWritesNothing(t *testing.T) {
	srv := newVaultServer(t)
	path := writeTempFile(t, "secret.txt", []byte("secret"))

	owner := New(srv.URL, "alice", "rightpass")
	defer owner.Close()
	if _, err := owner.Upload(context.Background(), path); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	entries, err := owner.List(context.Background())
	if err != nil || len(entries) != 1 {
		t.Fatalf("List() = %v, %v", entries, err)
	}

	intruder := New(srv.URL, "alice", "wrongpass")
	defer intruder.Close()

	dest := t.TempDir()
	_, err = intruder.Fetch(context.Background(), entries[0], dest)
	if !errors.Is(err, vaultcrypto.ErrDecryptionFailed) {
		t.Fatalf("Fetch() error = %v, want ErrDecryptionFailed", err)
	}

	left, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(left) != 0 {
		t.Error("failed decrypt left files on disk")
	}
}

func TestFetch_NotFound(t *testing.T) {
	srv := newVaultServer(t)

	v := New(srv.URL, "alice", "pass")
	defer v.Close()

	_, err := v.fetchBlob(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("fetchBlob() error = %v, want ErrNotFound", err)
	}
}

func TestOfflineThenOnlineResumes(t *testing.T) {
	srv := newVaultServer(t)
	path := writeTempFile(t, "flaky.bin", bytes.Repeat([]byte("z"), 2048))

	var blocked atomic.Bool
	blocked.Store(true)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if blocked.Load() {
			// Connection level failure stand-in.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		httputilProxy(srv.URL, w, r)
	}))
	t.Cleanup(proxy.Close)

	v := New(proxy.URL, "alice", "pass",
		WithChunkSize(256),
		WithBackoff(netmon.NewBackoffPolicy(0)),
		WithDebounce(10*time.Millisecond))
	defer v.Close()

	v.SetOnline(false)

	s, err := v.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if s.State() != session.StatePaused {
		t.Fatalf("state = %v, want paused while offline", s.State())
	}

	blocked.Store(false)
	v.SetOnline(true)

	deadline := time.After(5 * time.Second)
	for s.State() != session.StateComplete {
		select {
		case <-deadline:
			t.Fatalf("upload never completed after reconnect, state = %v", s.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// httputilProxy forwards one request to the real server.
func httputilProxy(base string, w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequest(r.Method, base+r.URL.RequestURI(), r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return
	}
}
