package tusd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/vaultkeep/vaultkeep/internal/catalog"
	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
	"github.com/vaultkeep/vaultkeep/internal/storage/filesystem"
)

// newTestServer wires a handler over a filesystem backend with a sidecar
// catalog sharing the same directory, the local production layout.
func newTestServer(t *testing.T) (*httptest.Server, catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()

	backend, err := filesystem.New(dir)
	if err != nil {
		t.Fatalf("filesystem.New failed: %v", err)
	}
	cat, err := catalog.NewSidecar(dir)
	if err != nil {
		t.Fatalf("catalog.NewSidecar failed: %v", err)
	}

	h := NewHandler(backend, cat, "/uploads", 1<<30)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, cat
}

// flakyBackend fails a fixed number of calls to selected operations,
// standing in for transient storage faults.
type flakyBackend struct {
	storage.Backend
	failCommits int
	failGets    int
}

func (b *flakyBackend) Commit(ctx context.Context, id string) error {
	if b.failCommits > 0 {
		b.failCommits--
		return storage.NewStorageError("commit", id, errors.New("disk full"))
	}
	return b.Backend.Commit(ctx, id)
}

func (b *flakyBackend) GetUpload(ctx context.Context, id string) (models.UploadInfo, error) {
	if b.failGets > 0 {
		b.failGets--
		return models.UploadInfo{}, storage.NewStorageError("stat", id, errors.New("input/output error"))
	}
	return b.Backend.GetUpload(ctx, id)
}

func newFlakyServer(t *testing.T) (*httptest.Server, catalog.Catalog, *flakyBackend) {
	t.Helper()
	dir := t.TempDir()

	backend, err := filesystem.New(dir)
	if err != nil {
		t.Fatalf("filesystem.New failed: %v", err)
	}
	cat, err := catalog.NewSidecar(dir)
	if err != nil {
		t.Fatalf("catalog.NewSidecar failed: %v", err)
	}
	fb := &flakyBackend{Backend: backend}

	h := NewHandler(fb, cat, "/uploads", 1<<30)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, cat, fb
}

func doReq(t *testing.T, method, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set(HeaderResumable, Version)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func createUpload(t *testing.T, srv *httptest.Server, length int, meta map[string]string) string {
	t.Helper()
	resp := doReq(t, http.MethodPost, srv.URL+"/uploads", nil, map[string]string{
		HeaderLength:   strconv.Itoa(length),
		HeaderMetadata: EncodeMetadata(meta),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		t.Fatal("create response missing Location")
	}
	return srv.URL + loc
}

func patchChunk(t *testing.T, url string, offset int, data []byte) *http.Response {
	t.Helper()
	return doReq(t, http.MethodPatch, url, data, map[string]string{
		"Content-Type": ContentTypePatch,
		HeaderOffset:   strconv.Itoa(offset),
	})
}

func aliceMeta() map[string]string {
	return map[string]string{
		MetaFingerprint: "fp-alice-report",
		MetaFilename:    "report.pdf.enc",
		MetaUserID:      "alice",
		MetaEncrypted:   "true",
	}
}

func TestOptions(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doReq(t, http.MethodOptions, srv.URL+"/uploads", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderResumable); got != Version {
		t.Errorf("Tus-Resumable = %q, want %q", got, Version)
	}
	if got := resp.Header.Get(HeaderExtension); got != "creation,termination" {
		t.Errorf("Tus-Extension = %q", got)
	}
}

func TestUploadLifecycle(t *testing.T) {
	srv, cat := newTestServer(t)
	content := []byte("hello resumable world")

	url := createUpload(t, srv, len(content), aliceMeta())

	resp := patchChunk(t, url, 0, content)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderOffset); got != strconv.Itoa(len(content)) {
		t.Errorf("Upload-Offset = %q, want %d", got, len(content))
	}

	// The commit wrote a catalog entry scoped to alice.
	entries, err := cat.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d catalog entries, want 1", len(entries))
	}
	if entries[0].OriginalName != "report.pdf.enc" {
		t.Errorf("originalName = %q", entries[0].OriginalName)
	}
}

func TestUploadInChunksWithProbe(t *testing.T) {
	srv, _ := newTestServer(t)
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")

	url := createUpload(t, srv, len(content), aliceMeta())

	// First chunk.
	if resp := patchChunk(t, url, 0, content[:10]); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch status = %d, want 204", resp.StatusCode)
	}

	// Simulated reconnect: probe the offset, resume from there.
	resp := doReq(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head status = %d, want 200", resp.StatusCode)
	}
	offset, err := strconv.Atoi(resp.Header.Get(HeaderOffset))
	if err != nil || offset != 10 {
		t.Fatalf("Upload-Offset = %q, want 10", resp.Header.Get(HeaderOffset))
	}

	if resp := patchChunk(t, url, offset, content[offset:]); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("final patch status = %d, want 204", resp.StatusCode)
	}

	// Completed upload probes at offset == length.
	resp = doReq(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderOffset); got != strconv.Itoa(len(content)) {
		t.Errorf("Upload-Offset after completion = %q, want %d", got, len(content))
	}
}

func TestPatchOffsetMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	content := []byte("0123456789")

	url := createUpload(t, srv, len(content), aliceMeta())

	if resp := patchChunk(t, url, 0, content[:5]); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch status = %d, want 204", resp.StatusCode)
	}

	// Stale offset is rejected with 409 and the current offset in the
	// response, so the client can re-negotiate without a HEAD.
	resp := patchChunk(t, url, 0, content[:5])
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale patch status = %d, want 409", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderOffset); got != "5" {
		t.Errorf("Upload-Offset on conflict = %q, want 5", got)
	}
}

func TestSameFingerprintConverges(t *testing.T) {
	srv, cat := newTestServer(t)
	content := []byte("converge")

	// Two tabs create the same logical upload.
	url1 := createUpload(t, srv, len(content), aliceMeta())
	url2 := createUpload(t, srv, len(content), aliceMeta())
	if url1 != url2 {
		t.Fatalf("same fingerprint mapped to different uploads: %q vs %q", url1, url2)
	}

	// Tab one sends half; tab two retries at 0 and loses.
	if resp := patchChunk(t, url1, 0, content[:4]); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	if resp := patchChunk(t, url2, 0, content[:4]); resp.StatusCode != http.StatusConflict {
		t.Fatalf("racing patch status = %d, want 409", resp.StatusCode)
	}

	// Tab two re-probes and finishes.
	if resp := patchChunk(t, url2, 4, content[4:]); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("final patch status = %d", resp.StatusCode)
	}

	entries, err := cat.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d stored objects, want exactly 1", len(entries))
	}
}

func TestCreateValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	// Missing Upload-Length.
	resp := doReq(t, http.MethodPost, srv.URL+"/uploads", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	// Wrong protocol version.
	resp = doReq(t, http.MethodPost, srv.URL+"/uploads", nil, map[string]string{
		HeaderResumable: "0.2.2",
		HeaderLength:    "10",
	})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412", resp.StatusCode)
	}

	// Over the maximum size.
	resp = doReq(t, http.MethodPost, srv.URL+"/uploads", nil, map[string]string{
		HeaderLength: strconv.FormatInt(1<<31, 10),
	})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestPatchValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	url := createUpload(t, srv, 10, aliceMeta())

	// Wrong content type.
	resp := doReq(t, http.MethodPatch, url, []byte("xx"), map[string]string{
		"Content-Type": "text/plain",
		HeaderOffset:   "0",
	})
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}

	// Unknown upload.
	resp = doReq(t, http.MethodPatch, srv.URL+"/uploads/no-such-upload", []byte("xx"), map[string]string{
		"Content-Type": ContentTypePatch,
		HeaderOffset:   "0",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHeadRetriesFailedCommit(t *testing.T) {
	srv, cat, fb := newFlakyServer(t)
	fb.failCommits = 2
	content := []byte("commit me eventually")

	url := createUpload(t, srv, len(content), aliceMeta())

	// The final chunk lands but the commit fails. The client must see an
	// error, not a 204 that it would take as done.
	resp := patchChunk(t, url, 0, content)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("patch status = %d, want 500", resp.StatusCode)
	}
	entries, err := cat.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d catalog entries before recovery, want 0", len(entries))
	}

	// The retrying client probes. A probe over a full partial redoes the
	// commit, and keeps answering 500 until the commit sticks, so offset
	// never reads "done" over a non-durable blob.
	resp = doReq(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("head status = %d, want 500 while commit still failing", resp.StatusCode)
	}

	resp = doReq(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderOffset); got != strconv.Itoa(len(content)) {
		t.Errorf("Upload-Offset = %q, want %d", got, len(content))
	}
	entries, err = cat.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d catalog entries after recovery, want 1", len(entries))
	}
}

func TestCreateCommitsFinishedUncommittedUpload(t *testing.T) {
	srv, cat, fb := newFlakyServer(t)
	fb.failCommits = 1
	content := []byte("restarted client")

	url := createUpload(t, srv, len(content), aliceMeta())
	if resp := patchChunk(t, url, 0, content); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("patch status = %d, want 500", resp.StatusCode)
	}

	// A restarted client re-creates instead of probing. The create must
	// finish the commit before handing back offset == length.
	url2 := createUpload(t, srv, len(content), aliceMeta())
	if url2 != url {
		t.Fatalf("re-create mapped to a different upload: %q vs %q", url2, url)
	}
	entries, err := cat.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d catalog entries, want 1", len(entries))
	}
}

func TestPatchSurfacesStateReadFailure(t *testing.T) {
	srv, cat, fb := newFlakyServer(t)
	content := []byte("read my state back")

	url := createUpload(t, srv, len(content), aliceMeta())

	// The append succeeds but the state read after it fails, so the
	// commit check never ran. That must not be acknowledged as 204.
	fb.failGets = 1
	resp := patchChunk(t, url, 0, content)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("patch status = %d, want 500", resp.StatusCode)
	}

	// The bytes did land; the follow-up probe commits and reports done.
	resp = doReq(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("head status = %d, want 200", resp.StatusCode)
	}
	entries, err := cat.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d catalog entries, want 1", len(entries))
	}
}

func TestDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	url := createUpload(t, srv, 10, aliceMeta())

	resp := doReq(t, http.MethodDelete, url, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = doReq(t, http.MethodHead, url, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("head after delete status = %d, want 404", resp.StatusCode)
	}
}
