package tusd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeep/vaultkeep/internal/catalog"
	"github.com/vaultkeep/vaultkeep/internal/metrics"
	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
)

// uploadNamespace seeds the deterministic fingerprint-to-ID mapping. Two
// tabs of the same user uploading the same file carry the same fingerprint
// and therefore converge on the same upload ID and the same partial object.
var uploadNamespace = uuid.MustParse("8a3c5b2e-91d4-4f6a-b0e7-2c8f13d95a41")

// Handler terminates the resumable upload protocol under a URL prefix.
type Handler struct {
	backend  storage.Backend
	catalog  catalog.Catalog
	basePath string // e.g. "/uploads"
	maxSize  int64  // 0 = unlimited
}

// NewHandler creates a protocol handler that stores bytes in backend and
// records committed uploads in cat.
func NewHandler(backend storage.Backend, cat catalog.Catalog, basePath string, maxSize int64) *Handler {
	return &Handler{
		backend:  backend,
		catalog:  cat,
		basePath: strings.TrimRight(basePath, "/"),
		maxSize:  maxSize,
	}
}

// UploadID derives the server-side upload ID for a fingerprint. Exported so
// tests can assert the convergence property directly.
func UploadID(fingerprint string) string {
	return uuid.NewSHA1(uploadNamespace, []byte(fingerprint)).String()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Every response carries the protocol version.
	w.Header().Set(HeaderResumable, Version)

	switch r.Method {
	case http.MethodOptions:
		h.handleOptions(w)
	case http.MethodPost:
		h.handleCreate(w, r)
	case http.MethodHead:
		h.handleHead(w, r)
	case http.MethodPatch:
		h.handlePatch(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleOptions(w http.ResponseWriter) {
	w.Header().Set(HeaderVersion, Version)
	w.Header().Set(HeaderExtension, extensions)
	if h.maxSize > 0 {
		w.Header().Set(HeaderMaxSize, strconv.FormatInt(h.maxSize, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadIDFromPath extracts the upload ID from /uploads/<id>.
func (h *Handler) uploadIDFromPath(r *http.Request) string {
	rest := strings.TrimPrefix(r.URL.Path, h.basePath)
	return strings.Trim(rest, "/")
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(HeaderResumable) != Version {
		http.Error(w, "unsupported protocol version", http.StatusPreconditionFailed)
		return
	}

	length, err := strconv.ParseInt(r.Header.Get(HeaderLength), 10, 64)
	if err != nil || length < 0 {
		http.Error(w, "invalid or missing Upload-Length", http.StatusBadRequest)
		return
	}
	if h.maxSize > 0 && length > h.maxSize {
		http.Error(w, "upload exceeds maximum size", http.StatusRequestEntityTooLarge)
		return
	}

	meta, err := ParseMetadata(r.Header.Get(HeaderMetadata))
	if err != nil {
		http.Error(w, "invalid Upload-Metadata", http.StatusBadRequest)
		return
	}

	// The fingerprint is the resume key: the same (user, name, size) tuple
	// always maps to the same upload ID. Without one, the upload gets a
	// random identity and cannot converge across tabs.
	fingerprint := meta[MetaFingerprint]
	var id string
	if fingerprint != "" {
		id = UploadID(fingerprint)
	} else {
		id = uuid.New().String()
	}

	info, err := h.backend.CreateUpload(r.Context(), models.UploadInfo{
		ID:          id,
		Fingerprint: fingerprint,
		Length:      length,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrUploadComplete) {
			// Committed objects are immutable; a create against one is a
			// conflict, not a new logical object.
			http.Error(w, "upload already completed", http.StatusConflict)
			return
		}
		slog.Error("failed to create upload", "id", id, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	// Re-creating a finished but uncommitted upload, as a restarted
	// client does, gets the same recovery as the probe path: commit
	// before reporting an offset the client would read as "done".
	if info.Length > 0 && info.Offset == info.Length {
		if err := h.commit(r.Context(), id, info); err != nil {
			slog.Error("commit failed", "id", id, "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
	}

	if info.Offset > 0 {
		metrics.UploadsResumed.Inc()
	} else {
		metrics.UploadsCreated.Inc()
	}

	slog.Info("upload created",
		"id", id,
		"length", length,
		"offset", info.Offset,
		"filename", meta[MetaFilename],
		"user", meta[MetaUserID],
	)

	w.Header().Set("Location", h.basePath+"/"+id)
	w.Header().Set(HeaderOffset, strconv.FormatInt(info.Offset, 10))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	id := h.uploadIDFromPath(r)
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := h.backend.GetUpload(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrUploadComplete) {
			// The upload finished; report offset == length so a probing
			// client knows there is nothing left to send.
			size, sizeErr := h.backend.Size(r.Context(), id)
			if sizeErr != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set(HeaderLength, strconv.FormatInt(size, 10))
			w.Header().Set(HeaderOffset, strconv.FormatInt(size, 10))
			w.WriteHeader(http.StatusOK)
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("failed to probe upload", "id", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	// A full partial still in partial state means the commit on the final
	// chunk failed. The probe is the client's retry point, so finish the
	// commit here rather than report an offset the client would read as
	// "done". Answering 500 keeps the retry loop alive until it sticks.
	if info.Length > 0 && info.Offset == info.Length {
		if err := h.commit(r.Context(), id, info); err != nil {
			slog.Error("commit failed", "id", id, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(HeaderLength, strconv.FormatInt(info.Length, 10))
	w.Header().Set(HeaderOffset, strconv.FormatInt(info.Offset, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := h.uploadIDFromPath(r)
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if r.Header.Get("Content-Type") != ContentTypePatch {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get(HeaderOffset), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "invalid or missing Upload-Offset", http.StatusBadRequest)
		return
	}

	newOffset, err := h.backend.AppendChunk(r.Context(), id, offset, r.Body)
	switch {
	case errors.Is(err, storage.ErrOffsetMismatch):
		// The client's view of the offset is stale (dropped connection, or
		// it lost a race with another writer). It re-probes and continues.
		metrics.OffsetConflicts.Inc()
		w.Header().Set(HeaderOffset, strconv.FormatInt(newOffset, 10))
		w.WriteHeader(http.StatusConflict)
		return
	case errors.Is(err, storage.ErrUploadComplete):
		// A replayed final chunk after commit. Acknowledge at the final
		// size; the commit already happened.
		size, sizeErr := h.backend.Size(r.Context(), id)
		if sizeErr != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set(HeaderOffset, strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, storage.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		slog.Error("chunk write failed", "id", id, "offset", offset, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	metrics.ChunksReceived.Inc()
	metrics.BytesUploaded.Add(float64(newOffset - offset))

	info, err := h.backend.GetUpload(r.Context(), id)
	if err != nil {
		// The bytes landed but the state read failed. Answering 204 here
		// would skip the commit check, so surface the failure and let the
		// client retry at the recorded offset.
		slog.Error("failed to read upload after append", "id", id, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if newOffset == info.Length {
		if err := h.commit(r.Context(), id, info); err != nil {
			slog.Error("commit failed", "id", id, "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set(HeaderOffset, strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// commit makes the blob durable and then records metadata. The ordering
// matters: a catalog entry must never reference a blob that is not durable.
func (h *Handler) commit(ctx context.Context, id string, info models.UploadInfo) error {
	if err := h.backend.Commit(ctx, id); err != nil {
		return err
	}
	if err := h.catalog.Put(ctx, id, info.Meta()); err != nil {
		return err
	}

	metrics.UploadsCompleted.Inc()
	slog.Info("upload committed",
		"id", id,
		"size", info.Length,
		"filename", info.Metadata[MetaFilename],
		"user", info.Metadata[MetaUserID],
	)
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := h.uploadIDFromPath(r)
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	err := h.backend.Terminate(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to terminate upload", "id", id, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	slog.Info("upload terminated", "id", id)
	w.WriteHeader(http.StatusNoContent)
}
