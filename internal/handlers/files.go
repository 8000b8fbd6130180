package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vaultkeep/vaultkeep/internal/catalog"
	"github.com/vaultkeep/vaultkeep/internal/metrics"
	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
)

// ListFilesHandler returns the files owned by the user named in the
// "user" query parameter. An absent or unknown owner yields an empty
// list, never an error.
func ListFilesHandler(cat catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("user")
		if owner == "" {
			// An empty owner must not match records whose userId
			// happens to be empty.
			metrics.ListRequestsTotal.Inc()
			sendJSON(w, http.StatusOK, []models.FileEntry{})
			return
		}

		entries, err := cat.List(r.Context(), owner)
		if err != nil {
			slog.Error("Failed to list files",
				"owner", owner,
				"client_ip", getClientIP(r),
				"error", err)
			sendError(w, "Failed to list files", "LIST_FAILED", http.StatusInternalServerError)
			return
		}

		metrics.ListRequestsTotal.Inc()
		sendJSON(w, http.StatusOK, entries)
	}
}

// DownloadHandler resolves a stored object for download. Local objects
// stream directly as an attachment; remote objects answer with a JSON
// body carrying a presigned URL the client follows itself.
func DownloadHandler(backend storage.Backend, cat catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			sendError(w, "File ID required", "MISSING_ID", http.StatusBadRequest)
			return
		}

		meta, err := cat.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				metrics.DownloadsTotal.WithLabelValues("not_found").Inc()
				sendError(w, "File not found", "NOT_FOUND", http.StatusNotFound)
				return
			}
			slog.Error("Failed to look up file", "file_id", id, "error", err)
			sendError(w, "Download failed", "DOWNLOAD_FAILED", http.StatusInternalServerError)
			return
		}

		res, err := backend.ResolveDownload(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				metrics.DownloadsTotal.WithLabelValues("not_found").Inc()
				sendError(w, "File not found", "NOT_FOUND", http.StatusNotFound)
				return
			}
			slog.Error("Failed to resolve download", "file_id", id, "error", err)
			sendError(w, "Download failed", "DOWNLOAD_FAILED", http.StatusInternalServerError)
			return
		}

		if !res.Direct {
			metrics.DownloadsTotal.WithLabelValues("presigned").Inc()
			slog.Info("Issued presigned download",
				"file_id", id,
				"filename", meta.Filename,
				"client_ip", getClientIP(r))
			sendJSON(w, http.StatusOK, models.DownloadURLResponse{URL: res.URL})
			return
		}

		rc, err := backend.Open(r.Context(), id)
		if err != nil {
			slog.Error("Failed to open file", "file_id", id, "error", err)
			sendError(w, "Download failed", "DOWNLOAD_FAILED", http.StatusInternalServerError)
			return
		}
		defer rc.Close()

		name := meta.Filename
		if name == "" {
			name = id
		}

		body, contentType := sniffContentType(rc, name)

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", name))
		if meta.Size > 0 {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.Size))
		}

		if _, err := io.Copy(w, body); err != nil {
			// Headers are already out; all we can do is log.
			slog.Warn("Download stream interrupted", "file_id", id, "error", err)
			return
		}

		metrics.DownloadsTotal.WithLabelValues("direct").Inc()
		slog.Info("File downloaded",
			"file_id", id,
			"filename", meta.Filename,
			"client_ip", getClientIP(r))
	}
}

// sniffContentType reads the head of the stream to detect the MIME
// type, returning a reader that replays the whole stream. Encrypted
// payloads are opaque bytes regardless of the inner name.
func sniffContentType(rc io.Reader, name string) (io.Reader, string) {
	if strings.HasSuffix(name, ".enc") {
		return rc, "application/octet-stream"
	}
	head := make([]byte, 3072)
	n, _ := io.ReadFull(rc, head)
	head = head[:n]
	return io.MultiReader(bytes.NewReader(head), rc), mimetype.Detect(head).String()
}
