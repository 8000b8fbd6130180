// Package filesystem implements the storage.Backend interface for local
// filesystem storage. Partial uploads live under a hidden subdirectory and
// are renamed into place on commit so committed blobs appear atomically.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
)

const (
	// partialDir is the subdirectory holding in-progress uploads.
	partialDir = ".partial"

	// infoSuffix marks the JSON record tracking an in-progress upload.
	infoSuffix = ".info"

	// copyBufferSize is the buffer size for chunk writes (1MB).
	copyBufferSize = 1024 * 1024
)

// FilesystemBackend implements storage.Backend on a local directory.
// One blob file plus one JSON sidecar per completed upload; the sidecar is
// written by the catalog, not by this backend.
type FilesystemBackend struct {
	baseDir    string
	absBaseDir string

	// mu serializes appends per upload ID so the offset check and the
	// write are one step. A losing concurrent writer sees a mismatch.
	mu      sync.Mutex
	appends map[string]*sync.Mutex
}

// New creates a FilesystemBackend rooted at baseDir, creating the
// directory tree if needed.
func New(baseDir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, storage.NewStorageError("New", baseDir, err)
	}

	partialPath := filepath.Join(baseDir, partialDir)
	if err := os.MkdirAll(partialPath, 0o755); err != nil {
		return nil, storage.NewStorageError("New", partialPath, err)
	}

	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, storage.NewStorageError("New", baseDir, err)
	}

	return &FilesystemBackend{
		baseDir:    baseDir,
		absBaseDir: absBaseDir,
		appends:    make(map[string]*sync.Mutex),
	}, nil
}

// Name identifies the backend variant.
func (b *FilesystemBackend) Name() string { return "local" }

// validateID rejects IDs that could escape the base directory. Upload IDs
// are server-generated UUIDs, but IDs also arrive on the download path
// straight from the URL.
func (b *FilesystemBackend) validateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid id: %s", id)
	}
	return nil
}

func (b *FilesystemBackend) blobPath(id string) string {
	return filepath.Join(b.baseDir, id)
}

func (b *FilesystemBackend) partialPath(id string) string {
	return filepath.Join(b.baseDir, partialDir, id)
}

func (b *FilesystemBackend) infoPath(id string) string {
	return filepath.Join(b.baseDir, partialDir, id+infoSuffix)
}

func (b *FilesystemBackend) appendLock(id string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.appends[id]
	if !ok {
		l = &sync.Mutex{}
		b.appends[id] = l
	}
	return l
}

func (b *FilesystemBackend) releaseLock(id string) {
	b.mu.Lock()
	delete(b.appends, id)
	b.mu.Unlock()
}

func (b *FilesystemBackend) readInfo(id string) (models.UploadInfo, error) {
	var info models.UploadInfo
	data, err := os.ReadFile(b.infoPath(id))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, err
	}
	return info, nil
}

func (b *FilesystemBackend) writeInfo(info models.UploadInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(b.infoPath(info.ID), data, 0o644)
}

// CreateUpload allocates partial state for the upload. If partial state for
// this ID already exists (a reconnecting client, or a second tab racing on
// the same fingerprint-derived ID), the existing state wins.
func (b *FilesystemBackend) CreateUpload(ctx context.Context, info models.UploadInfo) (models.UploadInfo, error) {
	if err := b.validateID(info.ID); err != nil {
		return models.UploadInfo{}, storage.NewStorageError("CreateUpload", info.ID, err)
	}

	if existing, err := b.GetUpload(ctx, info.ID); err == nil {
		slog.Debug("resuming existing upload", "id", info.ID, "offset", existing.Offset)
		return existing, nil
	} else if errors.Is(err, storage.ErrUploadComplete) {
		return models.UploadInfo{}, err
	}

	f, err := os.OpenFile(b.partialPath(info.ID), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return models.UploadInfo{}, storage.NewStorageError("CreateUpload", info.ID, err)
	}
	f.Close()

	info.Offset = 0
	if err := b.writeInfo(info); err != nil {
		os.Remove(b.partialPath(info.ID))
		return models.UploadInfo{}, storage.NewStorageError("CreateUpload", info.ID, err)
	}
	return info, nil
}

// GetUpload reports the current offset of an in-progress upload. The offset
// is the partial file's size on disk, not a cached counter, so it survives
// process restarts.
func (b *FilesystemBackend) GetUpload(ctx context.Context, id string) (models.UploadInfo, error) {
	if err := b.validateID(id); err != nil {
		return models.UploadInfo{}, storage.NewStorageError("GetUpload", id, err)
	}

	info, err := b.readInfo(id)
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(b.blobPath(id)); statErr == nil {
				return models.UploadInfo{}, storage.ErrUploadComplete
			}
			return models.UploadInfo{}, storage.ErrNotFound
		}
		return models.UploadInfo{}, storage.NewStorageError("GetUpload", id, err)
	}

	fi, err := os.Stat(b.partialPath(id))
	if err != nil {
		return models.UploadInfo{}, storage.NewStorageError("GetUpload", id, err)
	}
	info.Offset = fi.Size()
	return info, nil
}

// AppendChunk appends data at the given offset. The offset must equal the
// partial file's current size.
func (b *FilesystemBackend) AppendChunk(ctx context.Context, id string, offset int64, data io.Reader) (int64, error) {
	if err := b.validateID(id); err != nil {
		return 0, storage.NewStorageError("AppendChunk", id, err)
	}

	lock := b.appendLock(id)
	lock.Lock()
	defer lock.Unlock()

	info, err := b.GetUpload(ctx, id)
	if err != nil {
		return 0, err
	}
	if offset != info.Offset {
		return info.Offset, storage.ErrOffsetMismatch
	}

	f, err := os.OpenFile(b.partialPath(id), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, storage.NewStorageError("AppendChunk", id, err)
	}
	defer f.Close()

	// Cap the copy at the declared length so a misbehaving client cannot
	// grow the partial past what it announced.
	remaining := info.Length - offset
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(f, io.LimitReader(data, remaining), buf)
	if err != nil {
		// Bytes may have landed before the failure; the client re-probes
		// the offset and continues from wherever the file actually is.
		return offset + n, storage.NewStorageError("AppendChunk", id, err)
	}
	if err := f.Sync(); err != nil {
		return offset + n, storage.NewStorageError("AppendChunk", id, err)
	}
	return offset + n, nil
}

// Commit renames the partial file into its final blob location. The rename
// is atomic, so a blob either exists completely or not at all.
func (b *FilesystemBackend) Commit(ctx context.Context, id string) error {
	if err := b.validateID(id); err != nil {
		return storage.NewStorageError("Commit", id, err)
	}

	lock := b.appendLock(id)
	lock.Lock()
	defer lock.Unlock()

	info, err := b.GetUpload(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrUploadComplete) {
			return nil // already committed, idempotent
		}
		return err
	}
	if info.Offset != info.Length {
		return storage.NewStorageError("Commit", id,
			fmt.Errorf("upload incomplete: %d of %d bytes", info.Offset, info.Length))
	}

	if err := os.Rename(b.partialPath(id), b.blobPath(id)); err != nil {
		return storage.NewStorageError("Commit", id, err)
	}
	if err := os.Remove(b.infoPath(id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove upload info after commit", "id", id, "error", err)
	}
	b.releaseLock(id)
	return nil
}

// Terminate discards an in-progress upload.
func (b *FilesystemBackend) Terminate(ctx context.Context, id string) error {
	if err := b.validateID(id); err != nil {
		return storage.NewStorageError("Terminate", id, err)
	}

	if _, err := os.Stat(b.infoPath(id)); os.IsNotExist(err) {
		return storage.ErrNotFound
	}
	if err := os.Remove(b.partialPath(id)); err != nil && !os.IsNotExist(err) {
		return storage.NewStorageError("Terminate", id, err)
	}
	if err := os.Remove(b.infoPath(id)); err != nil && !os.IsNotExist(err) {
		return storage.NewStorageError("Terminate", id, err)
	}
	b.releaseLock(id)
	return nil
}

// Open returns a reader over a committed blob.
func (b *FilesystemBackend) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := b.validateID(id); err != nil {
		return nil, storage.NewStorageError("Open", id, err)
	}

	f, err := os.Open(b.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewStorageError("Open", id, err)
	}
	return f, nil
}

// Size returns the size of a committed blob.
func (b *FilesystemBackend) Size(ctx context.Context, id string) (int64, error) {
	if err := b.validateID(id); err != nil {
		return 0, storage.NewStorageError("Size", id, err)
	}

	fi, err := os.Stat(b.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrNotFound
		}
		return 0, storage.NewStorageError("Size", id, err)
	}
	return fi.Size(), nil
}

// ResolveDownload always resolves to a direct stream for the local backend.
func (b *FilesystemBackend) ResolveDownload(ctx context.Context, id string) (models.DownloadResolution, error) {
	if err := b.validateID(id); err != nil {
		return models.DownloadResolution{}, storage.NewStorageError("ResolveDownload", id, err)
	}

	if _, err := os.Stat(b.blobPath(id)); err != nil {
		if os.IsNotExist(err) {
			return models.DownloadResolution{}, storage.ErrNotFound
		}
		return models.DownloadResolution{}, storage.NewStorageError("ResolveDownload", id, err)
	}
	return models.DownloadResolution{Direct: true}, nil
}

// BaseDir exposes the storage root; the local catalog scans sidecars there.
func (b *FilesystemBackend) BaseDir() string {
	return b.baseDir
}

// SweepStalePartials removes partial uploads whose bytes have not moved
// for longer than maxAge. Abandoned tabs and crashed clients otherwise
// leak partial files forever.
func (b *FilesystemBackend) SweepStalePartials(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(b.baseDir, partialDir))
	if err != nil {
		return 0, storage.NewStorageError("SweepStalePartials", partialDir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || strings.HasSuffix(entry.Name(), infoSuffix) {
			continue
		}

		fi, err := entry.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}

		id := entry.Name()
		if err := b.Terminate(ctx, id); err != nil {
			slog.Warn("failed to remove stale partial", "id", id, "error", err)
			continue
		}
		slog.Info("removed stale partial upload", "id", id, "age", time.Since(fi.ModTime()))
		removed++
	}
	return removed, nil
}
