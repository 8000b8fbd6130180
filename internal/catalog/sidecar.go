package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
)

const sidecarSuffix = ".json"

// SidecarCatalog stores one JSON sidecar per blob in the same directory as
// the local storage backend: <dir>/<id> holds the bytes, <dir>/<id>.json
// holds {"metadata": {"filename": ..., "userId": ..., "isEncrypted": ...}}.
type SidecarCatalog struct {
	dir string
}

// NewSidecar creates a sidecar catalog over the given storage directory.
func NewSidecar(dir string) (*SidecarCatalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SidecarCatalog{dir: dir}, nil
}

func (c *SidecarCatalog) sidecarPath(id string) string {
	return filepath.Join(c.dir, id+sidecarSuffix)
}

func (c *SidecarCatalog) blobPath(id string) string {
	return filepath.Join(c.dir, id)
}

// Put writes the sidecar atomically (temp file then rename).
func (c *SidecarCatalog) Put(ctx context.Context, id string, meta models.UploadMeta) error {
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return errors.New("invalid id")
	}

	data, err := json.Marshal(models.Sidecar{Metadata: meta})
	if err != nil {
		return err
	}

	tmp := c.sidecarPath(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.sidecarPath(id)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// List enumerates sidecar records and returns those owned by owner.
// Malformed sidecars are skipped, not surfaced: one corrupt record must not
// take down the listing. Entries whose blob is missing are skipped too, so
// a half-committed upload is never visible.
func (c *SidecarCatalog) List(ctx context.Context, owner string) ([]models.FileEntry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	entries := []models.FileEntry{}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, sidecarSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, sidecarSuffix)

		meta, err := c.readSidecar(id)
		if err != nil {
			slog.Debug("skipping malformed sidecar", "file", name, "error", err)
			continue
		}
		if meta.UserID != owner {
			continue
		}
		if _, err := os.Stat(c.blobPath(id)); err != nil {
			slog.Warn("sidecar without blob, skipping", "id", id)
			continue
		}
		entries = append(entries, models.FileEntry{ID: id, OriginalName: meta.Filename})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Get returns the metadata for one object.
func (c *SidecarCatalog) Get(ctx context.Context, id string) (models.UploadMeta, error) {
	meta, err := c.readSidecar(id)
	if err != nil {
		if os.IsNotExist(err) {
			return models.UploadMeta{}, storage.ErrNotFound
		}
		return models.UploadMeta{}, err
	}
	return meta, nil
}

// Delete removes the sidecar record.
func (c *SidecarCatalog) Delete(ctx context.Context, id string) error {
	if err := os.Remove(c.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close is a no-op for the sidecar catalog.
func (c *SidecarCatalog) Close() error { return nil }

func (c *SidecarCatalog) readSidecar(id string) (models.UploadMeta, error) {
	data, err := os.ReadFile(c.sidecarPath(id))
	if err != nil {
		return models.UploadMeta{}, err
	}
	var sc models.Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return models.UploadMeta{}, err
	}
	return sc.Metadata, nil
}
