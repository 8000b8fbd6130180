// Package catalog tracks per-object upload metadata: who owns a blob, its
// original filename, and whether the payload is client-encrypted.
//
// The local backend colocates metadata as JSON sidecars next to the blobs;
// the S3 backend keeps a lightweight SQLite index instead, because remote
// per-request enumeration of user-scoped objects is too expensive.
package catalog

import (
	"context"

	"github.com/vaultkeep/vaultkeep/internal/models"
)

// Catalog records and lists upload metadata scoped by owner.
type Catalog interface {
	// Put records metadata for a committed object. It is called only after
	// the blob is durable, so a listed entry always has a backing object.
	Put(ctx context.Context, id string, meta models.UploadMeta) error

	// List returns the entries owned by the given user, matched by plain
	// string equality. An unknown or empty owner yields an empty slice.
	List(ctx context.Context, owner string) ([]models.FileEntry, error)

	// Get returns the metadata for a single object ID.
	Get(ctx context.Context, id string) (models.UploadMeta, error)

	// Delete removes the metadata record for an object ID.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the catalog.
	Close() error
}
