// Package storage abstracts blob persistence for resumable uploads.
// Two backends implement it: local filesystem and S3-compatible object
// storage. The variant is selected once at startup and injected; handler
// code never branches on the backend kind.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/vaultkeep/vaultkeep/internal/models"
)

// Sentinel errors surfaced by backends.
var (
	// ErrNotFound indicates the object or upload does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrOffsetMismatch indicates a chunk write at an offset that does not
	// match the backend's recorded length. The writer must re-probe the
	// current offset and retry from there.
	ErrOffsetMismatch = errors.New("upload offset mismatch")

	// ErrUploadComplete indicates a write against an already committed
	// upload. Committed objects are immutable.
	ErrUploadComplete = errors.New("upload already complete")
)

// Backend is the storage capability the upload endpoint is written against.
//
// An upload moves through three stages: CreateUpload allocates server-side
// state for a declared length, AppendChunk extends the partial object at a
// negotiated offset, and Commit makes the blob durable and immutable once
// the final byte arrives. Retrieval is by the same opaque ID.
type Backend interface {
	// Name identifies the backend variant ("local" or "s3").
	Name() string

	// CreateUpload allocates partial-upload state for the given ID.
	// Creating an ID that already has partial state is not an error; the
	// existing state is kept so a reconnecting client resumes it.
	CreateUpload(ctx context.Context, info models.UploadInfo) (models.UploadInfo, error)

	// GetUpload returns the current state of an in-progress upload.
	// Returns ErrNotFound for unknown IDs and ErrUploadComplete for IDs
	// that have already been committed.
	GetUpload(ctx context.Context, id string) (models.UploadInfo, error)

	// AppendChunk writes data to the partial object starting at offset.
	// The offset must equal the current recorded length or the write is
	// rejected with ErrOffsetMismatch. Returns the new offset.
	// A retried write of bytes already present at the same offset is safe.
	AppendChunk(ctx context.Context, id string, offset int64, data io.Reader) (int64, error)

	// Commit finalizes the upload: the partial bytes become the durable
	// blob and the partial state is released. Commit of an ID whose
	// partial length does not equal its declared length fails.
	Commit(ctx context.Context, id string) error

	// Terminate discards an in-progress upload and its partial bytes.
	Terminate(ctx context.Context, id string) error

	// Open returns a reader over a committed blob.
	Open(ctx context.Context, id string) (io.ReadCloser, error)

	// Size returns the size of a committed blob.
	Size(ctx context.Context, id string) (int64, error)

	// ResolveDownload resolves how a committed blob should be delivered:
	// a direct stream (local) or a time-limited presigned URL (S3).
	ResolveDownload(ctx context.Context, id string) (models.DownloadResolution, error)
}

// StorageError wraps a backend failure with the operation and path involved.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the given details.
func NewStorageError(op, path string, err error) *StorageError {
	return &StorageError{Op: op, Path: path, Err: err}
}
