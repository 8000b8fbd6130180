package models

import "time"

// UploadMeta is the per-object metadata record written when an upload
// commits. For the local backend it is persisted as a JSON sidecar next to
// the blob; for the S3 backend it is a row in the catalog index.
type UploadMeta struct {
	Filename    string `json:"filename"`
	UserID      string `json:"userId"`
	IsEncrypted bool   `json:"isEncrypted"`
	Size        int64  `json:"size,omitempty"`
}

// Sidecar is the on-disk shape of a local metadata record:
// {"metadata": {"filename": ..., "userId": ..., "isEncrypted": ...}}
type Sidecar struct {
	Metadata UploadMeta `json:"metadata"`
}

// FileEntry is one element of the /list-files response.
type FileEntry struct {
	ID           string `json:"id"`
	OriginalName string `json:"originalName"`
}

// UploadInfo tracks an in-progress resumable upload on the server.
type UploadInfo struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Length      int64             `json:"length"`
	Offset      int64             `json:"offset"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Meta returns the UploadMeta encoded in the upload's protocol metadata.
func (u *UploadInfo) Meta() UploadMeta {
	return UploadMeta{
		Filename:    u.Metadata["filename"],
		UserID:      u.Metadata["userId"],
		IsEncrypted: u.Metadata["isEncrypted"] == "true",
		Size:        u.Length,
	}
}

// DownloadResolution is the result of resolving a download for an object ID.
// Exactly one of the two forms is populated: a direct stream for the local
// backend, or a time-limited presigned URL for the S3 backend.
type DownloadResolution struct {
	// URL is a presigned, time-bounded retrieval URL (S3 backend).
	URL string
	// Direct reports whether the caller should stream the object itself.
	Direct bool
}

// DownloadURLResponse is the JSON body returned by /download/{id} when the
// backend resolves to a presigned URL instead of a direct stream.
type DownloadURLResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the standard JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	Backend       string `json:"backend"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version,omitempty"`
}
