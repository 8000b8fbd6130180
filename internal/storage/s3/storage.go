// Package s3 implements the storage.Backend interface for AWS S3 and
// S3-compatible object stores.
//
// S3 objects cannot be appended to, so an in-progress upload is staged as a
// sequence of chunk objects under a partial prefix, one per accepted PATCH
// body, named by their starting offset. Commit streams the staged chunks in
// order into the final object and deletes the staging keys. Downloads are
// resolved to presigned, time-limited GET URLs rather than proxied.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
)

const (
	// partialPrefix is the key prefix for staged upload chunks.
	partialPrefix = ".partial/"

	// infoSuffix marks the JSON object tracking an in-progress upload.
	infoSuffix = ".info"

	// multipartPartSize is the part size for the commit-time assembly
	// upload (5MB is the S3 minimum).
	multipartPartSize = 5 * 1024 * 1024

	// defaultPresignExpiry bounds the lifetime of download URLs.
	defaultPresignExpiry = time.Hour
)

// Config holds configuration for the S3 backend.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint for MinIO or other S3-compatible services
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool          // Use path-style addressing (required for MinIO)
	PresignExpiry   time.Duration // Lifetime of presigned download URLs
}

// S3Backend implements storage.Backend over an S3 bucket.
type S3Backend struct {
	client        *s3.Client
	presign       *s3.PresignClient
	uploader      *manager.Uploader
	bucket        string
	presignExpiry time.Duration
}

// New creates an S3Backend and verifies bucket access.
func New(ctx context.Context, cfg Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	var optFuncs []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFuncs = append(optFuncs, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFuncs = append(optFuncs, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFuncs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartPartSize
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access S3 bucket %q: %w", cfg.Bucket, err)
	}

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}

	slog.Info("s3 storage initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"path_style", cfg.PathStyle,
	)

	return &S3Backend{
		client:        client,
		presign:       s3.NewPresignClient(client),
		uploader:      uploader,
		bucket:        cfg.Bucket,
		presignExpiry: expiry,
	}, nil
}

// Name identifies the backend variant.
func (b *S3Backend) Name() string { return "s3" }

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\%\x00") {
		return fmt.Errorf("invalid id: %s", id)
	}
	return nil
}

func (b *S3Backend) infoKey(id string) string {
	return partialPrefix + id + infoSuffix
}

func (b *S3Backend) chunkKey(id string, offset int64) string {
	return fmt.Sprintf("%s%s/%020d", partialPrefix, id, offset)
}

func (b *S3Backend) chunkPrefix(id string) string {
	return partialPrefix + id + "/"
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (b *S3Backend) readInfo(ctx context.Context, id string) (models.UploadInfo, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.infoKey(id)),
	})
	if err != nil {
		return models.UploadInfo{}, err
	}
	defer out.Body.Close()

	var info models.UploadInfo
	if err := json.NewDecoder(out.Body).Decode(&info); err != nil {
		return models.UploadInfo{}, err
	}
	return info, nil
}

func (b *S3Backend) writeInfo(ctx context.Context, info models.UploadInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.infoKey(info.ID)),
		Body:        strings.NewReader(string(data)),
		ContentType: aws.String("application/json"),
	})
	return err
}

// CreateUpload allocates staging state for the upload. Existing state for
// the same ID is kept so a reconnecting client resumes it.
func (b *S3Backend) CreateUpload(ctx context.Context, info models.UploadInfo) (models.UploadInfo, error) {
	if err := validateID(info.ID); err != nil {
		return models.UploadInfo{}, storage.NewStorageError("CreateUpload", info.ID, err)
	}

	if existing, err := b.GetUpload(ctx, info.ID); err == nil {
		slog.Debug("resuming existing s3 upload", "id", info.ID, "offset", existing.Offset)
		return existing, nil
	} else if errors.Is(err, storage.ErrUploadComplete) {
		return models.UploadInfo{}, err
	}

	info.Offset = 0
	if err := b.writeInfo(ctx, info); err != nil {
		return models.UploadInfo{}, storage.NewStorageError("CreateUpload", info.ID, err)
	}
	return info, nil
}

// GetUpload returns the current staging state of an upload.
func (b *S3Backend) GetUpload(ctx context.Context, id string) (models.UploadInfo, error) {
	if err := validateID(id); err != nil {
		return models.UploadInfo{}, storage.NewStorageError("GetUpload", id, err)
	}

	info, err := b.readInfo(ctx, id)
	if err != nil {
		if isNoSuchKey(err) {
			if _, headErr := b.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(id),
			}); headErr == nil {
				return models.UploadInfo{}, storage.ErrUploadComplete
			}
			return models.UploadInfo{}, storage.ErrNotFound
		}
		return models.UploadInfo{}, storage.NewStorageError("GetUpload", id, err)
	}
	return info, nil
}

// AppendChunk stages the PATCH body as its own chunk object and advances the
// recorded offset. The offset check before staging is the only guard against
// concurrent writers; the loser of a race sees ErrOffsetMismatch and
// re-probes.
func (b *S3Backend) AppendChunk(ctx context.Context, id string, offset int64, data io.Reader) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, storage.NewStorageError("AppendChunk", id, err)
	}

	info, err := b.GetUpload(ctx, id)
	if err != nil {
		return 0, err
	}
	if offset != info.Offset {
		return info.Offset, storage.ErrOffsetMismatch
	}

	remaining := info.Length - offset
	body, err := io.ReadAll(io.LimitReader(data, remaining))
	if err != nil {
		return info.Offset, storage.NewStorageError("AppendChunk", id, err)
	}
	if len(body) == 0 {
		return info.Offset, nil
	}

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.chunkKey(id, offset)),
		Body:        strings.NewReader(string(body)),
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return info.Offset, storage.NewStorageError("AppendChunk", id, err)
	}

	info.Offset = offset + int64(len(body))
	if err := b.writeInfo(ctx, info); err != nil {
		return info.Offset, storage.NewStorageError("AppendChunk", id, err)
	}
	return info.Offset, nil
}

// listChunkKeys returns the staged chunk keys for an upload in offset order.
func (b *S3Backend) listChunkKeys(ctx context.Context, id string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.chunkPrefix(id)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	// Keys embed zero-padded start offsets, so lexical order is offset order.
	sort.Strings(keys)
	return keys, nil
}

// Commit assembles the staged chunks into the final object and deletes the
// staging keys. The assembly streams through a pipe so the whole blob is
// never buffered in memory.
func (b *S3Backend) Commit(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return storage.NewStorageError("Commit", id, err)
	}

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

	keys, err := b.listChunkKeys(ctx, id)
	if err != nil {
		return storage.NewStorageError("Commit", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		for _, key := range keys {
			out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, out.Body)
			out.Body.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	if _, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(id),
		Body:        pr,
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"filename":     info.Metadata["filename"],
			"user-id":      info.Metadata["userId"],
			"is-encrypted": info.Metadata["isEncrypted"],
		},
	}); err != nil {
		pr.CloseWithError(err)
		return storage.NewStorageError("Commit", id, err)
	}

	b.deleteStaging(ctx, id, keys)
	return nil
}

// deleteStaging removes chunk objects and the info object. Best effort: a
// leftover staging key wastes space but cannot corrupt the committed blob.
func (b *S3Backend) deleteStaging(ctx context.Context, id string, keys []string) {
	for _, key := range append(keys, b.infoKey(id)) {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}); err != nil {
			slog.Warn("failed to delete staging object", "key", key, "error", err)
		}
	}
}

// Terminate discards an in-progress upload and its staged chunks.
func (b *S3Backend) Terminate(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return storage.NewStorageError("Terminate", id, err)
	}

	if _, err := b.readInfo(ctx, id); err != nil {
		if isNoSuchKey(err) {
			return storage.ErrNotFound
		}
		return storage.NewStorageError("Terminate", id, err)
	}

	keys, err := b.listChunkKeys(ctx, id)
	if err != nil {
		return storage.NewStorageError("Terminate", id, err)
	}
	b.deleteStaging(ctx, id, keys)
	return nil
}

// Open returns a reader over a committed blob.
func (b *S3Backend) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, storage.NewStorageError("Open", id, err)
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewStorageError("Open", id, err)
	}
	return out.Body, nil
}

// Size returns the size of a committed blob.
func (b *S3Backend) Size(ctx context.Context, id string) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, storage.NewStorageError("Size", id, err)
	}

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, storage.ErrNotFound
		}
		return 0, storage.NewStorageError("Size", id, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// ResolveDownload issues a presigned GET URL scoped to the single object,
// valid for the configured expiry.
func (b *S3Backend) ResolveDownload(ctx context.Context, id string) (models.DownloadResolution, error) {
	if err := validateID(id); err != nil {
		return models.DownloadResolution{}, storage.NewStorageError("ResolveDownload", id, err)
	}

	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id),
	}); err != nil {
		if isNoSuchKey(err) {
			return models.DownloadResolution{}, storage.ErrNotFound
		}
		return models.DownloadResolution{}, storage.NewStorageError("ResolveDownload", id, err)
	}

	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(id),
	}, s3.WithPresignExpires(b.presignExpiry))
	if err != nil {
		return models.DownloadResolution{}, storage.NewStorageError("ResolveDownload", id, err)
	}
	return models.DownloadResolution{URL: req.URL}, nil
}
