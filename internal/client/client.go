// Package client is the high-level vault client: pick files, seal them,
// push them through the resumable endpoint, and pull them back out with
// the passphrase. The CLI and tests drive everything through this
// facade.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/client/encrypt"
	"github.com/vaultkeep/vaultkeep/internal/client/netmon"
	"github.com/vaultkeep/vaultkeep/internal/client/session"
	"github.com/vaultkeep/vaultkeep/internal/client/transfer"
	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/vaultcrypto"
)

// ErrNotFound reports that the server has no such object.
var ErrNotFound = errors.New("client: file not found")

// Vault talks to one vault server on behalf of one user.
type Vault struct {
	baseURL    string
	httpClient *http.Client
	userID     string
	passphrase string

	registry  *session.Registry
	processor *encrypt.Processor
	engine    *transfer.Engine
	monitor   *netmon.Monitor
}

// Option configures a Vault.
type Option func(*config)

type config struct {
	httpClient *http.Client
	chunkSize  int64
	backoff    netmon.BackoffPolicy
	debounce   time.Duration
	callbacks  transfer.Callbacks
}

func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

func WithChunkSize(n int64) Option {
	return func(cfg *config) { cfg.chunkSize = n }
}

func WithBackoff(p netmon.BackoffPolicy) Option {
	return func(cfg *config) { cfg.backoff = p }
}

func WithDebounce(d time.Duration) Option {
	return func(cfg *config) { cfg.debounce = d }
}

func WithCallbacks(cb transfer.Callbacks) Option {
	return func(cfg *config) { cfg.callbacks = cb }
}

// New creates a Vault client for the given server and credentials.
func New(baseURL, userID, passphrase string, opts ...Option) *Vault {
	cfg := &config{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		chunkSize:  transfer.DefaultChunkSize,
		backoff:    netmon.DefaultBackoff(),
		debounce:   netmon.DefaultDebounce,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	v := &Vault{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: cfg.httpClient,
		userID:     userID,
		passphrase: passphrase,
		registry:   session.NewRegistry(),
		processor:  encrypt.NewProcessor(userID, passphrase),
	}
	v.monitor = netmon.New(nil, v.resumePaused, netmon.WithDebounce(cfg.debounce))
	v.engine = transfer.NewEngine(v.baseURL+"/uploads",
		transfer.WithHTTPClient(cfg.httpClient),
		transfer.WithChunkSize(cfg.chunkSize),
		transfer.WithBackoff(cfg.backoff),
		transfer.WithMonitor(v.monitor),
		transfer.WithCallbacks(cfg.callbacks),
	)
	return v
}

// Close stops background timers.
func (v *Vault) Close() {
	v.monitor.Stop()
}

// SetOnline feeds a connectivity observation to the monitor. Paused
// sessions resume automatically once the link settles.
func (v *Vault) SetOnline(online bool) {
	v.monitor.SetOnline(online)
}

// Sessions returns a snapshot of the known upload sessions.
func (v *Vault) Sessions() []*session.Session {
	return v.registry.Snapshot()
}

// Upload seals the file and pushes it to the vault, blocking until the
// upload completes, pauses, or fails. A re-pick of the same file
// resumes the existing session.
func (v *Vault) Upload(ctx context.Context, path string) (*session.Session, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	s, err := v.registry.Add(payload, filepath.Base(path), v.userID)
	if errors.Is(err, session.ErrDuplicateSession) {
		slog.Info("resuming existing upload", "name", s.DisplayName())
	} else if err != nil {
		return nil, err
	}

	if err := v.processor.Process(ctx, []*session.Session{s}); err != nil {
		return s, err
	}
	if err := v.engine.Start(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// Cancel abandons an in-flight upload. The server keeps its partial
// bytes; a later Upload of the same file starts a fresh session that
// resumes from them.
func (v *Vault) Cancel(s *session.Session) {
	v.engine.Cancel(s)
	v.registry.Remove(s.Fingerprint())
}

// resumePaused restarts every paused session after the network settles.
func (v *Vault) resumePaused() {
	for _, s := range v.registry.Snapshot() {
		if s.State() != session.StatePaused {
			continue
		}
		go func(s *session.Session) {
			if err := v.engine.Resume(context.Background(), s); err != nil {
				slog.Warn("resume failed", "name", s.DisplayName(), "error", err)
			}
		}(s)
	}
}

// List fetches the user's stored files.
func (v *Vault) List(ctx context.Context) ([]models.FileEntry, error) {
	u := v.baseURL + "/list-files?user=" + url.QueryEscape(v.userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list files: unexpected status %d", resp.StatusCode)
	}

	var entries []models.FileEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return entries, nil
}

// Fetch downloads and decrypts one stored file into destDir, returning
// the path written. The server answers either with the bytes directly
// or with a JSON body naming a presigned URL to follow. A wrong
// passphrase yields vaultcrypto.ErrDecryptionFailed and nothing is
// written to disk.
func (v *Vault) Fetch(ctx context.Context, entry models.FileEntry, destDir string) (string, error) {
	blob, err := v.fetchBlob(ctx, entry.ID)
	if err != nil {
		return "", err
	}

	name := entry.OriginalName
	if name == "" {
		name = entry.ID
	}

	var out []byte
	if strings.HasSuffix(name, vaultcrypto.EncryptedSuffix) {
		out, err = vaultcrypto.Decrypt(blob, v.passphrase)
		if err != nil {
			return "", err
		}
		name = strings.TrimSuffix(name, vaultcrypto.EncryptedSuffix)
	} else {
		// Stored unencrypted by some other client; pass through.
		out = blob
	}

	dest := filepath.Join(destDir, filepath.Base(name))
	if err := os.WriteFile(dest, out, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return dest, nil
}

func (v *Vault) fetchBlob(ctx context.Context, id string) ([]byte, error) {
	u := v.baseURL + "/download/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("download %s: unexpected status %d", id, resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body models.DownloadURLResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("download %s: %w", id, err)
		}
		return v.followPresigned(ctx, body.URL)
	}

	return io.ReadAll(resp.Body)
}

func (v *Vault) followPresigned(ctx context.Context, presigned string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, presigned, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presigned fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presigned fetch: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
