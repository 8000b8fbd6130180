// Package transfer drives resumable uploads from the client side:
// create or probe, then sequential chunk writes from the last offset
// the server acknowledged. Interruptions pause the session; Start on a
// paused session picks up where the server says it left off.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/client/netmon"
	"github.com/vaultkeep/vaultkeep/internal/client/session"
	"github.com/vaultkeep/vaultkeep/internal/tusd"
)

// DefaultChunkSize is the PATCH body size for each request.
const DefaultChunkSize int64 = 4 * 1024 * 1024

// ErrCancelled reports a user-initiated cancel. The server keeps its
// partial bytes; only the client gives up.
var ErrCancelled = errors.New("transfer: cancelled")

// NetworkError marks a transient transport failure that the engine
// retries under the backoff policy.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("transfer: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Callbacks receive transfer lifecycle events. Nil fields are skipped.
type Callbacks struct {
	OnProgress func(s *session.Session, acked, total int64)
	OnComplete func(s *session.Session)
	OnFailed   func(s *session.Session, err error)
}

// Engine uploads session payloads to a resumable upload endpoint.
type Engine struct {
	endpoint  string
	client    *http.Client
	chunkSize int64
	backoff   netmon.BackoffPolicy
	monitor   *netmon.Monitor
	callbacks Callbacks

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

func WithChunkSize(n int64) Option {
	return func(e *Engine) { e.chunkSize = n }
}

func WithBackoff(p netmon.BackoffPolicy) Option {
	return func(e *Engine) { e.backoff = p }
}

// WithMonitor makes the engine pause instead of retrying while the
// monitor reports the network as down.
func WithMonitor(m *netmon.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.callbacks = cb }
}

// NewEngine creates an Engine targeting the given upload endpoint,
// e.g. "http://localhost:3000/uploads".
func NewEngine(endpoint string, opts ...Option) *Engine {
	e := &Engine{
		endpoint:  endpoint,
		client:    &http.Client{Timeout: 5 * time.Minute},
		chunkSize: DefaultChunkSize,
		backoff:   netmon.DefaultBackoff(),
		cancels:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start uploads the session payload, creating the server upload on
// first call and resuming from the acknowledged offset on later calls.
// It blocks until the upload completes, pauses, or fails.
func (e *Engine) Start(ctx context.Context, s *session.Session) error {
	ctx, cancel := context.WithCancelCause(ctx)
	e.register(s.Fingerprint(), cancel)
	defer e.unregister(s.Fingerprint())

	if err := s.Transition(session.StateTransferring); err != nil {
		return err
	}

	err := e.run(ctx, s)
	switch {
	case err == nil:
		if terr := s.Transition(session.StateComplete); terr != nil {
			return terr
		}
		if e.callbacks.OnComplete != nil {
			e.callbacks.OnComplete(s)
		}
		return nil
	case errors.Is(err, errPaused):
		if terr := s.Transition(session.StatePaused); terr != nil {
			return terr
		}
		slog.Info("upload paused", "name", s.DisplayName(), "offset", s.BytesAcknowledged())
		return nil
	case errors.Is(err, ErrCancelled):
		s.Fail(ErrCancelled)
		s.ReleaseBuffer()
		return ErrCancelled
	default:
		s.Fail(err)
		if e.callbacks.OnFailed != nil {
			e.callbacks.OnFailed(s, err)
		}
		return err
	}
}

// Resume is Start for a paused session.
func (e *Engine) Resume(ctx context.Context, s *session.Session) error {
	return e.Start(ctx, s)
}

// Cancel stops the in-flight transfer for the session, if any. The
// session moves to Failed with ErrCancelled and its buffer is released.
func (e *Engine) Cancel(s *session.Session) {
	e.mu.Lock()
	cancel, ok := e.cancels[s.Fingerprint()]
	e.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
		return
	}
	// Not in flight; cancel directly.
	s.Fail(ErrCancelled)
	s.ReleaseBuffer()
}

// errPaused is an internal signal: stop chunking, keep the session.
var errPaused = errors.New("transfer: paused")

func (e *Engine) register(fp string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[fp] = cancel
}

func (e *Engine) unregister(fp string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, fp)
}

func (e *Engine) run(ctx context.Context, s *session.Session) error {
	payload := s.Payload()
	total := int64(len(payload))
	attempt := 0

	for {
		err := e.attempt(ctx, s, payload, total)
		if err == nil {
			return nil
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			return err
		}

		if e.monitor != nil && !e.monitor.Online() {
			return errPaused
		}

		delay := e.backoff.DelayFor(attempt)
		attempt++
		slog.Debug("transient transfer failure, backing off",
			"name", s.DisplayName(),
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return cancelCause(ctx)
		case <-time.After(delay):
		}
	}
}

// attempt performs one create-or-probe plus chunk loop pass.
func (e *Engine) attempt(ctx context.Context, s *session.Session, payload []byte, total int64) error {
	var offset int64
	var err error

	if s.UploadURL() == "" {
		offset, err = e.create(ctx, s, total)
	} else {
		offset, err = e.probe(ctx, s.UploadURL())
	}
	if err != nil {
		return err
	}
	e.noteProgress(s, offset, total)

	for offset < total {
		if err := ctx.Err(); err != nil {
			return cancelCause(ctx)
		}

		end := min(offset+e.chunkSize, total)
		newOffset, err := e.patch(ctx, s.UploadURL(), offset, payload[offset:end])
		if errors.Is(err, errOffsetConflict) {
			// Another writer moved the upload; take the server's word.
			offset, err = e.probe(ctx, s.UploadURL())
			if err != nil {
				return err
			}
			e.noteProgress(s, offset, total)
			continue
		}
		if err != nil {
			return err
		}
		offset = newOffset
		e.noteProgress(s, offset, total)
	}
	return nil
}

func (e *Engine) noteProgress(s *session.Session, acked, total int64) {
	s.SetAcknowledged(acked)
	if e.callbacks.OnProgress != nil {
		e.callbacks.OnProgress(s, acked, total)
	}
}

// create registers the upload and records its URL on the session. The
// fingerprint travels in the metadata so a second client converges on
// the same server upload.
func (e *Engine) create(ctx context.Context, s *session.Session, total int64) (int64, error) {
	meta := map[string]string{
		tusd.MetaFingerprint: s.Fingerprint(),
		tusd.MetaFilename:    s.DisplayName(),
		tusd.MetaUserID:      s.UserID(),
		tusd.MetaEncrypted:   strconv.FormatBool(s.IsEncrypted()),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(tusd.HeaderResumable, tusd.Version)
	req.Header.Set(tusd.HeaderLength, strconv.FormatInt(total, 10))
	req.Header.Set(tusd.HeaderMetadata, tusd.EncodeMetadata(meta))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "create", Err: err}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return 0, e.statusError("create", resp)
	}

	loc, err := e.resolveLocation(resp.Header.Get("Location"))
	if err != nil {
		return 0, err
	}
	s.SetUploadURL(loc)

	return parseOffset(resp)
}

// probe asks the server for the acknowledged offset.
func (e *Engine) probe(ctx context.Context, uploadURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uploadURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(tusd.HeaderResumable, tusd.Version)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "probe", Err: err}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return 0, e.statusError("probe", resp)
	}
	return parseOffset(resp)
}

var errOffsetConflict = errors.New("transfer: offset conflict")

// patch writes one chunk at the given offset.
func (e *Engine) patch(ctx context.Context, uploadURL string, offset int64, chunk []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return 0, err
	}
	req.Header.Set(tusd.HeaderResumable, tusd.Version)
	req.Header.Set("Content-Type", tusd.ContentTypePatch)
	req.Header.Set(tusd.HeaderOffset, strconv.FormatInt(offset, 10))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "patch", Err: err}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return parseOffset(resp)
	case resp.StatusCode == http.StatusConflict:
		return 0, errOffsetConflict
	default:
		return 0, e.statusError("patch", resp)
	}
}

// statusError classifies an unexpected status: server-side trouble is
// transient, everything else is final.
func (e *Engine) statusError(op string, resp *http.Response) error {
	err := fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	if resp.StatusCode >= 500 {
		return &NetworkError{Op: op, Err: err}
	}
	return err
}

// resolveLocation makes a possibly relative Location header absolute
// against the endpoint.
func (e *Engine) resolveLocation(loc string) (string, error) {
	if loc == "" {
		return "", errors.New("transfer: create response missing Location")
	}
	base, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("transfer: bad Location %q: %w", loc, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func parseOffset(resp *http.Response) (int64, error) {
	v := resp.Header.Get(tusd.HeaderOffset)
	if v == "" {
		return 0, fmt.Errorf("transfer: response missing %s", tusd.HeaderOffset)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("transfer: bad %s %q", tusd.HeaderOffset, v)
	}
	return n, nil
}

func cancelCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ctx.Err()) {
		return cause
	}
	return ctx.Err()
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
