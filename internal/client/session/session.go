// Package session tracks client-side upload sessions. Every file picked
// for upload becomes one Session, identified by a deterministic
// fingerprint so a retried or duplicated pick resumes instead of
// starting over.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// fingerprintTag versions the fingerprint scheme. Changing how
// fingerprints are computed must change the tag, or stale partial
// uploads would be resumed with incompatible payloads.
const fingerprintTag = "vaultkeep-tus-v1"

// ErrDuplicateSession reports that an active session with the same
// fingerprint already exists. Callers resume that session instead of
// creating a new one.
var ErrDuplicateSession = errors.New("session: duplicate active session")

// State is the lifecycle position of a session.
type State int

const (
	StateQueued State = iota
	StateEncrypting
	StateTransferring
	StatePaused
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateEncrypting:
		return "encrypting"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool {
	return s == StateComplete || s == StateFailed
}

var allowedTransitions = map[State][]State{
	StateQueued:       {StateEncrypting, StateTransferring, StateFailed},
	StateEncrypting:   {StateQueued, StateTransferring, StateFailed},
	StateTransferring: {StatePaused, StateComplete, StateFailed},
	StatePaused:       {StateTransferring, StateFailed},
}

// Session is one file's journey from pick to committed blob. All
// methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	fingerprint string
	userID      string
	displayName string
	payload     []byte
	encrypted   bool
	state       State
	acked       int64
	uploadURL   string
	err         error
}

// Fingerprint computes the deterministic resume key for an upload.
func Fingerprint(userID, name string, size int64) string {
	h := sha256.New()
	h.Write([]byte(fingerprintTag))
	h.Write([]byte{'|'})
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	h.Write([]byte(name))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Session) Fingerprint() string { return s.fingerprint }

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

func (s *Session) Payload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload
}

func (s *Session) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.payload))
}

func (s *Session) IsEncrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypted
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session is Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// BytesAcknowledged is the number of bytes the server has confirmed.
func (s *Session) BytesAcknowledged() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *Session) SetAcknowledged(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = n
}

// UploadURL is the server resource for this upload, set after create.
func (s *Session) UploadURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadURL
}

func (s *Session) SetUploadURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadURL = url
}

// Transition moves the session to the given state if the lifecycle
// allows it. Encryption is one-way: a session never goes back to
// carrying plaintext.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == to {
		return nil
	}
	if s.state.terminal() {
		return fmt.Errorf("session %s: already %s", shortFP(s.fingerprint), s.state)
	}
	for _, next := range allowedTransitions[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("session %s: invalid transition %s -> %s",
		shortFP(s.fingerprint), s.state, to)
}

// Fail marks the session Failed from any non-terminal state.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = StateFailed
	s.err = err
}

// ReplacePayload installs the ciphertext after encryption. The display
// name gains the encrypted suffix and the encrypted flag becomes true;
// it never reverts.
func (s *Session) ReplacePayload(name string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayName = name
	s.payload = payload
	s.encrypted = true
}

// ReleaseBuffer drops the payload so a cancelled session does not pin
// the file bytes in memory. Server-side partials are left untouched.
func (s *Session) ReleaseBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = nil
}

func shortFP(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// Registry holds the active sessions, keyed by fingerprint.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a new session for the payload. If an active session
// with the same fingerprint exists, that session is returned together
// with ErrDuplicateSession so the caller resumes it. A completed or
// failed session with the same fingerprint is replaced.
func (r *Registry) Add(payload []byte, name, userID string) (*Session, error) {
	fp := Fingerprint(userID, name, int64(len(payload)))

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[fp]; ok && !existing.State().terminal() {
		return existing, ErrDuplicateSession
	}

	s := &Session{
		fingerprint: fp,
		userID:      userID,
		displayName: name,
		payload:     payload,
		state:       StateQueued,
	}
	r.sessions[fp] = s
	return s, nil
}

// Get returns the session with the given fingerprint, if present.
func (r *Registry) Get(fingerprint string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[fingerprint]
	return s, ok
}

// Remove drops a session from the registry.
func (r *Registry) Remove(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, fingerprint)
}

// Snapshot returns the current sessions ordered by display name, for
// status listings.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayName() < out[j].DisplayName()
	})
	return out
}
