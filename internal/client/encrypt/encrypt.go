// Package encrypt runs the pre-transfer encryption pass over a batch of
// upload sessions. Transfers only ever carry ciphertext, so the whole
// batch is sealed before the first byte goes on the wire.
package encrypt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vaultkeep/vaultkeep/internal/client/session"
	"github.com/vaultkeep/vaultkeep/internal/vaultcrypto"
)

// ErrMissingCredentials is returned when the user ID or passphrase is
// absent. The whole batch fails and no session advances.
var ErrMissingCredentials = errors.New("encrypt: user ID and passphrase are required")

// Processor seals session payloads under the user's passphrase.
type Processor struct {
	userID     string
	passphrase string
}

func NewProcessor(userID, passphrase string) *Processor {
	return &Processor{userID: userID, passphrase: passphrase}
}

// Process encrypts every session in the batch that still carries
// plaintext. Credentials are checked up front: with either missing,
// the batch is rejected whole and every session stays Queued. Sessions
// already sealed, by flag or by name suffix, pass through untouched.
func (p *Processor) Process(ctx context.Context, sessions []*session.Session) error {
	if p.userID == "" || p.passphrase == "" {
		return ErrMissingCredentials
	}

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if skip(s) {
			slog.Debug("session already encrypted, skipping",
				"name", s.DisplayName())
			continue
		}
		if err := p.encryptOne(s); err != nil {
			return err
		}
	}
	return nil
}

func skip(s *session.Session) bool {
	return s.IsEncrypted() || strings.HasSuffix(s.DisplayName(), vaultcrypto.EncryptedSuffix)
}

func (p *Processor) encryptOne(s *session.Session) error {
	if err := s.Transition(session.StateEncrypting); err != nil {
		return err
	}

	sealed, err := vaultcrypto.Encrypt(s.Payload(), p.passphrase)
	if err != nil {
		err = fmt.Errorf("encrypt %s: %w", s.DisplayName(), err)
		s.Fail(err)
		return err
	}

	s.ReplacePayload(s.DisplayName()+vaultcrypto.EncryptedSuffix, sealed)

	// Back to the queue; the transfer engine picks it up from there.
	if err := s.Transition(session.StateQueued); err != nil {
		return err
	}

	slog.Debug("session encrypted",
		"name", s.DisplayName(),
		"size", s.Size())
	return nil
}
