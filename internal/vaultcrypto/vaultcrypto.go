// Package vaultcrypto implements the client-side envelope used by the
// vault: files are encrypted with AES-256-GCM under a key derived from
// the user's passphrase before a single byte leaves the machine.
package vaultcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// EncryptedSuffix marks files that already carry the envelope.
const EncryptedSuffix = ".enc"

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// ErrDecryptionFailed is returned when the passphrase is wrong or the
// ciphertext has been tampered with. GCM cannot tell the two apart.
var ErrDecryptionFailed = errors.New("vaultcrypto: decryption failed")

// DeriveKey stretches a passphrase into an AES-256 key with argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, keySize)
}

// Encrypt seals plaintext under the passphrase. The output layout is
// [salt(16)][nonce(12)][ciphertext+tag]; everything a later Decrypt
// needs travels with the blob itself. The plaintext is base64-encoded
// before sealing so decrypted payloads survive transport layers that
// mangle raw bytes.
func Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(plaintext)))
	base64.StdEncoding.Encode(encoded, plaintext)

	out := make([]byte, 0, saltSize+nonceSize+len(encoded)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, encoded, nil), nil
}

// Decrypt reverses Encrypt. A wrong passphrase or a corrupted blob
// yields ErrDecryptionFailed.
func Decrypt(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, ErrDecryptionFailed
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	ciphertext := blob[saltSize+nonceSize:]

	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	encoded, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(plaintext, encoded)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext[:n], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
