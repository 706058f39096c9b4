// Package secrets seals sensitive strings (database connection strings handed
// to workers) with age before they are persisted.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"
)

// sealedPrefix marks values produced by Seal.
const sealedPrefix = "age:"

var (
	// ErrNoPublicKey is returned when no public key is configured for sealing.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when a sealed value is read without a private key.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrDecryptionFailed is returned when a sealed value cannot be opened.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when sealing fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Config holds the age key pair.
type Config struct {
	// AgePublicKey seals values. Format: age1...
	AgePublicKey string
	// AgePrivateKey opens values. Format: AGE-SECRET-KEY-1...
	AgePrivateKey string
}

// Sealer encrypts strings with an age X25519 recipient. A nil *Sealer, or
// one without keys, passes values through unchanged.
type Sealer struct {
	publicKey  *age.X25519Recipient
	privateKey *age.X25519Identity
	logger     *slog.Logger
}

// NewSealer creates a Sealer. Both keys are optional.
func NewSealer(cfg Config, logger *slog.Logger) (*Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sealer{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		s.publicKey = recipient
	}

	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(cfg.AgePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		s.privateKey = identity
		if s.publicKey == nil {
			s.publicKey = identity.Recipient()
		}
	}

	return s, nil
}

// Enabled reports whether Seal encrypts.
func (s *Sealer) Enabled() bool {
	return s != nil && s.publicKey != nil
}

// Seal encrypts plaintext and returns "age:" followed by base64 ciphertext.
// Empty strings and a disabled Sealer return plaintext unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || !s.Enabled() {
		return plaintext, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.publicKey)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return sealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil || s.privateKey == nil {
		return "", ErrNoPrivateKey
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.privateKey)
	if err != nil {
		s.logger.Error("failed to create age decryptor", "error", err)
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
