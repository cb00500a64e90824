package credentials

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

// Sealer encrypts secrets at rest. Sealed values are opaque strings safe to
// store in a text column.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// AgeSealer seals to its own X25519 identity and, optionally, to escrow
// recipients that can decrypt out of band.
type AgeSealer struct {
	identity   *age.X25519Identity
	recipients []age.Recipient
}

func NewAgeSealer(identity string, escrow ...string) (*AgeSealer, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	recipients := []age.Recipient{id.Recipient()}
	for _, key := range escrow {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing escrow recipient %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	return &AgeSealer{identity: id, recipients: recipients}, nil
}

// GenerateIdentity returns a new age secret key in its text encoding.
func GenerateIdentity() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age identity: %w", err)
	}
	return id.String(), nil
}

func (s *AgeSealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *AgeSealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return plaintext, nil
}

// OpenString opens sealed and returns "" for an empty input.
func OpenString(s Sealer, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	plaintext, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
