// Package crypto provides AES-256-GCM envelope encryption under data keys
// issued by a KMS.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Envelope seals records with a fresh data key per record.
type Envelope struct {
	kms KMS
}

func NewEnvelope(kms KMS) *Envelope {
	return &Envelope{kms: kms}
}

// Sealed is a ciphertext with what is needed to open it again.
type Sealed struct {
	Ciphertext   []byte
	EncryptedKey []byte // data key wrapped by the master key
	Nonce        []byte
	KeyID        string
}

// Seal encrypts plaintext under a new data key wrapped by the master key
// keyID. aad is authenticated but not stored.
func (e *Envelope) Seal(ctx context.Context, keyID string, plaintext, aad []byte) (*Sealed, error) {
	dataKey, wrapped, err := e.kms.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return &Sealed{
		Ciphertext:   gcm.Seal(nil, nonce, plaintext, aad),
		EncryptedKey: wrapped,
		Nonce:        nonce,
		KeyID:        keyID,
	}, nil
}

// Open reverses Seal. aad must match the value used to seal.
func (e *Envelope) Open(ctx context.Context, s *Sealed, aad []byte) ([]byte, error) {
	dataKey, err := e.kms.Decrypt(ctx, s.KeyID, s.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
