package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrKeyNotFound = errors.New("master key not found")

// KMS issues and unwraps data keys under named master keys.
type KMS interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error)
	Decrypt(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}

// FileKMS keeps 256-bit master keys as hex files in a directory. Data keys
// are wrapped with AES-GCM under the master key.
type FileKMS struct {
	dir  string
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewFileKMS opens (creating if needed) the key directory and loads the
// keys already in it.
func NewFileKMS(dir string) (*FileKMS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key store: %w", err)
	}
	k := &FileKMS{dir: dir, keys: make(map[string][]byte)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read key store: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".key") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", name, err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("key %s is not a hex encoded 256-bit key", name)
		}
		k.keys[strings.TrimSuffix(name, ".key")] = key
	}
	return k, nil
}

// GenerateDataKey creates the master key keyID on first use.
func (k *FileKMS) GenerateDataKey(ctx context.Context, keyID string) ([]byte, []byte, error) {
	master, err := k.master(keyID)
	if err != nil {
		return nil, nil, err
	}
	plaintext := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, nil, fmt.Errorf("generate data key: %w", err)
	}
	gcm, err := newGCM(master)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	// nonce || sealed key
	wrapped := gcm.Seal(nonce, nonce, plaintext, []byte(keyID))
	return plaintext, wrapped, nil
}

func (k *FileKMS) Decrypt(ctx context.Context, keyID string, wrapped []byte) ([]byte, error) {
	k.mu.RLock()
	master, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	gcm, err := newGCM(master)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errors.New("wrapped key is too short")
	}
	n := gcm.NonceSize()
	return gcm.Open(nil, wrapped[:n], wrapped[n:], []byte(keyID))
}

func (k *FileKMS) master(keyID string) ([]byte, error) {
	if keyID == "" || strings.ContainsAny(keyID, `/\.`) {
		return nil, fmt.Errorf("invalid key id %q", keyID)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[keyID]; ok {
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	path := filepath.Join(k.dir, keyID+".key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("persist master key: %w", err)
	}
	k.keys[keyID] = key
	return key, nil
}
