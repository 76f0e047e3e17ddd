package fs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters for the sealing key.
const (
	sealSaltLen = 16
	sealTime    = 1
	sealMemory  = 64 * 1024
	sealThreads = 4
	sealKeyLen  = 32
)

// SealedStore persists key/value state encrypted at rest. Each value is
// sealed with AES-GCM under a key derived from the passphrase with
// argon2id; the per-file salt is stored alongside the entries. A wrong
// passphrase surfaces as a Get error, never as silently empty state.
type SealedStore struct {
	mu      sync.Mutex
	path    string
	key     []byte
	salt    []byte
	entries map[string][]byte
}

// sealedFile is the JSON structure stored on disk. Entries hold
// nonce-prefixed ciphertext.
type sealedFile struct {
	Salt    []byte            `json:"salt"`
	Entries map[string][]byte `json:"entries"`
}

// NewSealedStore creates a SealedStore at path using the given
// passphrase. Opening an existing file with a different passphrase
// succeeds; the mismatch is reported by the first Get.
func NewSealedStore(path, passphrase string) (*SealedStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sealed store requires an explicit path")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("sealed store requires a passphrase")
	}

	s := &SealedStore{
		path:    path,
		entries: make(map[string][]byte),
	}
	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s.salt = make([]byte, sealSaltLen)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	s.key = argon2.IDKey([]byte(passphrase), s.salt, sealTime, sealMemory, sealThreads, sealKeyLen)
	return s, nil
}

func (s *SealedStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var file sealedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse sealed state file: %w", err)
	}
	if len(file.Salt) == 0 {
		return fmt.Errorf("sealed state file has no salt")
	}
	s.salt = file.Salt
	if file.Entries != nil {
		s.entries = file.Entries
	}
	return nil
}

func (s *SealedStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	plain, err := s.open(sealed)
	if err != nil {
		return "", false, fmt.Errorf("failed to unseal %q: %w", key, err)
	}
	return string(plain), true, nil
}

func (s *SealedStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to seal %q: %w", key, err)
	}
	s.entries[key] = sealed
	return s.saveLocked()
}

func (s *SealedStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return s.saveLocked()
}

func (s *SealedStore) seal(plaintext []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *SealedStore) open(sealed []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (s *SealedStore) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *SealedStore) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.Marshal(sealedFile{Salt: s.salt, Entries: s.entries})
	if err != nil {
		return fmt.Errorf("failed to serialize sealed state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write sealed state: %w", err)
	}
	return nil
}
