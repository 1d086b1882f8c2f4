package blobs

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	envelopeVersion byte = 1

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	derivedBytes = 32
)

var (
	ErrMissingPassphrase = errors.New("blobs: encryption passphrase is required")
	ErrCorruptEnvelope   = errors.New("blobs: encrypted blob is corrupt")
)

// scryptSalt is fixed so the same passphrase always opens existing blobs.
var scryptSalt = []byte("countersign/blobs/v1")

// EncryptedStore seals every blob with AES-256-GCM before handing it to the
// wrapped store. The blob key is bound as additional data so a ciphertext
// cannot be replayed under another key.
type EncryptedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewEncryptedStore derives the data key from passphrase with scrypt.
func NewEncryptedStore(inner Store, passphrase string) (*EncryptedStore, error) {
	if passphrase == "" {
		return nil, ErrMissingPassphrase
	}
	key, err := scrypt.Key([]byte(passphrase), scryptSalt, scryptN, scryptR, scryptP, derivedBytes)
	if err != nil {
		return nil, fmt.Errorf("blobs: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("blobs: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("blobs: gcm: %w", err)
	}
	return &EncryptedStore{inner: inner, aead: aead}, nil
}

func (s *EncryptedStore) Put(ctx context.Context, key string, data []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("blobs: nonce: %w", err)
	}
	envelope := make([]byte, 0, 1+len(nonce)+len(data)+s.aead.Overhead())
	envelope = append(envelope, envelopeVersion)
	envelope = append(envelope, nonce...)
	envelope = s.aead.Seal(envelope, nonce, data, []byte(key))
	return s.inner.Put(ctx, key, envelope)
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	envelope, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	nonceSize := s.aead.NonceSize()
	if len(envelope) < 1+nonceSize || envelope[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: %s", ErrCorruptEnvelope, key)
	}
	nonce := envelope[1 : 1+nonceSize]
	plain, err := s.aead.Open(nil, nonce, envelope[1+nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptEnvelope, key)
	}
	return plain, nil
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
