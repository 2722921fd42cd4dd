// Package crypto provides the encryption service used to protect embed
// content and cached assistant messages at rest. Each user's material is
// encrypted under a key derived from the master secret and the user's vault
// key id, so rotating a vault key invalidates only that user's ciphertexts.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Service encrypts and decrypts strings under a per-user key.
type Service interface {
	EncryptWithUserKey(plaintext, vaultKeyID string) (string, error)
	DecryptWithUserKey(ciphertext, vaultKeyID string) (string, error)
}

// AESService implements Service with AES-256-GCM. Ciphertexts are
// base64(nonce || sealed) and carry the GCM auth tag.
type AESService struct {
	master []byte
}

// NewAESService builds an AESService from the master encryption key.
func NewAESService(masterKey string) (*AESService, error) {
	if masterKey == "" {
		return nil, errors.New("master encryption key is required")
	}
	return &AESService{master: []byte(masterKey)}, nil
}

// userKey derives the AES-256 key for one vault key id.
func (s *AESService) userKey(vaultKeyID string) []byte {
	h := sha256.New()
	h.Write(s.master)
	h.Write([]byte(":"))
	h.Write([]byte(vaultKeyID))
	return h.Sum(nil)
}

// EncryptWithUserKey implements Service.
func (s *AESService) EncryptWithUserKey(plaintext, vaultKeyID string) (string, error) {
	gcm, err := s.aead(vaultKeyID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptWithUserKey implements Service.
func (s *AESService) DecryptWithUserKey(ciphertext, vaultKeyID string) (string, error) {
	gcm, err := s.aead(vaultKeyID)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (s *AESService) aead(vaultKeyID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.userKey(vaultKeyID))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
