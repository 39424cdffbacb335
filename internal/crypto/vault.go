// Package crypto implements the engine's symmetric credential vault,
// spec.md §4.A. It encrypts ChannelConfig credentials at rest with a single
// process-wide ChaCha20-Poly1305 key; no pack example carries a true AEAD
// vault (see DESIGN.md), so this is built directly against
// golang.org/x/crypto/chacha20poly1305 rather than adapted from a specific
// file.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/outpacehq/engagement-engine/internal/errs"
)

// algTag identifies the AEAD scheme a blob was sealed with, so future
// schemes can be added without breaking old blobs.
const algTagChaCha20Poly1305 byte = 0x01

// Vault encrypts and decrypts ChannelConfig credential blobs.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 32-byte raw key.
func New(key []byte) (*Vault, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromBase64 decodes a base64-encoded 32-byte key, the shape
// internal/config carries it in.
func NewFromBase64(keyB64 string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext into a blob of the shape
// [algTag][nonce][ciphertext+tag], base64-encoded for storage inside the
// {"encrypted": ...} envelope (spec.md §4.A).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, 1+len(nonce)+len(sealed))
	blob = append(blob, algTagChaCha20Poly1305)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Any tamper (wrong tag, truncated blob, flipped
// bit) surfaces as errs.CryptoCorrupted, fatal for the owning ChannelConfig
// per spec.md §7.
func (v *Vault) Decrypt(blobB64 string) ([]byte, error) {
	const op = "crypto.Decrypt"
	blob, err := base64.StdEncoding.DecodeString(blobB64)
	if err != nil {
		return nil, errs.New(errs.CryptoCorrupted, op, err)
	}
	nonceSize := v.aead.NonceSize()
	if len(blob) < 1+nonceSize {
		return nil, errs.New(errs.CryptoCorrupted, op, fmt.Errorf("blob too short"))
	}
	tag := blob[0]
	if tag != algTagChaCha20Poly1305 {
		return nil, errs.New(errs.CryptoCorrupted, op, fmt.Errorf("unknown algorithm tag %x", tag))
	}
	nonce := blob[1 : 1+nonceSize]
	ciphertext := blob[1+nonceSize:]

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.New(errs.CryptoCorrupted, op, err)
	}
	return plaintext, nil
}
