// Package shipping holds the encrypted shipping-address contract. Addresses
// arrive as ciphertext from the end-to-end-encrypted entry surface and are
// stored verbatim; plaintext never touches disk.
package shipping

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
)

const gcmNonceSize = 12

// Cipher validates and (for the AES mode) opens shipping-address ciphertexts.
// The AES key is derived from the configured shipping secret; PGP ciphertexts
// are opaque to the core and only checked for presence of a configured key.
type Cipher struct {
	key           [32]byte
	pgpConfigured bool
}

func NewCipher(secret string, pgpKeyPath string) *Cipher {
	return &Cipher{
		key:           sha256.Sum256([]byte(secret)),
		pgpConfigured: pgpKeyPath != "",
	}
}

// ValidateCiphertext rejects payloads that cannot possibly decrypt later:
// empty bodies, AES blobs shorter than nonce+tag, and PGP mode without a
// configured key.
func (c *Cipher) ValidateCiphertext(orderID string, ciphertext []byte, mode domain.EncryptionMode) error {
	if len(ciphertext) == 0 {
		return &errs.InvalidShippingAddressError{OrderID: orderID, Detail: "empty ciphertext"}
	}
	switch mode {
	case domain.EncryptionAES:
		if len(ciphertext) < gcmNonceSize+16 {
			return &errs.InvalidShippingAddressError{OrderID: orderID, Detail: "ciphertext too short"}
		}
	case domain.EncryptionPGP:
		if !c.pgpConfigured {
			return &errs.PGPKeyNotConfiguredError{}
		}
	default:
		return &errs.InvalidShippingAddressError{OrderID: orderID, Detail: fmt.Sprintf("unknown mode %q", mode)}
	}
	return nil
}

// Encrypt seals a plaintext address with AES-256-GCM. Used by the address
// intake surface; the core itself only ever stores the result.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens an AES-mode ciphertext for the shipment workflow. The result
// must never be persisted.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}
