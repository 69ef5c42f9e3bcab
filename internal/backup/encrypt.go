package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"os"
)

// archiveMagic prefixes every encrypted archive so corrupt or foreign files
// are rejected before any decryption attempt.
var archiveMagic = []byte("CMBK1")

// Encryptor seals backup dumps with a hybrid scheme: a fresh AES-256-GCM key
// per archive, wrapped with the configured RSA public key (OAEP/SHA-256).
// The core only consumes the public half; decryption happens offline with
// the operator's private key.
type Encryptor struct {
	pub *rsa.PublicKey
}

func NewEncryptorFromFile(path string) (*Encryptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS1 public key: %w", err)
		}
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		var ok bool
		pub, ok = parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key in %s is not RSA", path)
		}
	}
	return &Encryptor{pub: pub}, nil
}

// Encrypt produces: magic || uint16(len(wrappedKey)) || wrappedKey || nonce || sealed.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, e.pub, key, archiveMagic)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(archiveMagic)+2+len(wrapped)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, archiveMagic...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}
