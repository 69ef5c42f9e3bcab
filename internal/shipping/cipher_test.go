package shipping

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher(testSecret, "")

	plaintext := []byte("Jane Doe\n1 Main Street\n10115 Berlin")
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "Main Street")

	out, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ciphertext, err := NewCipher(testSecret, "").Encrypt([]byte("address"))
	require.NoError(t, err)

	_, err = NewCipher(strings.Repeat("x", 32), "").Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestValidateCiphertext(t *testing.T) {
	c := NewCipher(testSecret, "")

	ciphertext, err := c.Encrypt([]byte("address"))
	require.NoError(t, err)
	assert.NoError(t, c.ValidateCiphertext("o-1", ciphertext, domain.EncryptionAES))

	var invalid *errs.InvalidShippingAddressError
	assert.ErrorAs(t, c.ValidateCiphertext("o-1", nil, domain.EncryptionAES), &invalid)
	assert.ErrorAs(t, c.ValidateCiphertext("o-1", []byte("short"), domain.EncryptionAES), &invalid)
	assert.ErrorAs(t, c.ValidateCiphertext("o-1", ciphertext, domain.EncryptionMode("rot13")), &invalid)

	var noKey *errs.PGPKeyNotConfiguredError
	assert.ErrorAs(t, c.ValidateCiphertext("o-1", ciphertext, domain.EncryptionPGP), &noKey)

	withPGP := NewCipher(testSecret, "/keys/ship.asc")
	assert.NoError(t, withPGP.ValidateCiphertext("o-1", []byte("-----BEGIN PGP MESSAGE-----"), domain.EncryptionPGP))
}
