package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := newEncryptorWithSecret(testSecret)
	require.NoError(t, err)
	require.True(t, enc.Enabled())

	for _, plaintext := range []string{
		"hello",
		"Leave it at the gate, code 4521",
		"Wasser 💧 bitte",
		strings.Repeat("long body ", 200),
	} {
		ciphertext, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ciphertext, encryptedPrefix))
		assert.NotContains(t, ciphertext, plaintext)

		again, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, ciphertext, again, "nonce must differ per call")

		decrypted, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}

	empty, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEncryptor_Disabled(t *testing.T) {
	t.Setenv("AQUADROP_ENABLE_ENCRYPTION", "")
	enc, err := NewEncryptor()
	require.NoError(t, err)
	assert.False(t, enc.Enabled())

	out, err := enc.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	out, err = enc.Decrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	_, err = enc.Decrypt(encryptedPrefix + "AAAA")
	assert.ErrorContains(t, err, "encryption is disabled")
}

func TestEncryptor_ReadsPlaintextRows(t *testing.T) {
	enc, err := newEncryptorWithSecret(testSecret)
	require.NoError(t, err)

	out, err := enc.Decrypt("written before encryption was enabled")
	require.NoError(t, err)
	assert.Equal(t, "written before encryption was enabled", out)
}

func TestEncryptor_Errors(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{"missing secret", "", "AQUADROP_ENCRYPTION_SECRET"},
		{"short secret", "too-short", "at least 32 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AQUADROP_ENABLE_ENCRYPTION", "true")
			t.Setenv("AQUADROP_ENCRYPTION_SECRET", tt.secret)
			_, err := NewEncryptor()
			assert.ErrorContains(t, err, tt.want)
		})
	}

	enc, err := newEncryptorWithSecret(testSecret)
	require.NoError(t, err)
	other, err := newEncryptorWithSecret(strings.Repeat("x", 40))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("secret body")
	require.NoError(t, err)
	_, err = other.Decrypt(ciphertext)
	assert.ErrorContains(t, err, "failed to decrypt")

	_, err = enc.Decrypt(encryptedPrefix + "!!not-base64!!")
	assert.ErrorContains(t, err, "base64")

	_, err = enc.Decrypt(encryptedPrefix + "AAAA")
	assert.ErrorContains(t, err, "too short")
}
