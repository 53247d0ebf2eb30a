package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_DisabledPassthrough(t *testing.T) {
	t.Setenv("FEDSYNC_ENABLE_ENCRYPTION", "false")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	payload := []byte(`{"type":"m.room.message"}`)
	out, err := enc.EncryptPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	back, err := enc.DecryptPayload(out)
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}

func TestEncryptor_RoundTrip(t *testing.T) {
	t.Setenv("FEDSYNC_ENABLE_ENCRYPTION", "true")
	t.Setenv("FEDSYNC_ENCRYPTION_SECRET", "a-very-long-secret-key-for-testing-1234")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	payload := []byte(`{"type":"m.room.message","content":{"body":"hello"}}`)
	ciphertext, err := enc.EncryptPayload(payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, ciphertext)

	back, err := enc.DecryptPayload(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, payload, back)
}

func TestEncryptor_UniqueNonces(t *testing.T) {
	t.Setenv("FEDSYNC_ENABLE_ENCRYPTION", "true")
	t.Setenv("FEDSYNC_ENCRYPTION_SECRET", "a-very-long-secret-key-for-testing-1234")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	payload := []byte(`{"n":1}`)
	first, err := enc.EncryptPayload(payload)
	require.NoError(t, err)
	second, err := enc.EncryptPayload(payload)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "same plaintext must not produce the same ciphertext")
}

func TestEncryptor_TamperedCiphertext(t *testing.T) {
	t.Setenv("FEDSYNC_ENABLE_ENCRYPTION", "true")
	t.Setenv("FEDSYNC_ENCRYPTION_SECRET", "a-very-long-secret-key-for-testing-1234")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	ciphertext, err := enc.EncryptPayload([]byte(`{"n":1}`))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = enc.DecryptPayload(ciphertext)
	assert.Error(t, err)
}

func TestEncryptor_MissingSecret(t *testing.T) {
	t.Setenv("FEDSYNC_ENABLE_ENCRYPTION", "true")
	t.Setenv("FEDSYNC_ENCRYPTION_SECRET", "")

	_, err := NewEncryptor()
	assert.Error(t, err)
}

func TestEncryptor_ShortSecret(t *testing.T) {
	t.Setenv("FEDSYNC_ENABLE_ENCRYPTION", "true")
	t.Setenv("FEDSYNC_ENCRYPTION_SECRET", "too-short")

	_, err := NewEncryptor()
	assert.Error(t, err)
}
