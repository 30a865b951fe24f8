package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/raop/session"
)

func testSession() *session.Session {
	return &session.Session{
		ID:           "test",
		WrappedKey:   []byte("0123456789abcdef"),
		IV:           []byte("iviviviviviviviv"),
		SharedSecret: make([]byte, 32),
	}
}

// encryptBody applies the inverse transform a source device would:
// CBC-encrypt the leading whole blocks, leave the tail in plaintext.
func encryptBody(t *testing.T, s *session.Session, plaintext []byte) []byte {
	t.Helper()

	digest := sha512.New()
	digest.Write(s.WrappedKey[:ContentKeySize])
	digest.Write(s.SharedSecret)
	block, err := aes.NewCipher(digest.Sum(nil)[:ContentKeySize])
	require.NoError(t, err)

	body := make([]byte, len(plaintext))
	copy(body, plaintext)
	n := len(body) / aes.BlockSize * aes.BlockSize
	if n > 0 {
		cipher.NewCBCEncrypter(block, s.IV[:aes.BlockSize]).CryptBlocks(body[:n], body[:n])
	}
	return body
}

func TestDecryptRoundTrip(t *testing.T) {
	s := testSession()
	pc, err := NewPayloadCipher(s)
	require.NoError(t, err)

	plaintext := make([]byte, 100) // 6 blocks + 4 residual bytes
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	body := encryptBody(t, s, plaintext)
	require.NotEqual(t, plaintext[:96], body[:96])
	assert.Equal(t, plaintext[96:], body[96:], "residual tail must stay plaintext")

	pc.Decrypt(body)
	assert.Equal(t, plaintext, body)
}

func TestDecryptIVResetPerPacket(t *testing.T) {
	s := testSession()
	pc, err := NewPayloadCipher(s)
	require.NoError(t, err)

	plaintext := make([]byte, 64)
	for i := range plaintext {
		plaintext[i] = byte(i * 3)
	}

	// The same packet decrypted twice must yield identical output:
	// the IV is reset, not chained.
	first := encryptBody(t, s, plaintext)
	second := encryptBody(t, s, plaintext)
	pc.Decrypt(first)
	pc.Decrypt(second)
	assert.Equal(t, plaintext, first)
	assert.Equal(t, plaintext, second)
}

func TestDecryptShortBody(t *testing.T) {
	s := testSession()
	pc, err := NewPayloadCipher(s)
	require.NoError(t, err)

	body := []byte{1, 2, 3, 4, 5}
	want := append([]byte(nil), body...)
	pc.Decrypt(body)
	assert.Equal(t, want, body, "sub-block body has no ciphertext")
}

func TestNewPayloadCipherMissingMaterial(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*session.Session)
		wantErr error
	}{
		{"No shared secret", func(s *session.Session) { s.SharedSecret = nil }, ErrMissingMaterial},
		{"Short IV", func(s *session.Session) { s.IV = []byte{1, 2, 3} }, ErrIVLength},
		{"No wrapped key", func(s *session.Session) { s.WrappedKey = nil }, ErrMissingMaterial},
		{"Short wrapped key", func(s *session.Session) { s.WrappedKey = []byte{1} }, ErrKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession()
			tt.mutate(s)
			_, err := NewPayloadCipher(s)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUnwrapContentKeyCached(t *testing.T) {
	s := testSession()
	key1, err := UnwrapContentKey(s)
	require.NoError(t, err)
	key2, err := UnwrapContentKey(s)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, ContentKeySize)
}
