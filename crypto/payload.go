package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/raop/session"
)

// ContentKeySize is the size of the unwrapped AES content key.
const ContentKeySize = 16

// Payload decryption errors. These classify the failures that cause a
// packet to be dropped while the receive loop continues.
var (
	// ErrMissingMaterial indicates the session lacks a wrapped key,
	// IV, or shared secret.
	ErrMissingMaterial = errors.New("session key material missing")

	// ErrKeyLength indicates the unwrap transform produced a key of
	// the wrong size.
	ErrKeyLength = errors.New("content key has wrong length")

	// ErrIVLength indicates the session IV is shorter than one AES block.
	ErrIVLength = errors.New("initialization vector too short")
)

// KeyUnwrap recovers the plaintext content key from the session's
// key message and wrapped key. The real transform is the source
// device's pairing-derived routine and is installed by the embedder at
// build time; the default passes the leading ContentKeySize bytes of
// the wrapped key through, which is what loopback test sources use.
var KeyUnwrap = func(keyMessage, wrappedKey []byte) ([]byte, error) {
	if len(wrappedKey) < ContentKeySize {
		return nil, fmt.Errorf("%w: wrapped key is %d bytes", ErrKeyLength, len(wrappedKey))
	}
	key := make([]byte, ContentKeySize)
	copy(key, wrappedKey[:ContentKeySize])
	return key, nil
}

// UnwrapContentKey recovers and caches the plaintext content key on
// the session. The unwrap runs once per session; both receive loops
// share the published result.
func UnwrapContentKey(s *session.Session) ([]byte, error) {
	if len(s.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: no wrapped key", ErrMissingMaterial)
	}
	return s.ContentKey(func(s *session.Session) ([]byte, error) {
		key, err := KeyUnwrap(s.KeyMessage, s.WrappedKey)
		if err != nil {
			return nil, err
		}
		if len(key) != ContentKeySize {
			return nil, fmt.Errorf("%w: got %d bytes", ErrKeyLength, len(key))
		}
		return key, nil
	})
}

// PayloadCipher decrypts audio packet bodies for one receive loop.
//
// The CBC key is SHA-512(contentKey || sharedSecret) truncated to 16
// bytes; the session IV is applied fresh on every packet rather than
// chained across packets.
type PayloadCipher struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

// NewPayloadCipher derives the stream cipher state for one receiver.
//
// Parameters:
//   - s: session carrying the wrapped key, IV and ECDH shared secret
//
// Returns:
//   - *PayloadCipher: per-receiver cipher instance
//   - error: ErrMissingMaterial, ErrKeyLength or ErrIVLength when the
//     session material cannot produce a cipher
func NewPayloadCipher(s *session.Session) (*PayloadCipher, error) {
	if len(s.SharedSecret) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "NewPayloadCipher",
			"session":  s.ID,
		}).Error("Session has no shared secret")
		return nil, fmt.Errorf("%w: no shared secret", ErrMissingMaterial)
	}
	if len(s.IV) < aes.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrIVLength, len(s.IV))
	}

	contentKey, err := UnwrapContentKey(s)
	if err != nil {
		return nil, err
	}

	digest := sha512.New()
	digest.Write(contentKey)
	digest.Write(s.SharedSecret)
	cbcKey := digest.Sum(nil)[:ContentKeySize]

	block, err := aes.NewCipher(cbcKey)
	if err != nil {
		return nil, fmt.Errorf("cipher setup: %w", err)
	}

	pc := &PayloadCipher{block: block}
	copy(pc.iv[:], s.IV)

	logrus.WithFields(logrus.Fields{
		"function": "NewPayloadCipher",
		"session":  s.ID,
	}).Debug("Payload cipher derived")

	return pc, nil
}

// Decrypt decrypts body in place. Only the leading complete AES blocks
// are ciphertext; a trailing partial block of 1 to 15 bytes is already
// plaintext and is left untouched.
func (pc *PayloadCipher) Decrypt(body []byte) {
	n := len(body) / aes.BlockSize * aes.BlockSize
	if n == 0 {
		return
	}
	// Fresh CBC state per packet: the protocol resets the IV instead
	// of chaining it across packets.
	mode := cipher.NewCBCDecrypter(pc.block, pc.iv[:])
	mode.CryptBlocks(body[:n], body[:n])
}

// ZeroBytes overwrites b with zeros. Used to wipe key material that
// has left scope.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
