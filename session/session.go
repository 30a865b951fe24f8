// Package session holds the per-stream key material and format identity
// handed to the audio core by the pairing and control collaborators.
//
// A Session is created before the audio ports open and is treated as
// immutable once packets start flowing; the only late write is the
// one-shot publication of the unwrapped content key, which is cached
// here so both receive loops share a single unwrap.
package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// Format identifies the advertised audio payload encoding.
type Format uint8

const (
	// FormatUnknown means no format was advertised; selection falls
	// back to the compression type.
	FormatUnknown Format = iota
	// FormatALAC is Apple Lossless, the default AirPlay audio codec.
	FormatALAC
	// FormatAAC is AAC main profile, raw frames.
	FormatAAC
	// FormatAACELD is AAC enhanced low delay, used during mirroring.
	FormatAACELD
	// FormatPCM is uncompressed interleaved signed 16-bit stereo.
	FormatPCM
)

// String returns the format name for logging.
func (f Format) String() string {
	switch f {
	case FormatALAC:
		return "ALAC"
	case FormatAAC:
		return "AAC"
	case FormatAACELD:
		return "AAC-ELD"
	case FormatPCM:
		return "PCM"
	default:
		return "unknown"
	}
}

// Session carries the key material and codec identity for one audio
// stream. All fields are populated by the pairing and RTSP
// collaborators before the stream starts.
type Session struct {
	// ID keys this session in the Store.
	ID string

	// WrappedKey is the encrypted AES content key as received on the
	// control channel.
	WrappedKey []byte

	// IV is the CBC initialization vector, reset per packet.
	IV []byte

	// SharedSecret is the 32-byte ECDH secret from pairing.
	SharedSecret []byte

	// KeyMessage is the opaque blob the key-unwrap transform consumes
	// together with WrappedKey.
	KeyMessage []byte

	// Format is the advertised payload encoding.
	Format Format

	// SamplesPerFrame is the advertised frame length hint; zero means
	// use the codec default.
	SamplesPerFrame int

	// CompressionType selects a codec when Format is FormatUnknown:
	// 1 means ALAC, 0 means PCM.
	CompressionType int

	keyOnce    sync.Once
	contentKey []byte
	keyErr     error
}

// ContentKey returns the unwrapped 16-byte content key, invoking
// unwrap exactly once per session and caching the result. Concurrent
// callers observe the published value without further synchronization.
func (s *Session) ContentKey(unwrap func(*Session) ([]byte, error)) ([]byte, error) {
	s.keyOnce.Do(func() {
		key, err := unwrap(s)
		if err != nil {
			s.keyErr = fmt.Errorf("content key unwrap: %w", err)
			logrus.WithFields(logrus.Fields{
				"function": "Session.ContentKey",
				"session":  s.ID,
				"error":    err.Error(),
			}).Error("Content key unwrap failed")
			return
		}
		s.contentKey = key
		logrus.WithFields(logrus.Fields{
			"function": "Session.ContentKey",
			"session":  s.ID,
		}).Debug("Content key unwrapped and cached")
	})
	return s.contentKey, s.keyErr
}

// DeriveSharedSecret computes the pairing shared secret between the
// sink's private key and the source device's public key using X25519.
// The pairing collaborator stores the result on the session before the
// audio ports open.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	return secret, nil
}
