// Package codec selects and drives the audio decoder for one AirPlay
// session.
//
// The source advertises its payload encoding once, at session setup;
// selection happens on the first audio packet and is never revisited.
// Every decoder satisfies the same small contract so the receive
// pipeline is codec-agnostic: configure once, report the decoded frame
// size, decode one packet body at a time. Decoders with per-frame
// state (AAC, AAC-ELD) are not safe for concurrent use; the session
// serializes Decode calls behind its decoder mutex.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/raop/session"
)

// Defaults applied when the session carries no samples-per-frame hint.
const (
	DefaultALACFrameLength = 352
	DefaultAACFrameLength  = 1024
	DefaultELDFrameLength  = 480

	// SampleRate is the fixed AirPlay v2 audio clock.
	SampleRate = 44100
	// Channels is interleaved stereo throughout.
	Channels = 2
	// BitDepth is signed 16-bit samples throughout.
	BitDepth = 16
)

// Codec selection and decode errors.
var (
	// ErrUnsupportedFormat indicates no decoder exists for the
	// advertised format.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrDecoderUnavailable indicates a decoder variant is not
	// compiled in or its external helper cannot start.
	ErrDecoderUnavailable = errors.New("decoder unavailable")

	// ErrBadFrame indicates a packet body that cannot be decoded;
	// the caller substitutes silence of OutputSize bytes.
	ErrBadFrame = errors.New("undecodable audio frame")
)

// Decoder is the uniform decode contract all codec variants satisfy.
type Decoder interface {
	// Config prepares the decoder for a stream. Called exactly once,
	// before the first Decode.
	Config(sampleRate, channels, bitDepth, frameLength int) error

	// OutputSize returns the decoded frame size in bytes:
	// frameLength * channels * bitDepth/8.
	OutputSize() int

	// Decode decodes one packet body into interleaved signed 16-bit
	// little-endian stereo PCM.
	Decode(in []byte) ([]byte, error)

	// Close releases decoder resources, terminating any helper
	// process. Safe to call more than once.
	Close() error
}

// Factory builds an unconfigured decoder variant. Fallback chains are
// ordered factory lists: the first whose Config succeeds wins.
type Factory func() Decoder

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register installs a native decoder variant under a well-known name
// ("aac-eld", "aac-main"). Build-tagged bindings call this from their
// init functions; the names are looked up before any external helper
// is tried.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
	logrus.WithFields(logrus.Fields{
		"function": "codec.Register",
		"name":     name,
	}).Info("Native decoder registered")
}

func registered(name string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[name]
	return f, ok
}

// ForSession selects and configures the decoder for a session's
// advertised format. The caller invokes this exactly once per session.
//
// Returns:
//   - Decoder: configured decoder ready for Decode calls
//   - error: ErrUnsupportedFormat or the last configuration failure
func ForSession(s *session.Session) (Decoder, error) {
	format := s.Format
	if format == session.FormatUnknown {
		// Older sources advertise only a compression type.
		if s.CompressionType == 1 {
			format = session.FormatALAC
		} else {
			format = session.FormatPCM
		}
		logrus.WithFields(logrus.Fields{
			"function":         "codec.ForSession",
			"session":          s.ID,
			"compression_type": s.CompressionType,
			"format":           format.String(),
		}).Info("Format resolved from compression type")
	}

	frameLength := s.SamplesPerFrame
	var chain []Factory

	switch format {
	case session.FormatALAC:
		if frameLength == 0 {
			frameLength = DefaultALACFrameLength
		}
		chain = []Factory{func() Decoder { return NewALACDecoder() }}

	case session.FormatAAC:
		if frameLength == 0 {
			frameLength = DefaultAACFrameLength
		}
		chain = aacChain()

	case session.FormatAACELD:
		if frameLength == 0 {
			frameLength = DefaultELDFrameLength
		}
		chain = eldChain()

	case session.FormatPCM:
		if frameLength == 0 {
			frameLength = DefaultALACFrameLength
		}
		chain = []Factory{func() Decoder { return NewPCMDecoder() }}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	var lastErr error
	for _, factory := range chain {
		d := factory()
		if err := d.Config(SampleRate, Channels, BitDepth, frameLength); err != nil {
			lastErr = err
			_ = d.Close()
			logrus.WithFields(logrus.Fields{
				"function": "codec.ForSession",
				"session":  s.ID,
				"format":   format.String(),
				"error":    err.Error(),
			}).Warn("Decoder variant failed to configure, trying next")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function":     "codec.ForSession",
			"session":      s.ID,
			"format":       format.String(),
			"frame_length": frameLength,
			"output_size":  d.OutputSize(),
		}).Info("Decoder selected")
		return d, nil
	}
	if lastErr == nil {
		lastErr = ErrDecoderUnavailable
	}
	return nil, fmt.Errorf("no decoder for %s: %w", format, lastErr)
}

// aacChain is the AAC main profile fallback order: native bindings if
// registered, otherwise the external helper.
func aacChain() []Factory {
	var chain []Factory
	if f, ok := registered("aac-main"); ok {
		chain = append(chain, f)
	}
	chain = append(chain, func() Decoder { return NewExternalDecoder(ModeAAC) })
	return chain
}

// eldChain is the AAC-ELD fallback order: native FDK bindings,
// external LATM helper, then plain AAC-LC of identical configuration.
func eldChain() []Factory {
	var chain []Factory
	if f, ok := registered("aac-eld"); ok {
		chain = append(chain, f)
	}
	chain = append(chain, func() Decoder { return NewExternalDecoder(ModeELD) })
	if f, ok := registered("aac-lc"); ok {
		chain = append(chain, f)
	}
	chain = append(chain, func() Decoder { return NewExternalDecoder(ModeAACLC) })
	return chain
}

// outputBytes computes the decoded frame size for a configuration.
func outputBytes(frameLength, channels, bitDepth int) int {
	return frameLength * channels * bitDepth / 8
}
