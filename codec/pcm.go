package codec

import "fmt"

// PCMDecoder is the identity decoder for uncompressed streams: the
// packet body already is interleaved signed 16-bit stereo.
type PCMDecoder struct {
	outputSize int
}

// NewPCMDecoder creates an unconfigured identity decoder.
func NewPCMDecoder() *PCMDecoder {
	return &PCMDecoder{}
}

// Config records the frame geometry.
func (d *PCMDecoder) Config(sampleRate, channels, bitDepth, frameLength int) error {
	if channels <= 0 || bitDepth <= 0 || frameLength <= 0 {
		return fmt.Errorf("invalid PCM configuration: %dch %dbit %d samples",
			channels, bitDepth, frameLength)
	}
	d.outputSize = outputBytes(frameLength, channels, bitDepth)
	return nil
}

// OutputSize returns the configured frame size in bytes.
func (d *PCMDecoder) OutputSize() int {
	return d.outputSize
}

// Decode copies the input through unchanged.
func (d *PCMDecoder) Decode(in []byte) ([]byte, error) {
	out := make([]byte, len(in))
	copy(out, in)
	return out, nil
}

// Close is a no-op.
func (d *PCMDecoder) Close() error {
	return nil
}
