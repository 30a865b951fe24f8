package codec

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"
)

// Rice coding parameters for the AirPlay ALAC profile. Sources send
// these in the fmtp line; AirPlay v2 audio always uses the defaults.
const (
	riceHistoryMult    = 40
	riceInitialHistory = 10
	riceKModifier      = 14
	riceThreshold      = 8
)

// ALACDecoder decodes Apple Lossless frames in the 16-bit stereo
// configuration AirPlay negotiates. The decoder carries no state
// across frames; every packet body is one self-contained frame.
type ALACDecoder struct {
	frameLength int
	channels    int
	bitDepth    int
	outputSize  int

	// Per-channel work buffers, reused across frames.
	predicted [2][]int32
	residuals [2][]int32
}

// NewALACDecoder creates an unconfigured ALAC decoder.
func NewALACDecoder() *ALACDecoder {
	return &ALACDecoder{}
}

// Config sizes the work buffers for the negotiated frame geometry.
func (d *ALACDecoder) Config(sampleRate, channels, bitDepth, frameLength int) error {
	if channels < 1 || channels > 2 {
		return fmt.Errorf("alac: %d channels unsupported", channels)
	}
	if bitDepth != 16 {
		return fmt.Errorf("alac: %d-bit samples unsupported", bitDepth)
	}
	if frameLength <= 0 {
		return fmt.Errorf("alac: invalid frame length %d", frameLength)
	}
	d.frameLength = frameLength
	d.channels = channels
	d.bitDepth = bitDepth
	d.outputSize = outputBytes(frameLength, channels, bitDepth)
	for ch := 0; ch < channels; ch++ {
		d.predicted[ch] = make([]int32, frameLength)
		d.residuals[ch] = make([]int32, frameLength)
	}
	logrus.WithFields(logrus.Fields{
		"function":     "ALACDecoder.Config",
		"frame_length": frameLength,
		"channels":     channels,
	}).Debug("ALAC decoder configured")
	return nil
}

// OutputSize returns the decoded frame size in bytes.
func (d *ALACDecoder) OutputSize() int {
	return d.outputSize
}

// Close is a no-op; the decoder holds no external resources.
func (d *ALACDecoder) Close() error {
	return nil
}

// Decode decodes one ALAC frame to interleaved 16-bit little-endian
// PCM. Malformed frames return ErrBadFrame; the caller substitutes
// silence to keep the presentation cadence intact.
func (d *ALACDecoder) Decode(in []byte) ([]byte, error) {
	if d.frameLength == 0 {
		return nil, fmt.Errorf("%w: decoder not configured", ErrBadFrame)
	}
	br := newBitReader(in)

	elementType := br.read(3)
	switch {
	case elementType == 0 && d.channels == 1:
		if err := d.decodeMono(br); err != nil {
			return nil, err
		}
	case elementType == 1 && d.channels == 2:
		if err := d.decodeStereo(br); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: element type %d for %d channels",
			ErrBadFrame, elementType, d.channels)
	}
	if br.failed {
		return nil, fmt.Errorf("%w: truncated frame", ErrBadFrame)
	}

	out := make([]byte, d.outputSize)
	for i := 0; i < d.frameLength; i++ {
		for ch := 0; ch < d.channels; ch++ {
			binary.LittleEndian.PutUint16(out[(i*d.channels+ch)*2:],
				uint16(int16(d.predicted[ch][i])))
		}
	}
	return out, nil
}

// elementHeader is the per-element prelude shared by the mono and
// stereo paths.
type elementHeader struct {
	hasSize           bool
	uncompressedBytes int
	uncompressed      bool
	outputSamples     int
}

func (d *ALACDecoder) readElementHeader(br *bitReader) (elementHeader, error) {
	var h elementHeader
	br.read(4)  // element instance tag
	br.read(12) // unused header bits
	h.hasSize = br.read(1) == 1
	h.uncompressedBytes = int(br.read(2))
	h.uncompressed = br.read(1) == 1
	h.outputSamples = d.frameLength
	if h.hasSize {
		h.outputSamples = int(br.read(32))
		if h.outputSamples <= 0 || h.outputSamples > d.frameLength {
			return h, fmt.Errorf("%w: frame declares %d samples", ErrBadFrame, h.outputSamples)
		}
	}
	if h.uncompressedBytes != 0 {
		// Shifted-sample escape is not part of the 16-bit profile.
		return h, fmt.Errorf("%w: %d uncompressed shift bytes", ErrBadFrame, h.uncompressedBytes)
	}
	return h, nil
}

func (d *ALACDecoder) decodeMono(br *bitReader) error {
	h, err := d.readElementHeader(br)
	if err != nil {
		return err
	}
	if h.uncompressed {
		for i := 0; i < h.outputSamples; i++ {
			d.predicted[0][i] = signExtend(br.read(16), 16)
		}
		return nil
	}

	p, err := readPredictorInfo(br)
	if err != nil {
		return err
	}
	entropyRiceDecode(br, d.residuals[0][:h.outputSamples], d.bitDepth)
	predictorDecompress(d.residuals[0][:h.outputSamples], d.predicted[0][:h.outputSamples],
		d.bitDepth, p)
	return nil
}

func (d *ALACDecoder) decodeStereo(br *bitReader) error {
	h, err := d.readElementHeader(br)
	if err != nil {
		return err
	}
	if h.uncompressed {
		for i := 0; i < h.outputSamples; i++ {
			d.predicted[0][i] = signExtend(br.read(16), 16)
			d.predicted[1][i] = signExtend(br.read(16), 16)
		}
		return nil
	}

	interlacingShift := int(br.read(8))
	interlacingLeftWeight := int(br.read(8))

	var preds [2]predictorInfo
	for ch := 0; ch < 2; ch++ {
		preds[ch], err = readPredictorInfo(br)
		if err != nil {
			return err
		}
	}
	// Stereo residuals decode one full channel at a time, each with
	// one extra bit of headroom for the mid/side representation.
	for ch := 0; ch < 2; ch++ {
		entropyRiceDecode(br, d.residuals[ch][:h.outputSamples], d.bitDepth+1)
		predictorDecompress(d.residuals[ch][:h.outputSamples], d.predicted[ch][:h.outputSamples],
			d.bitDepth+1, preds[ch])
	}

	deinterlaceStereo(d.predicted[0][:h.outputSamples], d.predicted[1][:h.outputSamples],
		interlacingShift, interlacingLeftWeight)
	return nil
}

// predictorInfo carries the adaptive FIR parameters of one channel.
type predictorInfo struct {
	predictionType int
	quantization   int
	riceModifier   int
	coefficients   []int32
}

func readPredictorInfo(br *bitReader) (predictorInfo, error) {
	var p predictorInfo
	p.predictionType = int(br.read(4))
	p.quantization = int(br.read(4))
	p.riceModifier = int(br.read(3))
	coefCount := int(br.read(5))
	if p.predictionType != 0 {
		return p, fmt.Errorf("%w: prediction type %d", ErrBadFrame, p.predictionType)
	}
	if p.quantization == 0 {
		return p, fmt.Errorf("%w: zero quantization", ErrBadFrame)
	}
	p.coefficients = make([]int32, coefCount)
	for i := range p.coefficients {
		p.coefficients[i] = signExtend(br.read(16), 16)
	}
	return p, nil
}

// entropyRiceDecode decodes a channel's residuals with the adaptive
// rice coder. The history state adapts k to the recent sample
// magnitude; small histories trigger run-length decoding of zeros.
func entropyRiceDecode(br *bitReader, out []int32, sampleSize int) {
	history := uint32(riceInitialHistory)
	signModifier := uint32(0)

	for i := 0; i < len(out); i++ {
		k := 31 - bits.LeadingZeros32((history>>9)+3)
		if k > riceKModifier {
			k = riceKModifier
		}
		val := riceDecodeValue(br, sampleSize, k)
		val += signModifier
		signModifier = 0
		out[i] = int32((val >> 1)) ^ -int32(val&1)

		// Adapt the history towards the decoded magnitude.
		if val > 0xFFFF {
			history = 0xFFFF
		} else {
			history += val*riceHistoryMult - ((history * riceHistoryMult) >> 9)
		}

		// A collapsed history signals a run of zeros.
		if history < 128 && i+1 < len(out) {
			k = 7 - bits.LeadingZeros32(history) + ((int(history) + 16) >> 6)
			if k < 0 {
				k = 0
			} else if k > riceKModifier {
				k = riceKModifier
			}
			run := riceDecodeValue(br, 16, k)
			if run > 0xFFFF {
				run = 0xFFFF
			}
			zeros := int(run)
			if zeros > len(out)-(i+1) {
				zeros = len(out) - (i + 1)
			}
			for j := 0; j < zeros; j++ {
				i++
				out[i] = 0
			}
			if zeros < 0xFFFF {
				signModifier = 1
			}
			history = 0
		}
	}
}

// riceDecodeValue reads one rice-coded value: a unary prefix up to the
// escape threshold, then either a raw sample-size value or k extra
// bits refining the prefix.
func riceDecodeValue(br *bitReader, sampleSize, k int) uint32 {
	var prefix uint32
	for prefix <= riceThreshold && br.read(1) == 1 {
		prefix++
	}
	if prefix > riceThreshold {
		return br.read(uint(sampleSize))
	}
	if k <= 1 {
		return prefix
	}
	extra := br.read(uint(k))
	prefix *= uint32((1 << k) - 1)
	if extra > 1 {
		return prefix + extra - 1
	}
	br.unread(1)
	return prefix
}

// predictorDecompress reconstructs samples from residuals with the
// sign-adapting FIR predictor.
func predictorDecompress(residuals, out []int32, sampleSize int, p predictorInfo) {
	if len(residuals) == 0 {
		return
	}
	out[0] = residuals[0]

	coefCount := len(p.coefficients)
	if coefCount == 0 {
		copy(out[1:], residuals[1:])
		return
	}
	if coefCount == 31 {
		// First-order escape: plain integration.
		for i := 1; i < len(residuals); i++ {
			out[i] = truncate(residuals[i]+out[i-1], sampleSize)
		}
		return
	}

	// Warm-up: the first coefCount samples integrate directly.
	warm := coefCount
	if warm > len(residuals)-1 {
		warm = len(residuals) - 1
	}
	for i := 0; i < warm; i++ {
		out[i+1] = truncate(residuals[i+1]+out[i], sampleSize)
	}

	coefs := append([]int32(nil), p.coefficients...)
	for i := coefCount + 1; i < len(residuals); i++ {
		base := i - coefCount - 1
		var sum int64
		for j := 0; j < coefCount; j++ {
			sum += int64(out[base+j]-out[base]) * int64(coefs[coefCount-1-j])
		}
		sum = (sum + (1 << (p.quantization - 1))) >> p.quantization
		sample := residuals[i] + out[base] + int32(sum)
		out[i] = truncate(sample, sampleSize)

		// Adapt coefficients against the residual sign.
		resid := residuals[i]
		if resid > 0 {
			for j := 0; j < coefCount && resid > 0; j++ {
				diff := out[base] - out[base+j]
				sign := sign32(diff)
				coefs[coefCount-1-j] -= sign
				resid -= int32(j+1) * ((sign * diff) >> p.quantization)
			}
		} else if resid < 0 {
			for j := 0; j < coefCount && resid < 0; j++ {
				diff := out[base] - out[base+j]
				sign := sign32(diff)
				coefs[coefCount-1-j] += sign
				resid -= int32(j+1) * ((-sign * diff) >> p.quantization)
			}
		}
	}
}

// deinterlaceStereo converts mid/side channels back to left/right in
// place. A zero left weight means the channels were stored directly.
func deinterlaceStereo(a, b []int32, shift, leftWeight int) {
	if leftWeight == 0 {
		return
	}
	for i := range a {
		mid := a[i]
		diff := b[i]
		right := mid - int32((int64(diff)*int64(leftWeight))>>uint(shift))
		a[i] = right + diff
		b[i] = right
	}
}

func sign32(v int32) int32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func signExtend(v uint32, width uint) int32 {
	shift := 32 - width
	return int32(v<<shift) >> shift
}

func truncate(v int32, sampleSize int) int32 {
	shift := uint(32 - sampleSize)
	return int32(uint32(v)<<shift) >> shift
}

// bitReader reads big-endian bit fields from a packet body. Reads past
// the end return zeros and latch the failed flag; the caller checks it
// once after parsing instead of threading errors through every read.
type bitReader struct {
	data   []byte
	bitPos int
	failed bool
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) read(n uint) uint32 {
	var v uint32
	for i := uint(0); i < n; i++ {
		byteIdx := br.bitPos >> 3
		if byteIdx >= len(br.data) {
			br.failed = true
			return v << (n - i)
		}
		bit := (br.data[byteIdx] >> (7 - uint(br.bitPos&7))) & 1
		v = v<<1 | uint32(bit)
		br.bitPos++
	}
	return v
}

func (br *bitReader) unread(n int) {
	br.bitPos -= n
	if br.bitPos < 0 {
		br.bitPos = 0
	}
}
