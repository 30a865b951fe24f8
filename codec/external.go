package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mode selects the framing an external helper decodes.
type Mode string

const (
	// ModeAAC feeds raw AAC main profile frames.
	ModeAAC Mode = "aac-main"
	// ModeELD feeds LATM-framed AAC-ELD.
	ModeELD Mode = "aac-eld"
	// ModeAACLC feeds raw AAC-LC frames; the last resort when a
	// source insists on ELD and no ELD-capable decoder exists.
	ModeAACLC Mode = "aac-lc"
)

// HelperCommand names the out-of-process decoder binary. The helper
// speaks a length-prefixed pipe protocol: 4-byte big-endian frame
// length plus frame body on stdin, exactly one decoded PCM frame of
// the configured size on stdout per input frame.
var HelperCommand = "airplay-audio-helper"

// ExternalDecoder drives a decoder subprocess over stdin/stdout pipes.
// The subprocess lives for the duration of the session and is killed
// on Close.
type ExternalDecoder struct {
	mode Mode

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	outputSize int
	lenBuf     [4]byte
	closed     bool
}

// NewExternalDecoder creates an unconfigured external decoder for one
// framing mode. The subprocess starts in Config.
func NewExternalDecoder(mode Mode) *ExternalDecoder {
	return &ExternalDecoder{mode: mode}
}

// Config starts the helper subprocess with the stream geometry. A
// missing or unstartable helper reports ErrDecoderUnavailable so the
// fallback chain can move on.
func (d *ExternalDecoder) Config(sampleRate, channels, bitDepth, frameLength int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := exec.Command(HelperCommand,
		"--mode", string(d.mode),
		"--rate", strconv.Itoa(sampleRate),
		"--channels", strconv.Itoa(channels),
		"--bits", strconv.Itoa(bitDepth),
		"--frame", strconv.Itoa(frameLength),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecoderUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecoderUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ExternalDecoder.Config",
			"mode":     string(d.mode),
			"helper":   HelperCommand,
			"error":    err.Error(),
		}).Warn("Decoder helper failed to start")
		return fmt.Errorf("%w: %v", ErrDecoderUnavailable, err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReaderSize(stdout, 1<<16)
	d.outputSize = outputBytes(frameLength, channels, bitDepth)

	logrus.WithFields(logrus.Fields{
		"function":    "ExternalDecoder.Config",
		"mode":        string(d.mode),
		"pid":         cmd.Process.Pid,
		"output_size": d.outputSize,
	}).Info("Decoder helper started")
	return nil
}

// OutputSize returns the decoded frame size in bytes.
func (d *ExternalDecoder) OutputSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputSize
}

// Decode ships one frame to the helper and reads back one PCM frame.
func (d *ExternalDecoder) Decode(in []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.cmd == nil {
		return nil, fmt.Errorf("%w: helper not running", ErrBadFrame)
	}

	binary.BigEndian.PutUint32(d.lenBuf[:], uint32(len(in)))
	if _, err := d.stdin.Write(d.lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if _, err := d.stdin.Write(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	out := make([]byte, d.outputSize)
	if _, err := io.ReadFull(d.stdout, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return out, nil
}

// Close terminates the helper subprocess. Safe to call repeatedly.
func (d *ExternalDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.cmd == nil {
		return nil
	}
	_ = d.stdin.Close()
	if err := d.cmd.Process.Kill(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ExternalDecoder.Close",
			"mode":     string(d.mode),
			"error":    err.Error(),
		}).Warn("Failed to kill decoder helper")
	}
	_ = d.cmd.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "ExternalDecoder.Close",
		"mode":     string(d.mode),
	}).Debug("Decoder helper terminated")
	return nil
}
