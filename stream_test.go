package raop

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/raop/session"
)

// recordSink captures everything the stream delivers.
type recordSink struct {
	mu      sync.Mutex
	frames  []Frame
	flushes int
}

func (s *recordSink) OnPCM(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordSink) OnFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *recordSink) snapshot() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func (s *recordSink) seqs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

func (s *recordSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// harness wires a stream to a loopback source socket.
type harness struct {
	t    *testing.T
	st   *Stream
	sink *recordSink
	sess *session.Session

	// src doubles as the source's data socket and the destination of
	// retransmission requests.
	src      *net.UDPConn
	dataAddr *net.UDPAddr
	ctrlAddr *net.UDPAddr
}

func newHarness(t *testing.T, mirroring bool) *harness {
	t.Helper()

	sess := &session.Session{
		ID:           "test-stream",
		WrappedKey:   []byte("0123456789abcdef"),
		IV:           []byte("iviviviviviviviv"),
		SharedSecret: make([]byte, 32),
		Format:       session.FormatPCM,
	}
	store := session.NewStore()
	store.Upsert(sess)

	sink := &recordSink{}
	st, err := New(store, sink, Options{
		SessionID:   sess.ID,
		IsMirroring: mirroring,
		Registerer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Start())
	t.Cleanup(func() { _ = st.Close() })

	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	return &harness{
		t:        t,
		st:       st,
		sink:     sink,
		sess:     sess,
		src:      src,
		dataAddr: loopbackTarget(t, st.DataAddr()),
		ctrlAddr: loopbackTarget(t, st.ControlAddr()),
	}
}

func loopbackTarget(t *testing.T, bound net.Addr) *net.UDPAddr {
	t.Helper()
	ua, ok := bound.(*net.UDPAddr)
	require.True(t, ok)
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ua.Port}
}

// encryptBody mirrors the source-side transform: CBC over the whole
// blocks with the session IV, tail left plaintext.
func (h *harness) encryptBody(plaintext []byte) []byte {
	digest := sha512.New()
	digest.Write(h.sess.WrappedKey[:16])
	digest.Write(h.sess.SharedSecret)
	block, err := aes.NewCipher(digest.Sum(nil)[:16])
	require.NoError(h.t, err)

	body := append([]byte(nil), plaintext...)
	n := len(body) / aes.BlockSize * aes.BlockSize
	if n > 0 {
		cipher.NewCBCEncrypter(block, h.sess.IV[:aes.BlockSize]).CryptBlocks(body[:n], body[:n])
	}
	return body
}

func (h *harness) dataPacket(seq uint16, ts uint32, payload []byte) []byte {
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0x60,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0xDEADBEEF,
		},
		Payload: h.encryptBody(payload),
	}
	raw, err := p.Marshal()
	require.NoError(h.t, err)
	return raw
}

func (h *harness) sendData(seq uint16, ts uint32, payload []byte) {
	_, err := h.src.WriteToUDP(h.dataPacket(seq, ts, payload), h.dataAddr)
	require.NoError(h.t, err)
	time.Sleep(5 * time.Millisecond)
}

func (h *harness) sendAudioOverControl(seq uint16, ts uint32, payload []byte) {
	inner := h.dataPacket(seq, ts, payload)
	pkt := make([]byte, 4+len(inner))
	pkt[0] = 0x80
	pkt[1] = 0xD6
	copy(pkt[4:], inner)
	_, err := h.src.WriteToUDP(pkt, h.ctrlAddr)
	require.NoError(h.t, err)
	time.Sleep(5 * time.Millisecond)
}

func (h *harness) sendSync(rtpTS, ntpSec, ntpFrac uint32) {
	_, err := h.src.WriteToUDP(syncPacket(rtpTS, ntpSec, ntpFrac, 0), h.ctrlAddr)
	require.NoError(h.t, err)
	time.Sleep(10 * time.Millisecond)
}

func (h *harness) waitFrames(n int) []Frame {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.sink.snapshot()) >= n
	}, 3*time.Second, 10*time.Millisecond, "waiting for %d frames", n)
	return h.sink.snapshot()
}

// testPayload is one packet of 352 stereo samples.
func testPayload(seed byte) []byte {
	p := make([]byte, 1408)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

// Ordered lossless stream: five packets after one sync point come out
// with the documented presentation timestamps.
func TestStreamOrderedLossless(t *testing.T) {
	h := newHarness(t, false)

	h.sendSync(1000, ntpEpochOffsetSeconds, 0)
	for i := 0; i < 5; i++ {
		h.sendData(uint16(100+i), uint32(1000+352*i), testPayload(byte(i)))
	}

	frames := h.waitFrames(5)
	wantPTS := []int64{0, 7981, 15963, 23945, 31927}
	for i, f := range frames {
		assert.Equal(t, uint16(100+i), f.Seq)
		assert.Equal(t, wantPTS[i], f.PTSus, "frame %d", i)
		assert.Equal(t, testPayload(byte(i)), f.PCM, "frame %d payload", i)
	}
}

// Single-packet loss: the stream stalls at the gap, emits exactly one
// NACK naming it, and resumes in order once the resend lands.
func TestStreamLossWithResend(t *testing.T) {
	h := newHarness(t, false)

	h.sendData(100, 1000, testPayload(0))
	h.sendData(101, 1352, testPayload(1))
	// 102 lost.
	h.sendData(103, 2056, testPayload(3))
	for i := 0; i < 8; i++ {
		h.sendData(uint16(104+i), uint32(2408+352*i), testPayload(byte(4+i)))
	}

	nack := readNACK(t, h.src)
	require.Len(t, nack, resendPacketLength)
	assert.Equal(t, byte(0x80), nack[0])
	assert.Equal(t, byte(0xD5), nack[1])
	assert.Equal(t, uint16(102), uint16(nack[4])<<8|uint16(nack[5]))
	assert.Equal(t, uint16(1), uint16(nack[6])<<8|uint16(nack[7]))

	// One gap, one request.
	expectNoPacket(t, h.src)

	require.Len(t, h.waitFrames(2), 2)
	h.sendData(102, 1704, testPayload(2))

	frames := h.waitFrames(12)
	for i, f := range frames {
		assert.Equal(t, uint16(100+i), f.Seq, "frame %d", i)
	}
}

// Loss exceeding the buffer window: the stream jumps forward and never
// asks for the skipped range.
func TestStreamLossBeyondWindow(t *testing.T) {
	h := newHarness(t, false)

	h.sendData(100, 1000, testPayload(0))
	h.waitFrames(1)

	h.sendData(100+1024, 362448, testPayload(9))
	frames := h.waitFrames(2)
	assert.Equal(t, []uint16{100, 100 + 1024}, h.sink.seqs())
	assert.Len(t, frames, 2)

	expectNoPacket(t, h.src)
}

// Mirroring: frames come out in arrival order with no reordering and
// no NACKs, and audio also flows in over the control socket.
func TestStreamMirroring(t *testing.T) {
	h := newHarness(t, true)

	order := []uint16{100, 102, 101, 103}
	for i, seq := range order {
		h.sendData(seq, uint32(1000+352*i), testPayload(byte(i)))
	}
	h.waitFrames(4)
	assert.Equal(t, order, h.sink.seqs())

	// Out-of-band audio on the control socket.
	h.sendAudioOverControl(104, 3000, testPayload(8))
	h.waitFrames(5)
	assert.Equal(t, uint16(104), h.sink.seqs()[4])

	expectNoPacket(t, h.src)
}

// Flush mid-stream: buffered audio is gone, the sink hears about it
// once, and the stream resumes at the announced sequence.
func TestStreamFlushMidStream(t *testing.T) {
	h := newHarness(t, false)

	for i := 0; i <= 10; i++ {
		h.sendData(uint16(100+i), uint32(1000+352*i), testPayload(byte(i)))
	}
	h.waitFrames(11)

	h.st.Flush(200)
	assert.Equal(t, 1, h.sink.flushCount())

	for i := 0; i <= 5; i++ {
		h.sendData(uint16(200+i), uint32(9000+352*i), testPayload(byte(i)))
	}
	frames := h.waitFrames(17)
	for i := 0; i <= 5; i++ {
		assert.Equal(t, uint16(200+i), frames[11+i].Seq)
	}
}

// Sequence wraparound: 65534, 65535, 0, 1 deliver in order with
// monotonically increasing PTS.
func TestStreamSequenceWraparound(t *testing.T) {
	h := newHarness(t, false)

	h.sendSync(1000, ntpEpochOffsetSeconds, 0)
	seqs := []uint16{65534, 65535, 0, 1}
	for i, seq := range seqs {
		h.sendData(seq, uint32(1000+352*i), testPayload(byte(i)))
	}

	frames := h.waitFrames(4)
	assert.Equal(t, seqs, h.sink.seqs())
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].PTSus, frames[i-1].PTSus)
	}
}

// Audio before any sync packet still yields finite, monotone PTS.
func TestStreamAudioBeforeSync(t *testing.T) {
	h := newHarness(t, false)

	h.sendData(7, 1000, testPayload(1))
	h.sendData(8, 1352, testPayload(2))

	frames := h.waitFrames(2)
	assert.Equal(t, int64(1000)*1_000_000/sampleRate, frames[0].PTSus)
	assert.Greater(t, frames[1].PTSus, frames[0].PTSus)
}

// Duplicate packets are suppressed: one delivery per sequence number.
func TestStreamDuplicateSuppression(t *testing.T) {
	h := newHarness(t, false)

	h.sendData(100, 1000, testPayload(0))
	h.sendData(100, 1000, testPayload(0))
	h.sendData(101, 1352, testPayload(1))

	frames := h.waitFrames(2)
	assert.Equal(t, []uint16{100, 101}, h.sink.seqs())
	assert.Len(t, frames, 2)
}

// The 16-byte no-data keepalive never reaches the buffer.
func TestStreamKeepaliveMarker(t *testing.T) {
	h := newHarness(t, false)

	pkt := make([]byte, keepalivePacketLength)
	pkt[0] = 0x80
	pkt[1] = 0x60
	copy(pkt[12:], keepaliveSuffix)
	_, err := h.src.WriteToUDP(pkt, h.dataAddr)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.sink.snapshot())

	// The stream still works afterwards.
	h.sendData(1, 352, testPayload(1))
	h.waitFrames(1)
}

// Runt and oversized control traffic is ignored without killing the
// loops.
func TestStreamIgnoresGarbage(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.src.WriteToUDP([]byte{0x80}, h.ctrlAddr)
	require.NoError(t, err)
	_, err = h.src.WriteToUDP([]byte{1, 2, 3, 4, 5}, h.dataAddr)
	require.NoError(t, err)
	_, err = h.src.WriteToUDP(make([]byte, 40), h.ctrlAddr) // unknown type
	require.NoError(t, err)

	h.sendData(5, 352, testPayload(5))
	h.waitFrames(1)
	assert.Equal(t, []uint16{5}, h.sink.seqs())
}

// Packet dumping writes raw_<seq> and pcm_<seq> files when enabled.
func TestStreamDumpFiles(t *testing.T) {
	dir := t.TempDir()

	sess := &session.Session{
		ID:           "dump-stream",
		WrappedKey:   []byte("0123456789abcdef"),
		IV:           []byte("iviviviviviviviv"),
		SharedSecret: make([]byte, 32),
		Format:       session.FormatPCM,
	}
	store := session.NewStore()
	store.Upsert(sess)

	sink := &recordSink{}
	st, err := New(store, sink, Options{
		SessionID:  sess.ID,
		DumpPath:   dir,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Start())
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{t: t, st: st, sink: sink, sess: sess}
	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	h.src = src
	h.dataAddr = loopbackTarget(t, st.DataAddr())
	h.ctrlAddr = loopbackTarget(t, st.ControlAddr())

	h.sendData(42, 1000, testPayload(1))
	h.waitFrames(1)

	raw, err := os.ReadFile(filepath.Join(dir, "raw_42"))
	require.NoError(t, err)
	assert.Len(t, raw, 1408)
	pcm, err := os.ReadFile(filepath.Join(dir, "pcm_42"))
	require.NoError(t, err)
	assert.Equal(t, testPayload(1), pcm)
}

func TestStreamLifecycle(t *testing.T) {
	store := session.NewStore()
	store.Upsert(&session.Session{ID: "life", Format: session.FormatPCM})
	sink := &recordSink{}

	_, err := New(store, nil, Options{SessionID: "life"})
	assert.ErrorIs(t, err, ErrNoSink)

	st, err := New(store, sink, Options{SessionID: "life", Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, st.Start())
	assert.ErrorIs(t, st.Start(), ErrStreamAlreadyStarted)

	done := make(chan struct{})
	go func() {
		_ = st.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the receive loops in time")
	}

	assert.ErrorIs(t, st.Start(), ErrStreamClosed)
	assert.NoError(t, st.Close())
}
