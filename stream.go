package raop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/raop/buffer"
	"github.com/opd-ai/raop/codec"
	"github.com/opd-ai/raop/crypto"
	"github.com/opd-ai/raop/session"
)

// Control packet types, after masking the marker bit off byte 1.
const (
	typeTimingSync       = 0x54
	typeAudioOverControl = 0x56
)

// keepaliveSuffix closes a 16-byte no-data marker some sources send to
// hold the flow open. Such packets never touch the buffer.
var keepaliveSuffix = []byte{0x00, 0x68, 0x34, 0x00}

const keepalivePacketLength = 16

// Stream is one audio session: two UDP sockets, two receive loops, a
// shared dejitter buffer, and a PCM sink.
//
// Construction binds the sockets so the collaborator can report the
// negotiated ports back over RTSP before any packet flows; Start
// spawns the receive loops; Close tears everything down and waits for
// both loops to exit.
type Stream struct {
	opts Options
	sess *session.Session
	sink Sink

	ring   *buffer.Buffer
	clock  synchronizer
	resend *resendRequester
	m      *metrics
	dump   *dumper

	ctrlConn *net.UDPConn
	dataConn *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifeMu  sync.Mutex
	started bool
	closed  bool

	// The decoder is selected once, on the first audio packet, and
	// every Decode call serializes behind this mutex: the AAC family
	// keeps state across frames, so the two receive loops cannot
	// decode concurrently.
	decoderMu  sync.Mutex
	decoder    codec.Decoder
	decoderErr error
}

// New builds a stream for the given session and sink. Both UDP sockets
// are bound immediately; use ControlAddr and DataAddr to learn the
// ports when the options requested ephemeral ones.
func New(store *session.Store, sink Sink, opts Options) (*Stream, error) {
	if sink == nil {
		return nil, ErrNoSink
	}

	sess := store.GetOrDefault(opts.SessionID)

	ctrlConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(opts.ControlPort)})
	if err != nil {
		return nil, fmt.Errorf("bind control socket: %w", err)
	}
	dataConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(opts.DataPort)})
	if err != nil {
		_ = ctrlConn.Close()
		return nil, fmt.Errorf("bind data socket: %w", err)
	}

	var dump *dumper
	if opts.DumpPath != "" {
		if dump, err = newDumper(opts.DumpPath); err != nil {
			_ = ctrlConn.Close()
			_ = dataConn.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &Stream{
		opts:     opts,
		sess:     sess,
		sink:     sink,
		ring:     buffer.New(),
		resend:   newResendRequester(ctrlConn),
		m:        newMetrics(opts.Registerer, sess.ID),
		dump:     dump,
		ctrlConn: ctrlConn,
		dataConn: dataConn,
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":     "raop.New",
		"session":      sess.ID,
		"control_addr": ctrlConn.LocalAddr().String(),
		"data_addr":    dataConn.LocalAddr().String(),
		"mirroring":    opts.IsMirroring,
	}).Info("Audio stream created")
	return st, nil
}

// ControlAddr returns the bound address of the control socket.
func (st *Stream) ControlAddr() net.Addr {
	return st.ctrlConn.LocalAddr()
}

// DataAddr returns the bound address of the data socket.
func (st *Stream) DataAddr() net.Addr {
	return st.dataConn.LocalAddr()
}

// Start spawns the two receive loops.
func (st *Stream) Start() error {
	st.lifeMu.Lock()
	defer st.lifeMu.Unlock()

	if st.closed {
		return ErrStreamClosed
	}
	if st.started {
		return ErrStreamAlreadyStarted
	}
	st.started = true

	st.wg.Add(2)
	go st.receiveLoop(st.ctrlConn, "control", st.handleControlPacket)
	go st.receiveLoop(st.dataConn, "data", st.handleDataPacket)

	logrus.WithFields(logrus.Fields{
		"function": "Stream.Start",
		"session":  st.sess.ID,
	}).Info("Receive loops started")
	return nil
}

// Flush discards all buffered audio and tells the sink. The RTSP
// collaborator calls this on a FLUSH request; nextSeq is where the
// source will resume, or out of range to discard without a hint.
func (st *Stream) Flush(nextSeq int32) {
	st.ring.Flush(nextSeq)
	st.m.bufferOccupancy.Set(0)
	// The sink learns about the discontinuity outside any lock.
	st.sink.OnFlush()

	logrus.WithFields(logrus.Fields{
		"function": "Stream.Flush",
		"session":  st.sess.ID,
		"next_seq": nextSeq,
	}).Info("Stream flushed")
}

// Close cancels both receive loops, closes the sockets, and releases
// the decoder. The buffer is not drained: the sink observes
// end-of-stream as the absence of further callbacks.
func (st *Stream) Close() error {
	st.lifeMu.Lock()
	if st.closed {
		st.lifeMu.Unlock()
		return nil
	}
	st.closed = true
	st.lifeMu.Unlock()

	st.cancel()
	// Closing the sockets is what actually unblocks the loops.
	_ = st.ctrlConn.Close()
	_ = st.dataConn.Close()
	st.wg.Wait()

	st.decoderMu.Lock()
	if st.decoder != nil {
		_ = st.decoder.Close()
	}
	st.decoderMu.Unlock()

	st.m.unregister()

	logrus.WithFields(logrus.Fields{
		"function": "Stream.Close",
		"session":  st.sess.ID,
	}).Info("Audio stream closed")
	return nil
}

// receiver is the per-loop state. Each loop owns its cipher: the CBC
// primitive is stateful, and sharing one across loops would interleave
// block states.
type receiver struct {
	name   string
	cipher *crypto.PayloadCipher
}

func (st *Stream) receiveLoop(conn *net.UDPConn, name string, handle func(*receiver, []byte, net.Addr)) {
	defer st.wg.Done()

	rcv := &receiver{name: name}
	buf := make([]byte, MaxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if st.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "Stream.receiveLoop",
					"socket":   name,
				}).Debug("Receive loop exiting")
				return
			}
			st.m.socketErrors.WithLabelValues(name).Inc()
			logrus.WithFields(logrus.Fields{
				"function": "Stream.receiveLoop",
				"socket":   name,
				"error":    err.Error(),
			}).Debug("Transient receive error")
			continue
		}
		st.m.packetsReceived.WithLabelValues(name).Inc()
		handle(rcv, buf[:n], addr)
	}
}

// handleControlPacket dispatches one control-socket packet: clock sync,
// or — during mirroring — an audio payload wrapped in a 4-byte header.
func (st *Stream) handleControlPacket(rcv *receiver, pkt []byte, addr net.Addr) {
	if len(pkt) < 2 {
		st.m.malformed.Inc()
		return
	}
	switch pkt[1] & 0x7F {
	case typeTimingSync:
		if err := st.clock.update(pkt); err != nil {
			st.m.malformed.Inc()
			logrus.WithFields(logrus.Fields{
				"function": "Stream.handleControlPacket",
				"error":    err.Error(),
			}).Debug("Dropped sync packet")
		}
	case typeAudioOverControl:
		if len(pkt) < 4+MinPacketSize {
			st.m.malformed.Inc()
			return
		}
		st.ingest(rcv, pkt[4:], addr)
		// Out-of-band audio is mirroring traffic: hand everything
		// out immediately, a resend would arrive too late.
		st.deliverReady(true)
	default:
		// Unknown control traffic is not ours to judge.
	}
}

// handleDataPacket runs the primary audio path: admit, drain, and —
// outside mirroring — request retransmission of the leading gap.
func (st *Stream) handleDataPacket(rcv *receiver, pkt []byte, addr net.Addr) {
	st.ingest(rcv, pkt, addr)
	st.deliverReady(st.opts.IsMirroring)

	if !st.opts.IsMirroring {
		start, length := st.ring.LeadingGap()
		if st.resend.request(addr, start, length) {
			st.m.resendRequests.Inc()
		}
	}
}

// ingest is the common admit pipeline: bounds check, keepalive
// short-circuit, header parse, decrypt, decode, admit. Decryption and
// decoding run on the receive goroutine with no lock held except the
// decoder's own mutex; only Admit touches the ring.
func (st *Stream) ingest(rcv *receiver, pkt []byte, addr net.Addr) {
	if len(pkt) < MinPacketSize || len(pkt) > MaxPacketSize {
		st.m.malformed.Inc()
		return
	}
	if len(pkt) == keepalivePacketLength && bytes.Equal(pkt[12:16], keepaliveSuffix) {
		st.m.keepalives.Inc()
		return
	}

	var hdr rtp.Header
	if _, err := hdr.Unmarshal(pkt); err != nil {
		st.m.malformed.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Stream.ingest",
			"socket":   rcv.name,
			"error":    err.Error(),
		}).Debug("Dropped packet with bad RTP header")
		return
	}
	// The wire header is fixed at twelve bytes on this protocol; the
	// flags and type bytes are carried through to the buffer verbatim.
	flags, ptype := pkt[0], pkt[1]
	body := pkt[MinPacketSize:]

	if rcv.cipher == nil {
		c, err := crypto.NewPayloadCipher(st.sess)
		if err != nil {
			st.m.decryptFailures.Inc()
			logrus.WithFields(logrus.Fields{
				"function": "Stream.ingest",
				"socket":   rcv.name,
				"session":  st.sess.ID,
				"error":    err.Error(),
			}).Error("Cipher setup failed, packet dropped")
			return
		}
		rcv.cipher = c
	}

	if st.dump != nil {
		st.dump.writeRaw(hdr.SequenceNumber, body)
	}
	rcv.cipher.Decrypt(body)

	dec, err := st.decoderFor()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stream.ingest",
			"socket":   rcv.name,
			"session":  st.sess.ID,
			"error":    err.Error(),
		}).Error("No decoder for session, packet dropped")
		return
	}

	st.decoderMu.Lock()
	pcm, decErr := dec.Decode(body)
	st.decoderMu.Unlock()
	if decErr != nil {
		// Silence of the right size keeps the presentation cadence
		// intact; the frame is admitted regardless.
		st.m.decodeFailures.Inc()
		pcm = make([]byte, dec.OutputSize())
		logrus.WithFields(logrus.Fields{
			"function": "Stream.ingest",
			"socket":   rcv.name,
			"seq":      hdr.SequenceNumber,
			"error":    decErr.Error(),
		}).Debug("Decode failed, substituting silence")
	}

	if st.dump != nil {
		st.dump.writePCM(hdr.SequenceNumber, pcm)
	}

	switch st.ring.Admit(buffer.Packet{
		Seq:         hdr.SequenceNumber,
		Flags:       flags,
		PayloadType: ptype,
		Timestamp:   hdr.Timestamp,
		SSRC:        hdr.SSRC,
		PCM:         pcm,
	}) {
	case buffer.Duplicate:
		st.m.duplicates.Inc()
	case buffer.Old:
		st.m.oldPackets.Inc()
	case buffer.AdmittedFlushed:
		st.m.overruns.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Stream.ingest",
			"socket":   rcv.name,
			"seq":      hdr.SequenceNumber,
		}).Warn("Buffer overrun, window flushed forward")
	case buffer.Rejected:
		st.m.malformed.Inc()
	}
	st.m.bufferOccupancy.Set(float64(st.ring.Len()))
}

// decoderFor selects the session decoder exactly once. A selection
// failure is sticky; every subsequent packet is dropped with the same
// cause until the collaborator fixes the session and opens a new
// stream.
func (st *Stream) decoderFor() (codec.Decoder, error) {
	st.decoderMu.Lock()
	defer st.decoderMu.Unlock()
	if st.decoder == nil && st.decoderErr == nil {
		st.decoder, st.decoderErr = codec.ForSession(st.sess)
	}
	return st.decoder, st.decoderErr
}

// deliverReady drains every frame the buffer will release and hands
// them to the sink in order. The batch is collected under the buffer
// lock; delivery happens after it is released.
func (st *Stream) deliverReady(noResend bool) {
	frames := st.ring.DrainReady(noResend)
	if len(frames) == 0 {
		return
	}
	for i := range frames {
		f := &frames[i]
		st.sink.OnPCM(Frame{
			PCM:          f.PCM,
			PTSus:        st.clock.pts(f.Timestamp),
			RTPTimestamp: f.Timestamp,
			Seq:          f.Seq,
		})
		st.m.framesDelivered.Inc()
	}
	st.m.bufferOccupancy.Set(float64(st.ring.Len()))
}
