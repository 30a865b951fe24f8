// Package buffer implements the fixed-capacity circular dejitter
// buffer for the AirPlay audio path.
//
// The buffer holds decoded PCM frames indexed by their 16-bit RTP
// sequence number modulo the ring size. It tolerates reordering and
// short loss by holding a window between the first and last admitted
// sequence, hands frames out in strict sequence order, and reports the
// leading contiguous gap so the session can request retransmission.
//
// All sequence comparisons go through the seqnum package; the ring
// never compares sequence numbers directly. Slot storage is
// preallocated at construction and the only steady-state allocation is
// the per-dequeued-frame copy handed to the caller.
package buffer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/raop/seqnum"
)

const (
	// Entries is the ring capacity in packets.
	Entries = 1024

	// MaxSlotPCM is the per-slot decoded PCM capacity in bytes. It
	// covers the largest AirPlay frame (1024 samples of 16-bit
	// stereo) with headroom for nonstandard frame length hints.
	MaxSlotPCM = 8192
)

// AdmitResult classifies the outcome of admitting a packet.
type AdmitResult uint8

const (
	// Admitted means the packet now occupies its slot.
	Admitted AdmitResult = iota
	// AdmittedFlushed means admission forced a buffer overrun flush
	// before the packet occupied its slot.
	AdmittedFlushed
	// Duplicate means the slot already held this sequence.
	Duplicate
	// Old means the sequence precedes the buffer window.
	Old
	// Rejected means the payload cannot fit a slot.
	Rejected
)

// String returns the result name for logging.
func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case AdmittedFlushed:
		return "admitted-flushed"
	case Duplicate:
		return "duplicate"
	case Old:
		return "old"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Packet is the decoded payload a receiver admits into the ring.
type Packet struct {
	Seq         uint16
	Flags       byte
	PayloadType byte
	Timestamp   uint32
	SSRC        uint32
	PCM         []byte
}

// Frame is a dequeued slot handed back to the session. PCM is a copy
// owned by the caller.
type Frame struct {
	Seq       uint16
	Timestamp uint32
	SSRC      uint32
	PCM       []byte
}

type entry struct {
	available   bool
	seqNum      uint16
	timestamp   uint32
	ssrc        uint32
	payloadType byte
	flags       byte
	pcm         []byte
	pcmLen      int
}

// Buffer is the circular dejitter buffer. One instance exists per
// audio session; both receive loops share it behind its mutex.
type Buffer struct {
	mu       sync.Mutex
	entries  [Entries]entry
	firstSeq uint16
	lastSeq  uint16
	empty    bool
}

// New creates a buffer with all slot storage preallocated.
func New() *Buffer {
	b := &Buffer{empty: true}
	for i := range b.entries {
		b.entries[i].pcm = make([]byte, MaxSlotPCM)
	}
	logrus.WithFields(logrus.Fields{
		"function": "buffer.New",
		"entries":  Entries,
		"slot_pcm": MaxSlotPCM,
	}).Debug("Dejitter buffer allocated")
	return b
}

// Admit places a decoded packet into its slot.
//
// Sequences behind the window are reported Old; a sequence a full ring
// ahead of the window forces a flush to the new sequence before
// admission. A slot already holding the same sequence reports
// Duplicate so a frame is never delivered twice.
func (b *Buffer) Admit(p Packet) AdmitResult {
	if len(p.PCM) > MaxSlotPCM {
		return Rejected
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	flushed := false
	if !b.empty {
		if seqnum.Before(p.Seq, b.firstSeq) {
			return Old
		}
		if seqnum.Distance(b.firstSeq, p.Seq) >= Entries {
			// Overrun: the source jumped past the window.
			b.flushLocked(int32(p.Seq))
			flushed = true
		}
	}

	slot := &b.entries[int(p.Seq)%Entries]
	if slot.available && slot.seqNum == p.Seq {
		return Duplicate
	}

	slot.flags = p.Flags
	slot.payloadType = p.PayloadType
	slot.seqNum = p.Seq
	slot.timestamp = p.Timestamp
	slot.ssrc = p.SSRC
	slot.pcmLen = copy(slot.pcm[:MaxSlotPCM], p.PCM)
	slot.available = true

	if b.empty {
		b.firstSeq = p.Seq
		b.lastSeq = p.Seq
		b.empty = false
	} else if seqnum.Before(b.lastSeq, p.Seq) {
		b.lastSeq = p.Seq
	}

	if flushed {
		return AdmittedFlushed
	}
	return Admitted
}

// Dequeue removes and returns the frame at the head of the window.
//
// With noResend set the head slot is handed out whether or not its
// payload arrived; this is the mirroring path, where waiting on a
// retransmission would outlast the video cadence. Without noResend a
// missing head is left in place for the resend machinery until the
// window is completely full, at which point the head is dropped so the
// stream can make progress.
//
// Returns nil when nothing can be handed out right now.
func (b *Buffer) Dequeue(noResend bool) *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dequeueLocked(noResend)
}

func (b *Buffer) dequeueLocked(noResend bool) *Frame {
	for {
		if b.empty {
			return nil
		}

		buflen := seqnum.Distance(b.firstSeq, b.lastSeq) + 1
		slot := &b.entries[int(b.firstSeq)%Entries]

		if !noResend && !slot.available {
			if buflen < Entries {
				// Hold the head for a retransmission.
				return nil
			}
			// Window full and the head never arrived; skip it.
			logrus.WithFields(logrus.Fields{
				"function": "Buffer.Dequeue",
				"seq":      b.firstSeq,
			}).Debug("Dropping unfilled head of full window")
			b.advanceLocked()
			continue
		}

		frame := &Frame{
			Seq:       b.firstSeq,
			Timestamp: slot.timestamp,
			SSRC:      slot.ssrc,
			PCM:       append([]byte(nil), slot.pcm[:slot.pcmLen]...),
		}
		slot.available = false
		slot.pcmLen = 0
		b.advanceLocked()
		return frame
	}
}

// advanceLocked moves the head cursor forward one sequence, marking
// the buffer empty when it passes the tail.
func (b *Buffer) advanceLocked() {
	if b.firstSeq == b.lastSeq {
		b.empty = true
	}
	b.firstSeq++
}

// DrainReady collects every frame currently ready under a single lock
// acquisition and returns them in sequence order. The caller delivers
// the batch to the sink after this returns, outside the buffer lock.
func (b *Buffer) DrainReady(noResend bool) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Frame
	for {
		f := b.dequeueLocked(noResend)
		if f == nil {
			return out
		}
		out = append(out, *f)
	}
}

// Flush discards every buffered frame. A nextSeq within the 16-bit
// range records where the stream resumes; the next admission
// re-establishes both cursors either way, so no stale slot can later
// be handed out as valid.
func (b *Buffer) Flush(nextSeq int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(nextSeq)
}

func (b *Buffer) flushLocked(nextSeq int32) {
	for i := range b.entries {
		b.entries[i].available = false
		b.entries[i].pcmLen = 0
	}
	if nextSeq >= 0 && nextSeq <= 0xFFFF {
		b.firstSeq = uint16(nextSeq)
		b.lastSeq = uint16(nextSeq) - 1
	}
	b.empty = true

	logrus.WithFields(logrus.Fields{
		"function": "Buffer.Flush",
		"next_seq": nextSeq,
	}).Debug("Dejitter buffer flushed")
}

// LeadingGap reports the contiguous missing range at the head of the
// window. A zero length means the head frame is present (or the buffer
// is empty) and no retransmission is needed.
func (b *Buffer) LeadingGap() (start, length uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.empty {
		return 0, 0
	}
	seq := b.firstSeq
	for {
		slot := &b.entries[int(seq)%Entries]
		if (slot.available && slot.seqNum == seq) || seq == b.lastSeq {
			return b.firstSeq, seqnum.Distance(b.firstSeq, seq)
		}
		seq++
	}
}

// Len returns the current window length in sequence slots, including
// gaps. Zero means the buffer is empty.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.empty {
		return 0
	}
	return int(seqnum.Distance(b.firstSeq, b.lastSeq)) + 1
}

// Window returns the current head and tail sequence cursors. Only
// meaningful when Len is nonzero; exposed for tests and metrics.
func (b *Buffer) Window() (first, last uint16, empty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstSeq, b.lastSeq, b.empty
}
