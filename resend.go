package raop

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// resendPacketLength is the fixed size of a retransmission request.
const resendPacketLength = 8

// resendRequester emits RTCP-style NACKs naming the leading contiguous
// gap in the dejitter buffer. Requests go out on the control socket to
// the peer the data packets came from; the data loop is the only
// caller, and never during mirroring.
type resendRequester struct {
	conn *net.UDPConn

	mu        sync.Mutex
	ctrlSeq   uint16
	lastStart uint16
	lastLen   uint16
	pending   bool
}

func newResendRequester(conn *net.UDPConn) *resendRequester {
	return &resendRequester{conn: conn}
}

// request sends one NACK for the range [start, start+length) and
// reports whether a request was issued; a request whose send fails
// still counts as issued. A gap identical to the previous
// request is suppressed: the peer already has it, and the stream keeps
// admitting packets behind the gap while the retransmission is in
// flight.
//
// The control sequence counter advances on every emitted request even
// when the send fails; the peer tolerates gaps in it.
func (r *resendRequester) request(peer net.Addr, start, length uint16) bool {
	if length == 0 {
		r.mu.Lock()
		r.pending = false
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	if r.pending && r.lastStart == start && r.lastLen == length {
		r.mu.Unlock()
		return false
	}
	seq := r.ctrlSeq
	r.ctrlSeq++
	r.lastStart = start
	r.lastLen = length
	r.pending = true
	r.mu.Unlock()

	var pkt [resendPacketLength]byte
	pkt[0] = 0x80
	pkt[1] = 0x55 | 0x80
	binary.BigEndian.PutUint16(pkt[2:4], seq)
	binary.BigEndian.PutUint16(pkt[4:6], start)
	binary.BigEndian.PutUint16(pkt[6:8], length)

	if _, err := r.conn.WriteTo(pkt[:], peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "resendRequester.request",
			"peer":      peer.String(),
			"gap_start": start,
			"gap_len":   length,
			"error":     err.Error(),
		}).Warn("Resend request send failed")
		return true
	}

	logrus.WithFields(logrus.Fields{
		"function":  "resendRequester.request",
		"peer":      peer.String(),
		"ctrl_seq":  seq,
		"gap_start": start,
		"gap_len":   length,
	}).Debug("Resend requested")
	return true
}
