package raop

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// sampleRate is the fixed AirPlay v2 audio clock in Hz.
const sampleRate = 44100

// ntpEpochOffsetSeconds shifts NTP timestamps (epoch 1900) to the
// POSIX epoch (1970).
const ntpEpochOffsetSeconds = 2_208_988_800

// syncPacketLength is the fixed layout of a type 0x54 control packet.
const syncPacketLength = 20

// syncPoint is one immutable clock correspondence: the wall-clock
// microsecond at which the stream's RTP timestamp had a given value.
type syncPoint struct {
	timeUS int64
	rtpTS  uint32
	nextTS uint32
}

// synchronizer maintains the mapping from RTP timestamps to wall-clock
// microseconds. Updates install a fresh snapshot atomically; PTS
// computation always reads a consistent pair.
type synchronizer struct {
	point atomic.Pointer[syncPoint]
}

// update consumes one sync packet.
//
// Layout: rtp timestamp at offset 4, NTP seconds at 8, NTP fraction at
// 12, the source's next timestamp at 16, all big-endian. The NTP
// fields are read unsigned throughout so timestamps past 2036 do not
// sign-extend.
func (s *synchronizer) update(pkt []byte) error {
	if len(pkt) < syncPacketLength {
		return fmt.Errorf("%w: %d bytes", ErrShortSyncPacket, len(pkt))
	}

	rtpTS := binary.BigEndian.Uint32(pkt[4:8])
	ntpSec := binary.BigEndian.Uint32(pkt[8:12])
	ntpFrac := binary.BigEndian.Uint32(pkt[12:16])
	nextTS := binary.BigEndian.Uint32(pkt[16:20])

	ntpUS := uint64(ntpSec)*1_000_000 + (uint64(ntpFrac)*1_000_000)>>32
	p := &syncPoint{
		timeUS: int64(ntpUS) - ntpEpochOffsetSeconds*1_000_000,
		rtpTS:  rtpTS,
		nextTS: nextTS,
	}
	s.point.Store(p)

	logrus.WithFields(logrus.Fields{
		"function": "synchronizer.update",
		"rtp_ts":   rtpTS,
		"time_us":  p.timeUS,
		"next_ts":  nextTS,
	}).Debug("Sync point updated")
	return nil
}

// pts computes the presentation timestamp in wall-clock microseconds
// for a frame's RTP timestamp.
//
// The subtraction is signed 32-bit so small reorderings across the
// sync boundary produce small negative offsets instead of wrapping.
// Before the first sync packet the zero point applies; the resulting
// small PTS values are absorbed by the sink's prebuffer.
func (s *synchronizer) pts(rtpTS uint32) int64 {
	p := s.point.Load()
	if p == nil {
		return int64(int32(rtpTS)) * 1_000_000 / sampleRate
	}
	return int64(int32(rtpTS-p.rtpTS))*1_000_000/sampleRate + p.timeUS
}
