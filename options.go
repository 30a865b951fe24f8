package raop

import "github.com/prometheus/client_golang/prometheus"

// Packet size bounds for both UDP sockets. Anything outside these is
// dropped as malformed before it reaches the pipeline.
const (
	// MinPacketSize is the fixed RTP-style header length.
	MinPacketSize = 12

	// MaxPacketSize bounds a single receive; both loops read into
	// buffers of this size.
	MaxPacketSize = 50000
)

// Options configures one audio stream. The RTSP collaborator fills it
// from the negotiated transport parameters.
type Options struct {
	// ControlPort is the UDP port for the control socket; zero binds
	// an ephemeral port.
	ControlPort uint16

	// DataPort is the UDP port for the data socket; zero binds an
	// ephemeral port.
	DataPort uint16

	// SessionID keys the session record in the injected store.
	SessionID string

	// IsMirroring disables retransmission requests and switches the
	// control socket to audio-ingest mode. During mirroring a
	// retransmitted frame would arrive too late to matter.
	IsMirroring bool

	// DumpPath, when set, writes raw_<seq> ciphertext and pcm_<seq>
	// decoded dumps for every packet. Debugging aid only.
	DumpPath string

	// Registerer receives the stream's metrics; nil uses the
	// process-wide default registerer.
	Registerer prometheus.Registerer
}
