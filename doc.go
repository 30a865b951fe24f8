// Package raop implements the real-time audio core of an AirPlay
// receiver: two UDP flows of RTP-like packets are synchronized against
// the source clock, decrypted, decoded, dejittered through a circular
// buffer with selective retransmission, and emitted as PCM frames with
// monotonically consistent presentation timestamps.
//
// The design follows a few principles:
//   - The discovery, RTSP, and pairing collaborators stay outside;
//     they hand the core a session record and a PCM sink capability.
//   - Each UDP socket gets one receive loop and one cipher instance;
//     the dejitter buffer is the only state shared between them.
//   - Decryption, decoding and sink delivery run outside the buffer
//     lock so an untrusted sink can never stall packet admission.
//   - Every packet-level failure is locally recovered; only
//     cancellation crosses a receive loop's boundary.
package raop
