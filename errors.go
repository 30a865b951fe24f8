package raop

import "errors"

// Sentinel errors for the audio core. These enable reliable error
// classification with errors.Is().

// Stream lifecycle errors.
var (
	// ErrStreamAlreadyStarted indicates Start was called twice.
	ErrStreamAlreadyStarted = errors.New("stream already started")

	// ErrStreamClosed indicates an operation on a closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrNoSink indicates a stream was built without a PCM sink.
	ErrNoSink = errors.New("no PCM sink configured")
)

// Packet errors. All of these are locally recovered: the offending
// packet is dropped and the receive loop continues.
var (
	// ErrMalformedPacket indicates a packet too short or too long to
	// carry an audio header.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrDecrypt indicates the payload body could not be decrypted.
	ErrDecrypt = errors.New("payload decrypt failed")

	// ErrShortSyncPacket indicates a type 0x54 packet shorter than
	// its fixed layout.
	ErrShortSyncPacket = errors.New("sync packet too short")
)
