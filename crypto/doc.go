// Package crypto implements payload decryption for the AirPlay audio
// path.
//
// Audio packet bodies arrive AES-CBC encrypted under a content key the
// source device wraps with its own "fair-play" routine. That routine is
// deliberately outside this package: it is modeled as an opaque
// 16-byte to 16-byte transform installed at build time via KeyUnwrap.
// Everything downstream of the unwrap is implemented here: the SHA-512
// session key derivation, the per-packet CBC decryption with the IV
// reset on every packet, and the partial trailing block that the
// protocol leaves in plaintext.
//
// PayloadCipher instances are stateful and strictly per-receiver: the
// control loop and the data loop each own one and must never share it.
package crypto
