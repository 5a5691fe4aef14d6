// Package protocol implements the two wire protocols chunks travel in:
// a compact binary one (CBOR) and a UTF-8 JSON text one. Both carry the
// interchange shape defined by the audio package, and every endpoint is
// bound to exactly one of them.
package protocol
