// Package wire implements the pipebus frame format shared by the broker and
// its clients.
//
// Every frame starts with a fixed 7-byte envelope that is identical across
// protocol versions:
//
//	offset 0  u8   protocol version
//	offset 1  u8   kind (control or data)
//	offset 2  u8   flags (bit 0: body is lz4 block compressed)
//	offset 3  u32  body length, big endian
//	offset 7  body
//	trailer   u64  xxhash64 of envelope and body, big endian
//
// Bodies are CBOR maps with small integer keys, so fields added by later
// versions of a frame are skipped by older decoders. A receiver only acts on
// frames of its own protocol version; others are consumed and reported with
// ErrCodeUnsupportedVersion.
//
// Decoding never panics on partial input: a buffer that does not yet hold a
// whole frame yields ErrCodeTruncated and consumes nothing. Stream wraps the
// codec for byte streams read from a pipe in arbitrary chunks.
package wire
