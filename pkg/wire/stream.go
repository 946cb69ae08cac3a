package wire

import (
	"encoding/binary"

	"github.com/billm/pipebus/pkg/types"
)

// Stream reassembles frames from a byte stream delivered in arbitrary chunks
type Stream struct {
	codec *Codec
	buf   []byte
}

// NewStream creates a stream decoding with codec
func NewStream(codec *Codec) *Stream {
	return &Stream{codec: codec}
}

// Write appends bytes read from the underlying pipe. It never fails.
func (s *Stream) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame. It returns (nil, nil) when the
// buffered bytes do not yet hold a whole frame. A frame that fails to decode
// is dropped from the buffer and its error returned; calling Next again
// continues with the bytes that follow it.
func (s *Stream) Next() (Frame, error) {
	if len(s.buf) == 0 {
		return nil, nil
	}
	frame, n, err := s.codec.Decode(s.buf)
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeTruncated) {
			return nil, nil
		}
		s.consume(n)
		return nil, err
	}
	s.consume(n)
	return frame, nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (s *Stream) Buffered() int {
	return len(s.buf)
}

// Missing returns how many more bytes the frame at the head of the buffer
// needs before it can be decoded. It is 0 when a whole frame is buffered or
// the envelope is unusable, so that Next reports it.
func (s *Stream) Missing() int {
	if len(s.buf) < HeaderSize {
		return HeaderSize - len(s.buf)
	}
	length := binary.BigEndian.Uint32(s.buf[3:HeaderSize])
	if length > MaxBodySize {
		return 0
	}
	total := HeaderSize + int(length) + ChecksumSize
	if len(s.buf) >= total {
		return 0
	}
	return total - len(s.buf)
}

// Reset drops all buffered bytes
func (s *Stream) Reset() {
	s.buf = nil
}

func (s *Stream) consume(n int) {
	if n >= len(s.buf) {
		s.buf = s.buf[:0]
		return
	}
	s.buf = append(s.buf[:0], s.buf[n:]...)
}
