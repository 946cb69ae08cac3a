package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/billm/pipebus/pkg/types"
	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

const (
	// Version1 is the only protocol version this package speaks
	Version1 uint8 = 1

	// HeaderSize is the size of the version-independent envelope
	HeaderSize = 7
	// ChecksumSize is the size of the trailing checksum
	ChecksumSize = 8
	// MaxBodySize bounds the declared body length; larger values mean the stream is garbage
	MaxBodySize = 16 << 20

	// FlagCompressed marks a body stored as u32 raw length + lz4 block
	FlagCompressed uint8 = 1 << 0

	// compressThreshold is the smallest body worth compressing
	compressThreshold = 1024
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// SupportedVersion reports whether version can be passed to NewCodec
func SupportedVersion(version uint8) bool {
	return version == Version1
}

// Codec encodes and decodes frames of a single protocol version
type Codec struct {
	version uint8
}

// NewCodec creates a codec for the given protocol version
func NewCodec(version uint8) (*Codec, error) {
	if !SupportedVersion(version) {
		return nil, types.NewError(types.ErrCodeUnsupportedVersion,
			fmt.Sprintf("protocol version %d is not supported", version))
	}
	return &Codec{version: version}, nil
}

// Version returns the protocol version of the codec
func (c *Codec) Version() uint8 {
	return c.version
}

// Encode serializes a frame. It fails only for frames it cannot represent.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	var (
		kind Kind
		body []byte
		err  error
	)
	switch v := f.(type) {
	case *Control:
		if v == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "cannot encode nil control frame")
		}
		kind = KindControl
		body, err = encMode.Marshal(v)
	case *Data:
		if v == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "cannot encode nil data frame")
		}
		kind = KindData
		body, err = encMode.Marshal(v)
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("cannot encode frame of type %T", f))
	}
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode frame body", err)
	}

	var flags uint8
	if compressed, ok := compressBody(body); ok {
		body = compressed
		flags |= FlagCompressed
	}
	if len(body) > MaxBodySize {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("frame body of %d bytes exceeds limit of %d", len(body), MaxBodySize))
	}

	out := make([]byte, HeaderSize+len(body)+ChecksumSize)
	out[0] = c.version
	out[1] = uint8(kind)
	out[2] = flags
	binary.BigEndian.PutUint32(out[3:HeaderSize], uint32(len(body)))
	copy(out[HeaderSize:], body)
	binary.BigEndian.PutUint64(out[HeaderSize+len(body):], xxhash.Sum64(out[:HeaderSize+len(body)]))
	return out, nil
}

// Decode parses the frame at the start of data and returns it with the
// number of bytes it occupied.
//
// On ErrCodeTruncated nothing is consumed and the caller should retry with
// more input. On any other error the returned count is the number of bytes
// to discard before decoding again.
func (c *Codec) Decode(data []byte) (Frame, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, types.NewError(types.ErrCodeTruncated,
			fmt.Sprintf("have %d bytes, envelope needs %d", len(data), HeaderSize))
	}

	length := binary.BigEndian.Uint32(data[3:HeaderSize])
	if length > MaxBodySize {
		// The envelope itself is garbage; there is no frame boundary to resync on.
		return nil, len(data), types.NewError(types.ErrCodeMalformed,
			fmt.Sprintf("declared body length %d exceeds limit of %d", length, MaxBodySize))
	}
	total := HeaderSize + int(length) + ChecksumSize
	if len(data) < total {
		return nil, 0, types.NewError(types.ErrCodeTruncated,
			fmt.Sprintf("have %d bytes, frame needs %d", len(data), total))
	}

	if version := data[0]; version != c.version {
		return nil, total, types.NewError(types.ErrCodeUnsupportedVersion,
			fmt.Sprintf("frame declares protocol version %d, expected %d", version, c.version))
	}

	end := HeaderSize + int(length)
	want := binary.BigEndian.Uint64(data[end:total])
	if got := xxhash.Sum64(data[:end]); got != want {
		return nil, total, types.NewError(types.ErrCodeChecksumMismatch,
			fmt.Sprintf("checksum %016x does not match trailer %016x", got, want))
	}

	flags := data[2]
	if flags&^FlagCompressed != 0 {
		return nil, total, types.NewError(types.ErrCodeMalformed, fmt.Sprintf("unknown flags %#02x", flags))
	}
	body := data[HeaderSize:end]
	if flags&FlagCompressed != 0 {
		raw, err := decompressBody(body)
		if err != nil {
			return nil, total, err
		}
		body = raw
	}

	var frame Frame
	switch kind := Kind(data[1]); kind {
	case KindControl:
		frame = &Control{}
	case KindData:
		frame = &Data{}
	default:
		return nil, total, types.NewError(types.ErrCodeMalformed, fmt.Sprintf("unknown frame %s", kind))
	}
	if err := decMode.Unmarshal(body, frame); err != nil {
		return nil, total, types.WrapError(types.ErrCodeMalformed, "failed to decode frame body", err)
	}
	return frame, total, nil
}

// compressBody returns the lz4 form of body when it is large enough and
// actually shrinks.
func compressBody(body []byte) ([]byte, bool) {
	if len(body) < compressThreshold {
		return nil, false
	}
	out := make([]byte, 4+lz4.CompressBlockBound(len(body)))
	written, err := lz4.CompressBlock(body, out[4:], nil)
	// CompressBlock reports incompressible input as 0 bytes written.
	if err != nil || written == 0 || 4+written >= len(body) {
		return nil, false
	}
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	return out[:4+written], true
}

func decompressBody(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, types.NewError(types.ErrCodeMalformed, "compressed body is missing its length prefix")
	}
	size := binary.BigEndian.Uint32(body[:4])
	if size > MaxBodySize {
		return nil, types.NewError(types.ErrCodeMalformed,
			fmt.Sprintf("uncompressed body length %d exceeds limit of %d", size, MaxBodySize))
	}
	raw := make([]byte, size)
	read, err := lz4.UncompressBlock(body[4:], raw)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeMalformed, "failed to decompress frame body", err)
	}
	if read != int(size) {
		return nil, types.NewError(types.ErrCodeMalformed,
			fmt.Sprintf("decompressed %d bytes, expected %d", read, size))
	}
	return raw, nil
}
