package wire

import "fmt"

// Kind identifies the shape of a frame body
type Kind uint8

const (
	KindControl Kind = 1
	KindData    Kind = 2
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Operation is the control-plane operation carried by a Control frame
type Operation uint8

const (
	OpSubscribe   Operation = 1
	OpUnsubscribe Operation = 2
	OpAssignPipe  Operation = 3
	OpError       Operation = 4
	OpAck         Operation = 5
)

// String returns the string representation of the operation
func (o Operation) String() string {
	switch o {
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	case OpAssignPipe:
		return "ASSIGN_PIPE"
	case OpError:
		return "ERROR"
	case OpAck:
		return "ACK"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// ErrorCode is carried by ERROR responses
type ErrorCode uint8

const (
	ErrorNone               ErrorCode = 0
	ErrorPipeCreationFailed ErrorCode = 1
	ErrorUnknownOperation   ErrorCode = 2
	ErrorInvalidClientID    ErrorCode = 3
	ErrorInvalidGroup       ErrorCode = 4
)

// String returns the string representation of the error code
func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "None"
	case ErrorPipeCreationFailed:
		return "PipeCreationFailed"
	case ErrorUnknownOperation:
		return "UnknownOperation"
	case ErrorInvalidClientID:
		return "InvalidClientID"
	case ErrorInvalidGroup:
		return "InvalidGroup"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}
}

// Frame is a decoded frame body: either *Control or *Data
type Frame interface {
	Kind() Kind
}

// Control is a control-plane request or response exchanged over the CAP.
//
// Groups is only meaningful for SUBSCRIBE, RxPath and TxPath for
// ASSIGN_PIPE, ErrorCode and Message for ERROR.
type Control struct {
	Operation Operation `cbor:"1,keyasint"`
	ClientID  string    `cbor:"2,keyasint,omitempty"`
	Groups    []string  `cbor:"3,keyasint"`
	RxPath    string    `cbor:"4,keyasint,omitempty"`
	TxPath    string    `cbor:"5,keyasint,omitempty"`
	ErrorCode ErrorCode `cbor:"6,keyasint,omitempty"`
	Message   string    `cbor:"7,keyasint,omitempty"`
}

// Kind implements Frame
func (c *Control) Kind() Kind { return KindControl }

// String returns a string representation of the control frame
func (c *Control) String() string {
	switch c.Operation {
	case OpSubscribe:
		return fmt.Sprintf("%s(%s, %v)", c.Operation, c.ClientID, c.Groups)
	case OpAssignPipe:
		return fmt.Sprintf("%s(%s, rx=%s, tx=%s)", c.Operation, c.ClientID, c.RxPath, c.TxPath)
	case OpError:
		return fmt.Sprintf("%s(%s, %s)", c.Operation, c.ClientID, c.ErrorCode)
	default:
		return fmt.Sprintf("%s(%s)", c.Operation, c.ClientID)
	}
}

// Data is a published message
type Data struct {
	Origin  string `cbor:"1,keyasint"`
	Group   string `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

// Kind implements Frame
func (d *Data) Kind() Kind { return KindData }

// String returns a string representation of the data frame
func (d *Data) String() string {
	return fmt.Sprintf("Data{Origin: %s, Group: %s, Payload: %d bytes}", d.Origin, d.Group, len(d.Payload))
}
