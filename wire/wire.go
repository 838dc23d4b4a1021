// Package wire defines the on-the-wire constants and the Message codec
// shared by the client and server engines. A Message is encoded to and
// decoded from a single framed record (see package frame) using
// msgpack as the self-describing binary serializer.
package wire

import (
	"github.com/roadrunner-server/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Magic is the fixed 32-bit value that opens every frame header.
const Magic uint32 = 0xB1F7705F

// Type is the message type tag.
type Type uint32

const (
	Call     Type = 0xDF68F4CB
	Return   Type = 0x68B17581
	Callback Type = 0x8D65E5CC
	Error    Type = 0xA07C0F84
)

func (t Type) String() string {
	switch t {
	case Call:
		return "CALL"
	case Return:
		return "RETURN"
	case Callback:
		return "CALLBACK"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ArgTag distinguishes a plain value from a callback handle in a CALL
// or CALLBACK argument list.
type ArgTag uint32

const (
	Others   ArgTag = 0xA7F68C
	Function ArgTag = 0x7FF45F
)

// Arg is one positional argument of a CALL or CALLBACK message: either
// an arbitrary serializable value (Others) or a callback handle ID
// (Function).
type Arg struct {
	Tag     ArgTag `msgpack:"t"`
	Payload any    `msgpack:"p"`
}

// Handle returns the callback handle carried by a Function-tagged arg.
// It returns 0 if the payload is not an integer handle; callers must
// check Tag first.
func (a Arg) Handle() uint32 {
	switch v := a.Payload.(type) {
	case uint32:
		return v
	case int64:
		return uint32(v)
	case uint64:
		return uint32(v)
	default:
		return 0
	}
}

// RemoteError is the ERROR message payload: the remote procedure's
// message and stack trace.
type RemoteError struct {
	Message string `msgpack:"message"`
	Stack   string `msgpack:"stack"`
}

// Message is one RPC protocol unit. Which field is set depends on Type:
//
//   - Call / Callback: Args holds the ordered argument list (for Call,
//     Args[0].Payload is the procedure name).
//   - Return: Result holds the opaque return value.
//   - Error: Err holds the remote error record.
type Message struct {
	ID   uint32 `msgpack:"id"`
	Type Type   `msgpack:"type"`
	Args []Arg  `msgpack:"args,omitempty"`

	Result any          `msgpack:"result,omitempty"`
	Err    *RemoteError `msgpack:"err,omitempty"`
}

// wireTriple is the actual shape put on the wire: [id, type, data],
// where data is either the Args slice (Call/Callback), the Result
// value (Return), or the Err record (Error). Encoding it as a triple
// rather than the tagged Message struct keeps every record minimal,
// mirroring spec.md's "[id, type, data]" framing.
type wireTriple struct {
	_msgpack struct{} `msgpack:",asArray"`
	ID       uint32
	Type     Type
	Data     any
}

// Encode serializes msg to a single binary record suitable for framing.
func Encode(msg *Message) ([]byte, error) {
	const op = errors.Op("wire_encode")

	var data any
	switch msg.Type {
	case Call, Callback:
		pairs := make([][2]any, len(msg.Args))
		for i, a := range msg.Args {
			pairs[i] = [2]any{a.Tag, a.Payload}
		}
		data = pairs
	case Return:
		data = msg.Result
	case Error:
		data = msg.Err
	default:
		return nil, errors.E(op, errors.Str("unknown message type"))
	}

	b, err := msgpack.Marshal(&wireTriple{ID: msg.ID, Type: msg.Type, Data: data})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return b, nil
}

// Decode deserializes a single binary record into a Message.
func Decode(b []byte) (*Message, error) {
	const op = errors.Op("wire_decode")

	var triple struct {
		_msgpack struct{} `msgpack:",asArray"`
		ID       uint32
		Type     Type
		Data     msgpack.RawMessage
	}
	if err := msgpack.Unmarshal(b, &triple); err != nil {
		return nil, errors.E(op, err)
	}

	msg := &Message{ID: triple.ID, Type: triple.Type}
	switch msg.Type {
	case Call, Callback:
		var pairs []struct {
			_msgpack struct{} `msgpack:",asArray"`
			Tag      ArgTag
			Payload  msgpack.RawMessage
		}
		if len(triple.Data) > 0 {
			if err := msgpack.Unmarshal(triple.Data, &pairs); err != nil {
				return nil, errors.E(op, err)
			}
		}
		msg.Args = make([]Arg, len(pairs))
		for i, p := range pairs {
			a := Arg{Tag: p.Tag}
			if p.Tag == Function {
				var handle uint32
				if err := msgpack.Unmarshal(p.Payload, &handle); err != nil {
					return nil, errors.E(op, err)
				}
				a.Payload = handle
			} else {
				var v any
				if len(p.Payload) > 0 {
					if err := msgpack.Unmarshal(p.Payload, &v); err != nil {
						return nil, errors.E(op, err)
					}
				}
				a.Payload = v
			}
			msg.Args[i] = a
		}
	case Return:
		if len(triple.Data) > 0 {
			var v any
			if err := msgpack.Unmarshal(triple.Data, &v); err != nil {
				return nil, errors.E(op, err)
			}
			msg.Result = v
		}
	case Error:
		var re RemoteError
		if len(triple.Data) > 0 {
			if err := msgpack.Unmarshal(triple.Data, &re); err != nil {
				return nil, errors.E(op, err)
			}
		}
		msg.Err = &re
	default:
		return nil, errors.E(op, errors.Str("unknown message type on wire"))
	}
	return msg, nil
}

// DecodeResult unmarshals msg.Result (a Return message's payload) into
// out, preserving whatever concrete type the serializer round-trips.
func DecodeResult(msg *Message, out any) error {
	const op = errors.Op("wire_decode_result")
	b, err := msgpack.Marshal(msg.Result)
	if err != nil {
		return errors.E(op, err)
	}
	if err := msgpack.Unmarshal(b, out); err != nil {
		return errors.E(op, err)
	}
	return nil
}
