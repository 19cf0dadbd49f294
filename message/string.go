package message

import (
	"encoding/binary"

	"github.com/c360/rosgraph/errors"
)

// String is the std_msgs/String message: a single UTF-8 field.
type String struct {
	Data string
}

// StringTypeName is the canonical type name of String.
const StringTypeName = "std_msgs/String"

// StringMD5Sum is the digest of the flattened String schema.
const StringMD5Sum = "992ce8a1687cec8c8bd883ec73ca41d1"

// StringDefinition is the canonical definition of String.
const StringDefinition = "string data\n"

// StringCodec serializes String using the standard little-endian wire layout:
// a u32 byte length followed by the UTF-8 bytes.
type StringCodec struct{}

// Serialize implements Serializer.
func (StringCodec) Serialize(m Message) ([]byte, error) {
	s, ok := m.(String)
	if !ok {
		if p, isPtr := m.(*String); isPtr {
			s = *p
		} else {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "StringCodec", "Serialize",
				"message is not a message.String")
		}
	}

	body := make([]byte, 4+len(s.Data))
	binary.LittleEndian.PutUint32(body, uint32(len(s.Data)))
	copy(body[4:], s.Data)
	return body, nil
}

// Deserialize implements Deserializer.
func (StringCodec) Deserialize(data []byte) (Message, error) {
	if len(data) < 4 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "StringCodec", "Deserialize",
			"body shorter than length prefix")
	}
	n := binary.LittleEndian.Uint32(data)
	if int(n) != len(data)-4 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "StringCodec", "Deserialize",
			"string length disagrees with body length")
	}
	return String{Data: string(data[4 : 4+n])}, nil
}
