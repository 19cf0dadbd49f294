package message

import (
	"github.com/c360/rosgraph/errors"
)

// Raw passes message bodies through untouched. Useful for relays and tests
// that do not care about the payload schema.
type Raw struct{}

// Serialize implements Serializer.
func (Raw) Serialize(m Message) ([]byte, error) {
	data, ok := m.([]byte)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Raw", "Serialize", "message is not []byte")
	}
	return data, nil
}

// Deserialize implements Deserializer.
func (Raw) Deserialize(data []byte) (Message, error) {
	body := make([]byte, len(data))
	copy(body, data)
	return body, nil
}
