// Package message defines the serialization contracts injected into the
// runtime. Schema generation and reflection live outside the core: every
// publisher, subscriber, and service handle receives a Serializer or
// Deserializer pair for its declared type and treats message bodies as opaque
// octet sequences otherwise.
package message

// Message is a deserialized message value. The concrete type is whatever the
// injected codec produces.
type Message any

// Serializer converts a message value into its wire body (without the length
// prefix, which the transport adds).
type Serializer interface {
	Serialize(m Message) ([]byte, error)
}

// Deserializer converts a wire body into a message value.
type Deserializer interface {
	Deserialize(data []byte) (Message, error)
}

// Codec is a matched Serializer/Deserializer pair for one message type.
type Codec interface {
	Serializer
	Deserializer
}
