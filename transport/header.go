// Package transport implements the node's TCP messaging layer: the
// length-prefixed connection-header codec, message framing, the outgoing
// fan-out queue, the incoming dispatch queue, and the listener that accepts
// peer connections for this node's publishers and service servers.
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
)

// Connection header field names shared by the topic and service protocols.
const (
	FieldCallerID          = "callerid"
	FieldTopic             = "topic"
	FieldType              = "type"
	FieldMD5Sum            = "md5sum"
	FieldMessageDefinition = "message_definition"
	FieldLatching          = "latching"
	FieldTCPNoDelay        = "tcp_nodelay"
	FieldService           = "service"
	FieldPersistent        = "persistent"
	FieldError             = "error"
)

// Wildcard matches any digest or type during handshake validation.
const Wildcard = "*"

// Field is a single key=value connection header field.
type Field struct {
	Key   string
	Value string
}

// Header is an ordered-insertion mapping from field name to field value,
// exchanged length-prefixed in both directions when a connection opens.
type Header struct {
	fields []Field
}

// NewHeader creates an empty header.
func NewHeader() *Header {
	return &Header{}
}

// Set adds a field, replacing the value in place if the key already exists.
func (h *Header) Set(key, value string) *Header {
	for i := range h.fields {
		if h.fields[i].Key == key {
			h.fields[i].Value = value
			return h
		}
	}
	h.fields = append(h.fields, Field{Key: key, Value: value})
	return h
}

// Get returns the value for a key.
func (h *Header) Get(key string) (string, bool) {
	for _, f := range h.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// GetOr returns the value for a key, or fallback if absent.
func (h *Header) GetOr(key, fallback string) string {
	if v, ok := h.Get(key); ok {
		return v
	}
	return fallback
}

// Has reports whether the key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Fields returns the fields in insertion order.
func (h *Header) Fields() []Field {
	return h.fields
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// String renders the header for logs.
func (h *Header) String() string {
	parts := make([]string, 0, len(h.fields))
	for _, f := range h.fields {
		parts = append(parts, f.Key+"="+f.Value)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Encode serializes the header block: a u32-little-endian total length
// followed by fields, each a u32-little-endian length and UTF-8 "key=value"
// bytes.
func (h *Header) Encode() []byte {
	var payload bytes.Buffer
	var scratch [4]byte
	for _, f := range h.fields {
		field := f.Key + "=" + f.Value
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(field)))
		payload.Write(scratch[:])
		payload.WriteString(field)
	}

	out := make([]byte, 4+payload.Len())
	binary.LittleEndian.PutUint32(out, uint32(payload.Len()))
	copy(out[4:], payload.Bytes())
	return out
}

// DecodeHeader parses a header block produced by Encode. It fails with a
// malformed-header error if the total length disagrees with the payload, any
// field length overruns the remaining bytes, any field lacks '=', or a key
// appears twice.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < 4 {
		return nil, malformed("block shorter than length prefix")
	}
	total := binary.LittleEndian.Uint32(data)
	payload := data[4:]
	if int(total) != len(payload) {
		return nil, malformed(fmt.Sprintf("declared length %d, payload %d bytes", total, len(payload)))
	}

	h := NewHeader()
	seen := make(map[string]bool)
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, malformed("truncated field length prefix")
		}
		fieldLen := binary.LittleEndian.Uint32(payload)
		payload = payload[4:]
		if int(fieldLen) > len(payload) {
			return nil, malformed(fmt.Sprintf("field length %d exceeds remaining %d bytes", fieldLen, len(payload)))
		}
		field := string(payload[:fieldLen])
		payload = payload[fieldLen:]

		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, malformed(fmt.Sprintf("field %q lacks '='", field))
		}
		if seen[key] {
			return nil, malformed(fmt.Sprintf("duplicate key %q", key))
		}
		seen[key] = true
		h.fields = append(h.fields, Field{Key: key, Value: value})
	}

	return h, nil
}

func malformed(detail string) error {
	return errors.WrapInvalid(errors.ErrMalformedHeader, "Header", "Decode", detail)
}

// NewTopicHeader builds the header a peer sends to negotiate a topic
// connection from a declaration.
func NewTopicHeader(callerID graph.Name, decl graph.TopicDeclaration) *Header {
	return NewHeader().
		Set(FieldCallerID, callerID.String()).
		Set(FieldTopic, decl.Name().String()).
		Set(FieldType, decl.Description.Type).
		Set(FieldMD5Sum, decl.Description.MD5Sum).
		Set(FieldMessageDefinition, decl.Description.Definition)
}

// NewServiceHeader builds the header a client sends to negotiate a service
// connection from a declaration.
func NewServiceHeader(callerID graph.Name, decl graph.ServiceDeclaration) *Header {
	return NewHeader().
		Set(FieldCallerID, callerID.String()).
		Set(FieldService, decl.Name().String()).
		Set(FieldMD5Sum, decl.Description.MD5Sum).
		Set(FieldType, decl.Description.Type)
}

// NewErrorHeader builds the rejection header written before closing a
// connection whose handshake failed.
func NewErrorHeader(reason string) *Header {
	return NewHeader().Set(FieldError, reason)
}

// ChecksumsCompatible applies the handshake digest rule: the only acceptable
// conditions are an exact match or the wildcard on either side.
func ChecksumsCompatible(a, b string) bool {
	return a == b || a == Wildcard || b == Wildcard
}
