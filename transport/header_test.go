package transport

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rosgraph/errors"
	"github.com/c360/rosgraph/graph"
)

func TestHeader_RoundTrip(t *testing.T) {
	requireT := require.New(t)

	h := NewHeader().
		Set(FieldCallerID, "/listener").
		Set(FieldTopic, "/foo").
		Set(FieldType, "std_msgs/String").
		Set(FieldMD5Sum, "992ce8a1687cec8c8bd883ec73ca41d1").
		Set(FieldMessageDefinition, "string data\n")

	decoded, err := DecodeHeader(h.Encode())
	requireT.NoError(err)
	requireT.Equal(h.Fields(), decoded.Fields())
}

func TestHeader_OrderPreserved(t *testing.T) {
	requireT := require.New(t)

	h := NewHeader().Set("z", "1").Set("a", "2").Set("m", "3")
	decoded, err := DecodeHeader(h.Encode())
	requireT.NoError(err)

	keys := make([]string, 0, decoded.Len())
	for _, f := range decoded.Fields() {
		keys = append(keys, f.Key)
	}
	requireT.Equal([]string{"z", "a", "m"}, keys)
}

func TestHeader_SetReplacesInPlace(t *testing.T) {
	h := NewHeader().Set("a", "1").Set("b", "2").Set("a", "3")
	assert.Equal(t, 2, h.Len())
	v, _ := h.Get("a")
	assert.Equal(t, "3", v)
}

func TestHeader_ValueMayContainEquals(t *testing.T) {
	requireT := require.New(t)

	h := NewHeader().Set("error", "a=b=c")
	decoded, err := DecodeHeader(h.Encode())
	requireT.NoError(err)
	v, ok := decoded.Get("error")
	requireT.True(ok)
	requireT.Equal("a=b=c", v)
}

func TestDecodeHeader_Malformed(t *testing.T) {
	field := func(s string) []byte {
		out := make([]byte, 4+len(s))
		binary.LittleEndian.PutUint32(out, uint32(len(s)))
		copy(out[4:], s)
		return out
	}
	block := func(fields ...[]byte) []byte {
		var payload []byte
		for _, f := range fields {
			payload = append(payload, f...)
		}
		out := make([]byte, 4+len(payload))
		binary.LittleEndian.PutUint32(out, uint32(len(payload)))
		copy(out[4:], payload)
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2}},
		{"total length mismatch", append(block(field("a=b")), 0xFF)},
		{"field without equals", block(field("callerid"))},
		{"field length overruns payload", func() []byte {
			b := block(field("a=b"))
			// Inflate the inner field length past the payload.
			binary.LittleEndian.PutUint32(b[4:], 100)
			return b
		}()},
		{"duplicate keys", block(field("topic=/a"), field("topic=/b"))},
		{"truncated field prefix", func() []byte {
			payload := []byte{1, 0}
			out := make([]byte, 4+len(payload))
			binary.LittleEndian.PutUint32(out, uint32(len(payload)))
			copy(out[4:], payload)
			return out
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformedHeader)
		})
	}
}

func TestDecodeHeader_Empty(t *testing.T) {
	requireT := require.New(t)

	decoded, err := DecodeHeader(NewHeader().Encode())
	requireT.NoError(err)
	requireT.Equal(0, decoded.Len())
}

func TestNewTopicHeader(t *testing.T) {
	requireT := require.New(t)

	decl := graph.NewTopicDeclaration("/chatter", graph.TopicDescription{
		Type:       "std_msgs/String",
		Definition: "string data\n",
		MD5Sum:     "992ce8a1687cec8c8bd883ec73ca41d1",
	})

	h := NewTopicHeader("/talker", decl)
	requireT.Equal("/talker", h.GetOr(FieldCallerID, ""))
	requireT.Equal("/chatter", h.GetOr(FieldTopic, ""))
	requireT.Equal("std_msgs/String", h.GetOr(FieldType, ""))
	requireT.Equal("992ce8a1687cec8c8bd883ec73ca41d1", h.GetOr(FieldMD5Sum, ""))
	requireT.Equal("string data\n", h.GetOr(FieldMessageDefinition, ""))
}

func TestChecksumsCompatible(t *testing.T) {
	assert.True(t, ChecksumsCompatible("abc", "abc"))
	assert.True(t, ChecksumsCompatible("*", "abc"))
	assert.True(t, ChecksumsCompatible("abc", "*"))
	assert.False(t, ChecksumsCompatible("abc", "def"))
	assert.False(t, ChecksumsCompatible("", "abc"))
}
