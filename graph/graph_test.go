package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   Name
		wantErr bool
	}{
		{"global name", "/foo/bar", false},
		{"relative name", "foo", false},
		{"nested", "/a/b/c", false},
		{"empty", "", true},
		{"whitespace", "/foo bar", true},
		{"empty segment", "/foo//bar", true},
		{"trailing slash", "/foo/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopicDeclaration_ValueEquality(t *testing.T) {
	requireT := require.New(t)

	desc := TopicDescription{Type: "std_msgs/String", Definition: "string data\n", MD5Sum: "992ce8a1687cec8c8bd883ec73ca41d1"}
	a := NewTopicDeclaration("/foo", desc)
	b := NewTopicDeclaration("/foo", desc)

	requireT.Equal(a, b)
	requireT.True(a == b, "declarations are value types")

	c := NewTopicDeclaration("/bar", desc)
	requireT.NotEqual(a, c)
}

func TestServiceDeclaration_EqualIgnoresURI(t *testing.T) {
	requireT := require.New(t)

	desc := ServiceDescription{Type: "rospy_tutorials/AddTwoInts", MD5Sum: "6a2e34150c00229791cc89ff309fff21"}
	a := NewServiceDeclaration(ServiceIdentifier{Name: "/add_two_ints", URI: "rosrpc://host-a:1234"}, desc)
	b := NewServiceDeclaration(ServiceIdentifier{Name: "/add_two_ints", URI: "rosrpc://host-b:9999"}, desc)

	requireT.True(a.Equal(b), "URI is informational")

	c := NewServiceDeclaration(ServiceIdentifier{Name: "/add_two_ints"}, ServiceDescription{
		Type:   "rospy_tutorials/AddTwoInts",
		MD5Sum: "different",
	})
	requireT.False(a.Equal(c))
}

func TestPublisherIdentifier_Comparable(t *testing.T) {
	node := NodeIdentifier{Name: "/talker", URI: "http://localhost:40000/"}
	a := PublisherIdentifier{Node: node, Topic: TopicIdentifier{Name: "/foo"}}
	b := PublisherIdentifier{Node: node, Topic: TopicIdentifier{Name: "/foo"}}

	// Usable as map keys for the connection registry.
	set := map[PublisherIdentifier]bool{a: true}
	assert.True(t, set[b])
}
