package graph

import "fmt"

// TopicIdentifier uniquely identifies a topic by name.
type TopicIdentifier struct {
	Name Name
}

// String implements fmt.Stringer.
func (t TopicIdentifier) String() string {
	return fmt.Sprintf("Topic<%s>", t.Name)
}

// TopicDescription describes a topic's message schema: the canonical type
// name, the flattened type definition, and the hex digest of the flattened
// schema used to verify compatibility at handshake time.
type TopicDescription struct {
	Type       string
	Definition string
	MD5Sum     string
}

// TopicDeclaration binds a topic identifier to its message schema. It is
// immutable after construction; reconnection reuses the same declaration.
type TopicDeclaration struct {
	Identifier  TopicIdentifier
	Description TopicDescription
}

// NewTopicDeclaration creates a declaration for a topic name and schema.
func NewTopicDeclaration(name Name, description TopicDescription) TopicDeclaration {
	return TopicDeclaration{
		Identifier:  TopicIdentifier{Name: name},
		Description: description,
	}
}

// Name returns the declared topic name.
func (t TopicDeclaration) Name() Name {
	return t.Identifier.Name
}

// String implements fmt.Stringer.
func (t TopicDeclaration) String() string {
	return fmt.Sprintf("Topic<%s, %s>", t.Identifier.Name, t.Description.Type)
}

// PublisherIdentifier identifies one publisher of a topic: the publishing
// node plus the topic.
type PublisherIdentifier struct {
	Node  NodeIdentifier
	Topic TopicIdentifier
}

// String implements fmt.Stringer.
func (p PublisherIdentifier) String() string {
	return fmt.Sprintf("Publisher<%s, %s>", p.Node, p.Topic)
}

// SubscriberIdentifier identifies one subscriber of a topic.
type SubscriberIdentifier struct {
	Node  NodeIdentifier
	Topic TopicIdentifier
}

// String implements fmt.Stringer.
func (s SubscriberIdentifier) String() string {
	return fmt.Sprintf("Subscriber<%s, %s>", s.Node, s.Topic)
}
