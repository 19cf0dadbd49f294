package graph

import "fmt"

// ServiceIdentifier identifies a service endpoint by resolved name and
// advertised URI.
type ServiceIdentifier struct {
	Name Name
	URI  string
}

// String implements fmt.Stringer.
func (s ServiceIdentifier) String() string {
	return fmt.Sprintf("Service<%s, %s>", s.Name, s.URI)
}

// ServiceDescription describes a service's request/response schema.
type ServiceDescription struct {
	Type       string
	Definition string
	MD5Sum     string
}

// ServiceDeclaration binds a service identifier to its schema.
type ServiceDeclaration struct {
	Identifier  ServiceIdentifier
	Description ServiceDescription
}

// NewServiceDeclaration creates a declaration for a service name and schema.
// The URI may be empty until the server side advertises an address.
func NewServiceDeclaration(identifier ServiceIdentifier, description ServiceDescription) ServiceDeclaration {
	return ServiceDeclaration{
		Identifier:  identifier,
		Description: description,
	}
}

// Name returns the declared service name.
func (s ServiceDeclaration) Name() Name {
	return s.Identifier.Name
}

// Equal reports declaration equality. Two declarations are equal iff their
// names, types, and digests match; the URI is informational only.
func (s ServiceDeclaration) Equal(other ServiceDeclaration) bool {
	return s.Identifier.Name == other.Identifier.Name &&
		s.Description.Type == other.Description.Type &&
		s.Description.MD5Sum == other.Description.MD5Sum
}

// String implements fmt.Stringer.
func (s ServiceDeclaration) String() string {
	return fmt.Sprintf("Service<%s, %s>", s.Identifier.Name, s.Description.Type)
}
