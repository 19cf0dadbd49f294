// Package graph contains the shared identity types of the computation graph:
// names, node/topic/service identifiers, and the immutable declarations
// exchanged during handshakes and directory registration.
//
// Name resolution and namespace arithmetic happen outside the runtime; every
// Name held here is already fully resolved.
package graph

import (
	"fmt"
	"strings"

	"github.com/c360/rosgraph/errors"
)

// Name is a resolved, slash-delimited graph name. Names are value types;
// equality is structural.
type Name string

// String implements fmt.Stringer.
func (n Name) String() string {
	return string(n)
}

// Validate checks that the name is non-empty and contains no whitespace or
// empty path segments.
func (n Name) Validate() error {
	if n == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Name", "Validate", "empty name")
	}
	if strings.ContainsAny(string(n), " \t\n") {
		return errors.WrapInvalid(errors.ErrInvalidData, "Name", "Validate",
			fmt.Sprintf("name %q contains whitespace", n))
	}
	trimmed := strings.TrimPrefix(string(n), "/")
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "Name", "Validate",
				fmt.Sprintf("name %q has an empty path segment", n))
		}
	}
	return nil
}

// NodeIdentifier uniquely identifies a node in the graph by its resolved name
// and the URI of its directory-facing endpoint.
type NodeIdentifier struct {
	Name Name
	// URI of the node's directory-facing XML-RPC endpoint.
	URI string
}

// String implements fmt.Stringer.
func (n NodeIdentifier) String() string {
	return fmt.Sprintf("Node<%s, %s>", n.Name, n.URI)
}
