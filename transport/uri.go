package transport

import (
	"fmt"
	"strings"

	"github.com/c360/rosgraph/errors"
)

// HostPortFromServiceURI strips the scheme from an advertised service URI,
// returning the dialable host:port.
func HostPortFromServiceURI(uri string) (string, error) {
	for _, scheme := range []string{"rosrpc://", "tcpros://", "tcp://"} {
		if rest, ok := strings.CutPrefix(uri, scheme); ok && rest != "" {
			return strings.TrimSuffix(rest, "/"), nil
		}
	}
	return "", errors.WrapInvalid(errors.ErrInvalidData, "transport", "HostPortFromServiceURI",
		fmt.Sprintf("unsupported service URI %q", uri))
}
