package xmlrpc

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/c360/rosgraph/errors"
)

// Client calls methods on a remote XML-RPC endpoint over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for the given endpoint URL. A zero timeout
// disables the per-call deadline; callers can still bound calls via context.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// URL returns the endpoint URL this client talks to.
func (c *Client) URL() string {
	return c.url
}

// Call invokes a remote method and returns its single result value. Remote
// faults come back as a *Fault error; transport problems as transient errors.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	body, err := EncodeRequest(method, params)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Call", "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Call", "build request")
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Call",
			fmt.Sprintf("POST %s (%s)", c.url, method))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("unexpected HTTP status %d", resp.StatusCode),
			"Client", "Call", fmt.Sprintf("POST %s (%s)", c.url, method))
	}

	result, err := DecodeResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	return result, nil
}
