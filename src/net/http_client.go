package net

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	cm "github.com/hgnetwork/pulse/src/common"
)

const maxPayloadSize = 1 << 20

// errorResponse is the body of every non-2xx answer. Kind is set when the
// error was a common.Err.
type errorResponse struct {
	Status string      `json:"status"`
	Error  string      `json:"error"`
	Kind   *cm.ErrKind `json:"kind,omitempty"`
}

// HTTPClient is the outbound half of HTTPTransport. It binds nothing, so
// clients that only submit transactions use it directly.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient returns a client whose calls time out after timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Ping calls the peer endpoint of the same name.
func (c *HTTPClient) Ping(target string, args *PingRequest, resp *PingResponse) error {
	path := "/ping"
	if args != nil && args.From != "" {
		path += "?from=" + url.QueryEscape(args.From)
	}
	return c.genericRPC(http.MethodGet, target, path, nil, resp)
}

// Validate calls the peer endpoint of the same name.
func (c *HTTPClient) Validate(target string, args *ValidateRequest, resp *ValidateResponse) error {
	return c.genericRPC(http.MethodPost, target, "/validate", args, resp)
}

// Gossip posts the sealed payload to /transactions.
func (c *HTTPClient) Gossip(target string, args *GossipRequest, resp *GossipResponse) error {
	return c.genericRPC(http.MethodPost, target, "/transactions", args.Payload, resp)
}

// Submit posts a client transaction to /submit-transaction.
func (c *HTTPClient) Submit(target string, args *SubmitRequest, resp *SubmitResponse) error {
	return c.genericRPC(http.MethodPost, target, "/submit-transaction", args, resp)
}

// Propagate posts to /propagate-transaction.
func (c *HTTPClient) Propagate(target string, args *PropagateRequest, resp *PropagateResponse) error {
	return c.genericRPC(http.MethodPost, target, "/propagate-transaction", args, resp)
}

// DiscoverPeers calls the peer endpoint of the same name.
func (c *HTTPClient) DiscoverPeers(target string, args *DiscoverPeersRequest, resp *DiscoverPeersResponse) error {
	return c.genericRPC(http.MethodPost, target, "/discover-peers", args, resp)
}

// genericRPC sends args to target and decodes the answer into resp. A []byte
// args is sent as is.
func (c *HTTPClient) genericRPC(method, target, path string, args interface{}, resp interface{}) error {
	var body io.Reader
	contentType := "application/json"
	switch a := args.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(a)
		contentType = "application/octet-stream"
	default:
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(target, "/")+path, body)
	if err != nil {
		return cm.NewErr("Peer", cm.Network, target, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return cm.NewErr("Peer", cm.Network, target, err.Error())
	}
	defer res.Body.Close()

	data, err := ioutil.ReadAll(io.LimitReader(res.Body, maxPayloadSize))
	if err != nil {
		return cm.NewErr("Peer", cm.Network, target, err.Error())
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return decodeError(target, res.StatusCode, data)
	}

	if err := json.Unmarshal(data, resp); err != nil {
		return cm.Errf("Peer", cm.Network, target, "decoding %s response: %v", path, err)
	}

	return nil
}

func decodeError(target string, status int, data []byte) error {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		return cm.Errf("Peer", cm.Network, target, "status %d", status)
	}
	if er.Kind != nil {
		return cm.NewErr("Peer", *er.Kind, target, er.Error)
	}
	return cm.Errf("Peer", cm.Network, target, "status %d: %s", status, er.Error)
}
