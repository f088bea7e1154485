package capability

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

// HTTPClient mirrors wasi:http/outgoing-handler: a single outbound request.
type HTTPClient interface {
	Handle(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

// HTTPRequest is the wire shape of an outgoing-handler call.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPResponse is the wire shape of an outgoing-handler reply.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

func (h *Handler) dispatchHTTPClient(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if h.HTTPClient == nil {
		return fail(errNoHandlerBound("wasi:http/outgoing-handler"))
	}
	switch operation {
	case "handle":
		var req HTTPRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		resp, err := h.HTTPClient.Handle(ctx, req)
		if err != nil {
			return fail(err)
		}
		return ok(resp)
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown wasi:http/outgoing-handler operation %q", operation))
	}
}

// LocalHTTPClient is the builtin-local HTTPClient variant: requests leave
// the host process directly over net/http rather than through a linked
// provider. Used when a component has no outgoing-handler link bound but
// is still permitted direct egress by policy.
type LocalHTTPClient struct {
	client *http.Client
}

// NewLocalHTTPClient builds a LocalHTTPClient with timeout bounding every
// request, since a component must never be able to hang a host worker on a
// slow remote peer.
func NewLocalHTTPClient(timeout time.Duration) *LocalHTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalHTTPClient{client: &http.Client{Timeout: timeout}}
}

func (c *LocalHTTPClient) Handle(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return HTTPResponse{}, core.NewApplicationError(core.ErrKindOther, "build request: %v", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return HTTPResponse{}, &core.TransportError{Op: "outgoing http request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResponse{}, &core.TransportError{Op: "read http response body", Err: err}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

// LatticeHTTPClient is the lattice-forwarding HTTPClient variant: it
// translates the call into a wRPC invocation on the component's linked
// wasi:http/outgoing-handler provider (e.g. an egress proxy enforcing
// organization-wide allowlists).
type LatticeHTTPClient struct {
	target forwardingTarget
}

// NewLatticeHTTPClient binds a rpc.Client-backed target for one component's
// wasi:http/outgoing-handler link.
func NewLatticeHTTPClient(client *rpc.Client, lattice, providerPublicKey, linkName string) *LatticeHTTPClient {
	return &LatticeHTTPClient{target: newForwardingTarget(client, lattice, providerPublicKey, linkName)}
}

func (c *LatticeHTTPClient) Handle(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	var resp HTTPResponse
	if err := c.target.invoke(ctx, "handle", req, &resp); err != nil {
		return HTTPResponse{}, err
	}
	return resp, nil
}
