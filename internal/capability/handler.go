// Package capability implements spec §4.3: host-side implementations of the
// WIT capability interfaces a component can import, and the dispatch that
// wires them into an instance's host calls.
package capability

import (
	"context"
	"encoding/json"

	"github.com/lattice-run/wasmhost/internal/core"
)

// Variant distinguishes how a capability implementation serves requests.
type Variant string

const (
	// VariantBuiltinInMemory serves requests from process memory, with no
	// persistence across a host restart (used for keyvalue/blobstore tests
	// and for components that don't have a link to a real provider).
	VariantBuiltinInMemory Variant = "builtin-in-memory"
	// VariantBuiltinLocal serves requests against a local resource (the
	// process's own logger, the local filesystem) rather than the lattice.
	VariantBuiltinLocal Variant = "builtin-local"
	// VariantLatticeForwarding translates the call into an outbound wRPC
	// invocation on the component's linked provider.
	VariantLatticeForwarding Variant = "lattice-forwarding"
)

// Handler is a typed record of polymorphic capability implementations, one
// per interface a component may import. A nil field means the component has
// no link bound for that capability; invoking it surfaces NotFound rather
// than a nil-pointer panic.
type Handler struct {
	KeyValueAtomic   KeyValueAtomic
	KeyValueEventual KeyValueEventual
	Blobstore        Blobstore
	HTTPClient       HTTPClient
	Messaging        Messaging
	Logging          Logging
	Secrets          SecretsStore
}

// CloneForNew returns a private copy of the handler for a new component
// instance. The copy is shallow: each field's underlying implementation is
// shared (built-in stores are themselves internally locked, lattice
// forwarders are stateless RPC clients), but the Handler struct itself is
// per-instance so future per-instance stream state has somewhere to live
// without mutating a shared record.
func (h *Handler) CloneForNew() *Handler {
	clone := *h
	return &clone
}

// operationError is the wire shape errors take when crossing back into a
// component's result type: a tagged variant, never a raw panic.
type operationError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// envelope wraps the decoded guest call: Dispatch returns either Result or
// Error (populated, never both) rather than a panic.
type envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *operationError `json:"error,omitempty"`
}

func ok(result interface{}) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, &core.ConfigError{Op: "marshal capability result", Err: err}
	}
	return json.Marshal(envelope{Result: raw})
}

func fail(err error) ([]byte, error) {
	kind := core.ErrKindOther
	if ae, ok := err.(*core.ApplicationError); ok {
		kind = ae.Kind
	}
	return json.Marshal(envelope{Error: &operationError{Kind: kind, Message: err.Error()}})
}

// Dispatch resolves a component's outbound capability call by namespace
// (the WIT interface, e.g. "wasi:keyvalue/atomic") and operation (the WIT
// function name), decodes the JSON-encoded payload into the matching
// request shape, and serializes the response as an envelope. It satisfies
// internal/component.Dispatcher.
func (h *Handler) Dispatch(ctx context.Context, componentID, namespace, operation string, payload []byte) ([]byte, error) {
	switch namespace {
	case "wasi:keyvalue/atomic":
		return h.dispatchKeyValueAtomic(ctx, operation, payload)
	case "wasi:keyvalue/eventual":
		return h.dispatchKeyValueEventual(ctx, operation, payload)
	case "wasi:blobstore/blobstore":
		return h.dispatchBlobstore(ctx, operation, payload)
	case "wasi:http/outgoing-handler":
		return h.dispatchHTTPClient(ctx, operation, payload)
	case "wasmcloud:messaging/consumer":
		return h.dispatchMessaging(ctx, operation, payload)
	case "wasi:logging/logging":
		return h.dispatchLogging(ctx, operation, payload)
	case "wasmcloud:secrets/store":
		return h.dispatchSecrets(ctx, operation, payload)
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown capability namespace %q", namespace))
	}
}

func decodeRequest(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &core.ConfigError{Op: "decode capability request", Err: err}
	}
	return nil
}

func errNoHandlerBound(iface string) error {
	return core.NewApplicationError(core.ErrKindNotFound, "no %s handler is bound for this component", iface)
}
