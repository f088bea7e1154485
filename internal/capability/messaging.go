package capability

import (
	"context"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/rpc"
)

// Messaging mirrors wasmcloud:messaging/consumer: publish and request
// against a subject on a messaging provider (e.g. NATS, Kafka).
type Messaging interface {
	Publish(ctx context.Context, subject string, body []byte) error
	Request(ctx context.Context, subject string, body []byte, timeoutMillis uint32) (MessagingReply, error)
}

// MessagingReply is the wire shape of a request/reply round trip.
type MessagingReply struct {
	Subject string            `json:"subject"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

type messagingPublishRequest struct {
	Subject string `json:"subject"`
	Body    []byte `json:"body"`
}

type messagingRequestRequest struct {
	Subject       string `json:"subject"`
	Body          []byte `json:"body"`
	TimeoutMillis uint32 `json:"timeout_millis"`
}

func (h *Handler) dispatchMessaging(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if h.Messaging == nil {
		return fail(errNoHandlerBound("wasmcloud:messaging/consumer"))
	}
	switch operation {
	case "publish":
		var req messagingPublishRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.Messaging.Publish(ctx, req.Subject, req.Body); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "request":
		var req messagingRequestRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		reply, err := h.Messaging.Request(ctx, req.Subject, req.Body, req.TimeoutMillis)
		if err != nil {
			return fail(err)
		}
		return ok(reply)
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown wasmcloud:messaging/consumer operation %q", operation))
	}
}

// LatticeMessaging is the lattice-forwarding Messaging variant: every call
// becomes a wRPC invocation on the component's linked messaging provider.
type LatticeMessaging struct {
	target forwardingTarget
}

// NewLatticeMessaging binds a rpc.Client-backed target for one component's
// wasmcloud:messaging/consumer link.
func NewLatticeMessaging(client *rpc.Client, lattice, providerPublicKey, linkName string) *LatticeMessaging {
	return &LatticeMessaging{target: newForwardingTarget(client, lattice, providerPublicKey, linkName)}
}

func (m *LatticeMessaging) Publish(ctx context.Context, subject string, body []byte) error {
	return m.target.invoke(ctx, "publish", messagingPublishRequest{Subject: subject, Body: body}, nil)
}

func (m *LatticeMessaging) Request(ctx context.Context, subject string, body []byte, timeoutMillis uint32) (MessagingReply, error) {
	var reply MessagingReply
	err := m.target.invoke(ctx, "request", messagingRequestRequest{Subject: subject, Body: body, TimeoutMillis: timeoutMillis}, &reply)
	return reply, err
}
