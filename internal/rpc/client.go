// Package rpc implements spec §4.2: signed request/response over the
// lattice bus with timeouts and W3C trace-context propagation.
package rpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/core"
)

var propagator = propagation.TraceContext{}

// Client wraps a broker.Broker with the host's RPC conventions: trace
// context injection/extraction and timeout-bound requests.
type Client struct {
	bus broker.Broker
}

func NewClient(bus broker.Broker) *Client {
	return &Client{bus: bus}
}

// InjectTraceContext writes the current span's W3C trace-context headers
// into a fresh core.TraceContext map suitable for attaching to an outbound
// Invocation.
func InjectTraceContext(ctx context.Context) core.TraceContext {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	out := make(core.TraceContext, len(carrier))
	for k, v := range carrier {
		out[k] = v
	}
	return out
}

// ExtractTraceContext attaches any trace-context headers present on tc to
// ctx as the parent span context, for use by the receiving side of an
// invocation.
func ExtractTraceContext(ctx context.Context, tc core.TraceContext) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	carrier := propagation.MapCarrier(tc)
	return propagator.Extract(ctx, carrier)
}

// StartSpan is a small convenience wrapper so callers don't need to import
// the otel tracer API directly just to bracket an RPC call.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("wasmhost/rpc").Start(ctx, name)
}

// traceHeaders injects the current span's W3C trace context into message
// headers, merged with any caller-supplied extras (e.g. source-id).
func traceHeaders(ctx context.Context, extra map[string][]string) map[string][]string {
	tc := InjectTraceContext(ctx)
	if len(tc) == 0 && len(extra) == 0 {
		return nil
	}
	headers := make(map[string][]string, len(tc)+len(extra))
	for k, v := range tc {
		headers[k] = []string{v}
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

// Request sends payload on subject, injecting the current span's trace
// context into the underlying broker call, and waits up to timeout for a
// reply. Timeouts surface as a *core.TransportError wrapping a deadline
// error; callers checking for RpcTimeout semantics should use
// errors.Is(err, context.DeadlineExceeded) against the unwrapped error.
func (c *Client) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	return c.RequestWithHeaders(ctx, subject, nil, payload, timeout)
}

// RequestWithHeaders is Request with extra headers (e.g. source-id) carried
// alongside the injected trace context, for callers like provider.Manager
// that need to stamp the calling host's identity on a wRPC call (spec §4.8).
func (c *Client) RequestWithHeaders(ctx context.Context, subject string, extra map[string][]string, payload []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.bus.RequestWithHeaders(reqCtx, subject, traceHeaders(ctx, extra), payload, timeout)
	if err != nil {
		return nil, fmt.Errorf("rpc request to %s failed: %w", subject, err)
	}
	return reply, nil
}

// Publish is fire-and-forget, carrying the current span's trace context.
func (c *Client) Publish(ctx context.Context, subject string, payload []byte) error {
	return c.bus.PublishWithHeaders(ctx, subject, traceHeaders(ctx, nil), payload)
}

// Subscription re-exports broker.Subscription so callers of this package
// don't need to import internal/broker directly.
type Subscription = broker.Subscription

// Subscribe returns a lazy, unbounded sequence of messages on subject. If
// queueGroup is non-empty, delivery load-balances across subscribers
// sharing the group. Call Unsubscribe on the returned Subscription to
// cancel background delivery.
func (c *Client) Subscribe(ctx context.Context, subject, queueGroup string) (Subscription, error) {
	return c.bus.Subscribe(ctx, subject, queueGroup)
}
