// Package broker defines the lattice message-bus surface the host
// consumes (spec §1: "the underlying message broker... consumed as
// Publish, Request, Subscribe") and a concrete NATS-backed implementation.
package broker

import (
	"context"
	"time"
)

// Message is an inbound message delivered to a subscription.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
	Headers map[string][]string
}

// Responder replies to the message's ReplyTo subject, if any.
type Responder func(ctx context.Context, data []byte) error

// Subscription is a lazy, unbounded sequence of inbound messages with an
// explicit unsubscribe that cancels background delivery.
type Subscription interface {
	Messages() <-chan *Message
	Unsubscribe() error
}

// Broker is the lattice bus surface consumed throughout the host: signed
// RPC requests, fire-and-forget event/command publication, and
// queue-grouped subscriptions for control topics.
type Broker interface {
	// Publish is fire-and-forget.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Request sends payload on subject and waits up to timeout for a
	// single reply, returning core.TransportError-wrapped errors on
	// timeout or transport failure.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)

	// PublishWithHeaders is Publish with caller-supplied message headers
	// (e.g. W3C trace-context, source-id) attached to the outbound message.
	PublishWithHeaders(ctx context.Context, subject string, headers map[string][]string, payload []byte) error

	// RequestWithHeaders is Request with caller-supplied message headers
	// attached to the outbound message, per spec §4.2's "trace context is
	// injected from the current span into message headers".
	RequestWithHeaders(ctx context.Context, subject string, headers map[string][]string, payload []byte, timeout time.Duration) ([]byte, error)

	// Subscribe returns a Subscription delivering every message published
	// on subject. If queueGroup is non-empty, delivery is load-balanced
	// across all subscribers sharing the group.
	Subscribe(ctx context.Context, subject, queueGroup string) (Subscription, error)

	// PublishRequest is a fire-and-forget publish that additionally tags
	// the delivered Message with replyTo, mirroring nats.Conn.PublishRequest.
	// The control-interface server uses this so its subject subscribers can
	// answer via the caller-supplied reply inbox without a synchronous
	// Request/RegisterHandler round trip.
	PublishRequest(ctx context.Context, subject, replyTo string, payload []byte) error

	// MaxPayload reports the broker's configured maximum message size, used
	// by the event publisher to warn on oversized events.
	MaxPayload() int

	Close() error
}
