package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lattice-run/wasmhost/internal/core"
)

// NatsBroker implements Broker over a NATS core connection. It is
// deliberately thin: the message broker itself is out of scope (spec §1),
// this type only realizes the consumed Publish/Request/Subscribe surface.
type NatsBroker struct {
	conn *nats.Conn
}

// DialNats connects to the given NATS URL(s) and returns a Broker.
func DialNats(urls string, opts ...nats.Option) (*NatsBroker, error) {
	conn, err := nats.Connect(urls, opts...)
	if err != nil {
		return nil, &core.TransportError{Op: "nats connect", Err: err}
	}
	return &NatsBroker{conn: conn}, nil
}

func (b *NatsBroker) Publish(_ context.Context, subject string, payload []byte) error {
	if err := b.conn.Publish(subject, payload); err != nil {
		return &core.TransportError{Op: fmt.Sprintf("publish %s", subject), Err: err}
	}
	return nil
}

func (b *NatsBroker) PublishRequest(_ context.Context, subject, replyTo string, payload []byte) error {
	if err := b.conn.PublishRequest(subject, replyTo, payload); err != nil {
		return &core.TransportError{Op: fmt.Sprintf("publish %s with reply %s", subject, replyTo), Err: err}
	}
	return nil
}

func (b *NatsBroker) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := b.conn.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		if err == context.DeadlineExceeded || err == nats.ErrTimeout {
			return nil, &core.TransportError{Op: fmt.Sprintf("request %s", subject), Err: fmt.Errorf("rpc timeout: %w", err)}
		}
		return nil, &core.TransportError{Op: fmt.Sprintf("request %s", subject), Err: err}
	}
	return msg.Data, nil
}

func (b *NatsBroker) PublishWithHeaders(_ context.Context, subject string, headers map[string][]string, payload []byte) error {
	msg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header(headers)}
	if err := b.conn.PublishMsg(msg); err != nil {
		return &core.TransportError{Op: fmt.Sprintf("publish %s", subject), Err: err}
	}
	return nil
}

func (b *NatsBroker) RequestWithHeaders(ctx context.Context, subject string, headers map[string][]string, payload []byte, timeout time.Duration) ([]byte, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header(headers)}
	reply, err := b.conn.RequestMsgWithContext(reqCtx, msg)
	if err != nil {
		if err == context.DeadlineExceeded || err == nats.ErrTimeout {
			return nil, &core.TransportError{Op: fmt.Sprintf("request %s", subject), Err: fmt.Errorf("rpc timeout: %w", err)}
		}
		return nil, &core.TransportError{Op: fmt.Sprintf("request %s", subject), Err: err}
	}
	return reply.Data, nil
}

type natsSubscription struct {
	sub *nats.Subscription
	ch  chan *Message
	raw chan *nats.Msg
}

func (s *natsSubscription) Messages() <-chan *Message { return s.ch }

func (s *natsSubscription) Unsubscribe() error {
	close(s.raw)
	if err := s.sub.Unsubscribe(); err != nil {
		return &core.TransportError{Op: "unsubscribe", Err: err}
	}
	return nil
}

func (b *NatsBroker) Subscribe(ctx context.Context, subject, queueGroup string) (Subscription, error) {
	raw := make(chan *nats.Msg, 64)
	var sub *nats.Subscription
	var err error
	if queueGroup != "" {
		sub, err = b.conn.ChanQueueSubscribe(subject, queueGroup, raw)
	} else {
		sub, err = b.conn.ChanSubscribe(subject, raw)
	}
	if err != nil {
		return nil, &core.TransportError{Op: fmt.Sprintf("subscribe %s", subject), Err: err}
	}

	out := make(chan *Message, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-raw:
				if !ok {
					return
				}
				headers := map[string][]string{}
				for k, v := range m.Header {
					headers[k] = v
				}
				out <- &Message{Subject: m.Subject, Data: m.Data, ReplyTo: m.Reply, Headers: headers}
			}
		}
	}()

	return &natsSubscription{sub: sub, ch: out, raw: raw}, nil
}

func (b *NatsBroker) MaxPayload() int {
	return int(b.conn.MaxPayload())
}

// Conn exposes the underlying *nats.Conn, for callers (cmd/wasmcloud-host)
// that need to open JetStream KV buckets against the same connection.
func (b *NatsBroker) Conn() *nats.Conn {
	return b.conn
}

func (b *NatsBroker) Close() error {
	b.conn.Drain()
	return nil
}
