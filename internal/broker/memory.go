package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-run/wasmhost/internal/core"
)

// MemoryBroker is an in-process Broker used by tests and by scenario-style
// integration tests that exercise the host without a real NATS server.
type MemoryBroker struct {
	mu       sync.RWMutex
	subs     map[string][]*memorySub
	maxPay   int
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[string][]*memorySub),
		maxPay: 1024 * 1024,
	}
}

func (b *MemoryBroker) Publish(_ context.Context, subject string, payload []byte) error {
	b.deliver(subject, "", nil, payload)
	return nil
}

// PublishRequest delivers payload to every subscriber on subject, tagging
// each delivered Message with replyTo so a subject handler can answer via
// ordinary Publish to that inbox.
func (b *MemoryBroker) PublishRequest(_ context.Context, subject, replyTo string, payload []byte) error {
	b.deliver(subject, replyTo, nil, payload)
	return nil
}

// PublishWithHeaders delivers payload with headers attached to the delivered
// Message, reachable by anything that subscribed via Subscribe.
func (b *MemoryBroker) PublishWithHeaders(_ context.Context, subject string, headers map[string][]string, payload []byte) error {
	b.deliver(subject, "", headers, payload)
	return nil
}

func (b *MemoryBroker) deliver(subject, replyTo string, headers map[string][]string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := map[string]bool{} // queue groups receive exactly one delivery
	for _, s := range b.subs[subject] {
		if s.closed {
			continue
		}
		if s.queue != "" {
			if delivered[s.queue] {
				continue
			}
			delivered[s.queue] = true
		}
		msg := &Message{Subject: subject, Data: append([]byte(nil), payload...), ReplyTo: replyTo, Headers: headers}
		select {
		case s.ch <- msg:
		default:
		}
	}
}

// Handler is a function registered as a request responder for a subject;
// used by RegisterHandler to let tests and in-process managers answer
// requests without a separate subscriber goroutine.
type Handler func(ctx context.Context, subject string, payload []byte) ([]byte, error)

type handlerEntry struct {
	handler Handler
}

var handlerRegistry = struct {
	mu sync.RWMutex
	m  map[*MemoryBroker]map[string]*handlerEntry
}{m: make(map[*MemoryBroker]map[string]*handlerEntry)}

// RegisterHandler installs a request responder for subject on this broker.
// Request calls against subject invoke the handler synchronously instead of
// round-tripping through a subscription, keeping tests deterministic.
func (b *MemoryBroker) RegisterHandler(subject string, h Handler) {
	handlerRegistry.mu.Lock()
	defer handlerRegistry.mu.Unlock()
	if handlerRegistry.m[b] == nil {
		handlerRegistry.m[b] = make(map[string]*handlerEntry)
	}
	handlerRegistry.m[b][subject] = &handlerEntry{handler: h}
}

func (b *MemoryBroker) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	handlerRegistry.mu.RLock()
	entry := handlerRegistry.m[b][subject]
	handlerRegistry.mu.RUnlock()
	if entry == nil {
		return nil, &core.TransportError{Op: fmt.Sprintf("request %s", subject), Err: fmt.Errorf("no responder registered")}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		data, err := entry.handler(reqCtx, subject, payload)
		resCh <- result{data, err}
	}()

	select {
	case <-reqCtx.Done():
		return nil, &core.TransportError{Op: fmt.Sprintf("request %s", subject), Err: fmt.Errorf("rpc timeout: %w", reqCtx.Err())}
	case res := <-resCh:
		if res.err != nil {
			return nil, &core.TransportError{Op: fmt.Sprintf("request %s", subject), Err: res.err}
		}
		return res.data, nil
	}
}

// RequestWithHeaders is Request with headers silently dropped: the
// registered Handler type carries no headers parameter, so an in-memory
// responder cannot observe them. Tests asserting on request headers need a
// real broker or a Subscribe-based responder instead of RegisterHandler.
func (b *MemoryBroker) RequestWithHeaders(ctx context.Context, subject string, _ map[string][]string, payload []byte, timeout time.Duration) ([]byte, error) {
	return b.Request(ctx, subject, payload, timeout)
}

func (b *MemoryBroker) Subscribe(_ context.Context, subject, queueGroup string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memorySub{subject: subject, queue: queueGroup, ch: make(chan *Message, 64)}
	b.subs[subject] = append(b.subs[subject], s)
	return s, nil
}

func (b *MemoryBroker) MaxPayload() int { return b.maxPay }

func (b *MemoryBroker) Close() error { return nil }

func (s *memorySub) Messages() <-chan *Message { return s.ch }

func (s *memorySub) Unsubscribe() error {
	s.closed = true
	return nil
}
