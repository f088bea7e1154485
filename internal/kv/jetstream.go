package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lattice-run/wasmhost/internal/core"
)

// JetStreamStore implements Store over a single NATS JetStream KV bucket,
// creating the bucket on first use if it does not already exist (spec
// §4.13: "Open the two KV buckets... creating if absent").
type JetStreamStore struct {
	kv jetstream.KeyValue
}

// OpenBucket opens (creating if absent) the named JetStream KV bucket on
// conn, per spec §6's LATTICEDATA_<lattice> / CONFIGDATA_<lattice> layout.
func OpenBucket(ctx context.Context, conn *nats.Conn, bucket string) (*JetStreamStore, error) {
	return OpenBucketInDomain(ctx, conn, bucket, "")
}

// OpenBucketInDomain is OpenBucket scoped to a non-default JetStream domain
// (spec §6's JS_DOMAIN), for hosts that reach their lattice's JetStream
// account through a leafnode or domain-mapped supercluster.
func OpenBucketInDomain(ctx context.Context, conn *nats.Conn, bucket, domain string) (*JetStreamStore, error) {
	var opts []jetstream.JetStreamOpt
	if domain != "" {
		opts = append(opts, jetstream.WithDomain(domain))
	}
	js, err := jetstream.New(conn, opts...)
	if err != nil {
		return nil, &core.TransportError{Op: "jetstream new", Err: err}
	}
	store, err := js.KeyValue(ctx, bucket)
	if err != nil {
		store, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
		if err != nil {
			return nil, &core.TransportError{Op: fmt.Sprintf("create bucket %s", bucket), Err: err}
		}
	}
	return &JetStreamStore{kv: store}, nil
}

// jsKey maps our arbitrary keys (which may contain characters JetStream
// subjects disallow, like '.') onto a JetStream-safe key.
func jsKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func (s *JetStreamStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, jsKey(key))
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, &core.TransportError{Op: fmt.Sprintf("kv get %s", key), Err: err}
	}
	return entry.Value(), true, nil
}

func (s *JetStreamStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, jsKey(key), value); err != nil {
		return &core.TransportError{Op: fmt.Sprintf("kv put %s", key), Err: err}
	}
	return nil
}

func (s *JetStreamStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, jsKey(key)); err != nil {
		return &core.TransportError{Op: fmt.Sprintf("kv delete %s", key), Err: err}
	}
	return nil
}

func (s *JetStreamStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, &core.TransportError{Op: "kv list keys", Err: err}
	}
	var keys []string
	for k := range lister.Keys() {
		if prefix == "" || strings.HasPrefix(k, jsKey(prefix)) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

type jsWatchHandle struct {
	watcher jetstream.KeyWatcher
	updates chan Update
	done    chan struct{}
}

func (h *jsWatchHandle) Updates() <-chan Update { return h.updates }

func (h *jsWatchHandle) Stop() {
	close(h.done)
	h.watcher.Stop()
}

func (s *JetStreamStore) Watch(ctx context.Context, keyOrPrefix string) (WatchHandle, error) {
	pattern := jsKey(keyOrPrefix)
	if !strings.HasSuffix(pattern, "*") && !strings.HasSuffix(pattern, ">") {
		pattern = pattern + ".>"
	}
	watcher, err := s.kv.Watch(ctx, pattern)
	if err != nil {
		return nil, &core.TransportError{Op: fmt.Sprintf("kv watch %s", keyOrPrefix), Err: err}
	}

	h := &jsWatchHandle{
		watcher: watcher,
		updates: make(chan Update, 32),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(h.updates)
		for {
			select {
			case <-h.done:
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// Initial-values-delivered marker; nothing to report.
					continue
				}
				u := Update{Key: entry.Key()}
				if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
					u.Deleted = true
				} else {
					u.Value = entry.Value()
				}
				select {
				case h.updates <- u:
				case <-h.done:
					return
				}
			}
		}
	}()
	return h, nil
}

func (s *JetStreamStore) Close() error {
	return nil
}
