// Package kv defines the KV-store surface the host consumes (spec §1: "the
// key-value store... consumed as KvGet, KvWatch") and a JetStream-backed
// implementation of the two buckets described in spec §6
// (LATTICEDATA_<lattice>, CONFIGDATA_<lattice>).
package kv

import "context"

// Update is a single change observed by a Watch subscription.
type Update struct {
	Key     string
	Value   []byte
	Deleted bool
}

// WatchHandle is a live watch over one or more keys in a bucket.
type WatchHandle interface {
	Updates() <-chan Update
	Stop()
}

// Store is the minimal KV surface the host needs: point reads/writes,
// prefix listing, and a change-watch used by the config bundle generator
// and the secrets manager's reference lookups.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Watch(ctx context.Context, keyOrPrefix string) (WatchHandle, error)
	Close() error
}
