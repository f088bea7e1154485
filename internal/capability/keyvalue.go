package capability

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/lattice-run/wasmhost/internal/core"
)

// KeyValueAtomic mirrors the wasi:keyvalue/atomic interface: numeric
// counters with compare-and-swap semantics. Grounded on the original
// runtime's actor/component/keyvalue.rs atomic::Host::{increment,
// compare_and_swap}.
type KeyValueAtomic interface {
	Increment(ctx context.Context, bucket, key string, delta uint64) (uint64, error)
	CompareAndSwap(ctx context.Context, bucket, key string, old, new uint64) (bool, error)
}

// KeyValueEventual mirrors wasi:keyvalue/eventual: plain get/set/delete
// without atomicity guarantees across concurrent writers.
type KeyValueEventual interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
}

type incrementRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Delta  uint64 `json:"delta"`
}

type compareAndSwapRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Old    uint64 `json:"old"`
	New    uint64 `json:"new"`
}

type getRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type getResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type setRequest struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Value  []byte `json:"value"`
}

func (h *Handler) dispatchKeyValueAtomic(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if h.KeyValueAtomic == nil {
		return fail(errNoHandlerBound("wasi:keyvalue/atomic"))
	}
	switch operation {
	case "increment":
		var req incrementRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		v, err := h.KeyValueAtomic.Increment(ctx, req.Bucket, req.Key, req.Delta)
		if err != nil {
			return fail(err)
		}
		return ok(v)
	case "compare-and-swap":
		var req compareAndSwapRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		changed, err := h.KeyValueAtomic.CompareAndSwap(ctx, req.Bucket, req.Key, req.Old, req.New)
		if err != nil {
			return fail(err)
		}
		return ok(changed)
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown wasi:keyvalue/atomic operation %q", operation))
	}
}

func (h *Handler) dispatchKeyValueEventual(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if h.KeyValueEventual == nil {
		return fail(errNoHandlerBound("wasi:keyvalue/eventual"))
	}
	switch operation {
	case "get":
		var req getRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		v, found, err := h.KeyValueEventual.Get(ctx, req.Bucket, req.Key)
		if err != nil {
			return fail(err)
		}
		return ok(getResponse{Value: v, Found: found})
	case "set":
		var req setRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.KeyValueEventual.Set(ctx, req.Bucket, req.Key, req.Value); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "delete":
		var req getRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.KeyValueEventual.Delete(ctx, req.Bucket, req.Key); err != nil {
			return fail(err)
		}
		return ok(nil)
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown wasi:keyvalue/eventual operation %q", operation))
	}
}

// MemoryKeyValue is the builtin-in-memory variant of both KeyValueAtomic and
// KeyValueEventual: a process-local map of buckets, each a map of key to raw
// bytes. Atomic values share the same byte map as eventual values, stored as
// a little-endian uint64, so increment/compare-and-swap and get/set observe
// a consistent view of the same key. Grounded on the original runtime's
// RwLock<HashMap<...>> in-memory capability style (capability/provider/mem).
type MemoryKeyValue struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

// NewMemoryKeyValue creates an empty in-memory key-value store.
func NewMemoryKeyValue() *MemoryKeyValue {
	return &MemoryKeyValue{buckets: make(map[string]map[string][]byte)}
}

func (m *MemoryKeyValue) bucket(name string) map[string][]byte {
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[name] = b
	}
	return b
}

func (m *MemoryKeyValue) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.bucket(bucket)[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryKeyValue) Set(_ context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.bucket(bucket)[key] = stored
	return nil
}

func (m *MemoryKeyValue) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(bucket), key)
	return nil
}

func (m *MemoryKeyValue) Increment(_ context.Context, bucket, key string, delta uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	current := decodeUint64(b[key])
	next := current + delta
	b[key] = encodeUint64(next)
	return next, nil
}

func (m *MemoryKeyValue) CompareAndSwap(_ context.Context, bucket, key string, old, new uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	if decodeUint64(b[key]) != old {
		return false, nil
	}
	b[key] = encodeUint64(new)
	return true, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}
