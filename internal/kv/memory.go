package kv

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used by tests and scenario-style
// integration tests that exercise the host without a real JetStream bucket.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers []*memoryWatch
}

type memoryWatch struct {
	prefix  string
	updates chan Update
	done    chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.data[key] = append([]byte(nil), value...)
	watchers := append([]*memoryWatch(nil), s.watchers...)
	s.mu.Unlock()

	s.notify(watchers, Update{Key: key, Value: value}, key)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	watchers := append([]*memoryWatch(nil), s.watchers...)
	s.mu.Unlock()

	s.notify(watchers, Update{Key: key, Deleted: true}, key)
	return nil
}

func (s *MemoryStore) notify(watchers []*memoryWatch, u Update, key string) {
	for _, w := range watchers {
		if w.prefix != "" && !strings.HasPrefix(key, w.prefix) {
			continue
		}
		select {
		case w.updates <- u:
		case <-w.done:
		default:
		}
	}
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Watch(_ context.Context, keyOrPrefix string) (WatchHandle, error) {
	w := &memoryWatch{
		prefix:  strings.TrimSuffix(keyOrPrefix, "*"),
		updates: make(chan Update, 32),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()
	return w, nil
}

func (s *MemoryStore) Close() error { return nil }

func (w *memoryWatch) Updates() <-chan Update { return w.updates }

func (w *memoryWatch) Stop() {
	close(w.done)
}
