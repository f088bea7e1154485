package capability

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/lattice-run/wasmhost/internal/core"
)

// Blobstore mirrors wasi:blobstore/blobstore. GetData returns an
// io.ReadCloser rather than a byte slice, but the get-data dispatch below
// reads that stream to the end and replies with the whole object (or range)
// at once, so a large object is fully buffered in host memory before any of
// it reaches the component.
type Blobstore interface {
	CreateContainer(ctx context.Context, container string) error
	ContainerExists(ctx context.Context, container string) (bool, error)
	DeleteContainer(ctx context.Context, container string) error
	GetData(ctx context.Context, container, name string, start, end *uint64) (io.ReadCloser, error)
	WriteData(ctx context.Context, container, name string, data io.Reader) error
	DeleteObject(ctx context.Context, container, name string) error
	ListObjects(ctx context.Context, container string) ([]string, error)
}

type containerNameRequest struct {
	Container string `json:"container"`
}

type objectRequest struct {
	Container string  `json:"container"`
	Name      string  `json:"name"`
	Start     *uint64 `json:"start,omitempty"`
	End       *uint64 `json:"end,omitempty"`
}

type writeDataRequest struct {
	Container string `json:"container"`
	Name      string `json:"name"`
	Data      []byte `json:"data"`
}

func (h *Handler) dispatchBlobstore(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if h.Blobstore == nil {
		return fail(errNoHandlerBound("wasi:blobstore/blobstore"))
	}
	switch operation {
	case "create-container":
		var req containerNameRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.Blobstore.CreateContainer(ctx, req.Container); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "container-exists":
		var req containerNameRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		exists, err := h.Blobstore.ContainerExists(ctx, req.Container)
		if err != nil {
			return fail(err)
		}
		return ok(exists)
	case "delete-container":
		var req containerNameRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.Blobstore.DeleteContainer(ctx, req.Container); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "get-data":
		var req objectRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		rc, err := h.Blobstore.GetData(ctx, req.Container, req.Name, req.Start, req.End)
		if err != nil {
			return fail(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return fail(core.NewApplicationError(core.ErrKindTransport, "read object stream: %v", err))
		}
		return ok(data)
	case "write-data":
		var req writeDataRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.Blobstore.WriteData(ctx, req.Container, req.Name, bytes.NewReader(req.Data)); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "delete-object":
		var req objectRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.Blobstore.DeleteObject(ctx, req.Container, req.Name); err != nil {
			return fail(err)
		}
		return ok(nil)
	case "list-objects":
		var req containerNameRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		names, err := h.Blobstore.ListObjects(ctx, req.Container)
		if err != nil {
			return fail(err)
		}
		return ok(names)
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown wasi:blobstore/blobstore operation %q", operation))
	}
}

// memObject is an in-memory blobstore object, matching the original
// runtime's in-memory Object (capability/provider/mem/blobstore.rs): raw
// bytes plus a creation timestamp.
type memObject struct {
	data      []byte
	createdAt time.Time
}

// memContainer is an in-memory blobstore container: a set of named
// objects.
type memContainer struct {
	objects map[string]*memObject
}

// MemoryBlobstore is the builtin-in-memory Blobstore variant.
type MemoryBlobstore struct {
	mu         sync.RWMutex
	containers map[string]*memContainer
}

// NewMemoryBlobstore creates an empty in-memory blobstore.
func NewMemoryBlobstore() *MemoryBlobstore {
	return &MemoryBlobstore{containers: make(map[string]*memContainer)}
}

func (b *MemoryBlobstore) CreateContainer(_ context.Context, container string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.containers[container]; exists {
		return core.NewApplicationError(core.ErrKindAlreadyExists, "container %s already exists", container)
	}
	b.containers[container] = &memContainer{objects: make(map[string]*memObject)}
	return nil
}

func (b *MemoryBlobstore) ContainerExists(_ context.Context, container string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.containers[container]
	return exists, nil
}

func (b *MemoryBlobstore) DeleteContainer(_ context.Context, container string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.containers, container)
	return nil
}

func (b *MemoryBlobstore) container(container string) (*memContainer, error) {
	c, ok := b.containers[container]
	if !ok {
		return nil, core.NewApplicationError(core.ErrKindNotFound, "container %s does not exist", container)
	}
	return c, nil
}

func (b *MemoryBlobstore) GetData(_ context.Context, container, name string, start, end *uint64) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, err := b.container(container)
	if err != nil {
		return nil, err
	}
	obj, ok := c.objects[name]
	if !ok {
		return nil, core.NewApplicationError(core.ErrKindNotFound, "object %s/%s does not exist", container, name)
	}
	data := obj.data
	lo, hi := uint64(0), uint64(len(data))
	if start != nil {
		lo = *start
	}
	if end != nil && *end < hi {
		hi = *end
	}
	if lo > hi || lo > uint64(len(data)) {
		lo, hi = 0, 0
	}
	return io.NopCloser(bytes.NewReader(data[lo:hi])), nil
}

func (b *MemoryBlobstore) WriteData(_ context.Context, container, name string, data io.Reader) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.container(container)
	if err != nil {
		return err
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return core.NewApplicationError(core.ErrKindTransport, "read incoming object stream: %v", err)
	}
	c.objects[name] = &memObject{data: buf, createdAt: time.Now()}
	return nil
}

func (b *MemoryBlobstore) DeleteObject(_ context.Context, container, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.container(container)
	if err != nil {
		return err
	}
	delete(c.objects, name)
	return nil
}

func (b *MemoryBlobstore) ListObjects(_ context.Context, container string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, err := b.container(container)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.objects))
	for name := range c.objects {
		names = append(names, name)
	}
	return names, nil
}
