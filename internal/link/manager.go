// Package link implements spec §4.7: a KV-backed store of link
// definitions, keyed by a deterministic hash of the link tuple.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lattice-run/wasmhost/internal/core"
	"github.com/lattice-run/wasmhost/internal/kv"
)

const linkKeyPrefix = "LINKDEF_"

// EventPublisher is the subset of internal/event.Publisher the link
// manager needs, kept as a narrow interface to avoid a package cycle.
type EventPublisher interface {
	Publish(ctx context.Context, name string, data interface{}) error
}

// ProviderNotifier is the subset of internal/provider.Manager the link
// manager calls into when a link changes, kept as a narrow interface to
// avoid a package cycle.
type ProviderNotifier interface {
	OnLinkPut(ctx context.Context, l core.Link) error
	OnLinkDelete(ctx context.Context, l core.Link) error
}

// Manager persists, indexes, and delivers link definitions.
type Manager struct {
	store     kv.Store
	events    EventPublisher
	providers ProviderNotifier
}

func NewManager(store kv.Store, events EventPublisher, providers ProviderNotifier) *Manager {
	return &Manager{store: store, events: events, providers: providers}
}

// storageKey is the spec §6 wire-format KV key: LINKDEF_<full-tuple hash>,
// which (unlike the uniqueness key) includes the target.
func storageKey(l core.Link) string {
	return linkKeyPrefix + l.Hash()
}

// PutLink upserts link keyed by its deterministic hash, emitting
// linkdef_set on success or linkdef_set_failed on validation error, and
// notifies the provider manager so affected providers receive updated
// import/export config. Per spec §3, the link name plus
// (source_id, wit_namespace, wit_package) is unique regardless of target;
// a put that changes only the target therefore replaces the prior entry
// rather than coexisting with it under a second hash.
func (m *Manager) PutLink(ctx context.Context, l core.Link) error {
	if l.SourceID == "" || l.Target == "" || l.Name == "" {
		m.emitFailed(ctx, "linkdef_set_failed", "link is missing required fields")
		return &core.ConfigError{Op: "put link", Err: fmt.Errorf("source_id, target, and link name are required")}
	}

	existing, err := m.scan(ctx, func(other core.Link) bool { return other.Key() == l.Key() })
	if err != nil {
		m.emitFailed(ctx, "linkdef_set_failed", err.Error())
		return err
	}
	for _, stale := range existing {
		if stale.Target == l.Target {
			continue // unchanged, same storage key will simply be overwritten below
		}
		if err := m.store.Delete(ctx, storageKey(stale)); err != nil {
			m.emitFailed(ctx, "linkdef_set_failed", err.Error())
			return &core.TransportError{Op: "delete stale link", Err: err}
		}
	}

	body, err := json.Marshal(l)
	if err != nil {
		m.emitFailed(ctx, "linkdef_set_failed", err.Error())
		return &core.ConfigError{Op: "marshal link", Err: err}
	}
	if err := m.store.Put(ctx, storageKey(l), body); err != nil {
		m.emitFailed(ctx, "linkdef_set_failed", err.Error())
		return &core.TransportError{Op: "put link", Err: err}
	}

	if m.providers != nil {
		if err := m.providers.OnLinkPut(ctx, l); err != nil {
			return fmt.Errorf("notify providers of link put: %w", err)
		}
	}
	if m.events != nil {
		_ = m.events.Publish(ctx, "linkdef_set", l)
	}
	return nil
}

func (m *Manager) emitFailed(ctx context.Context, name, message string) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(ctx, name, map[string]string{"message": message})
}

// DeleteLink removes the link identified by (sourceID, witNamespace,
// witPackage, linkName) — the uniqueness key, independent of target —
// notifying the provider manager and emitting linkdef_deleted.
func (m *Manager) DeleteLink(ctx context.Context, sourceID, witNamespace, witPackage, linkName string) error {
	want := core.LinkKey{SourceID: sourceID, WitNamespace: witNamespace, WitPackage: witPackage, Name: linkName}
	matches, err := m.scan(ctx, func(l core.Link) bool { return l.Key() == want })
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	for _, l := range matches {
		if err := m.store.Delete(ctx, storageKey(l)); err != nil {
			return &core.TransportError{Op: "delete link", Err: err}
		}
		if m.providers != nil {
			if err := m.providers.OnLinkDelete(ctx, l); err != nil {
				return fmt.Errorf("notify providers of link delete: %w", err)
			}
		}
		if m.events != nil {
			_ = m.events.Publish(ctx, "linkdef_deleted", l)
		}
	}
	return nil
}

// GetLinksBySource linearly scans the bucket for links with the given
// source id.
func (m *Manager) GetLinksBySource(ctx context.Context, sourceID string) ([]core.Link, error) {
	return m.scan(ctx, func(l core.Link) bool { return l.SourceID == sourceID })
}

// GetLinksByTarget linearly scans the bucket for links targeting the given
// entity public key.
func (m *Manager) GetLinksByTarget(ctx context.Context, targetID string) ([]core.Link, error) {
	return m.scan(ctx, func(l core.Link) bool { return l.Target == targetID })
}

func (m *Manager) scan(ctx context.Context, match func(core.Link) bool) ([]core.Link, error) {
	keys, err := m.store.Keys(ctx, linkKeyPrefix)
	if err != nil {
		return nil, &core.TransportError{Op: "list links", Err: err}
	}
	var out []core.Link
	for _, key := range keys {
		if !strings.HasPrefix(key, linkKeyPrefix) {
			continue
		}
		raw, found, err := m.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var l core.Link
		if err := json.Unmarshal(raw, &l); err != nil {
			continue
		}
		if match(l) {
			out = append(out, l)
		}
	}
	return out, nil
}
