// Package event implements spec §4.12: best-effort CloudEvents v1.0
// publication of host lifecycle events on the lattice event topic.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/lattice-run/wasmhost/internal/broker"
	"github.com/lattice-run/wasmhost/internal/core"
)

// Fixed event names, per spec §6.
const (
	ComponentScaled      = "component_scaled"
	ComponentScaleFailed = "component_scale_failed"
	ProviderStarted      = "provider_started"
	ProviderStartFailed  = "provider_start_failed"
	ProviderStopped      = "provider_stopped"
	ProviderHealthCheck  = "provider_health_check"
	LinkdefSet           = "linkdef_set"
	LinkdefSetFailed     = "linkdef_set_failed"
	LinkdefDeleted       = "linkdef_deleted"
	ConfigSet            = "config_set"
	ConfigDeleted        = "config_deleted"
	LabelsChanged        = "labels_changed"
	HostStarted          = "host_started"
	HostStopped          = "host_stopped"
)

const eventTypePrefix = "com.wasmcloud.lattice."

// Publisher constructs and publishes CloudEvents onto
// wasmbus.evt.<lattice>.<name>. Publication is best-effort: a
// too-large payload logs a warning rather than failing the caller.
type Publisher struct {
	bus     broker.Broker
	lattice string
	source  string
	log     core.Logger
}

func NewPublisher(bus broker.Broker, lattice, source string, log core.Logger) *Publisher {
	return &Publisher{bus: bus, lattice: lattice, source: source, log: log}
}

// Publish builds a CloudEvent with type "com.wasmcloud.lattice.<name>",
// serializes it, and publishes it on wasmbus.evt.<lattice>.<name>. It never
// returns an error for a broker-level failure to the extent the original
// host treats events as best-effort, but returns one if the event itself
// cannot be constructed or serialized, since that indicates a caller bug.
func (p *Publisher) Publish(ctx context.Context, name string, data interface{}) error {
	ev := cloudevents.NewEvent()
	ev.SetID(uuid.NewString())
	ev.SetType(eventTypePrefix + name)
	ev.SetSource(p.source)
	if err := ev.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return &core.ConfigError{Op: fmt.Sprintf("build event %s", name), Err: err}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return &core.ConfigError{Op: fmt.Sprintf("serialize event %s", name), Err: err}
	}

	if max := p.bus.MaxPayload(); max > 0 && len(body) > max {
		if p.log != nil {
			p.log.Warn("event payload too large to publish and may fail", "event", name, "size", len(body), "max_size", max, "lattice", p.lattice)
		}
	}

	subject := fmt.Sprintf("wasmbus.evt.%s.%s", p.lattice, name)
	if err := p.bus.Publish(ctx, subject, body); err != nil {
		if p.log != nil {
			p.log.Warn("failed to publish event", "event", name, "error", err)
		}
		return nil
	}
	return nil
}
