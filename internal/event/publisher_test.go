package event

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/wasmhost/internal/broker"
)

func TestPublishEmitsCloudEventOnExpectedSubject(t *testing.T) {
	mb := broker.NewMemoryBroker()
	sub, err := mb.Subscribe(context.Background(), "wasmbus.evt.default.component_scaled", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p := NewPublisher(mb, "default", "wasmhost", nil)
	require.NoError(t, p.Publish(context.Background(), ComponentScaled, map[string]interface{}{"component_id": "hello", "max_instances": 3}))

	select {
	case msg := <-sub.Messages():
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		assert.Equal(t, "com.wasmcloud.lattice.component_scaled", decoded["type"])
		assert.NotEmpty(t, decoded["id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishWarnsButDoesNotErrorOnOversizedPayload(t *testing.T) {
	mb := broker.NewMemoryBroker()
	// The payload exceeds MemoryBroker's 1 MiB MaxPayload; Publish warns
	// (the logger is nil here, so the warning is not captured) and still
	// returns no error.
	p := NewPublisher(mb, "default", "wasmhost", nil)
	err := p.Publish(context.Background(), HostStarted, map[string]string{"host_id": "Nabc", "blob": strings.Repeat("x", 2*1024*1024)})
	require.NoError(t, err)
}
