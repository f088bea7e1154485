package capability

import (
	"context"

	"github.com/lattice-run/wasmhost/internal/core"
)

// Logging mirrors wasi:logging/logging: a single structured log call at one
// of a fixed set of levels.
type Logging interface {
	Log(ctx context.Context, level, context_, message string) error
}

type logRequest struct {
	Level   string `json:"level"`
	Context string `json:"context"`
	Message string `json:"message"`
}

func (h *Handler) dispatchLogging(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if h.Logging == nil {
		return fail(errNoHandlerBound("wasi:logging/logging"))
	}
	switch operation {
	case "log":
		var req logRequest
		if err := decodeRequest(payload, &req); err != nil {
			return fail(err)
		}
		if err := h.Logging.Log(ctx, req.Level, req.Context, req.Message); err != nil {
			return fail(err)
		}
		return ok(nil)
	default:
		return fail(core.NewApplicationError(core.ErrKindNotFound, "unknown wasi:logging/logging operation %q", operation))
	}
}

// ComponentLogger is the builtin-local Logging variant: it routes a
// component's log calls straight into the host's own structured logger,
// tagged with the component's id so operators can filter per component.
type ComponentLogger struct {
	log         core.Logger
	componentID string
}

// NewComponentLogger binds a core.Logger to one component instance.
func NewComponentLogger(log core.Logger, componentID string) *ComponentLogger {
	return &ComponentLogger{log: log, componentID: componentID}
}

func (c *ComponentLogger) Log(_ context.Context, level, context_, message string) error {
	if c.log == nil {
		return nil
	}
	fields := []interface{}{"component_id", c.componentID, "context", context_}
	switch level {
	case "trace", "debug":
		c.log.Debug(message, fields...)
	case "warn":
		c.log.Warn(message, fields...)
	case "error", "critical":
		c.log.Error(message, fields...)
	default:
		c.log.Info(message, fields...)
	}
	return nil
}
