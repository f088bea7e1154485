package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProducesUsableLogger(t *testing.T) {
	log := New(Config{Structured: true, Level: "debug"})
	assert.NotPanics(t, func() {
		log.Debug("starting", "lattice", "default")
		log.Info("ready")
		log.Warn("slow request", "duration_ms", 42)
		log.Error("request failed", "error", "boom")
	})
}

func TestFieldsFromPairsKeysAndValues(t *testing.T) {
	f := fieldsFrom([]interface{}{"a", 1, "b", "two"})
	assert.Equal(t, 1, f["a"])
	assert.Equal(t, "two", f["b"])
}

func TestFieldsFromIgnoresTrailingUnpairedField(t *testing.T) {
	f := fieldsFrom([]interface{}{"a", 1, "dangling"})
	assert.Len(t, f, 1)
}

func TestNewDefaultsToInfoOnInvalidLevel(t *testing.T) {
	log := New(Config{Level: "not-a-level"})
	assert.NotNil(t, log)
}
