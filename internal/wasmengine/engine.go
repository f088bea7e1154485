// Package wasmengine wraps wazero to compile and run WebAssembly components
// (spec §4.11), exposing a small guest/host call ABI: the guest exports a
// single entry point that receives (operation, payload) and returns a
// result buffer, and the host exposes a single import the guest uses to
// reach back into the capability dispatcher for any operation it does not
// implement itself.
package wasmengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/lattice-run/wasmhost/internal/core"
)

// HostCall is invoked when a guest component calls back into the host
// capability dispatcher (e.g. to emit a log line or perform an outbound
// link invocation during its own execution).
type HostCall func(ctx context.Context, namespace, operation string, payload []byte) ([]byte, error)

// Limits carries a single component's resource limits. Only a memory limit
// is defined, and Instantiate does not enforce it (see the note there).
type Limits struct {
	MemoryLimitBytes int64
}

// Engine compiles WebAssembly binaries and produces runnable Instances. A
// single Engine is shared by every component the host is running; compiled
// modules are cached by content digest so repeated scale-up of the same
// image reuses the compiled artifact.
type Engine struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	compiled map[string]wazero.CompiledModule
}

func NewEngine(ctx context.Context) (*Engine, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCoreFeatures(api.CoreFeaturesV2))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiate WASI preview1: %w", err)
	}
	return &Engine{runtime: rt, compiled: make(map[string]wazero.CompiledModule)}, nil
}

// Compile caches the compiled module under digest, skipping recompilation
// if it has already been compiled for an earlier scale-up of the same
// image.
func (e *Engine) Compile(ctx context.Context, digest string, wasmBytes []byte) (wazero.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cm, ok := e.compiled[digest]; ok {
		return cm, nil
	}
	cm, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, core.NewApplicationError(core.ErrKindOther, "compile module: %v", err)
	}
	e.compiled[digest] = cm
	return cm, nil
}

// Close releases every compiled module and the underlying runtime. Call
// once, at host shutdown.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Instance is a single running instantiation of a compiled component,
// bound to one component ID for the lifetime of the wazero module.
type Instance struct {
	componentID string
	module      api.Module
	memory      api.Memory
	guestCall   api.Function
	malloc      api.Function
	free        api.Function
}

// Instantiate creates a fresh module instance of cm for componentID. hostCall
// backs the "wasmcloud"/"host_call" import the guest uses to reach the
// capability dispatcher.
func (e *Engine) Instantiate(ctx context.Context, componentID string, cm wazero.CompiledModule, limits Limits, hostCall HostCall) (*Instance, error) {
	hostModule, err := e.runtime.NewHostModuleBuilder("wasmcloud").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, nsPtr, nsLen, opPtr, opLen, payloadPtr, payloadLen uint32) uint64 {
			return dispatchHostCall(ctx, m, hostCall, nsPtr, nsLen, opPtr, opLen, payloadPtr, payloadLen)
		}).
		Export("host_call").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module for %s: %w", componentID, err)
	}
	defer hostModule.Close(ctx)

	// wazero enforces memory limits via the module's own declared min/max
	// pages rather than a per-instantiation override, so limits.MemoryLimitBytes
	// is not applied here.
	modCfg := wazero.NewModuleConfig().WithName(componentID)

	mod, err := e.runtime.InstantiateModule(ctx, cm, modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module for %s: %w", componentID, err)
	}

	inst := &Instance{
		componentID: componentID,
		module:      mod,
		memory:      mod.Memory(),
		guestCall:   mod.ExportedFunction("guest_call"),
		malloc:      mod.ExportedFunction("malloc"),
		free:        mod.ExportedFunction("free"),
	}
	if inst.guestCall == nil {
		mod.Close(ctx)
		return nil, core.NewApplicationError(core.ErrKindOther, "component %s does not export guest_call", componentID)
	}
	return inst, nil
}

// Invoke calls the guest's entry point with operation and payload, returning
// whatever bytes the guest wrote back.
func (inst *Instance) Invoke(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	opPtr, opLen, err := inst.writeBytes(ctx, []byte(operation))
	if err != nil {
		return nil, err
	}
	defer inst.freeMem(ctx, opPtr)

	payloadPtr, payloadLen, err := inst.writeBytes(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer inst.freeMem(ctx, payloadPtr)

	results, err := inst.guestCall.Call(ctx, uint64(opPtr), uint64(opLen), uint64(payloadPtr), uint64(payloadLen))
	if err != nil {
		return nil, core.NewApplicationError(core.ErrKindOther, "guest_call trapped: %v", err)
	}
	if len(results) == 0 {
		return nil, core.NewApplicationError(core.ErrKindOther, "guest_call returned no result")
	}

	resultPtr, resultLen := unpackPtrLen(results[0])
	if resultLen == 0 {
		return nil, nil
	}
	out, ok := inst.memory.Read(resultPtr, resultLen)
	if !ok {
		return nil, core.NewApplicationError(core.ErrKindOther, "guest_call result out of bounds")
	}
	result := append([]byte(nil), out...)
	inst.freeMem(ctx, resultPtr)
	return result, nil
}

// Close tears down this instance, freeing its linear memory.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.module.Close(ctx)
}

func (inst *Instance) writeBytes(ctx context.Context, data []byte) (uint32, uint32, error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	if inst.malloc == nil {
		return 0, 0, core.NewApplicationError(core.ErrKindOther, "component %s does not export malloc", inst.componentID)
	}
	results, err := inst.malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, core.NewApplicationError(core.ErrKindOther, "malloc trapped: %v", err)
	}
	ptr := uint32(results[0])
	if !inst.memory.Write(ptr, data) {
		return 0, 0, core.NewApplicationError(core.ErrKindOther, "write to guest memory out of bounds")
	}
	return ptr, uint32(len(data)), nil
}

func (inst *Instance) freeMem(ctx context.Context, ptr uint32) {
	if ptr == 0 || inst.free == nil {
		return
	}
	_, _ = inst.free.Call(ctx, uint64(ptr))
}

// packPtrLen and unpackPtrLen encode a (ptr, len) pair into a single i64
// return value, the common wazero convention for returning a buffer from a
// single-result guest export.
func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpackPtrLen(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}

func dispatchHostCall(ctx context.Context, m api.Module, hostCall HostCall, nsPtr, nsLen, opPtr, opLen, payloadPtr, payloadLen uint32) uint64 {
	if hostCall == nil {
		return packPtrLen(0, 0)
	}
	mem := m.Memory()
	ns, _ := mem.Read(nsPtr, nsLen)
	op, _ := mem.Read(opPtr, opLen)
	payload, _ := mem.Read(payloadPtr, payloadLen)

	result, err := hostCall(ctx, string(ns), string(op), append([]byte(nil), payload...))
	if err != nil || len(result) == 0 {
		return packPtrLen(0, 0)
	}

	mallocFn := m.ExportedFunction("malloc")
	if mallocFn == nil {
		return packPtrLen(0, 0)
	}
	res, err := mallocFn.Call(ctx, uint64(len(result)))
	if err != nil {
		return packPtrLen(0, 0)
	}
	ptr := uint32(res[0])
	if !mem.Write(ptr, result) {
		return packPtrLen(0, 0)
	}
	return packPtrLen(ptr, uint32(len(result)))
}
