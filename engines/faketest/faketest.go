// Package faketest is an in-process wapc.Engine with no cgo or WebAssembly
// runtime underneath it, used to exercise Host and HostPool semantics (busy
// rejection, hot swap, elasticity) without paying for a real guest module.
package faketest

import (
	"context"
	"errors"
	"sync"

	wapc "github.com/waporg/wapc-runtime"
)

// GuestFunc is one operation a fake guest module exposes.
type GuestFunc func(ctx context.Context, call wapc.HostCallHandler, payload []byte) ([]byte, error)

// Echo returns payload unchanged.
func Echo(ctx context.Context, call wapc.HostCallHandler, payload []byte) ([]byte, error) {
	return payload, nil
}

// Ping invokes the Host Callback with binding and namespace "test" and
// operation "pong", and returns whatever it responds with.
func Ping(ctx context.Context, call wapc.HostCallHandler, payload []byte) ([]byte, error) {
	return call(ctx, wapc.HostIDFromContext(ctx), "test", "test", "pong", payload)
}

// Boom always fails as a guest-authored error (as if the guest called
// __guest_error), never a Go error.
func Boom(ctx context.Context, call wapc.HostCallHandler, payload []byte) ([]byte, error) {
	return nil, &wapc.GuestError{Operation: "boom", Message: "boom"}
}

// PingReemit invokes the Host Callback and, if it fails, reads the failure
// the way a real guest reads __host_error and re-emits it through
// __guest_error rather than letting the engine surface a raw Go error.
func PingReemit(ctx context.Context, call wapc.HostCallHandler, payload []byte) ([]byte, error) {
	resp, err := call(ctx, wapc.HostIDFromContext(ctx), "test", "test", "pong", payload)
	if err != nil {
		return nil, &wapc.GuestError{Operation: "ping", Message: err.Error()}
	}
	return resp, nil
}

// Guest is a table of operations a fake module exports, keyed by operation
// name. Operations not present fail with "operation not found".
type Guest map[string]GuestFunc

// DefaultGuest exercises all four standard behaviors under their
// conventional names.
func DefaultGuest() Guest {
	return Guest{
		"echo":        Echo,
		"ping":        Ping,
		"boom":        Boom,
		"ping_reemit": PingReemit,
	}
}

type engine struct {
	guest  Guest
	byCode map[string]Guest
}

// Engine returns a wapc.Engine whose every Module/Instance runs guest ops
// via the given Guest table, regardless of the code bytes passed to New.
func Engine(guest Guest) wapc.Engine {
	return &engine{guest: guest}
}

// EngineFromCodeMap returns a wapc.Engine that selects a Guest table by the
// exact code bytes passed to New (as a string key), so a single Engine can
// stand in for multiple distinct "compiled modules" — used to exercise hot
// swap, where replace_module must observe a different export set.
func EngineFromCodeMap(byCode map[string]Guest) wapc.Engine {
	return &engine{byCode: byCode}
}

func (e *engine) Name() string {
	return "faketest"
}

func (e *engine) New(ctx context.Context, code []byte, hostCallHandler wapc.HostCallHandler) (wapc.Module, error) {
	if len(code) == 0 {
		return nil, errors.New("empty module bytes")
	}
	if string(code) == "invalid" {
		return nil, errors.New("invalid module bytes")
	}

	guest := e.guest
	if e.byCode != nil {
		g, ok := e.byCode[string(code)]
		if !ok {
			return nil, errors.New("unknown module bytes")
		}
		guest = g
	}

	return &module{guest: guest, hostCallHandler: hostCallHandler}, nil
}

type module struct {
	guest           Guest
	hostCallHandler wapc.HostCallHandler
	logger          wapc.Logger
	writer          wapc.Logger

	mu     sync.Mutex
	closed bool
}

func (m *module) SetLogger(logger wapc.Logger) { m.logger = logger }
func (m *module) SetWriter(writer wapc.Logger) { m.writer = writer }

func (m *module) Instantiate(ctx context.Context) (wapc.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("cannot Instantiate when a module is closed")
	}
	return &instance{m: m}, nil
}

func (m *module) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

type instance struct {
	m      *module
	mu     sync.Mutex
	closed bool
	memory uint32
}

func (i *instance) MemorySize(ctx context.Context) uint32 {
	return 65536
}

func (i *instance) Invoke(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return nil, errors.New("error invoking guest with closed instance")
	}

	fn, ok := i.m.guest[operation]
	if !ok {
		return nil, &wapc.GuestError{Operation: operation, Message: "operation not found"}
	}

	handler := i.m.hostCallHandler
	if handler == nil {
		handler = func(context.Context, wapc.HostId, string, string, string, []byte) ([]byte, error) {
			return nil, errors.New("Host callback not registered")
		}
	}

	return fn(ctx, handler, payload)
}

func (i *instance) Close(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
}
