package wapc

import (
	"context"
	"fmt"
	"sync"
)

// HostConfig configures a single Host.
type HostConfig struct {
	// Engine is the WebAssembly engine that compiles and runs guest code.
	Engine Engine
	// Code is the initial guest module's bytes.
	Code []byte
	// HostCallHandler services __host_call issued by the guest. May be nil,
	// in which case every __host_call fails with "Host callback not
	// registered".
	HostCallHandler HostCallHandler
	// MaxPayloadSize, if non-zero, bounds the size in bytes of a request
	// payload passed to Call. Requests larger than this fail fast with
	// InvalidPayloadError rather than being handed to the engine. Zero means
	// unbounded.
	MaxPayloadSize int
	// Logger, if set, receives the guest's __console_log output.
	Logger Logger
	// Writer, if set, receives WASI fd_write output to standard out.
	Writer Logger
}

// Host is the ownership root for one engine instance, its Call Context, its
// HostId, and an optional Host Callback. A Host is exclusively owned by
// whatever goroutine (or Worker, inside a HostPool) drives it; at most one
// Call may be in progress on a Host at a time.
type Host struct {
	id HostId

	engine          Engine
	hostCallHandler HostCallHandler
	maxPayloadSize  int
	logger          Logger
	writer          Logger

	mu       sync.Mutex
	module   Module
	instance Instance
}

// NewHost compiles and instantiates cfg.Code with cfg.Engine, returning a
// ready-to-call Host with a freshly issued HostId.
func NewHost(ctx context.Context, cfg HostConfig) (*Host, error) {
	if cfg.Engine == nil {
		return nil, &InitFailedError{Engine: "unknown", Cause: fmt.Errorf("no engine configured")}
	}

	handler := cfg.HostCallHandler

	module, instance, err := buildInstance(ctx, cfg.Engine, cfg.Code, handler, cfg.Logger, cfg.Writer)
	if err != nil {
		return nil, err
	}

	h := &Host{
		id:              nextHostID(),
		engine:          cfg.Engine,
		hostCallHandler: handler,
		maxPayloadSize:  cfg.MaxPayloadSize,
		logger:          cfg.Logger,
		writer:          cfg.Writer,
		module:          module,
		instance:        instance,
	}
	internalLogger.Debug().Uint64("host_id", uint64(h.id)).Str("engine", cfg.Engine.Name()).Msg("host created")
	return h, nil
}

func buildInstance(ctx context.Context, engine Engine, code []byte, handler HostCallHandler, logger, writer Logger) (Module, Instance, error) {
	module, err := engine.New(ctx, code, handler)
	if err != nil {
		return nil, nil, &InitFailedError{Engine: engine.Name(), Cause: err}
	}

	if logger != nil {
		module.SetLogger(logger)
	}
	if writer != nil {
		module.SetWriter(writer)
	}

	instance, err := module.Instantiate(ctx)
	if err != nil {
		module.Close(ctx)
		return nil, nil, &InitFailedError{Engine: engine.Name(), Cause: err}
	}

	return module, instance, nil
}

// ID returns the Host's process-wide unique identifier.
func (h *Host) ID() HostId {
	return h.id
}

// Call executes one waPC RPC exchange: it acquires the Host's call mutex
// (failing ErrBusy if already held), invokes the guest's op with payload,
// services any nested host-callbacks the guest issues along the way, and
// returns the guest's response, or the matching error for a guest error,
// trap, or ABI violation.
func (h *Host) Call(ctx context.Context, op string, payload []byte) ([]byte, error) {
	if h.maxPayloadSize > 0 && len(payload) > h.maxPayloadSize {
		return nil, &InvalidPayloadError{Size: len(payload), Max: h.maxPayloadSize}
	}

	if !h.mu.TryLock() {
		return nil, ErrBusy
	}
	defer h.mu.Unlock()

	return h.callLocked(ctx, op, payload)
}

// callLocked performs the actual invoke+termination-table logic. Callers must
// hold h.mu.
func (h *Host) callLocked(ctx context.Context, op string, payload []byte) ([]byte, error) {
	ctx = WithHostID(ctx, h.id)
	response, err := h.instance.Invoke(ctx, op, payload)
	if err != nil {
		// Engines report both guest-set errors and raw engine traps through
		// the same Invoke error return; GuestError is reserved for the
		// former (status 0, guest_error populated), everything else is a
		// GuestCallFailure.
		if ge, ok := asGuestError(op, err); ok {
			return nil, ge
		}
		return nil, &GuestCallFailureError{Operation: op, Cause: err}
	}
	return response, nil
}

// asGuestError recognizes an error produced by an Engine's Invoke
// implementation as carrying a guest-authored message (written via
// __guest_error) versus an engine/ABI failure. Only an error that is itself
// a *GuestError is recognized, and it is passed through unchanged; wrapped
// errors and any other error type are treated as engine failures.
func asGuestError(op string, err error) (*GuestError, bool) {
	if ge, ok := err.(*GuestError); ok {
		return ge, true
	}
	return nil, false
}

// ReplaceModule hot-swaps the Host's guest module with code while preserving
// the Host's identity and Host Callback. It takes the call mutex without
// waiting: it fails with ErrBusy if a call is in progress, and a Call issued
// while the replace holds the mutex fails with ErrBusy. It builds the new
// module the same way NewHost does, reporting any failure (including code
// that does not compile) as InvalidModuleError, and only then closes the old
// module/instance; on failure the old module stays in place.
func (h *Host) ReplaceModule(ctx context.Context, code []byte) error {
	if !h.mu.TryLock() {
		return ErrBusy
	}
	defer h.mu.Unlock()

	newModule, newInstance, err := buildInstance(ctx, h.engine, code, h.hostCallHandler, h.logger, h.writer)
	if err != nil {
		return &InvalidModuleError{Reason: err.Error()}
	}

	oldModule, oldInstance := h.module, h.instance
	h.module, h.instance = newModule, newInstance

	oldInstance.Close(ctx)
	oldModule.Close(ctx)

	internalLogger.Debug().Uint64("host_id", uint64(h.id)).Msg("host module replaced")
	return nil
}

// Close releases the Host's engine resources. The Host must not be called
// again afterward.
func (h *Host) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.instance != nil {
		h.instance.Close(ctx)
	}
	if h.module != nil {
		h.module.Close(ctx)
	}
	internalLogger.Debug().Uint64("host_id", uint64(h.id)).Msg("host closed")
}
