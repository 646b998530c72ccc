//go:build (((amd64 || arm64) && !windows) || (amd64 && windows)) && cgo && !wasmer

// Package wasmtime adapts github.com/bytecodealliance/wasmtime-go into the
// wapc.Engine contract, using a cgo-backed Wasmtime store per Module.
package wasmtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bytecodealliance/wasmtime-go"

	wapc "github.com/waporg/wapc-runtime"
)

type (
	engine struct{}

	// Module represents a compiled waPC module.
	Module struct {
		logger wapc.Logger // Logger to use for waPC's __console_log
		writer wapc.Logger // Logger to use for WASI fd_write (where fd == 1 for standard out)

		hostCallHandler wapc.HostCallHandler

		engine *wasmtime.Engine
		store  *wasmtime.Store
		module *wasmtime.Module

		// closed is atomically updated to ensure Close is only invoked once.
		closed uint32
	}

	// Instance is a single instantiation of a module with its own memory.
	Instance struct {
		m         *Module
		guestCall *wasmtime.Func

		inst *wasmtime.Instance
		mem  *wasmtime.Memory

		cc *wapc.CallContext

		// waPC functions
		guestRequest    *wasmtime.Func
		guestResponse   *wasmtime.Func
		guestError      *wasmtime.Func
		hostCall        *wasmtime.Func
		hostResponseLen *wasmtime.Func
		hostResponse    *wasmtime.Func
		hostErrorLen    *wasmtime.Func
		hostError       *wasmtime.Func
		consoleLog      *wasmtime.Func

		// AssemblyScript functions
		abort *wasmtime.Func

		// closed is atomically updated to ensure Close is only invoked once.
		closed uint32
	}
)

// Ensure the engine conforms to the waPC interface.
var _ = (wapc.Module)((*Module)(nil))
var _ = (wapc.Instance)((*Instance)(nil))

var engineInstance = engine{}

// Engine returns the wasmtime-backed wapc.Engine.
func Engine() wapc.Engine {
	return &engineInstance
}

func (e *engine) Name() string {
	return "wasmtime"
}

func (e *engine) doNew(eng *wasmtime.Engine, code []byte, hostCallHandler wapc.HostCallHandler) (wapc.Module, error) {
	store := wasmtime.NewStore(eng)

	wasiConfig := wasmtime.NewWasiConfig()
	store.SetWasi(wasiConfig)

	module, err := wasmtime.NewModule(eng, code)
	if err != nil {
		return nil, err
	}

	return &Module{
		engine:          eng,
		store:           store,
		module:          module,
		hostCallHandler: hostCallHandler,
	}, nil
}

// New compiles a Module from code.
func (e *engine) New(ctx context.Context, code []byte, hostCallHandler wapc.HostCallHandler) (wapc.Module, error) {
	eng := wasmtime.NewEngine()
	return e.doNew(eng, code, hostCallHandler)
}

// SetLogger sets the waPC logger for __console_log calls.
func (m *Module) SetLogger(logger wapc.Logger) {
	m.logger = logger
}

// SetWriter sets the writer for WASI fd_write calls to standard out.
func (m *Module) SetWriter(writer wapc.Logger) {
	m.writer = writer
}

// Instantiate creates a single instance of the module with its own memory.
func (m *Module) Instantiate(ctx context.Context) (wapc.Instance, error) {
	if closed := atomic.LoadUint32(&m.closed); closed != 0 {
		return nil, errors.New("cannot Instantiate when a module is closed")
	}

	instance := Instance{
		m:  m,
		cc: &wapc.CallContext{},
	}

	linker := wasmtime.NewLinker(m.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, err
	}

	for name, fn := range instance.envRuntime() {
		if err := linker.Define("env", name, fn); err != nil {
			return nil, fmt.Errorf("cannot define function env.%s: %w", name, err)
		}
	}

	for name, fn := range instance.wapcRuntime() {
		if err := linker.Define("wapc", name, fn); err != nil {
			return nil, fmt.Errorf("cannot define function wapc.%s: %w", name, err)
		}
	}

	inst, err := linker.Instantiate(m.store, m.module)
	if err != nil {
		return nil, err
	}
	instance.inst = inst

	instance.mem = inst.GetExport(m.store, "memory").Memory()

	instance.guestCall = inst.GetFunc(m.store, "__guest_call")
	if instance.guestCall == nil {
		return nil, &wapc.InvalidModuleError{Reason: "module does not export '__guest_call'"}
	}

	// Initialize the instance if it exposes a `_start` or `wapc_init` function.
	initFunctions := []string{"_start", "wapc_init"}
	for _, initFunction := range initFunctions {
		if initFn := inst.GetFunc(m.store, initFunction); initFn != nil {
			if _, err := initFn.Call(m.store); err != nil {
				return nil, fmt.Errorf("could not initialize instance: %w", err)
			}
		}
	}

	return &instance, nil
}

func (i *Instance) envRuntime() map[string]*wasmtime.Func {
	params := []*wasmtime.ValType{
		wasmtime.NewValType(wasmtime.KindI32),
		wasmtime.NewValType(wasmtime.KindI32),
		wasmtime.NewValType(wasmtime.KindI32),
		wasmtime.NewValType(wasmtime.KindI32),
	}
	results := []*wasmtime.ValType{}

	i.abort = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType(params, results),
		func(caller *wasmtime.Caller, params []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return []wasmtime.Val{}, nil
		},
	)

	return map[string]*wasmtime.Func{
		"abort": i.abort,
	}
}

func (i *Instance) wapcRuntime() map[string]*wasmtime.Func {
	i.guestRequest = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType(
			[]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32)},
			[]*wasmtime.ValType{},
		),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			operationPtr := args[0].I32()
			payloadPtr := args[1].I32()
			data := i.mem.UnsafeData(i.m.store)
			copy(data[operationPtr:], i.cc.Op)
			copy(data[payloadPtr:], i.cc.Request)
			return []wasmtime.Val{}, nil
		},
	)

	i.guestResponse = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType(
			[]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32)},
			[]*wasmtime.ValType{},
		),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			ptr := args[0].I32()
			length := args[1].I32()
			data := i.mem.UnsafeData(i.m.store)
			buf := make([]byte, length)
			copy(buf, data[ptr:ptr+length])
			i.cc.SetGuestResponse(buf)
			return []wasmtime.Val{}, nil
		},
	)

	i.guestError = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType(
			[]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32)},
			[]*wasmtime.ValType{},
		),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			ptr := args[0].I32()
			length := args[1].I32()
			data := i.mem.UnsafeData(i.m.store)
			cp := make([]byte, length)
			copy(cp, data[ptr:ptr+length])
			i.cc.SetGuestError(string(cp))
			return []wasmtime.Val{}, nil
		},
	)

	i.hostCall = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType(
			[]*wasmtime.ValType{
				wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32),
				wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32),
				wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32),
				wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32),
			},
			[]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32)},
		),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			bindingPtr := args[0].I32()
			bindingLen := args[1].I32()
			namespacePtr := args[2].I32()
			namespaceLen := args[3].I32()
			operationPtr := args[4].I32()
			operationLen := args[5].I32()
			payloadPtr := args[6].I32()
			payloadLen := args[7].I32()

			if i.m.hostCallHandler == nil {
				i.cc.SetHostError(errors.New("Host callback not registered"))
				return []wasmtime.Val{wasmtime.ValI32(0)}, nil
			}

			data := i.mem.UnsafeData(i.m.store)
			binding := string(data[bindingPtr : bindingPtr+bindingLen])
			namespace := string(data[namespacePtr : namespacePtr+namespaceLen])
			operation := string(data[operationPtr : operationPtr+operationLen])
			payload := make([]byte, payloadLen)
			copy(payload, data[payloadPtr:payloadPtr+payloadLen])

			resp, err := i.m.hostCallHandler(i.cc.Ctx, i.cc.HostID, binding, namespace, operation, payload)
			if err != nil {
				i.cc.SetHostError(&wapc.HostCallbackError{Binding: binding, Namespace: namespace, Operation: operation, Cause: err})
				return []wasmtime.Val{wasmtime.ValI32(0)}, nil
			}

			i.cc.SetHostResponse(resp)
			return []wasmtime.Val{wasmtime.ValI32(1)}, nil
		},
	)

	i.hostResponseLen = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType([]*wasmtime.ValType{}, []*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32)}),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return []wasmtime.Val{wasmtime.ValI32(int32(i.cc.HostResponseLen()))}, nil
		},
	)

	i.hostResponse = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType([]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32)}, []*wasmtime.ValType{}),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			if resp := i.cc.GetHostResponse(); resp != nil {
				ptr := args[0].I32()
				data := i.mem.UnsafeData(i.m.store)
				copy(data[ptr:], resp)
			}
			return []wasmtime.Val{}, nil
		},
	)

	i.hostErrorLen = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType([]*wasmtime.ValType{}, []*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32)}),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			return []wasmtime.Val{wasmtime.ValI32(int32(i.cc.HostErrorLen()))}, nil
		},
	)

	i.hostError = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType([]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32)}, []*wasmtime.ValType{}),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			if errStr := i.cc.GetHostError(); errStr != "" {
				ptr := args[0].I32()
				data := i.mem.UnsafeData(i.m.store)
				copy(data[ptr:], errStr)
			}
			return []wasmtime.Val{}, nil
		},
	)

	i.consoleLog = wasmtime.NewFunc(
		i.m.store,
		wasmtime.NewFuncType(
			[]*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32)},
			[]*wasmtime.ValType{},
		),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			if i.m.logger != nil {
				data := i.mem.UnsafeData(i.m.store)
				ptr := args[0].I32()
				length := args[1].I32()
				i.m.logger(wapc.ConsoleLogMessage(data[ptr : ptr+length]))
			}
			return []wasmtime.Val{}, nil
		},
	)

	return map[string]*wasmtime.Func{
		"__guest_request":     i.guestRequest,
		"__guest_response":    i.guestResponse,
		"__guest_error":       i.guestError,
		"__host_call":         i.hostCall,
		"__host_response_len": i.hostResponseLen,
		"__host_response":     i.hostResponse,
		"__host_error_len":    i.hostErrorLen,
		"__host_error":        i.hostError,
		"__console_log":       i.consoleLog,
	}
}

// MemorySize returns the memory length of the underlying instance.
func (i *Instance) MemorySize(context.Context) uint32 {
	return uint32(i.mem.DataSize(i.m.store))
}

// Invoke calls operation with payload on the module and returns its response.
func (i *Instance) Invoke(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if closed := atomic.LoadUint32(&i.closed); closed != 0 {
		return nil, errors.New("error invoking guest with closed instance")
	}

	i.cc.SetRequest(ctx, wapc.HostIDFromContext(ctx), operation, payload)

	successValue, err := i.guestCall.Call(i.m.store, len(operation), len(payload))
	if err != nil {
		return nil, fmt.Errorf("error invoking guest: %w", err)
	}

	successI32, _ := successValue.(int32)
	if successI32 != 0 {
		return i.cc.TakeGuestResponse(), nil
	}

	if msg, ok := i.cc.TakeGuestError(); ok {
		return nil, &wapc.GuestError{Operation: operation, Message: msg}
	}

	return nil, &wapc.GuestError{Operation: operation, Message: "No error message"}
}

// Close closes the single instance. This should be called before calling
// Close on the Module itself.
func (i *Instance) Close(context.Context) {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return
	}

	// Explicitly release references on wasmtime types, so they can be GC'ed.
	i.inst = nil
	i.mem = nil
	i.cc = nil
	i.guestRequest = nil
	i.guestResponse = nil
	i.guestError = nil
	i.hostCall = nil
	i.hostResponseLen = nil
	i.hostResponse = nil
	i.hostErrorLen = nil
	i.hostError = nil
	i.consoleLog = nil
	i.abort = nil
}

// Close closes the module. This should be called after calling Close on any
// instances that were created.
func (m *Module) Close(context.Context) {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return
	}

	m.module = nil
	if store := m.store; store != nil {
		store.GC()
		m.store = nil
	}
	m.engine = nil
}
