package wazero

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tetratelabs/wazero/wasi"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/wasm"

	wapc "github.com/waporg/wapc-runtime"
)

// functionInit is the name of the nullary function that initializes waPC.
const functionInit = "wapc_init"

// functionGuestCall is a callback required to be exported. Below is its signature in WebAssembly 1.0 (MVP) Text Format:
//	(func $__guest_call (param $operation_len i32) (param $payload_len i32) (result (;errno;) i32))
const functionGuestCall = "__guest_call"

type (
	runtime struct{}

	// Module represents a compiled waPC module.
	Module struct {
		// wasiStdout is used for the WASI function "fd_write", when fd==1 (STDOUT).
		//
		// Note: wapc.Logger is adapted to io.Writer with stdout.
		wasiStdout wapc.Logger

		// wapcHostConsoleLogger is used by wapcHost.consoleLog
		wapcHostConsoleLogger wapc.Logger

		// wapcHostCallHandler is the value of wapcHost.callHandler
		wapcHostCallHandler wapc.HostCallHandler

		runtime wazero.Runtime
		module  *wazero.Module

		instanceCounter uint64

		wasi, assemblyScript, wapc wasm.Module
		sysConfig                  *wazero.SysConfig

		closed bool
	}

	Instance struct {
		name      string
		m         wasm.Module
		guestCall wasm.Function
		closed    bool
	}
)

// Ensure the runtime conforms to the waPC interface.
var _ = (wapc.Module)((*Module)(nil))
var _ = (wapc.Instance)((*Instance)(nil))

var runtimeInstance = runtime{}

func Engine() wapc.Engine {
	return &runtimeInstance
}

func (e *runtime) Name() string {
	return "wazero"
}

type stdout struct {
	// m acts as a field pointer to Module.wasiStdout.
	m *Module
}

// Write implements io.Writer by invoking the Module.wasiStdout or discarding if nil.
func (s *stdout) Write(p []byte) (int, error) {
	w := s.m.wasiStdout
	if w == nil {
		return io.Discard.Write(p)
	}
	w(string(p))
	return len(p), nil
}

// New compiles a `Module` from `code`.
func (e *runtime) New(ctx context.Context, code []byte, hostCallHandler wapc.HostCallHandler) (mod wapc.Module, err error) {
	r := wazero.NewRuntime()
	m := &Module{runtime: r, wapcHostCallHandler: hostCallHandler}
	// redirect Stdout to the logger
	m.sysConfig = wazero.NewSysConfig().WithStdout(&stdout{m})
	mod = m

	if m.wasi, err = r.InstantiateModule(wazero.WASISnapshotPreview1()); err != nil {
		mod.Close(ctx)
		return
	}

	if m.assemblyScript, err = instantiateAssemblyScript(r); err != nil {
		mod.Close(ctx)
		return
	}

	if m.wapc, err = instantiateWapcHost(r, m.wapcHostCallHandler, m); err != nil {
		mod.Close(ctx)
		return
	}

	if m.module, err = r.CompileModule(code); err != nil {
		mod.Close(ctx)
		return
	}
	return
}

// SetLogger implements the same method as documented on wapc.Module.
func (m *Module) SetLogger(logger wapc.Logger) {
	m.wapcHostConsoleLogger = logger
}

// SetWriter implements the same method as documented on wapc.Module.
func (m *Module) SetWriter(writer wapc.Logger) {
	m.wasiStdout = writer
}

// assemblyScript includes "Special imports" only used In AssemblyScript when a user didn't add `import "wasi"` to their
// entry file.
//
// See https://www.assemblyscript.org/concepts.html#special-imports
type assemblyScript struct{}

// instantiateAssemblyScript instantiates a assemblyScript and returns it and its corresponding module, or an error.
func instantiateAssemblyScript(r wazero.Runtime) (wasm.Module, error) {
	a := &assemblyScript{}
	// Only define the legacy "env" "abort" import as it is the only import supported by other engines.
	return r.NewModuleBuilder("env").ExportFunction("abort", a.envAbort).Instantiate()
}

// envAbort is called on unrecoverable errors. This is typically present in Wasm compiled from AssemblyScript, if
// assertions are enabled or errors are thrown.
//
// The implementation only performs the `proc_exit(255)` part of the default implementation, as the logging is both
// complicated (because lengths aren't provided in the signature), and should go to STDERR, which isn't defined yet in
// waPC. Moreover, all other engines stub this function (no-op, not even exit!).
func (a *assemblyScript) envAbort(m wasm.Module, messageOffset, fileNameOffset, line, col uint32) {
	// emulate WASI proc_exit(255)
	_ = m.Close()
	panic(wasi.ExitCode(255))
}

// wapcHost implements all required waPC host function exports.
//
// See https://wapc.io/docs/spec/#required-host-exports
type wapcHost struct {
	// callHandler implements hostCall, which returns false (0) when nil.
	callHandler wapc.HostCallHandler

	// m acts as a field pointer to Module.wapcHostConsoleLogger.
	m *Module
}

// instantiateWapcHost instantiates a wapcHost and returns it and its corresponding module, or an error.
// * r: used to instantiate the waPC host module
// * callHandler: used to implement hostCall
// * m: field pointer to the logger used by consoleLog
func instantiateWapcHost(r wazero.Runtime, callHandler wapc.HostCallHandler, m *Module) (wasm.Module, error) {
	h := &wapcHost{callHandler: callHandler, m: m}
	// Export host functions (in the order defined in https://wapc.io/docs/spec/#required-host-exports)
	return r.NewModuleBuilder("wapc").
		ExportFunction("__host_call", h.hostCall).
		ExportFunction("__console_log", h.consoleLog).
		ExportFunction("__guest_request", h.guestRequest).
		ExportFunction("__host_response", h.hostResponse).
		ExportFunction("__host_response_len", h.hostResponseLen).
		ExportFunction("__guest_response", h.guestResponse).
		ExportFunction("__guest_error", h.guestError).
		ExportFunction("__host_error", h.hostError).
		ExportFunction("__host_error_len", h.hostErrorLen).
		Instantiate()
}

// hostCall is the WebAssembly function export "__host_call", which initiates a host using the callHandler using
// parameters read from linear memory (wasm.Memory).
func (w *wapcHost) hostCall(m wasm.Module, bindPtr, bindLen, nsPtr, nsLen, cmdPtr, cmdLen, payloadPtr, payloadLen uint32) int32 {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return 0 // false: no call context, nothing to report through
	}

	mem := m.Memory()
	binding := requireReadString(mem, "binding", bindPtr, bindLen)
	namespace := requireReadString(mem, "namespace", nsPtr, nsLen)
	operation := requireReadString(mem, "operation", cmdPtr, cmdLen)
	payload := requireRead(mem, "payload", payloadPtr, payloadLen)

	if w.callHandler == nil {
		cc.SetHostError(errors.New("Host callback not registered"))
		return 0
	}

	resp, err := w.callHandler(m.Context(), wapc.HostIDFromContext(m.Context()), binding, namespace, operation, payload)
	if err != nil {
		cc.SetHostError(&wapc.HostCallbackError{Binding: binding, Namespace: namespace, Operation: operation, Cause: err})
		return 0
	}

	cc.SetHostResponse(resp)
	return 1
}

// consoleLog is the WebAssembly function export "__console_log", which logs the message stored by the guest at the
// given offset (ptr) and length (len) in linear memory (wasm.Memory).
func (w *wapcHost) consoleLog(m wasm.Module, ptr, len uint32) {
	if log := w.m.wapcHostConsoleLogger; log != nil {
		raw := requireRead(m.Memory(), "msg", ptr, len)
		log(wapc.ConsoleLogMessage(raw))
	}
}

// guestRequest is the WebAssembly function export "__guest_request", which writes the call context's operation and
// request payload to the given offsets (opPtr, ptr) in linear memory (wasm.Memory).
func (w *wapcHost) guestRequest(m wasm.Module, opPtr, ptr uint32) {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return // no call context
	}

	mem := m.Memory()
	if op := cc.Op; op != "" {
		mem.Write(opPtr, []byte(op))
	}
	if req := cc.Request; req != nil {
		mem.Write(ptr, req)
	}
}

// hostResponse is the WebAssembly function export "__host_response", which writes the call context's host response to
// the given offset (ptr) in linear memory (wasm.Memory).
func (w *wapcHost) hostResponse(m wasm.Module, ptr uint32) {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return // no call context
	}
	if resp := cc.GetHostResponse(); resp != nil {
		m.Memory().Write(ptr, resp)
	}
}

// hostResponseLen is the WebAssembly function export "__host_response_len", which returns the length of the current
// host response.
func (w *wapcHost) hostResponseLen(m wasm.Module) uint32 {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return 0 // no call context
	}
	return uint32(cc.HostResponseLen())
}

// guestResponse is the WebAssembly function export "__guest_response", which records the guest's response read from
// the given offset (ptr) and length (len) in linear memory (wasm.Memory).
func (w *wapcHost) guestResponse(m wasm.Module, ptr, len uint32) {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return // no call context
	}
	cc.SetGuestResponse(requireRead(m.Memory(), "guestResp", ptr, len))
}

// guestError is the WebAssembly function export "__guest_error", which records the guest's error message read from
// the given offset (ptr) and length (len) in linear memory (wasm.Memory).
func (w *wapcHost) guestError(m wasm.Module, ptr, len uint32) {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return // no call context
	}
	cc.SetGuestError(requireReadString(m.Memory(), "guestErr", ptr, len))
}

// hostError is the WebAssembly function export "__host_error", which writes the call context's host error to the
// given offset (ptr) in linear memory (wasm.Memory).
func (w *wapcHost) hostError(m wasm.Module, ptr uint32) {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return // no call context
	}
	if errStr := cc.GetHostError(); errStr != "" {
		m.Memory().Write(ptr, []byte(errStr))
	}
}

// hostErrorLen is the WebAssembly function export "__host_error_len", which returns the length of the current host
// error.
func (w *wapcHost) hostErrorLen(m wasm.Module) uint32 {
	cc := wapc.CallContextFrom(m.Context())
	if cc == nil {
		return 0 // no call context
	}
	return uint32(cc.HostErrorLen())
}

// Instantiate implements the same method as documented on wapc.Module.
func (m *Module) Instantiate(ctx context.Context) (wapc.Instance, error) {
	if m.closed {
		return nil, errors.New("cannot Instantiate when a module is closed")
	}

	moduleName := fmt.Sprintf("%d", atomic.AddUint64(&m.instanceCounter, 1))

	module, err := wazero.StartWASICommandWithConfig(m.runtime, m.module.WithName(moduleName), m.sysConfig)
	if err != nil {
		return nil, err
	}

	instance := Instance{name: moduleName, m: module}

	if instance.guestCall = module.ExportedFunction(functionGuestCall); instance.guestCall == nil {
		_ = module.Close()
		return nil, &wapc.InvalidModuleError{Reason: fmt.Sprintf("module %s didn't export function %s", moduleName, functionGuestCall)}
	}

	if init := module.ExportedFunction(functionInit); init == nil {
		// functionInit is optional
	} else if _, err = init.Call(module); err != nil {
		_ = module.Close()
		return nil, fmt.Errorf("module[%s] function[%s] failed: %w", moduleName, functionInit, err)
	}

	return &instance, nil
}

// MemorySize implements the same method as documented on wapc.Instance.
func (i *Instance) MemorySize(context.Context) uint32 {
	return i.m.Memory().Size()
}

// Invoke implements the same method as documented on wapc.Instance.
func (i *Instance) Invoke(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	// Make sure instance isn't closed
	if i.closed {
		return nil, errors.New("error invoking guest with closed instance")
	}

	cc := &wapc.CallContext{}
	cc.SetRequest(ctx, wapc.HostIDFromContext(ctx), operation, payload)
	ctx = wapc.WithCallContext(ctx, cc)

	results, err := i.guestCall.Call(i.m.WithContext(ctx), uint64(len(operation)), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("error invoking guest: %w", err)
	}

	result := results[0]
	if result != 0 { // guestResp is set if the guest called "__guest_response".
		return cc.TakeGuestResponse(), nil
	}

	if msg, ok := cc.TakeGuestError(); ok {
		return nil, &wapc.GuestError{Operation: operation, Message: msg}
	}

	return nil, &wapc.GuestError{Operation: operation, Message: "No error message"}
}

// Close implements the same method as documented on wapc.Instance.
func (i *Instance) Close(context.Context) {
	i.closed = true
	_ = i.m.Close()
}

// Close implements the same method as documented on wapc.Module.
func (m *Module) Close(context.Context) {
	m.closed = true

	if wapcMod := m.wapc; wapcMod != nil {
		_ = wapcMod.Close()
		m.wapc = nil
	}

	if env := m.assemblyScript; env != nil {
		_ = env.Close()
		m.assemblyScript = nil
	}

	if wasiMod := m.wasi; wasiMod != nil {
		_ = wasiMod.Close()
		m.wasi = nil
	}

	m.module = nil
	m.runtime = nil
}

// requireReadString is a convenience function that casts requireRead
func requireReadString(mem wasm.Memory, fieldName string, offset, byteCount uint32) string {
	return string(requireRead(mem, fieldName, offset, byteCount))
}

// requireRead is like wasm.Memory except that it panics if the offset and byteCount are out of range.
func requireRead(mem wasm.Memory, fieldName string, offset, byteCount uint32) []byte {
	buf, ok := mem.Read(offset, byteCount)
	if !ok {
		panic(fmt.Errorf("out of range reading %s", fieldName))
	}
	return buf
}
