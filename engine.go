package wapc

import "context"

type (
	// Logger is the function to call from consoleLog inside a waPC module.
	Logger func(msg string)

	// HostCallHandler is a function invoked when a guest performs a host call.
	// hostID identifies which Host dispatched the call, letting callers
	// correlate activity across hosts.
	HostCallHandler func(ctx context.Context, hostID HostId, binding, namespace, operation string, payload []byte) ([]byte, error)

	// Engine represents an underlying WebAssembly runtime capable of compiling
	// waPC guest modules. Implementations must be safe for concurrent use by
	// multiple goroutines calling New independently; the Module and Instance
	// they produce are not required to be.
	Engine interface {
		// Name identifies the engine, e.g. "wazero", "wasmtime", "wasmer".
		Name() string

		// New compiles a Module from code. hostCallHandler is invoked whenever
		// the guest issues __host_call; it may be nil, in which case every
		// __host_call fails with the host error "Host callback not
		// registered".
		New(ctx context.Context, code []byte, hostCallHandler HostCallHandler) (Module, error)
	}

	// Module is a compiled waPC guest module, ready to be instantiated one or
	// more times. It owns engine-level resources (compiled code, store) shared
	// by every Instance it produces.
	Module interface {
		// SetLogger sets the waPC logger for __console_log calls.
		SetLogger(logger Logger)
		// SetWriter sets the writer used for WASI fd_write calls to standard out.
		SetWriter(writer Logger)
		// Instantiate creates a single instance of the module with its own memory.
		Instantiate(ctx context.Context) (Instance, error)
		// Close releases engine-level resources. Must be called after every
		// Instance produced by this Module has been closed.
		Close(ctx context.Context)
	}

	// Instance is a single instantiation of a Module with its own linear memory.
	// Not safe for concurrent Invoke calls; the Host Runtime is responsible for
	// serializing access.
	Instance interface {
		// MemorySize returns the size, in bytes, of the instance's linear memory.
		MemorySize(ctx context.Context) uint32
		// Invoke triggers the guest's __guest_call export for operation with
		// payload and returns the guest's response, or an error reflecting the
		// termination table in the waPC protocol (guest error, trap, or ABI
		// violation).
		Invoke(ctx context.Context, operation string, payload []byte) ([]byte, error)
		// Close releases instance-level resources.
		Close(ctx context.Context)
	}
)

// NoOpHostCallHandler is a no-op host call handler to use if your host does
// not need to support host calls.
func NoOpHostCallHandler(ctx context.Context, hostID HostId, binding, namespace, operation string, payload []byte) ([]byte, error) {
	return []byte{}, nil
}

// Println prints the supplied message to standard error, followed by a newline.
// It is a convenient default for Module.SetLogger.
func Println(message string) {
	println(message)
}

// Print prints the supplied message to standard error.
// It is a convenient default for Module.SetWriter.
func Print(message string) {
	print(message)
}
