//go:build !wasmtime && wasmer
// +build !wasmtime,wasmer

package main

import (
	wapc "github.com/waporg/wapc-runtime"
	"github.com/waporg/wapc-runtime/engines/wasmer"
)

func getEngine() wapc.Engine {
	return wasmer.Engine()
}
