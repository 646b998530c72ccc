package main

import (
	"fmt"

	wapc "github.com/wapc/wapc-guest-tinygo"
)

//go:wasmexport wapc_init
func Initialize() {
	// Register the hello function
	wapc.RegisterFunctions(wapc.Functions{
		"hello": Hello,
	})
}

// Hello will callback the host to capitalize the payload and return a greeting
// built from the result
func Hello(payload []byte) ([]byte, error) {
	fmt.Println("hello called")
	// Make a host call to capitalize the name.
	nameBytes, err := wapc.HostCall("", "example", "capitalize", payload)
	if err != nil {
		return nil, err
	}
	// Format the message.
	msg := "Hello, " + string(nameBytes)
	return []byte(msg), nil
}
