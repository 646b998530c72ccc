package main

import (
	"fmt"
	wapc "github.com/wapc/wapc-guest-tinygo"
)

func main() {
	// Register echo, fail and hello functions
	wapc.RegisterFunctions(wapc.Functions{
		"echo":  echo,
		"nope":  fail,
		"hello": hello,
	})
}

// hello returns the payload prefixed with "Hello, "
func hello(payload []byte) ([]byte, error) {
	return []byte("Hello, " + string(payload)), nil
}

// echo will callback the host and return the payload
func echo(payload []byte) ([]byte, error) {
	// Callback with Payload
	wapc.HostCall("wapc", "testing", "echo", payload)
	return payload, nil
}

// fail will return an error when called
func fail(payload []byte) ([]byte, error) {
	return []byte(""), fmt.Errorf("Planned Failure")
}
