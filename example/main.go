package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	wapc "github.com/waporg/wapc-runtime"
)

type Settings struct {
	ModulePath   string
	ReplacePath  string
	WaPCFunction string
	Message      string
}

func cli() Settings {
	var modulePath, replacePath, wapcFunction string

	flag.StringVar(&modulePath, "m", "", "Path to the Wasm module to be loaded")
	flag.StringVar(&replacePath, "r", "", "Path to a Wasm module to hot-swap in before invoking")
	flag.StringVar(&wapcFunction, "f", "echo", "Name of the waPC function to invoke")

	flag.Parse()
	if modulePath == "" {
		os.Stderr.WriteString("Must provide path to the Wasm module to load")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		os.Stderr.WriteString("Must provide payload message for waPC function")
		flag.PrintDefaults()
		os.Exit(1)
	}
	msg := flag.Arg(0)

	return Settings{
		ModulePath:   modulePath,
		ReplacePath:  replacePath,
		Message:      msg,
		WaPCFunction: wapcFunction,
	}
}

func main() {
	settings := cli()

	ctx := context.Background()
	code, err := os.ReadFile(settings.ModulePath)
	if err != nil {
		panic(err)
	}

	host, err := wapc.NewHost(ctx, wapc.HostConfig{
		Engine:          getEngine(),
		Code:            code,
		HostCallHandler: hostCall,
		Logger:          wapc.Println,
		Writer:          wapc.Print,
	})
	if err != nil {
		panic(err)
	}
	defer host.Close(ctx)

	if settings.ReplacePath != "" {
		replacement, err := os.ReadFile(settings.ReplacePath)
		if err != nil {
			panic(err)
		}
		if err := host.ReplaceModule(ctx, replacement); err != nil {
			panic(err)
		}
	}

	result, err := host.Call(ctx, settings.WaPCFunction, []byte(settings.Message))
	if err != nil {
		panic(err)
	}

	fmt.Println(string(result))
}

func hostCall(_ context.Context, hostID wapc.HostId, binding, namespace, operation string, payload []byte) ([]byte, error) {
	log.Println("host callback")
	log.Printf("host id: %d\n", hostID)
	log.Printf("binding: %s\n", binding)
	log.Printf("namespace: %s\n", namespace)
	log.Printf("operation: %s\n", operation)
	log.Printf("payload: %s\n", string(payload))
	// Route the payload to any custom functionality accordingly.
	// You can even route to other waPC modules!!!
	switch namespace {
	case "example":
		switch operation {
		case "capitalize":
			name := string(payload)
			name = strings.Title(name)
			return []byte(name), nil
		}
	case "testing":
		switch operation {
		case "echo":
			return []byte(fmt.Sprintf("echo: %s", payload)), nil // echo
		}
	}
	return []byte("default"), nil
}
