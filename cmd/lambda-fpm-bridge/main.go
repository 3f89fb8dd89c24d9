// Package main provides the lambda-fpm-bridge bootstrap entry point.
//
// lambda-fpm-bridge is installed as the bootstrap of a custom runtime. It
// serves the http and console runtimes; function runtimes link the
// lambdabridge package into their own binary instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	lambdabridge "github.com/randomizedcoder/go-lambda-fpm-bridge"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/config"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/lambda-fpm-bridge
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-version", "--version", "version":
			fmt.Printf("lambda-fpm-bridge %s\n", version)
			return 0
		case "-print-config", "--print-config":
			return printConfig()
		}
	}

	lambdabridge.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return lambdabridge.Run(ctx)
}

// printConfig writes the configuration resolved from the environment.
func printConfig() int {
	cfg, err := config.FromEnvironment()
	if err == nil {
		err = config.Validate(cfg)
	}
	out, encErr := jsoncodec.MarshalIndent(cfg, "", "  ")
	if encErr != nil {
		fmt.Fprintf(os.Stderr, "Error encoding configuration: %v\n", encErr)
		return 1
	}
	fmt.Println(string(out))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	return 0
}
