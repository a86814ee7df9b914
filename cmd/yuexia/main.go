// Command yuexia runs the companion orchestrator and its worker processes.
//
// Usage:
//
//	yuexia [run] [--config config.yaml] [--verbose]
//	yuexia worker <face|perception|action> [--config config.yaml]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
