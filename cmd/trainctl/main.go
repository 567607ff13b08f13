package main

// ============================================================================
// trainctl entry point
// 1. Build the cobra command tree
// 2. Execute it and map errors to the exit code
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/shard-recovery/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
