package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/llmgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "llmgate:", err)
		os.Exit(1)
	}
}
