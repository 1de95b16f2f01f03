package main

import (
	"os"

	"github.com/ssdp-platform/trust/trust/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
