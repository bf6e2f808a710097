// Package main is the entry point for the scrapeguard server.
package main

import (
	"fmt"
	"os"

	"github.com/fcaptcha/scrapeguard/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
