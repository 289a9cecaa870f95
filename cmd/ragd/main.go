// Package main provides the entry point for the ragd service CLI.
package main

import (
	"os"

	"github.com/DanielDeBrem/RAG-ai3-chunk-embed-sub000/cmd/ragd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
