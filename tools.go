//go:build tools

package main

// Pinned development tooling, versioned through go.mod.
import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
)
