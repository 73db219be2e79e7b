// Package main is the entry point for the sandboxd server.
//
// Sandboxd executes untrusted, multi-language code snippets inside
// hardened containers on the local Docker-compatible engine, exposed to
// AI agents over a stdio MCP tool surface.
//
// Usage:
//
//	sandboxd serve [flags]
//
// Flags:
//
//	--admin-addr string   Optional HTTP admin listen address
//	--api-key string      API key for the admin surface
//	-v, --verbose         Enable debug logging
package main

import "github.com/sandboxd/sandboxd/internal/cli"

func main() {
	cli.Execute()
}
