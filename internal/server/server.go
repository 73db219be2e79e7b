// Package server wires the sandbox components behind the MCP stdio tool
// surface. The Server value holds explicit collaborator handles; nothing
// here is a process-wide singleton.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/cache"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/errdefs"
	"github.com/sandboxd/sandboxd/internal/pool"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/session"
)

// Version is stamped via ldflags at build time.
var Version = "dev"

// Server owns the tool handlers and their collaborators.
type Server struct {
	cfg      config.Config
	eng      engine.Engine
	aud      *audit.Logger
	pool     *pool.Pool
	cache    *cache.Cache
	sessions *session.Store
	limiter  *ratelimit.Limiter

	mcp *mcpserver.MCPServer
}

// New assembles the server and registers the tool surface.
func New(cfg config.Config, eng engine.Engine, aud *audit.Logger, p *pool.Pool, c *cache.Cache, sessions *session.Store, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		cfg:      cfg,
		eng:      eng,
		aud:      aud,
		pool:     p,
		cache:    c,
		sessions: sessions,
		limiter:  limiter,
	}

	s.mcp = mcpserver.NewMCPServer(
		"sandboxd",
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until ctx ends or the
// stream closes. Logging goes to stderr; stdout belongs to the protocol.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// jsonResult marshals a payload into a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// errorPayload is the structured error body returned to the agent.
type errorPayload struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// errResult translates a taxonomy error into a structured error result.
// The error is encoded in the result, not the transport: MCP callers
// expect tool failures in-band.
func errResult(err error) (*mcp.CallToolResult, error) {
	p := errorPayload{
		Type:    errdefs.Category(err),
		Message: err.Error(),
	}
	var rle *errdefs.RateLimitError
	if errors.As(err, &rle) {
		p.RetryAfterMs = rle.RetryAfter.Milliseconds()
	}
	body, marshalErr := json.Marshal(map[string]any{"error": p})
	if marshalErr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultError(string(body)), nil
}

// codeHash fingerprints a snippet for audit correlation.
func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])[:12]
}

// args helpers over the raw argument map.

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func argStringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func requireString(args map[string]any, key string) (string, error) {
	v := argString(args, key)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", errdefs.ErrValidation, key)
	}
	return v, nil
}
