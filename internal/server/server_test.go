package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/cache"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/engine/enginetest"
	"github.com/sandboxd/sandboxd/internal/pool"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/session"
)

type testEnv struct {
	fake *enginetest.Fake
	aud  *audit.Logger
	srv  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := enginetest.New()
	fake.ExecHook = func(id string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		if argv[0] == "sh" {
			// Cleaner reports an empty workspace.
			return &engine.ExecResult{Stdout: "0\n"}, nil
		}
		return &engine.ExecResult{Duration: time.Millisecond}, nil
	}

	aud := audit.New("", 200)
	p := pool.New(fake, aud, pool.Config{MaxActive: 10})
	c := cache.New(fake, cache.Config{})
	sessions := session.New(fake, aud, session.Config{JanitorInterval: time.Hour})
	limiter := ratelimit.New(ratelimit.Config{Limit: 100, Window: time.Minute})
	t.Cleanup(func() {
		sessions.Shutdown(context.Background())
		limiter.Stop()
	})

	cfg := config.Load()
	srv := New(cfg, fake, aud, p, c, sessions, limiter)
	return &testEnv{fake: fake, aud: aud, srv: srv}
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func decodeText(t *testing.T, res *mcp.CallToolResult, v any) {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(tc.Text), v))
}

func TestExecuteHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.fake.ExecHook = func(id string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		if argv[0] == "python3" {
			return &engine.ExecResult{Stdout: "4\n", Duration: 12 * time.Millisecond}, nil
		}
		return &engine.ExecResult{Stdout: "0\n"}, nil
	}

	res, err := env.srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "python",
		"code":     "print(2+2)",
		"timeout":  float64(5000),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out executeOutput
	decodeText(t, res, &out)
	assert.Equal(t, "4\n", out.Stdout)
	assert.Equal(t, "", out.Stderr)
	assert.Equal(t, 0, out.ExitCode)
	assert.GreaterOrEqual(t, out.Duration, int64(0))

	starts := env.aud.Recent(10, audit.Filter{Type: audit.TypeExecuteStart})
	ends := env.aud.Recent(10, audit.Filter{Type: audit.TypeExecuteEnd})
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)
	assert.True(t, ends[0].Success)
	assert.Equal(t, starts[0].ContainerID, ends[0].ContainerID)
	assert.Equal(t, starts[0].Details["code_hash"], ends[0].Details["code_hash"])
}

func TestExecuteBlockedImport(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "python",
		"code":     "import os\nprint(os.listdir('/'))",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// No container was created or executed.
	assert.Equal(t, 0, env.fake.CreateCalls)
	assert.Equal(t, 0, env.fake.ExecCalls)

	blocked := env.aud.Recent(10, audit.Filter{Type: audit.TypeExecuteBlocked})
	require.Len(t, blocked, 1)
	assert.Equal(t, audit.SeverityWarn, blocked[0].Severity)
}

func TestExecuteReleasesPooledContainer(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "python",
		"code":     "print(1)",
	}))
	require.NoError(t, err)

	// The container went back to the idle set after the cleaner ran.
	assert.Equal(t, 1, env.srv.pool.Stats().Total)
}

func TestExecuteInSession(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.srv.sessions.Create(context.Background(), "work", session.CreateConfig{Language: "python"})
	require.NoError(t, err)

	res, err := env.srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "python",
		"code":     "print(1)",
		"session":  "work",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	// Session containers are never pooled.
	assert.Equal(t, 0, env.srv.pool.Stats().Total)

	ends := env.aud.Recent(10, audit.Filter{Type: audit.TypeExecuteEnd})
	require.Len(t, ends, 1)
	assert.Equal(t, sess.ID, ends[0].SessionID)
}

func TestExecuteUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "python",
		"code":     "print(1)",
		"session":  "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSessionLifecycleActions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.srv.handleSession(ctx, callReq("sandbox_session", map[string]any{
		"action":   "create",
		"name":     "s1",
		"language": "python",
		"ttl":      float64(3600),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out sessionOutput
	decodeText(t, res, &out)
	assert.True(t, out.Success)

	// Create without ttl is rejected.
	res, err = env.srv.handleSession(ctx, callReq("sandbox_session", map[string]any{
		"action":   "create",
		"name":     "s2",
		"language": "python",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	for _, action := range []string{"pause", "resume", "destroy"} {
		res, err = env.srv.handleSession(ctx, callReq("sandbox_session", map[string]any{
			"action": action,
			"name":   "s1",
		}))
		require.NoError(t, err)
		require.False(t, res.IsError, action)
	}

	res, err = env.srv.handleSession(ctx, callReq("sandbox_session", map[string]any{
		"action": "get",
		"name":   "s1",
	}))
	require.NoError(t, err)
	decodeText(t, res, &out)
	assert.False(t, out.Success)
}

func TestInstallCacheMissThenHit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.srv.sessions.Create(ctx, "w1", session.CreateConfig{Language: "python"})
	require.NoError(t, err)
	_, err = env.srv.sessions.Create(ctx, "w2", session.CreateConfig{Language: "python"})
	require.NoError(t, err)

	res, err := env.srv.handleInstall(ctx, callReq("sandbox_install", map[string]any{
		"session":  "w1",
		"packages": []any{"requests"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out installOutput
	decodeText(t, res, &out)
	assert.True(t, out.Success)
	assert.False(t, out.Cached)

	res, err = env.srv.handleInstall(ctx, callReq("sandbox_install", map[string]any{
		"session":  "w2",
		"packages": []any{"requests"},
	}))
	require.NoError(t, err)
	decodeText(t, res, &out)
	assert.True(t, out.Success)
	assert.True(t, out.Cached)

	// Session metadata remembers the install.
	sess := env.srv.sessions.Get("w1")
	assert.Contains(t, sess.InstalledPackages, "requests")
}

func TestFileOpsRoundTripAndSanitize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.srv.sessions.Create(ctx, "files", session.CreateConfig{Language: "python"})
	require.NoError(t, err)

	res, err := env.srv.handleFileOps(ctx, callReq("sandbox_file_ops", map[string]any{
		"session":   "files",
		"operation": "write",
		"path":      "out.txt",
		"content":   "hello",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = env.srv.handleFileOps(ctx, callReq("sandbox_file_ops", map[string]any{
		"session":   "files",
		"operation": "read",
		"path":      "out.txt",
	}))
	require.NoError(t, err)
	var out map[string]any
	decodeText(t, res, &out)
	assert.Equal(t, "hello", out["content"])

	// Traversal is rejected before the engine sees the path, and the
	// violation is audited.
	res, err = env.srv.handleFileOps(ctx, callReq("sandbox_file_ops", map[string]any{
		"session":   "files",
		"operation": "read",
		"path":      "../../etc/passwd",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	violations := env.aud.Recent(10, audit.Filter{Type: audit.TypeSecurityViolation})
	require.Len(t, violations, 1)
}

func TestInspectAll(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.srv.handleInspect(context.Background(), callReq("sandbox_inspect", map[string]any{
		"target": "all",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out map[string]any
	decodeText(t, res, &out)
	assert.Contains(t, out, "pool")
	assert.Contains(t, out, "cache")
	assert.Contains(t, out, "sessions")
	assert.Contains(t, out, "audit")
}

func TestSecurityEventsView(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "bash",
		"code":     "rm -rf /",
	}))
	require.NoError(t, err)

	res, err := env.srv.handleSecurity(context.Background(), callReq("sandbox_security", map[string]any{
		"action": "events",
	}))
	require.NoError(t, err)
	var out struct {
		Events []audit.Event `json:"events"`
	}
	decodeText(t, res, &out)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, audit.TypeExecuteBlocked, out.Events[0].Type)
}

func TestRateLimitDenial(t *testing.T) {
	fake := enginetest.New()
	aud := audit.New("", 100)
	p := pool.New(fake, aud, pool.Config{MaxActive: 5})
	c := cache.New(fake, cache.Config{})
	sessions := session.New(fake, aud, session.Config{JanitorInterval: time.Hour})
	limiter := ratelimit.New(ratelimit.Config{Limit: 1, Window: time.Minute})
	t.Cleanup(func() {
		sessions.Shutdown(context.Background())
		limiter.Stop()
	})
	srv := New(config.Load(), fake, aud, p, c, sessions, limiter)

	fake.ExecHook = func(id string, argv []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		return &engine.ExecResult{Stdout: "0\n"}, nil
	}

	first, err := srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "python", "code": "print(1)",
	}))
	require.NoError(t, err)
	require.False(t, first.IsError)

	second, err := srv.handleExecute(context.Background(), callReq("sandbox_execute", map[string]any{
		"language": "python", "code": "print(1)",
	}))
	require.NoError(t, err)
	require.True(t, second.IsError)

	tc, ok := mcp.AsTextContent(second.Content[0])
	require.True(t, ok)
	var payload struct {
		Error errorPayload `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &payload))
	assert.Equal(t, "rate_limit_error", payload.Error.Type)
	assert.GreaterOrEqual(t, payload.Error.RetryAfterMs, int64(0))
}
