package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/errdefs"
	"github.com/sandboxd/sandboxd/internal/pool"
	"github.com/sandboxd/sandboxd/internal/runtime"
	"github.com/sandboxd/sandboxd/internal/security"
	"github.com/sandboxd/sandboxd/internal/session"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("sandbox_execute",
		mcp.WithDescription("Execute a source snippet in an isolated container. Returns captured stdout/stderr, exit code, and duration."),
		mcp.WithString("language", mcp.Required(), mcp.Description("One of: python, typescript, javascript, go, rust, bash.")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run.")),
		mcp.WithString("session", mcp.Description("Run inside a named session instead of a pooled container.")),
		mcp.WithNumber("timeout", mcp.Description("Execution timeout in milliseconds. Defaults to 30000.")),
		mcp.WithBoolean("ml", mcp.Description("Use the ML Python runtime (python only).")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool("sandbox_session",
		mcp.WithDescription("Manage long-lived sandbox sessions: create, list, get, pause, resume, destroy, extend."),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of: create, list, get, pause, resume, destroy, extend.")),
		mcp.WithString("name", mcp.Description("Session name (create) or name/id (other actions).")),
		mcp.WithString("language", mcp.Description("Language for create.")),
		mcp.WithNumber("ttl", mcp.Description("TTL in seconds. Required for create and extend; extend is relative.")),
		mcp.WithBoolean("ml", mcp.Description("Use the ML Python image (create, python only).")),
		mcp.WithBoolean("gpu", mcp.Description("Request GPU pass-through (create).")),
	), s.handleSession)

	s.mcp.AddTool(mcp.NewTool("sandbox_install",
		mcp.WithDescription("Install packages into a session's container, answered from the image cache when the set was seen before."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session name or id.")),
		mcp.WithArray("packages", mcp.Required(), mcp.Description("Package specs to install."),
			mcp.Items(map[string]any{"type": "string"})),
	), s.handleInstall)

	s.mcp.AddTool(mcp.NewTool("sandbox_file_ops",
		mcp.WithDescription("Read, write, list, or delete files under /workspace in a session's container."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session name or id.")),
		mcp.WithString("operation", mcp.Required(), mcp.Description("One of: read, write, list, delete.")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path under /workspace.")),
		mcp.WithString("content", mcp.Description("File content for write.")),
	), s.handleFileOps)

	s.mcp.AddTool(mcp.NewTool("sandbox_inspect",
		mcp.WithDescription("Inspect operational stats for the pool, cache, sessions, audit log, or all."),
		mcp.WithString("target", mcp.Required(), mcp.Description("One of: pool, cache, sessions, audit, all.")),
	), s.handleInspect)

	s.mcp.AddTool(mcp.NewTool("sandbox_security",
		mcp.WithDescription("Query the security audit trail: recent events, violations only, or aggregate stats."),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of: events, violations, stats.")),
		mcp.WithNumber("count", mcp.Description("Number of events to return. Defaults to 20.")),
	), s.handleSecurity)
}

type executeOutput struct {
	Stdout   string             `json:"stdout"`
	Stderr   string             `json:"stderr"`
	ExitCode int                `json:"exitCode"`
	Duration int64              `json:"duration"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.limiter.Allow("execute"); err != nil {
		s.aud.Record(audit.Event{Type: audit.TypeRateLimited, Details: map[string]any{"operation": "execute"}})
		return errResult(err)
	}

	args := req.GetArguments()
	language, err := requireString(args, "language")
	if err != nil {
		return errResult(err)
	}
	code, err := requireString(args, "code")
	if err != nil {
		return errResult(err)
	}
	language = runtime.Normalize(language)
	ml := argBool(args, "ml")
	sessionRef := argString(args, "session")

	timeout := s.cfg.DefaultTimeout
	if ms := argFloat(args, "timeout"); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	rt, err := runtime.ForLanguage(language, ml)
	if err != nil {
		return errResult(err)
	}

	// The gate runs before any container is touched; blocked code never
	// reaches the engine.
	if err := security.ValidateCode(language, code); err != nil {
		s.aud.Record(audit.Event{
			Type:     audit.TypeExecuteBlocked,
			Language: language,
			Error:    err.Error(),
			Details:  map[string]any{"code_hash": codeHash(code)},
		})
		return errResult(err)
	}

	var containerID string
	var sess *session.Session
	var pooled *poolHandout

	if sessionRef != "" {
		sess = s.sessions.Get(sessionRef)
		if sess == nil {
			return errResult(fmt.Errorf("%w: session %q", errdefs.ErrNotFound, sessionRef))
		}
		containerID = sess.ContainerID
	} else {
		customImage := ""
		if ml {
			customImage = rt.Image
		}
		c, err := s.pool.Acquire(ctx, language, customImage)
		if err != nil {
			return errResult(err)
		}
		pooled = &poolHandout{c: c, custom: customImage != ""}
		containerID = c.ID
	}

	hash := codeHash(code)
	s.aud.Record(audit.Event{
		Type:        audit.TypeExecuteStart,
		Language:    language,
		ContainerID: containerID,
		SessionID:   sessionID(sess),
		Success:     true,
		Details:     map[string]any{"code_hash": hash},
	})

	res, execErr := rt.Execute(ctx, s.eng, code, runtime.ExecContext{
		ContainerID: containerID,
		Timeout:     timeout,
	})

	if pooled != nil {
		s.releaseHandout(pooled, execErr)
	}

	if execErr != nil {
		s.aud.Record(audit.Event{
			Type:        audit.TypeExecuteEnd,
			Severity:    severityForError(execErr),
			Language:    language,
			ContainerID: containerID,
			SessionID:   sessionID(sess),
			Success:     false,
			Error:       execErr.Error(),
			Details:     map[string]any{"code_hash": hash},
		})
		return errResult(execErr)
	}

	s.aud.Record(audit.Event{
		Type:        audit.TypeExecuteEnd,
		Language:    language,
		ContainerID: containerID,
		SessionID:   sessionID(sess),
		Success:     res.ExitCode == 0,
		DurationMs:  res.Duration.Milliseconds(),
		Details:     map[string]any{"code_hash": hash, "exit_code": res.ExitCode},
	})

	return jsonResult(executeOutput{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration.Milliseconds(),
		Metrics:  res.Metrics,
	})
}

type poolHandout struct {
	c      *pool.Container
	custom bool
}

// releaseHandout returns a pooled container or retires it. Custom-image
// containers never re-pool; transport failures retire the container
// since its state is unknown, and timeouts retire it because the timed-out
// process is still running inside.
func (s *Server) releaseHandout(h *poolHandout, execErr error) {
	if h.custom || isTransportError(execErr) || errors.Is(execErr, errdefs.ErrTimeout) {
		s.pool.Destroy(h.c)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	s.pool.Release(ctx, h.c)
}

func isTransportError(err error) bool {
	return err != nil && errors.Is(err, errdefs.ErrContainer)
}

func severityForError(err error) string {
	if errors.Is(err, errdefs.ErrTimeout) {
		return audit.SeverityError
	}
	if errors.Is(err, errdefs.ErrSecurity) {
		return audit.SeverityCritical
	}
	return audit.SeverityError
}

func sessionID(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

type sessionOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.limiter.Allow("session"); err != nil {
		return errResult(err)
	}

	args := req.GetArguments()
	action, err := requireString(args, "action")
	if err != nil {
		return errResult(err)
	}
	name := argString(args, "name")
	ttlSeconds := argFloat(args, "ttl")

	switch action {
	case "create":
		language, err := requireString(args, "language")
		if err != nil {
			return errResult(err)
		}
		if name == "" {
			return errResult(errdefs.Validationf("name is required for create"))
		}
		if ttlSeconds <= 0 {
			return errResult(errdefs.Validationf("ttl is required for create"))
		}
		sess, err := s.sessions.Create(ctx, name, session.CreateConfig{
			Language: language,
			ML:       argBool(args, "ml"),
			GPU:      argBool(args, "gpu"),
			TTL:      time.Duration(ttlSeconds) * time.Second,
		})
		if err != nil {
			return errResult(err)
		}
		return jsonResult(sessionOutput{Success: true, Message: "session created", Data: sess})

	case "list":
		return jsonResult(sessionOutput{Success: true, Message: "sessions", Data: s.sessions.List()})

	case "get":
		if name == "" {
			return errResult(errdefs.Validationf("name is required for get"))
		}
		sess := s.sessions.Get(name)
		if sess == nil {
			return jsonResult(sessionOutput{Success: false, Message: "session not found"})
		}
		return jsonResult(sessionOutput{Success: true, Message: "session", Data: sess})

	case "pause":
		if err := s.sessions.Pause(ctx, name); err != nil {
			return errResult(err)
		}
		return jsonResult(sessionOutput{Success: true, Message: "session paused"})

	case "resume":
		if err := s.sessions.Resume(ctx, name); err != nil {
			return errResult(err)
		}
		return jsonResult(sessionOutput{Success: true, Message: "session resumed"})

	case "destroy":
		if err := s.sessions.Destroy(ctx, name); err != nil {
			return errResult(err)
		}
		return jsonResult(sessionOutput{Success: true, Message: "session destroyed"})

	case "extend":
		if ttlSeconds <= 0 {
			return errResult(errdefs.Validationf("ttl is required for extend"))
		}
		if err := s.sessions.Extend(name, time.Duration(ttlSeconds)*time.Second); err != nil {
			return errResult(err)
		}
		return jsonResult(sessionOutput{Success: true, Message: "session extended"})

	default:
		return errResult(errdefs.Validationf("unknown action: %s", action))
	}
}

type installOutput struct {
	Success           bool     `json:"success"`
	Cached            bool     `json:"cached"`
	Duration          int64    `json:"duration"`
	InstalledPackages []string `json:"installedPackages"`
	Errors            []string `json:"errors,omitempty"`
}

func (s *Server) handleInstall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.limiter.Allow("install"); err != nil {
		return errResult(err)
	}

	args := req.GetArguments()
	sessionRef, err := requireString(args, "session")
	if err != nil {
		return errResult(err)
	}
	packages := argStringSlice(args, "packages")
	if len(packages) == 0 {
		return errResult(errdefs.Validationf("packages is required"))
	}

	sess := s.sessions.Get(sessionRef)
	if sess == nil {
		return errResult(fmt.Errorf("%w: session %q", errdefs.ErrNotFound, sessionRef))
	}

	rt, err := runtime.ForLanguage(sess.Language, sess.ML)
	if err != nil {
		return errResult(err)
	}

	s.aud.Record(audit.Event{
		Type:      audit.TypeInstallStart,
		Language:  sess.Language,
		SessionID: sess.ID,
		Success:   true,
		Details:   map[string]any{"packages": strings.Join(packages, ",")},
	})

	res, err := s.cache.Install(ctx, rt, sess.ContainerID, packages)
	if err != nil {
		eventType := audit.TypeInstallEnd
		if errors.Is(err, errdefs.ErrSecurity) {
			eventType = audit.TypeInstallBlocked
		}
		s.aud.Record(audit.Event{
			Type:      eventType,
			Language:  sess.Language,
			SessionID: sess.ID,
			Success:   false,
			Error:     err.Error(),
		})
		return errResult(err)
	}

	if res.Success {
		s.sessions.AddPackages(sessionRef, packages)
	}
	s.aud.Record(audit.Event{
		Type:       audit.TypeInstallEnd,
		Language:   sess.Language,
		SessionID:  sess.ID,
		Success:    res.Success,
		DurationMs: res.Duration.Milliseconds(),
		Details:    map[string]any{"cached": res.Cached},
	})

	return jsonResult(installOutput{
		Success:           res.Success,
		Cached:            res.Cached,
		Duration:          res.Duration.Milliseconds(),
		InstalledPackages: res.InstalledPackages,
		Errors:            res.Errors,
	})
}

func (s *Server) handleFileOps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.limiter.Allow("file_ops"); err != nil {
		return errResult(err)
	}

	args := req.GetArguments()
	sessionRef, err := requireString(args, "session")
	if err != nil {
		return errResult(err)
	}
	operation, err := requireString(args, "operation")
	if err != nil {
		return errResult(err)
	}
	rawPath, err := requireString(args, "path")
	if err != nil {
		return errResult(err)
	}

	sess := s.sessions.Get(sessionRef)
	if sess == nil {
		return errResult(fmt.Errorf("%w: session %q", errdefs.ErrNotFound, sessionRef))
	}

	record := func(success bool, errMsg string) {
		s.aud.Record(audit.Event{
			Type:        audit.TypeFileOp,
			Language:    sess.Language,
			SessionID:   sess.ID,
			ContainerID: sess.ContainerID,
			Success:     success,
			Error:       errMsg,
			Details:     map[string]any{"operation": operation, "path": rawPath},
		})
	}

	auditSecurity := func(err error) {
		s.aud.Record(audit.Event{
			Type:      audit.TypeSecurityViolation,
			Language:  sess.Language,
			SessionID: sess.ID,
			Error:     err.Error(),
			Details:   map[string]any{"operation": operation, "path": rawPath},
		})
	}

	switch operation {
	case "read":
		path, err := security.SanitizePath(rawPath)
		if err != nil {
			auditSecurity(err)
			return errResult(err)
		}
		data, err := s.eng.GetFile(ctx, sess.ContainerID, path)
		if err != nil {
			record(false, err.Error())
			return errResult(err)
		}
		record(true, "")
		return jsonResult(map[string]any{"success": true, "path": path, "content": string(data)})

	case "write":
		path, err := security.SanitizeWritePath(rawPath)
		if err != nil {
			auditSecurity(err)
			return errResult(err)
		}
		content := argString(args, "content")
		if err := s.eng.PutFile(ctx, sess.ContainerID, path, []byte(content)); err != nil {
			record(false, err.Error())
			return errResult(err)
		}
		record(true, "")
		return jsonResult(map[string]any{"success": true, "path": path, "bytes": len(content)})

	case "list":
		path, err := security.SanitizePath(rawPath)
		if err != nil {
			auditSecurity(err)
			return errResult(err)
		}
		entries, err := s.eng.ListFiles(ctx, sess.ContainerID, path)
		if err != nil {
			record(false, err.Error())
			return errResult(err)
		}
		record(true, "")
		return jsonResult(map[string]any{"success": true, "path": path, "files": entries})

	case "delete":
		path, err := security.SanitizeDeletePath(rawPath)
		if err != nil {
			auditSecurity(err)
			return errResult(err)
		}
		if err := s.eng.DeleteFile(ctx, sess.ContainerID, path); err != nil {
			record(false, err.Error())
			return errResult(err)
		}
		record(true, "")
		return jsonResult(map[string]any{"success": true, "path": path})

	default:
		return errResult(errdefs.Validationf("unknown operation: %s", operation))
	}
}

func (s *Server) handleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	target, err := requireString(args, "target")
	if err != nil {
		return errResult(err)
	}

	switch target {
	case "pool":
		return jsonResult(map[string]any{"pool": s.pool.Stats()})
	case "cache":
		return jsonResult(map[string]any{"cache": s.cache.Stats(ctx)})
	case "sessions":
		return jsonResult(map[string]any{"sessions": s.sessions.Stats()})
	case "audit":
		return jsonResult(map[string]any{"audit": s.aud.Stats()})
	case "all":
		return jsonResult(map[string]any{
			"pool":     s.pool.Stats(),
			"cache":    s.cache.Stats(ctx),
			"sessions": s.sessions.Stats(),
			"audit":    s.aud.Stats(),
		})
	default:
		return errResult(errdefs.Validationf("unknown target: %s", target))
	}
}

func (s *Server) handleSecurity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	action, err := requireString(args, "action")
	if err != nil {
		return errResult(err)
	}
	count := int(argFloat(args, "count"))
	if count <= 0 {
		count = 20
	}

	switch action {
	case "events":
		return jsonResult(map[string]any{"events": s.aud.SecurityEvents(count)})
	case "violations":
		return jsonResult(map[string]any{"events": s.aud.Recent(count, audit.Filter{Type: audit.TypeSecurityViolation})})
	case "stats":
		return jsonResult(map[string]any{"stats": s.aud.Stats()})
	default:
		return errResult(errdefs.Validationf("unknown action: %s", action))
	}
}
