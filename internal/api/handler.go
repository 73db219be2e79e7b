// Package api is the optional HTTP admin surface: read-only operational
// stats, audit queries, and an interactive websocket attach to a
// session's container. It is not an ingress for executions; the MCP
// stdio surface owns those.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/cache"
	"github.com/sandboxd/sandboxd/internal/engine"
	"github.com/sandboxd/sandboxd/internal/pool"
	"github.com/sandboxd/sandboxd/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // CLI connecting directly
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "https://localhost")
	},
}

// Handler serves the admin endpoints.
type Handler struct {
	eng      engine.Engine
	aud      *audit.Logger
	pool     *pool.Pool
	cache    *cache.Cache
	sessions *session.Store
	apiKey   string
}

func NewHandler(eng engine.Engine, aud *audit.Logger, p *pool.Pool, c *cache.Cache, sessions *session.Store, apiKey string) *Handler {
	return &Handler{
		eng:      eng,
		aud:      aud,
		pool:     p,
		cache:    c,
		sessions: sessions,
		apiKey:   apiKey,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")

	if h.apiKey != "" {
		v1.Use(h.authMiddleware)
	}

	v1.GET("/health", h.health)
	v1.GET("/stats", h.stats)
	v1.GET("/audit", h.auditEvents)
	v1.GET("/audit/security", h.auditSecurity)
	v1.GET("/sessions", h.listSessions)
	v1.GET("/sessions/:id/attach", h.attachSession)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-Sandboxd-API-Key")
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if key != h.apiKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
		}
		return next(c)
	}
}

func (h *Handler) health(c echo.Context) error {
	if err := h.eng.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "engine unreachable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"pool":     h.pool.Stats(),
		"cache":    h.cache.Stats(c.Request().Context()),
		"sessions": h.sessions.Stats(),
		"audit":    h.aud.Stats(),
	})
}

func (h *Handler) auditEvents(c echo.Context) error {
	count := queryInt(c, "count", 50)
	filter := audit.Filter{
		Type:     c.QueryParam("type"),
		Severity: c.QueryParam("severity"),
		Language: c.QueryParam("language"),
	}
	return c.JSON(http.StatusOK, map[string]any{"events": h.aud.Recent(count, filter)})
}

func (h *Handler) auditSecurity(c echo.Context) error {
	count := queryInt(c, "count", 50)
	return c.JSON(http.StatusOK, map[string]any{"events": h.aud.SecurityEvents(count)})
}

func (h *Handler) listSessions(c echo.Context) error {
	sessions := h.sessions.List()
	if sessions == nil {
		sessions = []*session.Session{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// attachSession bridges a websocket to shell executions inside the
// session's container: each text message runs as one command, its
// captured output written back as one message.
func (h *Handler) attachSession(c echo.Context) error {
	sess := h.sessions.Get(c.Param("id"))
	if sess == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session", sess.ID).Msg("Attach read ended")
			}
			return nil
		}

		cmd := strings.TrimSpace(string(message))
		if cmd == "" {
			continue
		}

		res, err := h.eng.Exec(c.Request().Context(), sess.ContainerID, []string{"sh", "-c", cmd}, engine.ExecOptions{
			Timeout: 30 * time.Second,
		})
		if err != nil {
			if werr := ws.WriteMessage(websocket.TextMessage, []byte("error: "+err.Error())); werr != nil {
				return nil
			}
			continue
		}

		out := res.Stdout
		if res.Stderr != "" {
			out += res.Stderr
		}
		if out == "" {
			out = "(exit " + strconv.Itoa(res.ExitCode) + ")"
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
			return nil
		}
	}
}

func queryInt(c echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
