package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/cache"
	"github.com/sandboxd/sandboxd/internal/engine/enginetest"
	"github.com/sandboxd/sandboxd/internal/pool"
	"github.com/sandboxd/sandboxd/internal/session"
)

func newTestServer(t *testing.T, apiKey string) (*echo.Echo, *session.Store) {
	t.Helper()
	fake := enginetest.New()
	aud := audit.New("", 100)
	p := pool.New(fake, aud, pool.Config{MaxActive: 5})
	c := cache.New(fake, cache.Config{})
	sessions := session.New(fake, aud, session.Config{JanitorInterval: time.Hour})
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	e := echo.New()
	e.HideBanner = true
	h := NewHandler(fake, aud, p, c, sessions, apiKey)
	h.RegisterRoutes(e)
	return e, sessions
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsBlocks(t *testing.T) {
	e, sessions := newTestServer(t, "")
	_, err := sessions.Create(context.Background(), "s", session.CreateConfig{Language: "python"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "pool")
	assert.Contains(t, body, "cache")
	assert.Contains(t, body, "sessions")
	assert.Contains(t, body, "audit")
}

func TestListSessions(t *testing.T) {
	e, sessions := newTestServer(t, "")
	_, err := sessions.Create(context.Background(), "s1", session.CreateConfig{Language: "python"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []session.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "s1", body.Sessions[0].Name)
}

func TestAPIKeyRequired(t *testing.T) {
	e, _ := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-Sandboxd-API-Key", "secret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditEndpointFilters(t *testing.T) {
	e, sessions := newTestServer(t, "")
	_, err := sessions.Create(context.Background(), "s1", session.CreateConfig{Language: "python"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/audit?type=SESSION_CREATE", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, audit.TypeSessionCreate, body.Events[0].Type)
}

func TestAttachUnknownSession(t *testing.T) {
	e, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/ghost/attach", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
