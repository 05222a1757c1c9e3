package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/voicecall/internal/app"
	"github.com/dkeye/voicecall/internal/app/orch"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (*gin.Engine, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Policy: app.SimplePolicy{}}
	cfg := &config.Config{Mode: "test"}
	cfg.Hub.Secret = "test-secret"
	cfg.Hub.RateLimit = 5
	cfg.Hub.RateBurst = 5
	return SetupRouter(context.Background(), cfg, o), o
}

func whoami(t *testing.T, r http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestWhoAmIRequiresIdentity(t *testing.T) {
	r, _ := newRouter(t)
	w, body := whoami(t, r, httptest.NewRequest(http.MethodGet, "/api/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unidentified user", body["error"])
}

func TestIdentityFromHeaderAndQuery(t *testing.T) {
	r, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami?user_id=ignored", nil)
	req.Header.Set(userIDHeader, " alice ")
	w, body := whoami(t, r, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, false, body["online"])

	w, body = whoami(t, r, httptest.NewRequest(http.MethodGet, "/api/whoami?user_id=bob", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", body["user_id"])
}

func TestIdentityRememberedInSession(t *testing.T) {
	r, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set(userIDHeader, "carol")
	w, _ := whoami(t, r, req)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req = httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w, body := whoami(t, r, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", body["user_id"])
}

func TestIdentityRejectsInvalidID(t *testing.T) {
	r, _ := newRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set(userIDHeader, "   ")
	w, _ := whoami(t, r, req)
	// Blank after trimming is not a missing header; it is a bad id.
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsAndHealth(t *testing.T) {
	r, o := newRouter(t)
	o.Registry.Bind("alice", nopConn("a1"), nil)
	o.Registry.Bind("alice", nopConn("a2"), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users": 1, "connections": 2}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type nopConn string

func (c nopConn) ID() string            { return string(c) }
func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}
