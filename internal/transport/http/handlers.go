// Package http is the agent's local UI API.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Calls is what the UI can do with the local call machine.
type Calls interface {
	Self() domain.UserID
	StartCall(ctx context.Context, peer domain.UserID, peerName string) (domain.CallID, error)
	StartBusinessCall(ctx context.Context, businessID, displayName string) (domain.CallID, error)
	AcceptCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	Current() *call.Snapshot
	Last() *call.Snapshot
}

type StartCallRequest struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
}

type BusinessCallRequest struct {
	BusinessID  string `json:"business_id"`
	DisplayName string `json:"display_name"`
}

type CallResponse struct {
	CallID domain.CallID `json:"call_id"`
}

const (
	defaultHistory = 20
	maxHistory     = 200
)

type Handlers struct {
	calls Calls
	store core.CallStore
	feed  *Feed
}

func NewHandlers(calls Calls, store core.CallStore, feed *Feed) *Handlers {
	return &Handlers{calls: calls, store: store, feed: feed}
}

func SetupRouter(mode string, h *Handlers) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if mode == "debug" {
		router.Use(gin.Logger())
	}
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/calls")
	api.POST("", h.startCall)
	api.POST("/business", h.startBusinessCall)
	api.GET("/current", h.current)
	api.POST("/current/accept", h.accept)
	api.POST("/current/decline", h.decline)
	api.POST("/current/end", h.end)
	api.GET("/last", h.last)
	api.GET("/history", h.history)
	api.GET("/events", h.events)

	return router
}

func (h *Handlers) startCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	peer, err := domain.ParseUserID(req.PeerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.calls.StartCall(c.Request.Context(), peer, req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CallResponse{CallID: id})
}

func (h *Handlers) startBusinessCall(c *gin.Context) {
	var req BusinessCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BusinessID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid business_id"})
		return
	}
	id, err := h.calls.StartBusinessCall(c.Request.Context(), req.BusinessID, req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, CallResponse{CallID: id})
}

func (h *Handlers) current(c *gin.Context) {
	snap := h.calls.Current()
	if snap == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handlers) last(c *gin.Context) {
	snap := h.calls.Last()
	if snap == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handlers) accept(c *gin.Context) {
	h.act(c, h.calls.AcceptCall)
}

func (h *Handlers) decline(c *gin.Context) {
	h.act(c, h.calls.DeclineCall)
}

func (h *Handlers) end(c *gin.Context) {
	h.act(c, h.calls.EndCall)
}

func (h *Handlers) act(c *gin.Context, op func(context.Context) error) {
	if err := op(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	if snap := h.calls.Current(); snap != nil {
		c.JSON(http.StatusOK, snap)
		return
	}
	if snap := h.calls.Last(); snap != nil {
		c.JSON(http.StatusOK, snap)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) history(c *gin.Context) {
	limit := defaultHistory
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistory)
	}
	calls, err := h.store.ListCalls(c.Request.Context(), h.calls.Self(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

// events streams call transitions as server-sent events. The current
// session, if any, is sent first.
func (h *Handlers) events(c *gin.Context) {
	ch, release := h.feed.Subscribe()
	defer release()

	if snap := h.calls.Current(); snap != nil {
		c.SSEvent("state", StateEvent{State: snap.Status, Session: *snap})
		c.Writer.Flush()
	}
	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-ch:
			c.SSEvent("state", ev)
			return true
		}
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrAlreadyInCall):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNoActiveCall), errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, core.ErrMediaAcquisition):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "transport.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
