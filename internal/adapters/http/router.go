// Package http wires the relay hub's gin router.
package http

import (
	"context"
	"net/http"

	"github.com/dkeye/voicecall/internal/adapters/signal"
	"github.com/dkeye/voicecall/internal/app/orch"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	sessionName   = "VoiceSessions"
	sessionUserID = "uid"
	userIDHeader  = "X-User-ID"
)

// IdentityMiddleware resolves the calling user from the X-User-ID header,
// the user_id query parameter or the session cookie, in that order. An
// explicit id is remembered in the session.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		raw := c.GetHeader(userIDHeader)
		if raw == "" {
			raw = c.Query("user_id")
		}
		if raw == "" {
			if v, ok := sess.Get(sessionUserID).(string); ok {
				raw = v
			}
		}
		if raw != "" {
			id, err := domain.ParseUserID(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if v, _ := sess.Get(sessionUserID).(string); v != string(id) {
				sess.Set(sessionUserID, string(id))
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
				}
			}
			c.Set(signal.UserKey, string(id))
		}
		c.Next()
	}
}

func requireUser(c *gin.Context) {
	if signal.UserFrom(c) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unidentified user"})
		return
	}
	c.Next()
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Hub.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(IdentityMiddleware())

	var limiter *signal.UserRateLimiter
	if cfg.Hub.RateLimit > 0 {
		limiter = signal.NewUserRateLimiter(cfg.Hub.RateLimit, cfg.Hub.RateBurst)
	}
	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.Hub.ReadLimit,
		PingPeriod: cfg.Hub.PingPeriod,
		SendBuffer: cfg.Hub.SendBuffer,
		Limiter:    limiter,
	})

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Registry.Stats())
	})
	api.GET("/whoami", requireUser, func(c *gin.Context) {
		user := signal.UserFrom(c)
		c.JSON(http.StatusOK, gin.H{"user_id": user, "online": o.Registry.Online(user)})
	})
	api.GET("/ws/signal", requireUser, func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", string(signal.UserFrom(c))).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
