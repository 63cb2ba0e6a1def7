// Package http is the relay's gin front: REST room listing, the metrics
// endpoint and the signaling websocket, all behind the token middleware.
package http

import (
	"context"
	"net/http"

	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, m *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	cookieKey := cfg.Secret
	if cookieKey == "" {
		cookieKey = uuid.NewString()
	}
	store := cookie.NewStore([]byte(cookieKey))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware(cfg.Secret))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctl := signal.NewSignalWSController(o, m, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		JoinLimit:  cfg.JoinLimit,
	})

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})

	api.GET("/rooms/:name/members", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.RoomName(c.Param("name")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such room"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": room.MembersSnapshot()})
	})

	// Everyone in the room is disconnected from it; connections stay open.
	api.DELETE("/rooms/:name", func(c *gin.Context) {
		o.EvictRoom(domain.RoomName(c.Param("name")))
		c.Status(http.StatusNoContent)
	})

	api.GET("/whoami", func(c *gin.Context) {
		user := o.Registry.GetOrCreateUser(domain.UserID(c.GetString(tokenKey)))
		c.JSON(http.StatusOK, user)
	})

	api.POST("/rename", func(c *gin.Context) {
		var req struct {
			Name string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
			return
		}
		uid := domain.UserID(c.GetString(tokenKey))
		o.Registry.GetOrCreateUser(uid)
		if err := o.Registry.UpdateUsername(uid, req.Name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, o.Registry.GetOrCreateUser(uid))
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString(tokenKey)).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
