// Package api exposes the operator interface over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orrn/labsync/internal/api/handlers"
	"github.com/orrn/labsync/internal/api/middleware"
	"github.com/orrn/labsync/internal/archive"
	"github.com/orrn/labsync/internal/complete"
	"github.com/orrn/labsync/internal/dispatch"
	"github.com/orrn/labsync/internal/store"
)

type Deps struct {
	Store    *store.Store
	Engine   *dispatch.Engine
	Prop     *complete.Propagator
	Archiver *archive.Archiver
	Auth     *middleware.AuthMiddleware
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := r.Group("/api/auth")
	auth.POST("/login", d.Auth.LoginHandler)
	auth.POST("/logout", d.Auth.LogoutHandler)
	auth.GET("/status", d.Auth.StatusHandler)

	api := r.Group("/api", d.Auth.RequireAuth())

	orders := handlers.NewOrderHandler(d.Store, d.Engine, d.Prop)
	api.GET("/orders", orders.ListOrders)
	api.GET("/orders/:id", orders.GetOrder)
	api.GET("/orders/:id/jobs", orders.ListOrderJobs)
	api.POST("/orders/:id/jobs", orders.CreateJobs)
	api.POST("/orders/:id/hold", orders.HoldOrder)
	api.POST("/orders/:id/release", orders.ReleaseOrder)
	api.POST("/orders/:id/complete", orders.CompleteOrder)
	api.POST("/orders/:id/cancel", orders.CancelOrder)
	api.POST("/orders/:id/abort", orders.AbortOrder)
	api.POST("/orders/:id/purge", orders.PurgeOrder)

	jobs := handlers.NewJobHandler(d.Store, d.Engine, d.Prop)
	api.GET("/jobs", jobs.ListJobs)
	api.GET("/jobs/:id", jobs.GetJob)
	api.POST("/jobs/:id/mark", jobs.MarkJob)
	api.POST("/jobs/:id/hold", jobs.HoldJob)
	api.POST("/jobs/:id/release", jobs.ReleaseJob)
	api.POST("/jobs/:id/forget", jobs.ForgetJob)
	api.POST("/jobs/:id/complete", jobs.CompleteJob)
	api.POST("/jobs/:id/purge", jobs.PurgeJob)

	queues := handlers.NewQueueHandler(d.Store, d.Engine)
	api.GET("/queues", queues.ListQueues)

	locks := handlers.NewLockHandler(d.Store)
	api.GET("/locks/:kind/:key", locks.GetLock)

	if d.Archiver != nil {
		archived := handlers.NewArchiveHandler(d.Archiver, d.Store)
		api.GET("/archive", archived.ListArchived)
		api.POST("/archive/run", archived.RunArchive)
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
