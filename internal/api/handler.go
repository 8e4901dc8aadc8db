// Package api serves the health, metrics and admin endpoints and the order
// command routes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spotkeeper/internal/command"
	"spotkeeper/internal/gateway"
	"spotkeeper/internal/order"
	"spotkeeper/internal/scheduler"
	"spotkeeper/internal/stream"
	"spotkeeper/pkg/logger"
)

// StreamStatuses reports push connection state.
type StreamStatuses interface {
	Statuses() []stream.Status
}

// PoolStats reports the adapter pool.
type PoolStats interface {
	Stats() gateway.PoolStats
}

// Jobs lists and triggers polling jobs.
type Jobs interface {
	Statuses() []scheduler.JobStatus
	Run(ctx context.Context, name string) error
}

// Commands executes user order operations.
type Commands interface {
	CreateOrder(ctx context.Context, in command.Intent) (*order.Order, error)
	CreateFromHolding(ctx context.Context, h command.Holding) (*order.Order, error)
	CancelPending(ctx context.Context, userID string, id int64) (*order.Order, error)
	Close(ctx context.Context, userID string, id int64) (*order.Order, error)
	UpdateProtection(ctx context.Context, userID string, id int64, tp, sl float64) (*order.Order, error)
	Split(ctx context.Context, userID string, id int64, firstQty, firstTP, secondTP float64) (*order.Order, *order.Order, error)
}

// Orders reads orders on behalf of a user.
type Orders interface {
	GetForUser(ctx context.Context, userID string, id int64) (*order.Order, error)
}

// Deps are the collaborators behind the routes. Nil members disable their
// routes.
type Deps struct {
	Metrics  http.Handler
	Streams  StreamStatuses
	Pool     PoolStats
	Jobs     Jobs
	Commands Commands
	Orders   Orders
	// Ready reports whether the process can serve; nil means always.
	Ready func(ctx context.Context) error
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router *gin.Engine
	deps   Deps
	log    zerolog.Logger
}

// NewServer builds the router.
func NewServer(deps Deps, log zerolog.Logger) *Server {
	log = logger.Component(log, "api")
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(NewRateLimiter(20, 50).Middleware())

	s := &Server{Router: r, deps: deps, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.Router.Group("/v1")
	if s.deps.Streams != nil {
		v1.GET("/streams", s.getStreams)
	}
	if s.deps.Pool != nil {
		v1.GET("/pool", s.getPool)
	}
	if s.deps.Jobs != nil {
		v1.GET("/jobs", s.getJobs)
		v1.POST("/jobs/:name/run", s.runJob)
	}

	orders := v1.Group("/orders")
	orders.Use(UserMiddleware())
	if s.deps.Orders != nil {
		orders.GET("/:id", s.getOrder)
	}
	if s.deps.Commands != nil {
		orders.POST("", s.createOrder)
		orders.POST("/holdings", s.createFromHolding)
		orders.DELETE("/:id", s.cancelOrder)
		orders.POST("/:id/close", s.closeOrder)
		orders.PUT("/:id/protection", s.updateProtection)
		orders.POST("/:id/split", s.splitOrder)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStreams(c *gin.Context) {
	statuses := s.deps.Streams.Statuses()
	connected := 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
	}
	c.JSON(http.StatusOK, gin.H{"streams": statuses, "total": len(statuses), "connected": connected})
}

func (s *Server) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Pool.Stats())
}

func (s *Server) getJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.deps.Jobs.Statuses()})
}

func (s *Server) runJob(c *gin.Context) {
	name := c.Param("name")
	started := time.Now()
	err := s.deps.Jobs.Run(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		respondError(c, http.StatusNotFound, "UNKNOWN_JOB", err.Error())
	case err != nil:
		respondError(c, http.StatusInternalServerError, "JOB_FAILED", err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"job": name, "duration_ms": time.Since(started).Milliseconds()})
	}
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
