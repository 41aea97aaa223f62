// Package web serves the engine over HTTP: a JSON API, a websocket live
// endpoint per conversation, health and Prometheus metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/convo/internal/engine"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configures the HTTP server.
type Options struct {
	Listen string
	// FilesDir, when set, is served at /files. The local object store writes
	// there.
	FilesDir string
}

// Server is the HTTP surface.
type Server struct {
	opts     Options
	engine   *engine.Engine
	verifier *identity.Verifier
	machine  *status.Machine
	logger   *zap.Logger
	router   *gin.Engine

	srv      *http.Server
	listener net.Listener
}

// New builds the router. Start binds the listener.
func New(opts Options, e *engine.Engine, verifier *identity.Verifier, machine *status.Machine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:     opts,
		engine:   e,
		verifier: verifier,
		machine:  machine,
		logger:   logger,
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.opts.FilesDir != "" {
		router.Static("/files", s.opts.FilesDir)
	}

	v1 := router.Group("/v1")
	v1.Use(s.requireAuth())
	{
		v1.GET("/conversations", s.listConversations)
		v1.POST("/conversations", s.createConversation)
		v1.POST("/conversations/:id/archive", s.archiveConversation)
		v1.GET("/conversations/:id/messages", s.listMessages)
		v1.POST("/conversations/:id/messages", s.sendText)
		v1.POST("/conversations/:id/attachments", s.sendAttachment)
		v1.GET("/conversations/:id/live", s.live)
		v1.POST("/messages/:id/read", s.markRead)
		v1.POST("/outbox/:client_id/retry", s.retry)
	}
	return router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.listener = lis
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully. Websocket connections are hijacked
// and end when their views close.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("HTTP server stopping")
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	state := s.machine.Current()
	code := http.StatusOK
	if state == status.Degraded || state == status.Stopping {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"state": state, "last_error": s.machine.LastError()})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
