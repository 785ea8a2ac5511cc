// Package mgmt exposes a controller's control surface over HTTP and
// provides a client for it.
package mgmt

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/nikiz24/callmon"
)

// Error codes returned in error bodies
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeUnknownBackend = "UNKNOWN_BACKEND"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Code          string   `json:"code"`
	Error         string   `json:"error"`
	ValidBackends []string `json:"valid_backends,omitempty"`
}

// BackendInfo describes one registered backend
type BackendInfo struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

// BackendsResponse is the body of GET /v1/control/backends
type BackendsResponse struct {
	Active   string        `json:"active"`
	List     string        `json:"list"`
	Backends []BackendInfo `json:"backends"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type tracingRequest struct {
	Tracing *bool `json:"tracing" binding:"required"`
}

type backendRequest struct {
	Key string `json:"key" binding:"required"`
}

type purposeRequest struct {
	Purpose string `json:"purpose"`
}

// describer is implemented by controllers that expose their registry
type describer interface {
	Registry() *callmon.Registry
}

// Server is the management HTTP API
type Server struct {
	control callmon.Control
	logger  *zap.Logger
	router  *gin.Engine
	metrics http.Handler
	stream  http.Handler
	service string

	mutex sync.Mutex
	srv   *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request and audit logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler mounts h at GET /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithStream mounts a websocket event feed at GET /v1/stream
func WithStream(h http.Handler) Option {
	return func(s *Server) {
		s.stream = h
	}
}

// WithServiceName names the server in trace spans
func WithServiceName(name string) Option {
	return func(s *Server) {
		s.service = name
	}
}

// NewServer builds the router for control
func NewServer(control callmon.Control, opts ...Option) *Server {
	s := &Server{control: control, service: "callmon"}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.initRouter()
	return s
}

func (s *Server) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.router.Use(otelgin.Middleware(s.service))

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.router.Group("/v1/control")
	v1.GET("", s.getStatus)
	v1.PUT("/enabled", s.putEnabled)
	v1.PUT("/tracing", s.putTracing)
	v1.GET("/backends", s.getBackends)
	v1.PUT("/backend", s.putBackend)
	v1.PUT("/purpose", s.putPurpose)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.stream != nil {
		s.router.GET("/v1/stream", gin.WrapH(s.stream))
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mutex.Lock()
	s.srv = srv
	s.mutex.Unlock()

	s.logger.Info("Management API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	srv := s.srv
	s.mutex.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Management request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Code: CodeBadRequest, Error: err.Error()})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.control.Status())
}

func (s *Server) putEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.control.SetEnabled(*req.Enabled)
	s.audit(c, "enabled", zap.Bool("enabled", *req.Enabled))
	c.JSON(http.StatusOK, s.control.Status())
}

func (s *Server) putTracing(c *gin.Context) {
	var req tracingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.control.SetTracing(*req.Tracing)
	s.audit(c, "tracing", zap.Bool("tracing", *req.Tracing))
	c.JSON(http.StatusOK, s.control.Status())
}

func (s *Server) putBackend(c *gin.Context) {
	var req backendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.control.SetActiveBackend(req.Key); err != nil {
		if errors.Is(err, callmon.ErrUnknownKey) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Code:          CodeUnknownBackend,
				Error:         err.Error(),
				ValidBackends: s.control.ValidBackendKeys(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL", Error: err.Error()})
		return
	}
	s.audit(c, "backend", zap.String("key", req.Key))
	c.JSON(http.StatusOK, s.control.Status())
}

func (s *Server) putPurpose(c *gin.Context) {
	var req purposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	s.control.SetPurpose(req.Purpose)
	s.audit(c, "purpose", zap.String("purpose", req.Purpose))
	c.JSON(http.StatusOK, s.control.Status())
}

func (s *Server) getBackends(c *gin.Context) {
	active := s.control.ActiveBackendKey()
	var descriptions map[string]string
	if d, ok := s.control.(describer); ok {
		descriptions = d.Registry().Describe()
	}

	keys := s.control.ValidBackendKeys()
	infos := make([]BackendInfo, 0, len(keys))
	for _, key := range keys {
		infos = append(infos, BackendInfo{
			Key:         key,
			Description: descriptions[key],
			Active:      key == active,
		})
	}
	c.JSON(http.StatusOK, BackendsResponse{
		Active:   active,
		List:     s.control.ListValidBackendKeys(),
		Backends: infos,
	})
}

func (s *Server) audit(c *gin.Context, setting string, fields ...zap.Field) {
	s.logger.Info("Control setting changed over HTTP",
		append(fields,
			zap.String("setting", setting),
			zap.String("remote", c.ClientIP()))...)
}
