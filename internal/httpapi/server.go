// Package httpapi is the HTTP surface: overlay websockets for display
// clients, admin routes driving the upstream manager, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"alertbot/internal/event"
	"alertbot/internal/storage"
	"alertbot/internal/upstream"
	logx "alertbot/pkg/logx"
)

// Upstream is the tenant connection manager.
type Upstream interface {
	Connect(ctx context.Context, tenantID string) (upstream.Outcome, error)
	Disconnect(tenantID string) error
	Status(tenantID string) upstream.Status
	Tenants() []upstream.Status
}

// Displays reports display connection counts.
type Displays interface {
	Count(tenantID string) int
	Stats() map[string]int
}

// Overlay upgrades display clients.
type Overlay interface {
	ServeOverlay(w http.ResponseWriter, r *http.Request, tenantID string)
}

type Injector interface {
	OnInboundEvent(ev event.Inbound)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Metrics interface {
	ObserveHTTP(method, route string, status int, took time.Duration)
	Handler() http.Handler
}

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// AdminToken is read per request so a reloaded token applies at once.
	AdminToken func() string
}

type Deps struct {
	Upstream Upstream
	Displays Displays
	Overlay  Overlay
	Injector Injector
	Audit    Auditor
	Metrics  Metrics
	// Health reports extra readiness details; nil means always healthy.
	Health func() map[string]any
	Logger logx.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine
	srv    *http.Server
	start  time.Time
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.AdminToken == nil {
		cfg.AdminToken = func() string { return "" }
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http")), start: time.Now()}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.observe())

	r.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	r.GET("/overlay/:tenant/ws", s.handleOverlay)

	admin := r.Group("/admin", s.requireAdmin())
	admin.GET("/tenants", s.handleTenants)
	admin.GET("/tenants/:tenant/status", s.handleStatus)
	admin.POST("/tenants/:tenant/connect", s.handleConnect)
	admin.POST("/tenants/:tenant/disconnect", s.handleDisconnect)
	admin.POST("/tenants/:tenant/events", s.handleInject)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})
	return r
}

// Handler exposes the router (tests, embedding).
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens until ctx ends, then shuts down within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln, shutdownTimeout)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = s.srv.Close()
	}
	<-errCh
	s.log.Info("http stopped")
	return nil
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("panic in http handler", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	})
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		took := time.Since(start)
		status := c.Writer.Status()
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(c.Request.Method, c.FullPath(), status, took)
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("route", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", took),
		)
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(s.cfg.AdminToken())
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
