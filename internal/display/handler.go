package display

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	logx "alertbot/pkg/logx"
)

const (
	defaultKeepAlive      = 30 * time.Second
	defaultMaxMessageSize = 4096
)

// Runner starts named background tasks (the process supervisor).
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type HandlerConfig struct {
	KeepAlive    time.Duration
	WriteTimeout time.Duration
	// IdleTimeout closes a connection that sent nothing for this long; zero disables.
	IdleTimeout    time.Duration
	MaxMessageSize int64
	// AllowedOrigins restricts the Origin header; empty allows any.
	AllowedOrigins []string
}

// Handler upgrades overlay requests and keeps the socket registered in the
// pool for as long as the viewer stays connected.
type Handler struct {
	pool     *Pool
	runner   Runner
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	log      logx.Logger
}

func NewHandler(pool *Pool, runner Runner, cfg HandlerConfig, log logx.Logger) *Handler {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{pool: pool, runner: runner, cfg: cfg, log: log.With(logx.String("comp", "overlay"))}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ServeOverlay upgrades the request and blocks until the viewer disconnects.
func (h *Handler) ServeOverlay(w http.ResponseWriter, r *http.Request, tenantID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("overlay upgrade failed", logx.Tenant(tenantID), logx.Err(err))
		return
	}

	connID := uuid.NewString()
	sock := NewSocket(ws, h.cfg.WriteTimeout)
	h.pool.Register(tenantID, connID, sock)
	h.log.Info("overlay connected", logx.Tenant(tenantID), logx.String("conn", connID), logx.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	h.startLiveness(ctx, tenantID, connID)

	defer func() {
		cancel()
		h.pool.Unregister(tenantID, connID)
		_ = sock.Close()
		h.log.Info("overlay disconnected", logx.Tenant(tenantID), logx.String("conn", connID))
	}()

	ws.SetReadLimit(h.cfg.MaxMessageSize)
	h.extendDeadline(ws)
	ws.SetPongHandler(func(string) error {
		h.pool.Touch(tenantID, connID)
		h.extendDeadline(ws)
		return nil
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("overlay read ended", logx.Tenant(tenantID), logx.String("conn", connID), logx.Err(err))
			}
			return
		}
		h.pool.Touch(tenantID, connID)
		h.extendDeadline(ws)
	}
}

func (h *Handler) startLiveness(ctx context.Context, tenantID, connID string) {
	loop := func(runCtx context.Context) error {
		merged, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			select {
			case <-runCtx.Done():
				stop()
			case <-merged.Done():
			}
		}()
		// A failed keep-alive already pruned the connection; not a task failure.
		_ = h.pool.LivenessLoop(merged, tenantID, connID, h.cfg.KeepAlive)
		return nil
	}
	if h.runner == nil {
		go func() { _ = loop(context.Background()) }()
		return
	}
	h.runner.Go("display.liveness", loop)
}

func (h *Handler) extendDeadline(ws *websocket.Conn) {
	if h.cfg.IdleTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	}
}
