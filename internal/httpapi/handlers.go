package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"alertbot/internal/event"
	"alertbot/internal/storage"
	"alertbot/internal/upstream"
	"alertbot/internal/value"
	logx "alertbot/pkg/logx"
)

const auditTimeout = 2 * time.Second

type tenantView struct {
	upstream.Status
	Displays int `json:"displays"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":  "healthy",
		"service": "alertbot",
		"time":    time.Now().UTC(),
		"uptime":  time.Since(s.start).Round(time.Second).String(),
	}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleOverlay(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	s.deps.Overlay.ServeOverlay(c.Writer, c.Request, tenant)
}

func (s *Server) handleTenants(c *gin.Context) {
	counts := s.deps.Displays.Stats()
	seen := map[string]bool{}
	out := make([]tenantView, 0, len(counts))
	for _, st := range s.deps.Upstream.Tenants() {
		seen[st.TenantID] = true
		out = append(out, tenantView{Status: st, Displays: counts[st.TenantID]})
	}
	for id, n := range counts {
		if !seen[id] {
			out = append(out, tenantView{Status: s.deps.Upstream.Status(id), Displays: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	c.JSON(http.StatusOK, gin.H{"tenants": out})
}

func (s *Server) handleStatus(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tenantView{
		Status:   s.deps.Upstream.Status(tenant),
		Displays: s.deps.Displays.Count(tenant),
	})
}

func (s *Server) handleConnect(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	start := time.Now()
	outcome, err := s.deps.Upstream.Connect(c.Request.Context(), tenant)
	s.audit(c, tenant, "connect", outcome.String(), err, start)

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"outcome": outcome.String(), "status": s.deps.Upstream.Status(tenant)})
	case errors.Is(err, upstream.ErrAuth):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth", "message": err.Error()})
	case errors.Is(err, upstream.ErrTransport):
		c.JSON(http.StatusBadGateway, gin.H{"error": "transport", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}

func (s *Server) handleDisconnect(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	start := time.Now()
	err := s.deps.Upstream.Disconnect(tenant)
	s.audit(c, tenant, "disconnect", "", err, start)
	if err != nil {
		// The entry is gone either way; report the close failure.
		s.log.Warn("disconnect close failed", logx.Tenant(tenant), logx.Err(err))
	}
	c.Status(http.StatusNoContent)
}

type injectRequest struct {
	EventType string    `json:"event_type" binding:"required"`
	Payload   value.Map `json:"payload"`
}

func (s *Server) handleInject(c *gin.Context) {
	tenant, ok := tenantParam(c)
	if !ok {
		return
	}
	var req injectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	if req.Payload == nil {
		req.Payload = value.Map{}
	}
	s.deps.Injector.OnInboundEvent(event.Inbound{TenantID: tenant, EventType: req.EventType, Payload: req.Payload})
	s.audit(c, tenant, "inject", req.EventType, nil, time.Now())
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (s *Server) audit(c *gin.Context, tenant, action, outcome string, err error, start time.Time) {
	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:       start,
		TenantID: tenant,
		Actor:    c.ClientIP(),
		Action:   action,
		Outcome:  outcome,
		TookMS:   time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), auditTimeout)
	defer cancel()
	if aerr := s.deps.Audit.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.Tenant(tenant), logx.String("action", action), logx.Err(aerr))
	}
}

func tenantParam(c *gin.Context) (string, bool) {
	t := strings.TrimSpace(c.Param("tenant"))
	if t == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant required"})
		return "", false
	}
	return t, true
}
