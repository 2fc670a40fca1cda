// Package wsfeed is an upstream transport for platforms that push events as
// JSON frames over a websocket.
//
// Frames:
//
//	{"type":"event","event_type":"bits","payload":{...}}
//	{"type":"credentials","access_token":"...","refresh_token":"...","expires_at":"RFC3339"}
//
// Anything else is ignored.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"alertbot/internal/upstream"
	"alertbot/internal/value"
	logx "alertbot/pkg/logx"
)

const Name = "wsfeed"

// CredentialURLKey overrides the feed URL per tenant in Credentials.Extra.
const CredentialURLKey = "url"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type Config struct {
	URL string
}

type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := *websocket.DefaultDialer
	return &Transport{cfg: cfg, dialer: &d, log: log.With(logx.String("transport", Name))}
}

func (t *Transport) Name() string { return Name }

func (t *Transport) Open(ctx context.Context, tenantID string, creds upstream.Credentials, hooks upstream.Hooks) (upstream.Session, error) {
	url := strings.TrimSpace(creds.Get(CredentialURLKey))
	if url == "" {
		url = t.cfg.URL
	}
	if url == "" {
		return nil, fmt.Errorf("%w: no feed url configured", upstream.ErrTransport)
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+creds.AccessToken)
	h.Set("X-Tenant-ID", tenantID)
	conn, resp, err := t.dialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: feed rejected token (%s)", upstream.ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", upstream.ErrTransport, url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &session{conn: conn, hooks: hooks, log: t.log.With(logx.Tenant(tenantID))}, nil
}

type frame struct {
	Type         string          `json:"type"`
	EventType    string          `json:"event_type,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	AccessToken  string          `json:"access_token,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
}

type session struct {
	conn  *websocket.Conn
	hooks upstream.Hooks
	log   logx.Logger

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// Run reads frames until ctx ends or the feed closes.
func (s *session) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()
	go s.pingLoop(stop)

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return fmt.Errorf("%w: %v", upstream.ErrAuth, err)
			}
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !s.handle(data) {
			return nil
		}
	}
}

// handle returns false once the manager no longer accepts events.
func (s *session) handle(data []byte) bool {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Warn("feed frame undecodable", logx.Err(err))
		return true
	}
	switch f.Type {
	case "event":
		payload := value.Map{}
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &payload); err != nil {
				s.log.Warn("feed payload undecodable", logx.String("event_type", f.EventType), logx.Err(err))
				return true
			}
			if payload == nil {
				payload = value.Map{}
			}
		}
		if s.hooks.Emit != nil {
			return s.hooks.Emit(f.EventType, payload)
		}
	case "credentials":
		if f.AccessToken != "" && s.hooks.Refresh != nil {
			s.hooks.Refresh(upstream.Credentials{
				AccessToken:  f.AccessToken,
				RefreshToken: f.RefreshToken,
				ExpiresAt:    f.ExpiresAt,
			})
		}
	}
	return true
}

func (s *session) pingLoop(stop <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debug("feed ping failed", logx.Err(err))
				return
			}
		}
	}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
