// Package upstream keeps at most one live event-source connection ("bot") per
// tenant. Decoded platform events are handed to a sink through a per-session
// queue; rotated credentials are persisted without reconnecting.
//
// State per tenant: Disconnected -> Connecting -> Connected -> (Disconnected | Failed).
// Failed is left only by an explicit Connect; the manager never retries on its own.
package upstream

import (
	"context"
	"errors"
	"strings"
	"time"

	"alertbot/internal/value"
)

var (
	// ErrAuth means the stored credentials are missing, expired or were
	// rejected by the platform. Terminal until the credentials change.
	ErrAuth = errors.New("upstream: authentication failed")
	// ErrTransport means the handshake or network failed. Recoverable by an
	// explicit reconnect.
	ErrTransport = errors.New("upstream: transport failure")
)

// Lifecycle events published on the bus.
const (
	EventConnected    = "upstream.connected"
	EventFailed       = "upstream.failed"
	EventDisconnected = "upstream.disconnected"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeConnected
	OutcomeAlreadyConnected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeAlreadyConnected:
		return "already_connected"
	default:
		return "none"
	}
}

// Credentials are the per-tenant secrets a transport authenticates with.
// Extra carries transport-specific settings ("transport", "url", ...).
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Valid reports whether the credentials can be used at now.
func (c Credentials) Valid(now time.Time) bool {
	if strings.TrimSpace(c.AccessToken) == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

func (c Credentials) Get(key string) string {
	if c.Extra == nil {
		return ""
	}
	return c.Extra[key]
}

type Status struct {
	TenantID        string    `json:"tenant_id"`
	Connected       bool      `json:"connected"`
	State           string    `json:"state"`
	Transport       string    `json:"transport,omitempty"`
	Error           string    `json:"error,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
}

// Hooks are installed on every session by the manager.
type Hooks struct {
	// Emit hands a decoded platform event to the dispatcher. It may block
	// briefly when the session queue is full and returns false once the
	// session is gone.
	Emit func(eventType string, payload value.Map) bool
	// Refresh persists rotated credentials. It never reconnects.
	Refresh func(Credentials)
}

// Transport opens authenticated sessions to one event source.
type Transport interface {
	Name() string
	// Open performs the handshake. Rejected credentials must wrap ErrAuth.
	Open(ctx context.Context, tenantID string, creds Credentials, hooks Hooks) (Session, error)
}

// Session is one open upstream connection.
type Session interface {
	// Run decodes events until ctx ends or the connection drops. A nil or
	// context error return after cancellation is a clean stop.
	Run(ctx context.Context) error
	Close() error
}

// CredentialStore resolves and persists tenant credentials. A missing tenant
// returns found == false with a nil error.
type CredentialStore interface {
	Credentials(ctx context.Context, tenantID string) (creds Credentials, found bool, err error)
	SaveCredentials(ctx context.Context, tenantID string, creds Credentials) error
}

// Runner starts named background tasks (the process supervisor).
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}
