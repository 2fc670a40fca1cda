// Package storage persists the per-tenant alert catalog, upstream credentials
// and the admin audit trail.
//
// Drivers:
//   - "memory": process-local maps (default, tests)
//   - "file":   one JSON or YAML document plus an audit JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage

import (
	"context"
	"errors"
	"time"

	"alertbot/internal/alert"
	"alertbot/internal/upstream"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the enrichment engine (catalog), the
// upstream manager (credentials) and the admin surface (audit).
type Store interface {
	alert.Catalog
	upstream.CredentialStore

	PutAlerts(ctx context.Context, tenantID string, defs []alert.Definition) error
	Tenants(ctx context.Context) ([]string, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records an admin action against a tenant.
type AuditEntry struct {
	At       time.Time `json:"at"`
	TenantID string    `json:"tenant_id"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	Outcome  string    `json:"outcome,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// tenantDoc is the per-tenant record of the memory and file drivers.
type tenantDoc struct {
	Credentials *upstream.Credentials `json:"credentials,omitempty"`
	Alerts      []alert.Definition    `json:"alerts,omitempty"`
}

type document struct {
	Tenants map[string]*tenantDoc `json:"tenants"`
}

func cloneDefs(in []alert.Definition) []alert.Definition {
	if len(in) == 0 {
		return nil
	}
	return append([]alert.Definition(nil), in...)
}

func cloneCreds(c upstream.Credentials) upstream.Credentials {
	if c.Extra != nil {
		extra := make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			extra[k] = v
		}
		c.Extra = extra
	}
	return c
}
