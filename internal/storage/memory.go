package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"alertbot/internal/alert"
	"alertbot/internal/upstream"
)

// Memory is a process-local Store. The file driver persists one.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]*tenantDoc
	audit   []AuditEntry
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{tenants: map[string]*tenantDoc{}}
}

func (m *Memory) AlertsForTenant(_ context.Context, tenantID string) ([]alert.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if t := m.tenants[tenantID]; t != nil {
		return cloneDefs(t.Alerts), nil
	}
	return nil, nil
}

func (m *Memory) PutAlerts(_ context.Context, tenantID string, defs []alert.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tenant(tenantID).Alerts = cloneDefs(defs)
	return nil
}

func (m *Memory) Credentials(_ context.Context, tenantID string) (upstream.Credentials, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return upstream.Credentials{}, false, ErrClosed
	}
	t := m.tenants[tenantID]
	if t == nil || t.Credentials == nil {
		return upstream.Credentials{}, false, nil
	}
	return cloneCreds(*t.Credentials), true, nil
}

func (m *Memory) SaveCredentials(_ context.Context, tenantID string, creds upstream.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c := cloneCreds(creds)
	m.tenant(tenantID).Credentials = &c
	return nil
}

func (m *Memory) Tenants(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// tenant returns the record for id, creating it. Callers hold m.mu.
func (m *Memory) tenant(id string) *tenantDoc {
	id = strings.TrimSpace(id)
	t := m.tenants[id]
	if t == nil {
		t = &tenantDoc{}
		m.tenants[id] = t
	}
	return t
}

func (m *Memory) snapshot() document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := document{Tenants: make(map[string]*tenantDoc, len(m.tenants))}
	for id, t := range m.tenants {
		cp := &tenantDoc{Alerts: cloneDefs(t.Alerts)}
		if t.Credentials != nil {
			c := cloneCreds(*t.Credentials)
			cp.Credentials = &c
		}
		doc.Tenants[id] = cp
	}
	return doc
}

func (m *Memory) load(doc document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range doc.Tenants {
		if t == nil {
			continue
		}
		m.tenants[strings.TrimSpace(id)] = t
	}
}
