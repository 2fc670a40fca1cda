package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"alertbot/internal/event"
	"alertbot/internal/eventbus"
	"alertbot/internal/value"
	logx "alertbot/pkg/logx"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultQueueSize        = 256
	saveTimeout             = 5 * time.Second
)

type Config struct {
	HandshakeTimeout time.Duration
	// QueueSize bounds the decoded-event handoff per session.
	QueueSize int
}

type Deps struct {
	Credentials CredentialStore
	Transports  *Registry
	// Sink receives every decoded event. It must not block for long.
	Sink   func(event.Inbound)
	Bus    eventbus.Bus
	Runner Runner
	Logger logx.Logger
}

type entry struct {
	tenantID string

	mu              sync.Mutex
	state           State
	transport       string
	creds           Credentials
	lastErr         string
	lastConnectedAt time.Time
	session         Session
	cancel          context.CancelFunc
	closed          bool // set by Disconnect/Shutdown or an auth failure
}

func (e *entry) live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateConnecting || e.state == StateConnected
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		TenantID:        e.tenantID,
		Connected:       e.state == StateConnected,
		State:           e.state.String(),
		Transport:       e.transport,
		Error:           e.lastErr,
		LastConnectedAt: e.lastConnectedAt,
	}
}

type Manager struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	entries *xsync.MapOf[string, *entry]
	// rejected keeps the last auth failure of tenants whose entry was dropped.
	rejected *xsync.MapOf[string, string]
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		log:        log.With(logx.String("comp", "upstream")),
		entries:    xsync.NewMapOf[string, *entry](),
		rejected:   xsync.NewMapOf[string, string](),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Connect opens the tenant's upstream connection. A tenant that is already
// Connected or Connecting gets OutcomeAlreadyConnected and no second
// transport. Errors wrap ErrAuth or ErrTransport.
func (m *Manager) Connect(ctx context.Context, tenantID string) (Outcome, error) {
	if e, ok := m.entries.Load(tenantID); ok && e.live() {
		return OutcomeAlreadyConnected, nil
	}

	creds, err := m.resolveCredentials(ctx, tenantID)
	if err != nil {
		m.recordFailure(tenantID, err)
		m.log.Warn("upstream connect refused", logx.Tenant(tenantID), logx.Err(err))
		return OutcomeNone, err
	}
	transport, err := m.deps.Transports.Select(creds)
	if err != nil {
		m.recordFailure(tenantID, err)
		return OutcomeNone, err
	}

	sessCtx, cancel := context.WithCancel(m.baseCtx)
	e := &entry{tenantID: tenantID, state: StateConnecting, transport: transport.Name(), creds: creds, cancel: cancel}
	var existing *entry
	m.entries.Compute(tenantID, func(old *entry, loaded bool) (*entry, bool) {
		if loaded && old.live() {
			existing = old
			return old, false
		}
		return e, false
	})
	if existing != nil {
		cancel()
		return OutcomeAlreadyConnected, nil
	}

	m.log.Info("upstream connecting", logx.Tenant(tenantID), logx.String("transport", transport.Name()))
	queue := make(chan event.Inbound, m.cfg.QueueSize)
	hooks := m.hooks(sessCtx, e, queue)

	hsCtx, hsCancel := context.WithTimeout(sessCtx, m.cfg.HandshakeTimeout)
	stopAfter := context.AfterFunc(ctx, hsCancel)
	sess, err := transport.Open(hsCtx, tenantID, creds, hooks)
	stopAfter()
	hsCancel()

	if err != nil {
		// Disconnect or Shutdown during the handshake cancels sessCtx.
		cancelled := sessCtx.Err() != nil
		cancel()
		if cancelled {
			err = fmt.Errorf("%w: connect cancelled: %w", ErrTransport, err)
		} else {
			err = classify(err)
		}
		m.fail(e, err)
		return OutcomeNone, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		_ = sess.Close()
		return OutcomeNone, fmt.Errorf("%w: disconnected while connecting", ErrTransport)
	}
	e.state = StateConnected
	e.session = sess
	e.lastErr = ""
	e.lastConnectedAt = m.now()
	e.mu.Unlock()
	m.rejected.Delete(tenantID)

	m.spawn("upstream.handoff", func(context.Context) error {
		m.handoff(sessCtx, queue)
		return nil
	})
	m.spawn("upstream.session", func(context.Context) error {
		m.runSession(sessCtx, e, sess)
		return nil
	})

	m.log.Info("upstream connected", logx.Tenant(tenantID), logx.String("transport", e.transport))
	m.publish(EventConnected, e)
	return OutcomeConnected, nil
}

func (m *Manager) resolveCredentials(ctx context.Context, tenantID string) (Credentials, error) {
	if m.deps.Credentials == nil {
		return Credentials{}, fmt.Errorf("%w: no credential store", ErrAuth)
	}
	creds, found, err := m.deps.Credentials.Credentials(ctx, tenantID)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: credentials unavailable: %v", ErrAuth, err)
	}
	if !found {
		return Credentials{}, fmt.Errorf("%w: no credentials stored", ErrAuth)
	}
	if !creds.Valid(m.now()) {
		return Credentials{}, fmt.Errorf("%w: credentials missing or expired", ErrAuth)
	}
	return creds, nil
}

func classify(err error) error {
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// recordFailure notes a refused Connect so Status reports why. No entry is
// created; an auth refusal also drops a Failed entry.
func (m *Manager) recordFailure(tenantID string, err error) {
	if errors.Is(err, ErrAuth) {
		m.rejected.Store(tenantID, err.Error())
		m.entries.Compute(tenantID, func(cur *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return cur, true
			}
			cur.mu.Lock()
			defer cur.mu.Unlock()
			if cur.state != StateFailed {
				return cur, false
			}
			cur.closed = true
			return nil, true
		})
		return
	}
	e, ok := m.entries.Load(tenantID)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state == StateFailed {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
}

// fail marks the entry Failed. An auth failure is unrecoverable: the entry
// is dropped and only its reason is kept for Status.
func (m *Manager) fail(e *entry, err error) {
	auth := errors.Is(err, ErrAuth)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	e.lastErr = err.Error()
	e.closed = auth
	sess := e.session
	e.session = nil
	e.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	if auth {
		m.rejected.Store(e.tenantID, err.Error())
		m.entries.Compute(e.tenantID, func(cur *entry, loaded bool) (*entry, bool) {
			if loaded && cur == e {
				return nil, true
			}
			return cur, !loaded
		})
	}
	m.log.Warn("upstream failed", logx.Tenant(e.tenantID), logx.String("transport", e.transport), logx.Err(err))
	m.publish(EventFailed, e)
}

func (m *Manager) hooks(ctx context.Context, e *entry, queue chan<- event.Inbound) Hooks {
	return Hooks{
		Emit: func(eventType string, payload value.Map) bool {
			if ctx.Err() != nil {
				return false
			}
			if eventType == "" {
				return true
			}
			ev := event.Inbound{TenantID: e.tenantID, EventType: eventType, Payload: payload}
			select {
			case queue <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		},
		Refresh: func(creds Credentials) {
			m.refresh(ctx, e, creds)
		},
	}
}

// handoff drains the session queue into the sink until the session ends.
func (m *Manager) handoff(ctx context.Context, queue <-chan event.Inbound) {
	for {
		select {
		case ev := <-queue:
			m.sink(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-queue:
					m.sink(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) sink(ev event.Inbound) {
	if m.deps.Sink != nil {
		m.deps.Sink(ev)
	}
}

func (m *Manager) runSession(ctx context.Context, e *entry, sess Session) {
	err := sess.Run(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("connection closed by remote")
	}
	m.fail(e, classify(err))
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	cancel()
}

func (m *Manager) refresh(ctx context.Context, e *entry, creds Credentials) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if creds.Extra == nil {
		creds.Extra = e.creds.Extra
	}
	e.creds = creds
	e.mu.Unlock()

	if m.deps.Credentials == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := m.deps.Credentials.SaveCredentials(saveCtx, e.tenantID, creds); err != nil {
		m.log.Error("credential refresh not persisted", logx.Tenant(e.tenantID), logx.Err(err))
		return
	}
	m.log.Info("credentials refreshed", logx.Tenant(e.tenantID), logx.Time("expires_at", creds.ExpiresAt))
}

// Disconnect tears down the tenant's connection and forgets it. Safe to call
// for unknown tenants.
func (m *Manager) Disconnect(tenantID string) error {
	m.rejected.Delete(tenantID)
	e, ok := m.entries.LoadAndDelete(tenantID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	prev := e.state
	e.closed = true
	e.state = StateDisconnected
	sess := e.session
	e.session = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			err = fmt.Errorf("%w: close: %w", ErrTransport, cerr)
		}
	}
	m.log.Info("upstream disconnected", logx.Tenant(tenantID), logx.String("from", prev.String()))
	m.publish(EventDisconnected, e)
	return err
}

func (m *Manager) Status(tenantID string) Status {
	e, ok := m.entries.Load(tenantID)
	if !ok {
		reason, _ := m.rejected.Load(tenantID)
		return Status{TenantID: tenantID, State: StateDisconnected.String(), Error: reason}
	}
	return e.status()
}

// Tenants returns the status of every known tenant, sorted by id.
func (m *Manager) Tenants() []Status {
	out := make([]Status, 0, m.entries.Size())
	m.entries.Range(func(_ string, e *entry) bool {
		out = append(out, e.status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Shutdown disconnects every tenant.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	m.entries.Range(func(id string, _ *entry) bool {
		if err := m.Disconnect(id); err != nil {
			errs = append(errs, err)
		}
		return ctx.Err() == nil
	})
	m.baseCancel()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) spawn(name string, fn func(ctx context.Context) error) {
	if m.deps.Runner != nil {
		m.deps.Runner.Go(name, fn)
		return
	}
	go func() { _ = fn(context.Background()) }()
}

func (m *Manager) publish(typ string, e *entry) {
	m.deps.Bus.Publish(eventbus.Event{Type: typ, TenantID: e.tenantID, Data: e.status()})
}
