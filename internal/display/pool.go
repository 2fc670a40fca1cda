// Package display owns the viewer-facing websocket connections of every tenant
// and fans envelopes out to them.
//
// Tenants are independent: each has its own bucket, created on first Register
// and removed when its last connection goes away. Sends to one connection are
// serialized, so envelopes broadcast by one caller arrive in order.
package display

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"alertbot/internal/event"
	logx "alertbot/pkg/logx"
)

// ErrSendFailed is returned by LivenessLoop when the keep-alive could not be
// delivered and the connection was pruned.
var ErrSendFailed = errors.New("display: send failed")

// Socket is one outbound viewer connection.
type Socket interface {
	IsOpen() bool
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Observer receives pool activity (metrics).
type Observer interface {
	ObserveBroadcast(sent, pruned int)
	ObserveConnections(delta int)
}

// Result of one Broadcast pass.
type Result struct {
	Sent   int `json:"sent"`
	Pruned int `json:"pruned"`
}

type Conn struct {
	TenantID    string
	ID          string
	ConnectedAt time.Time

	socket   Socket
	lastSeen atomic.Int64

	writeMu sync.Mutex
	removed bool // guarded by writeMu
}

// LastSeen is the last time the viewer sent anything (or registration time).
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

type sendStatus int

const (
	sendOK sendStatus = iota
	sendFailed
	sendSkipped
)

func (c *Conn) send(ctx context.Context, data []byte) (sendStatus, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.removed {
		return sendSkipped, nil
	}
	if !c.socket.IsOpen() {
		return sendFailed, errors.New("socket not open")
	}
	if err := c.socket.Send(ctx, data); err != nil {
		return sendFailed, err
	}
	return sendOK, nil
}

// retire blocks until any in-flight send finishes; later sends are skipped.
func (c *Conn) retire() {
	c.writeMu.Lock()
	c.removed = true
	c.writeMu.Unlock()
}

type bucket struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func (b *bucket) snapshot() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

type Options struct {
	// SendTimeout bounds one Broadcast pass; zero means the caller's context only.
	SendTimeout time.Duration
	Logger      logx.Logger
	Observer    Observer
}

type Pool struct {
	buckets *xsync.MapOf[string, *bucket]
	opts    Options
	log     logx.Logger
	now     func() time.Time
}

func NewPool(opts Options) *Pool {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		buckets: xsync.NewMapOf[string, *bucket](),
		opts:    opts,
		log:     log.With(logx.String("comp", "display")),
		now:     time.Now,
	}
}

// Register adds socket under (tenantID, connID). A duplicate id replaces the
// previous connection, which is retired and closed.
func (p *Pool) Register(tenantID, connID string, socket Socket) {
	c := &Conn{TenantID: tenantID, ID: connID, ConnectedAt: p.now(), socket: socket}
	c.lastSeen.Store(c.ConnectedAt.UnixNano())

	var replaced *Conn
	p.buckets.Compute(tenantID, func(b *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			b = &bucket{conns: map[string]*Conn{}}
		}
		b.mu.Lock()
		replaced = b.conns[connID]
		b.conns[connID] = c
		b.mu.Unlock()
		return b, false
	})
	if replaced != nil {
		replaced.retire()
		_ = replaced.socket.Close()
	} else {
		p.observeConns(1)
	}
	p.log.Debug("display connection registered", logx.Tenant(tenantID), logx.String("conn", connID))
}

// Unregister removes the connection. Once it returns no further envelope is
// written to it. Unknown ids are ignored.
func (p *Pool) Unregister(tenantID, connID string) {
	if c := p.remove(tenantID, connID, nil); c != nil {
		c.retire()
		p.log.Debug("display connection unregistered", logx.Tenant(tenantID), logx.String("conn", connID))
	}
}

// remove deletes connID from the tenant bucket (only if it is still want, when
// want is non-nil) and drops the bucket once empty.
func (p *Pool) remove(tenantID, connID string, want *Conn) *Conn {
	var gone *Conn
	p.buckets.Compute(tenantID, func(b *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			return nil, true
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.conns[connID]; ok && (want == nil || c == want) {
			delete(b.conns, connID)
			gone = c
		}
		return b, len(b.conns) == 0
	})
	if gone != nil {
		p.observeConns(-1)
	}
	return gone
}

// prune removes failed connections in one step per tenant and closes them.
func (p *Pool) prune(tenantID string, dead []*Conn) {
	if len(dead) == 0 {
		return
	}
	var gone []*Conn
	p.buckets.Compute(tenantID, func(b *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			return nil, true
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, c := range dead {
			if cur, ok := b.conns[c.ID]; ok && cur == c {
				delete(b.conns, c.ID)
				gone = append(gone, c)
			}
		}
		return b, len(b.conns) == 0
	})
	if len(gone) > 0 {
		p.observeConns(-len(gone))
	}
	for _, c := range gone {
		c.retire()
		_ = c.socket.Close()
	}
}

// Broadcast encodes env once and sends it to every connection of the tenant
// concurrently. Connections that are closed or fail are pruned after the pass.
// Failures are reported in the result, never as an error.
func (p *Pool) Broadcast(ctx context.Context, tenantID string, env event.Envelope) Result {
	b, ok := p.buckets.Load(tenantID)
	if !ok {
		p.log.Debug("broadcast skipped; no display connections", logx.Tenant(tenantID), logx.String("method", env.Method))
		return Result{}
	}
	conns := b.snapshot()
	if len(conns) == 0 {
		p.log.Debug("broadcast skipped; no display connections", logx.Tenant(tenantID), logx.String("method", env.Method))
		return Result{}
	}

	data, err := env.Encode()
	if err != nil {
		p.log.Error("envelope encode failed", logx.Tenant(tenantID), logx.String("method", env.Method), logx.Err(err))
		return Result{}
	}

	if p.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SendTimeout)
		defer cancel()
	}

	statuses := make([]sendStatus, len(conns))
	var wg sync.WaitGroup
	wg.Add(len(conns))
	for i, c := range conns {
		go func(i int, c *Conn) {
			defer wg.Done()
			st, err := c.send(ctx, data)
			statuses[i] = st
			if err != nil {
				p.log.Warn("display send failed; pruning", logx.Tenant(tenantID), logx.String("conn", c.ID), logx.Err(err))
			}
		}(i, c)
	}
	wg.Wait()

	var res Result
	var dead []*Conn
	for i, st := range statuses {
		switch st {
		case sendOK:
			res.Sent++
		case sendFailed:
			res.Pruned++
			dead = append(dead, conns[i])
		}
	}
	p.prune(tenantID, dead)

	if p.opts.Observer != nil {
		p.opts.Observer.ObserveBroadcast(res.Sent, res.Pruned)
	}
	p.log.Debug("broadcast done", logx.Tenant(tenantID), logx.String("method", env.Method),
		logx.Int("sent", res.Sent), logx.Int("pruned", res.Pruned))
	return res
}

// LivenessLoop sends a keep-alive envelope to one connection every interval
// until ctx ends or the connection is gone. A failed send prunes the
// connection and returns an error wrapping ErrSendFailed.
func (p *Pool) LivenessLoop(ctx context.Context, tenantID, connID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("display: liveness interval must be positive, got %s", interval)
	}
	c := p.lookup(tenantID, connID)
	if c == nil {
		return nil
	}
	data, err := event.Ping().Encode()
	if err != nil {
		return err
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		st, err := c.send(ctx, data)
		switch st {
		case sendSkipped:
			return nil
		case sendFailed:
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("keep-alive failed; pruning", logx.Tenant(tenantID), logx.String("conn", connID), logx.Err(err))
			p.prune(tenantID, []*Conn{c})
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}
}

// Touch records inbound activity on a connection.
func (p *Pool) Touch(tenantID, connID string) {
	if c := p.lookup(tenantID, connID); c != nil {
		c.lastSeen.Store(p.now().UnixNano())
	}
}

func (p *Pool) lookup(tenantID, connID string) *Conn {
	b, ok := p.buckets.Load(tenantID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[connID]
}

// Count returns the number of live connections of a tenant.
func (p *Pool) Count(tenantID string) int {
	b, ok := p.buckets.Load(tenantID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Tenants lists tenants with at least one connection, sorted.
func (p *Pool) Tenants() []string {
	out := make([]string, 0, p.buckets.Size())
	p.buckets.Range(func(id string, _ *bucket) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out
}

// Stats returns connection counts per tenant.
func (p *Pool) Stats() map[string]int {
	out := map[string]int{}
	p.buckets.Range(func(id string, b *bucket) bool {
		b.mu.Lock()
		if n := len(b.conns); n > 0 {
			out[id] = n
		}
		b.mu.Unlock()
		return true
	})
	return out
}

// CloseAll closes and removes every connection (shutdown).
func (p *Pool) CloseAll() int {
	n := 0
	for _, tenantID := range p.Tenants() {
		b, ok := p.buckets.Load(tenantID)
		if !ok {
			continue
		}
		conns := b.snapshot()
		p.prune(tenantID, conns)
		n += len(conns)
	}
	return n
}

func (p *Pool) observeConns(delta int) {
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveConnections(delta)
	}
}
