// Package dispatch moves decoded upstream events to the display pool without
// ever blocking the upstream decoder.
//
// Each tenant gets a lane: a bounded FIFO drained by one goroutine that exists
// only while the lane has work. Lanes keep per-tenant order; a global permit
// pool bounds how many events are enriched and broadcast at once, and a
// per-tenant token bucket caps each tenant's rate.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"alertbot/internal/display"
	"alertbot/internal/enrich"
	"alertbot/internal/event"
	logx "alertbot/pkg/logx"
)

const (
	defaultWorkers      = 8
	defaultQueueSize    = 128
	defaultEventTimeout = 10 * time.Second
)

// Drop reasons reported to the observer.
const (
	DropOverflow   = "overflow"
	DropNotRunning = "not_running"
)

type Config struct {
	// Workers bounds concurrent event processing across all tenants.
	Workers int
	// QueueSize bounds each tenant lane; the oldest event is dropped on overflow.
	QueueSize int
	// RatePerSec caps events per tenant; zero disables the cap.
	RatePerSec float64
	Burst      int
	// EventTimeout bounds enrichment plus broadcast of one event.
	EventTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = defaultEventTimeout
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RatePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RatePerSec)
}

type Enricher interface {
	Enrich(ctx context.Context, ev event.Inbound) (event.Envelope, enrich.Outcome)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID string, env event.Envelope) display.Result
}

// Observer receives dispatch activity (metrics).
type Observer interface {
	ObserveInbound(eventType string)
	ObserveDropped(reason string)
	ObserveDispatched(outcome string, took time.Duration)
}

type lane struct {
	queue  []event.Inbound
	active bool
}

type Stats struct {
	Running   bool   `json:"running"`
	Lanes     int    `json:"lanes"`
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"` // still queued when the dispatcher stopped
}

type Dispatcher struct {
	enricher Enricher
	pool     Broadcaster
	obs      Observer
	log      logx.Logger

	mu        sync.RWMutex
	cfg       Config
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	permits   chan struct{}
	wg        sync.WaitGroup

	lanes     *xsync.MapOf[string, *lane]
	limiters  *xsync.MapOf[string, *rate.Limiter]
	dropped   atomic.Uint64
	discarded atomic.Uint64
}

func New(cfg Config, enricher Enricher, pool Broadcaster, obs Observer, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		enricher: enricher,
		pool:     pool,
		obs:      obs,
		log:      log.With(logx.String("comp", "dispatch")),
		cfg:      cfg.normalized(),
		lanes:    xsync.NewMapOf[string, *lane](),
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

// Start enables dispatching. Calling it on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	d.permits = make(chan struct{}, d.cfg.Workers)
	d.running = true
	d.log.Info("dispatcher started", logx.Int("workers", d.cfg.Workers), logx.Int("queue", d.cfg.QueueSize),
		logx.Any("rate_per_sec", d.cfg.RatePerSec))
}

// Stop cancels in-flight work, waits for lanes to exit (bounded by ctx) and
// discards anything still queued.
func (d *Dispatcher) Stop(ctx context.Context) {
	start := time.Now()
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.runCancel
	d.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out; lanes still draining")
		return
	}

	before := d.discarded.Load()
	d.lanes.Range(func(_ string, l *lane) bool {
		d.discarded.Add(uint64(len(l.queue)))
		return true
	})
	d.lanes.Clear()
	d.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)),
		logx.Uint64("discarded", d.discarded.Load()-before))
}

// Apply updates the per-tenant rate live. Workers and QueueSize changes need
// a restart.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.normalized()
	d.mu.Lock()
	prev := d.cfg
	d.cfg.RatePerSec = cfg.RatePerSec
	d.cfg.Burst = cfg.Burst
	d.cfg.EventTimeout = cfg.EventTimeout
	d.mu.Unlock()

	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		d.log.Warn("dispatch workers/queue_size change requires restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
	}
	d.limiters.Range(func(_ string, l *rate.Limiter) bool {
		l.SetLimit(cfg.limit())
		l.SetBurst(cfg.Burst)
		return true
	})
}

// OnInboundEvent queues ev on its tenant lane and returns immediately.
func (d *Dispatcher) OnInboundEvent(ev event.Inbound) {
	if d.obs != nil {
		d.obs.ObserveInbound(ev.EventType)
	}

	d.mu.RLock()
	if !d.running {
		d.mu.RUnlock()
		d.drop(ev, DropNotRunning)
		return
	}
	queueSize := d.cfg.QueueSize
	ctx := d.runCtx

	var start, overflow bool
	var evicted event.Inbound
	l, _ := d.lanes.Compute(ev.TenantID, func(l *lane, loaded bool) (*lane, bool) {
		if !loaded {
			l = &lane{}
		}
		if len(l.queue) >= queueSize {
			evicted = l.queue[0]
			l.queue[0] = event.Inbound{}
			l.queue = l.queue[1:]
			overflow = true
		}
		l.queue = append(l.queue, ev)
		if !l.active {
			l.active = true
			start = true
		}
		return l, false
	})
	if start {
		d.wg.Add(1)
	}
	d.mu.RUnlock()

	if overflow {
		d.drop(evicted, DropOverflow)
	}
	if start {
		go d.drain(ctx, ev.TenantID, l)
	}
}

func (d *Dispatcher) drop(ev event.Inbound, reason string) {
	n := d.dropped.Add(1)
	if d.obs != nil {
		d.obs.ObserveDropped(reason)
	}
	// Log the first drop and then every 100th to keep floods quiet.
	if n == 1 || n%100 == 0 {
		d.log.Warn("inbound event dropped", logx.Tenant(ev.TenantID), logx.String("event_type", ev.EventType),
			logx.String("reason", reason), logx.Uint64("dropped_total", n))
	}
}

// drain processes the lane until it is empty, then removes it.
func (d *Dispatcher) drain(ctx context.Context, tenantID string, l *lane) {
	defer d.wg.Done()
	for {
		var ev event.Inbound
		var ok bool
		d.lanes.Compute(tenantID, func(cur *lane, loaded bool) (*lane, bool) {
			if !loaded || cur != l {
				return cur, !loaded
			}
			if len(l.queue) == 0 || ctx.Err() != nil {
				d.discarded.Add(uint64(len(l.queue)))
				l.active = false
				return nil, true
			}
			ev = l.queue[0]
			l.queue[0] = event.Inbound{}
			l.queue = l.queue[1:]
			ok = true
			return l, false
		})
		if !ok {
			return
		}
		d.process(ctx, ev)
	}
}

func (d *Dispatcher) process(ctx context.Context, ev event.Inbound) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while dispatching event", logx.Tenant(ev.TenantID), logx.String("event_type", ev.EventType),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if err := d.limiter(ev.TenantID).Wait(ctx); err != nil {
		return
	}
	select {
	case d.permits <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.permits }()

	d.mu.RLock()
	timeout := d.cfg.EventTimeout
	d.mu.RUnlock()
	evCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, outcome := d.enricher.Enrich(evCtx, ev)
	if outcome != enrich.OutcomeSuppressed {
		d.pool.Broadcast(evCtx, ev.TenantID, env)
	}
	if d.obs != nil {
		d.obs.ObserveDispatched(outcome.String(), time.Since(start))
	}
}

func (d *Dispatcher) limiter(tenantID string) *rate.Limiter {
	l, _ := d.limiters.LoadOrCompute(tenantID, func() *rate.Limiter {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return rate.NewLimiter(d.cfg.limit(), d.cfg.Burst)
	})
	return l
}

// Forget drops per-tenant state kept between lanes (the rate limiter).
func (d *Dispatcher) Forget(tenantID string) {
	d.limiters.Delete(tenantID)
}

func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	st := Stats{Running: d.running, Dropped: d.dropped.Load(), Discarded: d.discarded.Load()}
	if d.permits != nil {
		st.InFlight = len(d.permits)
	}
	d.mu.RUnlock()
	// Queue lengths are read under each lane's map lock.
	for _, id := range d.laneIDs() {
		d.lanes.Compute(id, func(l *lane, loaded bool) (*lane, bool) {
			if loaded {
				st.Lanes++
				st.Queued += len(l.queue)
			}
			return l, !loaded
		})
	}
	return st
}

func (d *Dispatcher) laneIDs() []string {
	var ids []string
	d.lanes.Range(func(id string, _ *lane) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}
