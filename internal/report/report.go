// Package report periodically logs a snapshot of the fan-out state (live
// upstream sessions, display connections, dispatcher backlog) on a cron
// schedule.
package report

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "alertbot/pkg/logx"
)

const collectTimeout = 5 * time.Second

type Config struct {
	Enabled  bool
	Schedule string // cron spec or descriptor ("@every 5m", "@hourly")
	Timezone string
}

type TenantSnapshot struct {
	TenantID  string `json:"tenant_id"`
	Upstream  string `json:"upstream"`
	Transport string `json:"transport,omitempty"`
	Displays  int    `json:"displays"`
}

type Snapshot struct {
	At              time.Time        `json:"at"`
	Tenants         []TenantSnapshot `json:"tenants"`
	Connected       int              `json:"connected"`
	Displays        int              `json:"displays"`
	DispatchQueued  int              `json:"dispatch_queued"`
	DispatchDropped uint64           `json:"dispatch_dropped"`
	BusDropped      uint64           `json:"bus_dropped"`
}

// Collector gathers a snapshot. It must honor ctx.
type Collector func(ctx context.Context) Snapshot

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a schedule spec.
func ParseSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return errors.New("empty schedule")
	}
	_, err := parser.Parse(spec)
	return err
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	collect Collector
	log     logx.Logger

	c      *cron.Cron
	runCtx context.Context

	lastMu sync.RWMutex
	last   Snapshot
}

func New(cfg Config, collect Collector, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, collect: collect, log: log.With(logx.String("comp", "report"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start schedules the report. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.runCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.location()
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	ctx := s.runCtx
	if _, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() { s.tick(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("report scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("report stop timed out; a run is still in flight")
	}
	s.c = nil
}

// Stop unschedules the report and waits for a running collection (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.stopLocked(ctx)
	s.log.Info("report stopped")
}

// Apply reschedules on schedule, timezone or enabled changes.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if err := ParseSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if prev == cfg || s.runCtx == nil {
		return nil
	}
	s.stopLocked(s.runCtx)
	if !cfg.Enabled {
		s.log.Info("report disabled via config")
		return nil
	}
	return s.startLocked()
}

// RunNow collects and logs a snapshot immediately.
func (s *Service) RunNow(ctx context.Context) Snapshot {
	cctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()
	snap := s.collect(cctx)
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	s.lastMu.Lock()
	s.last = snap
	s.lastMu.Unlock()

	s.log.Info("fan-out report",
		logx.Int("tenants", len(snap.Tenants)),
		logx.Int("connected", snap.Connected),
		logx.Int("displays", snap.Displays),
		logx.Int("dispatch_queued", snap.DispatchQueued),
		logx.Uint64("dispatch_dropped", snap.DispatchDropped),
		logx.Uint64("bus_dropped", snap.BusDropped),
	)
	for _, t := range snap.Tenants {
		s.log.Debug("tenant report", logx.Tenant(t.TenantID), logx.String("upstream", t.Upstream),
			logx.String("transport", t.Transport), logx.Int("displays", t.Displays))
	}
	return snap
}

// Last returns the most recent snapshot.
func (s *Service) Last() Snapshot {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in report", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	s.RunNow(ctx)
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
