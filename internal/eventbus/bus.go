// Package eventbus is an in-process, non-blocking signal bus used to decouple
// lifecycle producers (upstream sessions) from observers (metrics, logs,
// reports).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Event is a small lifecycle signal.
//
// Publish never blocks: subscribers own buffered channels and a slow
// subscriber loses events instead of stalling the producer.
type Event struct {
	Type     string
	TenantID string
	Time     time.Time
	Data     any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: xsync.NewMapOf[uint64, *subscriber]()}
}

type subscriber struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

type memBus struct {
	subs    *xsync.MapOf[uint64, *subscriber]
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.subs.Range(func(_ uint64, s *subscriber) bool {
		s.mu.RLock()
		if !s.closed {
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}
		s.mu.RUnlock()
		return true
	})
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)
	b.subs.Store(id, s)

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.subs.Delete(id)
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
