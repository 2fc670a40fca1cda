package display

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertbot/internal/event"
	"alertbot/internal/value"
)

type fakeSocket struct {
	mu       sync.Mutex
	msgs     [][]byte
	closed   bool
	failSend bool
	notOpen  bool
	// afterRetire flips once the test has unregistered the connection.
	afterRetire *atomic.Bool
	lateSends   atomic.Int32
}

func (s *fakeSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.notOpen && !s.closed
}

func (s *fakeSocket) Send(_ context.Context, data []byte) error {
	if s.afterRetire != nil && s.afterRetire.Load() {
		s.lateSends.Add(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("broken pipe")
	}
	s.msgs = append(s.msgs, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = string(m)
	}
	return out
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func alertEnvelope(n int) event.Envelope {
	return event.Envelope{Method: event.MethodCustomAlert, Data: value.Map{"n": value.Int(n)}}
}

func TestBroadcastSendsIdenticalBytesAndPrunesFailures(t *testing.T) {
	p := NewPool(Options{})
	live := []*fakeSocket{{}, {}, {}}
	broken := &fakeSocket{failSend: true}
	stale := &fakeSocket{notOpen: true}
	for i, s := range live {
		p.Register("t1", fmt.Sprintf("live-%d", i), s)
	}
	p.Register("t1", "broken", broken)
	p.Register("t1", "stale", stale)
	other := &fakeSocket{}
	p.Register("t2", "other", other)

	res := p.Broadcast(context.Background(), "t1", alertEnvelope(1))
	if res != (Result{Sent: 3, Pruned: 2}) {
		t.Fatalf("result = %+v", res)
	}
	want := `{"method":"customAlert","data":{"n":1}}`
	for i, s := range live {
		if got := s.messages(); len(got) != 1 || got[0] != want {
			t.Fatalf("live %d got %v", i, got)
		}
	}
	if !broken.isClosed() || !stale.isClosed() {
		t.Fatalf("pruned sockets should be closed")
	}
	if p.Count("t1") != 3 {
		t.Fatalf("count = %d, want 3", p.Count("t1"))
	}
	if len(other.messages()) != 0 {
		t.Fatalf("other tenant received a message")
	}

	res = p.Broadcast(context.Background(), "t1", alertEnvelope(2))
	if res != (Result{Sent: 3}) {
		t.Fatalf("second result = %+v", res)
	}
}

func TestBroadcastWithoutConnectionsIsNoop(t *testing.T) {
	p := NewPool(Options{})
	if res := p.Broadcast(context.Background(), "nobody", alertEnvelope(1)); res != (Result{}) {
		t.Fatalf("result = %+v", res)
	}
}

func TestBroadcastPreservesOrderPerConnection(t *testing.T) {
	p := NewPool(Options{})
	a, b := &fakeSocket{}, &fakeSocket{}
	p.Register("t1", "a", a)
	p.Register("t1", "b", b)

	for i := 0; i < 50; i++ {
		p.Broadcast(context.Background(), "t1", alertEnvelope(i))
	}
	for _, s := range []*fakeSocket{a, b} {
		msgs := s.messages()
		if len(msgs) != 50 {
			t.Fatalf("got %d messages", len(msgs))
		}
		for i, m := range msgs {
			if want := fmt.Sprintf(`{"method":"customAlert","data":{"n":%d}}`, i); m != want {
				t.Fatalf("message %d = %s", i, m)
			}
		}
	}
}

func TestUnregisterRemovesEmptyTenant(t *testing.T) {
	p := NewPool(Options{})
	p.Register("t1", "a", &fakeSocket{})
	p.Register("t1", "b", &fakeSocket{})

	p.Unregister("t1", "a")
	if got := p.Tenants(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("tenants = %v", got)
	}
	p.Unregister("t1", "b")
	p.Unregister("t1", "b")
	p.Unregister("missing", "x")
	if got := p.Tenants(); len(got) != 0 {
		t.Fatalf("tenants = %v, want none", got)
	}
	if p.buckets.Size() != 0 {
		t.Fatalf("empty bucket left behind")
	}
}

func TestRegisterSameIDReplacesConnection(t *testing.T) {
	p := NewPool(Options{})
	old, repl := &fakeSocket{}, &fakeSocket{}
	p.Register("t1", "c", old)
	p.Register("t1", "c", repl)

	if !old.isClosed() {
		t.Fatalf("replaced socket should be closed")
	}
	if res := p.Broadcast(context.Background(), "t1", alertEnvelope(1)); res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(old.messages()) != 0 || len(repl.messages()) != 1 {
		t.Fatalf("delivery went to the wrong socket")
	}
}

func TestNoSendAfterUnregister(t *testing.T) {
	p := NewPool(Options{})
	const conns = 16

	sockets := make([]*fakeSocket, conns)
	for i := range sockets {
		sockets[i] = &fakeSocket{afterRetire: &atomic.Bool{}}
		p.Register("t1", fmt.Sprintf("c%d", i), sockets[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				p.Broadcast(ctx, "t1", alertEnvelope(i))
			}
		}()
	}

	for i, s := range sockets {
		p.Unregister("t1", fmt.Sprintf("c%d", i))
		s.afterRetire.Store(true)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()

	for i, s := range sockets {
		if n := s.lateSends.Load(); n != 0 {
			t.Fatalf("socket %d received %d sends after Unregister", i, n)
		}
	}
	if len(p.Tenants()) != 0 {
		t.Fatalf("tenant bucket should be gone")
	}
}

func TestConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	p := NewPool(Options{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			tenant := fmt.Sprintf("t%d", w%3)
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				p.Register(tenant, id, &fakeSocket{})
				p.Broadcast(context.Background(), tenant, alertEnvelope(i))
				p.Unregister(tenant, id)
			}
		}(w)
	}
	wg.Wait()

	if got := p.Tenants(); len(got) != 0 {
		t.Fatalf("tenants left: %v", got)
	}
	if len(p.Stats()) != 0 {
		t.Fatalf("stats not empty: %v", p.Stats())
	}
}

func TestLivenessLoopSendsKeepAlive(t *testing.T) {
	p := NewPool(Options{})
	s := &fakeSocket{}
	p.Register("t1", "c", s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.LivenessLoop(ctx, "t1", "c", 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for len(s.messages()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("no keep-alives sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("LivenessLoop: %v", err)
	}
	if got := s.messages()[0]; got != `{"method":"ping","data":{}}` {
		t.Fatalf("keep-alive = %s", got)
	}
}

func TestLivenessLoopPrunesOnFailure(t *testing.T) {
	p := NewPool(Options{})
	s := &fakeSocket{failSend: true}
	p.Register("t1", "c", s)

	err := p.LivenessLoop(context.Background(), "t1", "c", time.Millisecond)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if p.Count("t1") != 0 || !s.isClosed() {
		t.Fatalf("connection not pruned")
	}
}

func TestLivenessLoopStopsAfterUnregister(t *testing.T) {
	p := NewPool(Options{})
	p.Register("t1", "c", &fakeSocket{})
	p.Unregister("t1", "c")

	if err := p.LivenessLoop(context.Background(), "t1", "c", time.Millisecond); err != nil {
		t.Fatalf("err = %v", err)
	}
}

type countingObserver struct {
	conns, sent, pruned atomic.Int64
}

func (o *countingObserver) ObserveBroadcast(sent, pruned int) {
	o.sent.Add(int64(sent))
	o.pruned.Add(int64(pruned))
}

func (o *countingObserver) ObserveConnections(delta int) { o.conns.Add(int64(delta)) }

func TestObserverTracksConnections(t *testing.T) {
	obs := &countingObserver{}
	p := NewPool(Options{Observer: obs})
	p.Register("t1", "a", &fakeSocket{})
	p.Register("t1", "b", &fakeSocket{failSend: true})
	p.Broadcast(context.Background(), "t1", alertEnvelope(1))
	if obs.conns.Load() != 1 || obs.sent.Load() != 1 || obs.pruned.Load() != 1 {
		t.Fatalf("observer conns=%d sent=%d pruned=%d", obs.conns.Load(), obs.sent.Load(), obs.pruned.Load())
	}
	if n := p.CloseAll(); n != 1 || obs.conns.Load() != 0 {
		t.Fatalf("CloseAll = %d, conns = %d", n, obs.conns.Load())
	}
}
