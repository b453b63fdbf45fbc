package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
	block chan struct{}
}

func (f *fakeProber) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeProber) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) listen(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestSubscribeDeliversCurrentState(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Second)
	rec := &recorder{}

	unsub := m.Subscribe(rec.listen)
	defer unsub()

	states := rec.snapshot()
	if len(states) != 1 {
		t.Fatalf("Expected immediate callback, got %d", len(states))
	}
	if states[0].Online() || !states[0].NetworkAvailable {
		t.Errorf("Unexpected initial state: %+v", states[0])
	}
}

func TestCheckReachability(t *testing.T) {
	p := &fakeProber{}
	m := NewMonitor(p, time.Second)
	rec := &recorder{}
	m.Subscribe(rec.listen)

	if !m.CheckReachability(context.Background()) || !m.IsOnline() {
		t.Fatal("Expected online after successful probe")
	}

	p.setErr(errors.New("connection refused"))
	if m.CheckReachability(context.Background()) || m.IsOnline() {
		t.Fatal("Expected offline after failed probe")
	}

	// Initial callback + online + offline.
	if n := len(rec.snapshot()); n != 3 {
		t.Errorf("Expected 3 notifications, got %d", n)
	}

	// Same state again is not a change.
	m.CheckReachability(context.Background())
	if n := len(rec.snapshot()); n != 3 {
		t.Errorf("Expected no notification for unchanged state, got %d", n)
	}
}

func TestProbeTimeoutMarksUnreachable(t *testing.T) {
	p := &fakeProber{block: make(chan struct{})}
	m := NewMonitor(p, 20*time.Millisecond)

	if m.CheckReachability(context.Background()) {
		t.Error("Expected timed out probe to report unreachable")
	}
	if m.IsOnline() {
		t.Error("Expected offline after probe timeout")
	}
}

func TestNetworkDownNotifiesSynchronously(t *testing.T) {
	p := &fakeProber{}
	m := NewMonitor(p, time.Second)
	m.CheckReachability(context.Background())

	rec := &recorder{}
	m.Subscribe(rec.listen)

	m.SetNetworkAvailable(false)

	states := rec.snapshot()
	if len(states) != 2 {
		t.Fatalf("Expected synchronous notification, got %d states", len(states))
	}
	last := states[1]
	if last.NetworkAvailable || last.Reachable {
		t.Errorf("Expected network down to force unreachable, got %+v", last)
	}
	if m.IsNetworkAvailable() {
		t.Error("Expected IsNetworkAvailable to be false")
	}
}

func TestNetworkUpProbesBeforeNotifying(t *testing.T) {
	p := &fakeProber{}
	m := NewMonitor(p, time.Second)
	m.SetNetworkAvailable(false)

	rec := &recorder{}
	m.Subscribe(rec.listen)

	m.SetNetworkAvailable(true)
	m.Wait()

	states := rec.snapshot()
	if len(states) != 2 {
		t.Fatalf("Expected one notification after probe, got %d states", len(states))
	}
	if !states[1].Online() {
		t.Errorf("Expected online state after probe, got %+v", states[1])
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Second)
	rec := &recorder{}
	unsub := m.Subscribe(rec.listen)
	unsub()
	unsub()

	m.CheckReachability(context.Background())
	if n := len(rec.snapshot()); n != 1 {
		t.Errorf("Expected only the initial callback, got %d", n)
	}
}

func TestPeriodicChecks(t *testing.T) {
	p := &fakeProber{}
	m := NewMonitor(p, time.Second)

	m.StartPeriodicChecks(5 * time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for !m.IsOnline() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.StopPeriodicChecks()
	m.StopPeriodicChecks()

	if !m.IsOnline() {
		t.Error("Expected periodic check to bring monitor online")
	}
}

func TestInterfaceWatcherReportsChanges(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Second)
	up := true
	w := NewInterfaceWatcher(m, time.Hour, func() (bool, error) { return up, nil })

	w.Poll()
	m.Wait()
	if !m.IsOnline() {
		t.Fatal("Expected online after interface reported up")
	}

	up = false
	w.Poll()
	if m.IsNetworkAvailable() || m.IsOnline() {
		t.Error("Expected offline after interface reported down")
	}
}
