// Package connectivity tracks whether the device has a network and whether
// the sync server answers on it.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"excursion-sync-service/internal/logger"
)

// Prober actively checks server reachability. It must not retry internally.
type Prober interface {
	Probe(ctx context.Context) error
}

type State struct {
	NetworkAvailable bool      `json:"networkAvailable"`
	Reachable        bool      `json:"reachable"`
	LastCheckedAt    time.Time `json:"lastCheckedAt"`
}

// Online is network present and the last probe succeeded.
func (s State) Online() bool {
	return s.NetworkAvailable && s.Reachable
}

type Listener func(State)

type Monitor struct {
	prober  Prober
	timeout time.Duration

	mu        sync.Mutex
	network   bool
	reachable bool
	checkedAt time.Time
	notified  State
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64

	tickerMu sync.Mutex
	stopCh   chan struct{}
	probes   sync.WaitGroup
}

// NewMonitor starts with the network assumed present and the server
// unreachable until the first probe says otherwise.
func NewMonitor(prober Prober, probeTimeout time.Duration) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	m := &Monitor{
		prober:    prober,
		timeout:   probeTimeout,
		network:   true,
		listeners: make(map[uint64]Listener),
	}
	m.notified = m.snapshotLocked()
	return m
}

func (m *Monitor) IsOnline() bool {
	return m.State().Online()
}

func (m *Monitor) IsNetworkAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// CheckReachability probes the server within the probe timeout. Failure,
// including timeout, marks the server unreachable; it never returns an error.
func (m *Monitor) CheckReachability(ctx context.Context) bool {
	m.mu.Lock()
	network := m.network
	m.mu.Unlock()

	reachable := false
	if network {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			logger.Log.Debug("Reachability probe failed", zap.Error(err))
		}
		reachable = err == nil
	}

	m.mu.Lock()
	// The network may have dropped while the probe was in flight.
	m.reachable = reachable && m.network
	m.checkedAt = time.Now().UTC()
	m.mu.Unlock()

	m.notifyIfChanged()
	return reachable
}

// SetNetworkAvailable records a raw network change. Losing the network
// notifies listeners before returning; regaining it probes the server in the
// background and notifies once the probe completes.
func (m *Monitor) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	was := m.network
	m.network = available
	if !available {
		m.reachable = false
	}
	m.mu.Unlock()

	if !available {
		if was {
			logger.Log.Info("Network lost")
		}
		m.notifyIfChanged()
		return
	}

	if !was {
		logger.Log.Info("Network available, probing server")
	}
	m.probes.Add(1)
	go func() {
		defer m.probes.Done()
		m.CheckReachability(context.Background())
	}()
}

// Subscribe calls fn with the current state immediately, then on every
// change. The returned func unsubscribes.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.order = append(m.order, id)
	current := m.snapshotLocked()
	m.mu.Unlock()

	call(fn, current)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.listeners[id]; !ok {
			return
		}
		delete(m.listeners, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// StartPeriodicChecks probes every interval until StopPeriodicChecks.
// Calling it again replaces the running ticker.
func (m *Monitor) StartPeriodicChecks(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.StopPeriodicChecks()

	m.tickerMu.Lock()
	defer m.tickerMu.Unlock()

	stop := make(chan struct{})
	m.stopCh = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckReachability(context.Background())
			case <-stop:
				return
			}
		}
	}()
	logger.Log.Info("Started periodic reachability checks", zap.Duration("interval", interval))
}

func (m *Monitor) StopPeriodicChecks() {
	m.tickerMu.Lock()
	defer m.tickerMu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

// Wait blocks until background probes started by SetNetworkAvailable finish.
func (m *Monitor) Wait() {
	m.probes.Wait()
}

func (m *Monitor) notifyIfChanged() {
	m.mu.Lock()
	current := m.snapshotLocked()
	prev := m.notified
	if current.NetworkAvailable == prev.NetworkAvailable && current.Reachable == prev.Reachable {
		m.mu.Unlock()
		return
	}
	m.notified = current
	listeners := make([]Listener, 0, len(m.order))
	for _, id := range m.order {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	logger.Log.Info("Connectivity changed",
		zap.Bool("network", current.NetworkAvailable),
		zap.Bool("reachable", current.Reachable),
	)
	for _, fn := range listeners {
		call(fn, current)
	}
}

func (m *Monitor) snapshotLocked() State {
	return State{
		NetworkAvailable: m.network,
		Reachable:        m.reachable,
		LastCheckedAt:    m.checkedAt,
	}
}

func call(fn Listener, s State) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Connectivity listener panicked", zap.Any("panic", r))
		}
	}()
	fn(s)
}
