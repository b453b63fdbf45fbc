package connectivity

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"excursion-sync-service/internal/logger"
)

// NetworkFunc reports whether any usable network is attached.
type NetworkFunc func() (bool, error)

// InterfaceWatcher polls the host's network interfaces and feeds raw
// availability changes into a Monitor.
type InterfaceWatcher struct {
	monitor  *Monitor
	interval time.Duration
	detect   NetworkFunc

	mu      sync.Mutex
	last    *bool
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

func NewInterfaceWatcher(m *Monitor, interval time.Duration, detect NetworkFunc) *InterfaceWatcher {
	if detect == nil {
		detect = HasUsableInterface
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &InterfaceWatcher{monitor: m, interval: interval, detect: detect}
}

func (w *InterfaceWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	stop := w.stopCh

	w.stopped.Add(1)
	go func() {
		defer w.stopped.Done()
		w.Poll()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Poll()
			case <-stop:
				return
			}
		}
	}()
}

func (w *InterfaceWatcher) Stop() {
	w.mu.Lock()
	if w.stopCh != nil {
		close(w.stopCh)
		w.stopCh = nil
	}
	w.mu.Unlock()
	w.stopped.Wait()
}

// Poll checks the interfaces once and reports a change to the monitor.
func (w *InterfaceWatcher) Poll() {
	up, err := w.detect()
	if err != nil {
		logger.Log.Warn("Failed to inspect network interfaces", zap.Error(err))
		return
	}

	w.mu.Lock()
	changed := w.last == nil || *w.last != up
	w.last = &up
	w.mu.Unlock()

	if changed {
		w.monitor.SetNetworkAvailable(up)
	}
}

// HasUsableInterface is true when a non-loopback interface is up and has
// at least one address.
func HasUsableInterface() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}
