// Package connectivity tracks online/offline transitions and triggers sync.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mvelasco/posqueue/internal/logging"
)

// State is the connectivity state.
type State string

const (
	StateOffline State = "offline"
	StateOnline  State = "online"
)

// Probe reports whether the remote API is currently reachable.
type Probe func(ctx context.Context) bool

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Monitor is a two-state machine over connectivity. Offline-to-online
// transitions are debounced: callbacks fire once the connection has stayed up
// for the debounce window, so a flapping link doesn't trigger a sync storm.
// Online-to-offline fires immediately, so an in-progress drain can stop
// instead of failing against a dead connection.
//
// Transitions come from the host application via SetOnline, or from the
// periodic probe loop when Start is given a Probe.
type Monitor struct {
	mu        sync.Mutex
	state     State
	debounce  time.Duration
	onOnline  []func()
	onOffline []func()

	// pendingOnline is the armed debounce timer for an offline-to-online
	// transition, nil when none is pending.
	pendingOnline *time.Timer

	probeInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	running       bool

	log zerolog.Logger
}

// NewMonitor creates a Monitor in the offline state.
func NewMonitor(debounce, probeInterval time.Duration) *Monitor {
	return &Monitor{
		state:         StateOffline,
		debounce:      debounce,
		probeInterval: probeInterval,
		log:           logging.Component("connectivity"),
	}
}

// OnOnline registers a callback for confirmed offline-to-online transitions.
// Callbacks run on the monitor's goroutine and should hand off long work.
func (m *Monitor) OnOnline(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, cb)
}

// OnOffline registers a callback for online-to-offline transitions.
func (m *Monitor) OnOffline(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, cb)
}

// State returns the current confirmed state. A pending (not yet debounced)
// online transition still reads as offline.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the monitor has confirmed connectivity.
func (m *Monitor) IsOnline() bool {
	return m.State() == StateOnline
}

// SetOnline reports an observed connectivity change.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()

	if online {
		if m.state == StateOnline || m.pendingOnline != nil {
			m.mu.Unlock()
			return
		}
		if m.debounce <= 0 {
			m.confirmOnlineLocked()
			return // confirmOnlineLocked unlocks
		}
		m.log.Debug().Dur("debounce", m.debounce).Msg("connection up, debouncing")
		m.pendingOnline = time.AfterFunc(m.debounce, m.confirmOnline)
		m.mu.Unlock()
		return
	}

	// Going offline: cancel any pending online confirmation so a flap inside
	// the window never fires callbacks.
	if m.pendingOnline != nil {
		m.pendingOnline.Stop()
		m.pendingOnline = nil
	}
	if m.state == StateOffline {
		m.mu.Unlock()
		return
	}

	m.state = StateOffline
	callbacks := append([]func(){}, m.onOffline...)
	m.mu.Unlock()

	m.log.Info().Msg("connection lost")
	for _, cb := range callbacks {
		cb()
	}
}

// confirmOnline finalizes a debounced online transition.
func (m *Monitor) confirmOnline() {
	m.mu.Lock()
	if m.pendingOnline == nil {
		// A flap cancelled the transition after the timer fired.
		m.mu.Unlock()
		return
	}
	m.confirmOnlineLocked()
}

// confirmOnlineLocked flips the state and fires callbacks. Takes m.mu held,
// releases it before invoking callbacks.
func (m *Monitor) confirmOnlineLocked() {
	m.pendingOnline = nil
	m.state = StateOnline
	callbacks := append([]func(){}, m.onOnline...)
	m.mu.Unlock()

	m.log.Info().Msg("connection restored")
	for _, cb := range callbacks {
		cb()
	}
}

// Start launches the periodic probe loop. No-op when the monitor was built
// without a probe interval or is already running. A stopped monitor can be
// started again.
func (m *Monitor) Start(probe Probe) {
	if probe == nil || m.probeInterval <= 0 {
		return
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(probe, stopCh)

	m.log.Info().Dur("interval", m.probeInterval).Msg("connectivity probe started")
}

// Stop stops the probe loop and cancels any pending transition.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.pendingOnline != nil {
		m.pendingOnline.Stop()
		m.pendingOnline = nil
	}
	wasRunning := m.running
	m.running = false
	stopCh := m.stopCh
	m.mu.Unlock()

	if wasRunning {
		close(stopCh)
		m.wg.Wait()
	}
}

// probeLoop checks reachability on a ticker and feeds the state machine.
func (m *Monitor) probeLoop(probe Probe, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			reachable := probe(ctx)
			cancel()
			m.SetOnline(reachable)
		}
	}
}
