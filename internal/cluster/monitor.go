package cluster

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/probeworks/cassprobe/internal/events"
)

// ConnState is the monitor's view of one host's connection.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnReconnecting ConnState = "reconnecting"
)

// PoolStatus is a cheap sampled view of the connection pool.
type PoolStatus struct {
	Total        int
	Active       int
	Failed       int
	Reconnecting map[string]time.Time
}

// StateChangeFunc is invoked on every host state transition, outside the
// monitor's lock.
type StateChangeFunc func(host string, old, new ConnState)

// Monitor subscribes to the driver's host-state callbacks, timestamps
// every transition into the shared event ring, and exposes the current
// pool status. Events for one host appear in wall-clock order; cross-host
// ordering is best-effort.
type Monitor struct {
	ring     *events.Ring
	onChange StateChangeFunc
	clock    func() time.Time

	mu      sync.Mutex
	states  map[string]ConnState
	changed map[string]time.Time
}

// NewMonitor creates a monitor writing transitions into ring.
func NewMonitor(ring *events.Ring) *Monitor {
	return &Monitor{
		ring:    ring,
		clock:   time.Now,
		states:  make(map[string]ConnState),
		changed: make(map[string]time.Time),
	}
}

// OnStateChange registers a callback fired for every transition. Must be
// set before the monitor is handed to the driver.
func (m *Monitor) OnStateChange(fn StateChangeFunc) { m.onChange = fn }

func hostKey(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// HostAdded records the initial state snapshot for a newly known host.
func (m *Monitor) HostAdded(addr string, port int) {
	m.transition(hostKey(addr, port), ConnConnected, "")
}

// HostRemoved drops a host from the pool view.
func (m *Monitor) HostRemoved(addr string, port int) {
	key := hostKey(addr, port)

	m.mu.Lock()
	old, known := m.states[key]
	delete(m.states, key)
	delete(m.changed, key)
	now := m.clock()
	if known {
		m.ring.Push(events.ReconnectionEvent{
			Timestamp: now,
			Host:      key,
			Type:      events.EventConnectionLost,
			Message:   "host removed from ring",
		})
	}
	m.mu.Unlock()

	if known && m.onChange != nil {
		m.onChange(key, old, ConnDisconnected)
	}
}

// HostUp records a transition to connected.
func (m *Monitor) HostUp(addr string, port int) {
	m.transition(hostKey(addr, port), ConnConnected, "")
}

// HostDown records a transition to disconnected.
func (m *Monitor) HostDown(addr string, port int) {
	m.transition(hostKey(addr, port), ConnDisconnected, "")
}

// MarkReconnecting flags a host as mid-reconnect and records the attempt.
func (m *Monitor) MarkReconnecting(addr string, port int) {
	m.transition(hostKey(addr, port), ConnReconnecting, "")
}

// Observe ingests a raw driver state by name. Unrecognized states are
// logged at warn and counted as disconnected; dropping an event is
// preferable to aborting monitoring.
func (m *Monitor) Observe(addr string, port int, state string) {
	var next ConnState
	switch ConnState(state) {
	case ConnConnected, ConnDisconnected, ConnReconnecting:
		next = ConnState(state)
	default:
		slog.Warn("unrecognized host state from driver, treating as disconnected",
			"host", hostKey(addr, port), "state", state)
		next = ConnDisconnected
	}
	m.transition(hostKey(addr, port), next, "")
}

func (m *Monitor) transition(key string, next ConnState, message string) {
	m.mu.Lock()
	old, known := m.states[key]
	if known && old == next {
		m.mu.Unlock()
		return
	}
	now := m.clock()
	m.states[key] = next
	m.changed[key] = now

	ev := events.ReconnectionEvent{Timestamp: now, Host: key, Message: message}
	switch next {
	case ConnConnected:
		ev.Type = events.EventSuccess
	case ConnReconnecting:
		ev.Type = events.EventAttemptStarted
	default:
		ev.Type = events.EventConnectionLost
	}
	// The initial snapshot for a freshly added host is recorded without a
	// lost/success event unless it carries a message.
	if known || message != "" {
		m.ring.Push(ev)
	}
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(key, old, next)
	}

	slog.Debug("host connection state changed", "host", key, "old", string(old), "new", string(next))
}

// PoolStatus returns current pool counters without blocking.
func (m *Monitor) PoolStatus() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := PoolStatus{Reconnecting: make(map[string]time.Time)}
	for key, s := range m.states {
		st.Total++
		switch s {
		case ConnConnected:
			st.Active++
		case ConnReconnecting:
			st.Reconnecting[key] = m.changed[key]
		default:
			st.Failed++
		}
	}
	return st
}

// HostStatus maps the monitor's view of a host onto topology status.
// Hosts the monitor has never seen are unknown.
func (m *Monitor) HostStatus(addr string, port int) HostStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.states[hostKey(addr, port)] {
	case ConnConnected:
		return StatusUp
	case ConnDisconnected, ConnReconnecting:
		return StatusDown
	default:
		return StatusUnknown
	}
}

// History returns an iteration-safe snapshot of the event ring.
func (m *Monitor) History() []events.ReconnectionEvent {
	return m.ring.Snapshot()
}
