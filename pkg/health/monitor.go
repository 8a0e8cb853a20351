// Package health tracks process-wide connectivity as a shared blackboard.
// Every network-facing component reports into it; the UI reads the latest
// status and subscribes for changes. Last write wins, no history is kept
// beyond the most recent timestamps.
package health

import (
	"sync"
	"time"
)

type Status struct {
	Reachable   bool
	LastSuccess time.Time
	LastFailure time.Time
	Reason      string
}

type Monitor struct {
	mu     sync.Mutex
	status Status
	subs   map[int]func(Status)
	nextID int

	now func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{
		subs: make(map[int]func(Status)),
		now:  time.Now,
	}
}

// ReportSuccess marks the network reachable and synchronously notifies all
// subscribers.
func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	m.status.Reachable = true
	m.status.LastSuccess = m.now()
	m.status.Reason = ""
	m.notifyLocked()
}

// ReportFailure marks the network unreachable with a human-readable reason
// and synchronously notifies all subscribers.
func (m *Monitor) ReportFailure(reason string) {
	m.mu.Lock()
	m.status.Reachable = false
	m.status.LastFailure = m.now()
	m.status.Reason = reason
	m.notifyLocked()
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a handler called on every report. The returned
// function removes the subscription.
func (m *Monitor) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// notifyLocked releases the mutex itself so handlers can call back into the
// monitor.
func (m *Monitor) notifyLocked() {
	status := m.status
	handlers := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(status)
	}
}
