package gateway

import (
	"math"
	"sync"
	"time"
)

const (
	defaultMaxClients        = 4
	defaultMaxConnectionTime = 600 * time.Second
)

// clientManager enforces the connection cap and the per-connection lifetime
// limit. Capacity estimates for waiting clients come from the earliest
// expiring active session.
type clientManager struct {
	mu         sync.Mutex
	maxClients int
	maxConn    time.Duration
	started    map[string]time.Time

	now func() time.Time
}

func newClientManager(maxClients int, maxConn time.Duration) *clientManager {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	if maxConn <= 0 {
		maxConn = defaultMaxConnectionTime
	}
	return &clientManager{
		maxClients: maxClients,
		maxConn:    maxConn,
		started:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// tryAdd admits the session when capacity allows. When the server is full it
// returns ok=false and an estimate, in minutes, of when a slot frees up.
func (m *clientManager) tryAdd(uid string) (ok bool, waitMinutes float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.started) < m.maxClients {
		m.started[uid] = m.now()
		return true, 0
	}

	now := m.now()
	remaining := m.maxConn
	for _, start := range m.started {
		if r := m.maxConn - now.Sub(start); r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return false, math.Round(remaining.Minutes()*100) / 100
}

func (m *clientManager) remove(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.started, uid)
}

// deadline reports when the session must be torn down, and false for unknown
// sessions.
func (m *clientManager) deadline(uid string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.started[uid]
	if !ok {
		return time.Time{}, false
	}
	return start.Add(m.maxConn), true
}

func (m *clientManager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}
