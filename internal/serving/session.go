package serving

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"minecraftfriend.ai/internal/features"
)

// Session is the rolling state of one agent. Its fields are only touched
// with mu held.
type Session struct {
	AgentID string

	mu       sync.Mutex
	evicted  bool
	lastSeen time.Time

	// buffer holds the most recent model inputs, oldest first.
	buffer [][]float32
	// lastAction is the last confidently emitted action id.
	lastAction    int
	lastTimestamp float64
	hasTimestamp  bool
	lastBase      []float32
}

func newSession(agentID string, now time.Time) *Session {
	return &Session{AgentID: agentID, lastSeen: now, lastAction: features.NoAction}
}

// Unlock releases a session returned by SessionStore.Acquire.
func (s *Session) Unlock() { s.mu.Unlock() }

// next returns the FIFO of capacity n with x appended, leaving the session
// untouched. While the FIFO is short it is filled from the left with copies
// of x.
func (s *Session) next(x []float32, n int) [][]float32 {
	buf := make([][]float32, 0, n)
	if keep := n - 1; keep > 0 {
		prev := s.buffer
		if len(prev) > keep {
			prev = prev[len(prev)-keep:]
		}
		for i := len(prev) + 1; i < n; i++ {
			buf = append(buf, x)
		}
		buf = append(buf, prev...)
	}
	return append(buf, x)
}

// push appends x to the FIFO of capacity n and returns it.
func (s *Session) push(x []float32, n int) [][]float32 {
	s.buffer = s.next(x, n)
	return s.buffer
}

// deltaTime returns the seconds since this agent's previous timestamp, or 0
// when there is none or the clock went backwards.
func (s *Session) deltaTime(ts float64) float64 {
	if !s.hasTimestamp {
		return 0
	}
	if d := ts - s.lastTimestamp; d > 0 {
		return d
	}
	return 0
}

type SessionStats struct {
	Sessions     int
	Created      uint64
	EvictedTTL   uint64
	EvictedLRU   uint64
	SweepsTotal  uint64
	SweepSkipped uint64
}

// SessionStore owns every agent session. The map lock is held only for
// lookup and insert; a request holds its session's own lock.
type SessionStore struct {
	ttl        time.Duration
	capacity   int
	sweepEvery uint64
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	requests     atomic.Uint64
	created      atomic.Uint64
	evictedTTL   atomic.Uint64
	evictedLRU   atomic.Uint64
	sweeps       atomic.Uint64
	sweepSkipped atomic.Uint64
}

func NewSessionStore(ttl time.Duration, capacity int, sweepEvery uint64) *SessionStore {
	if capacity <= 0 {
		capacity = 4096
	}
	if sweepEvery == 0 {
		sweepEvery = 128
	}
	return &SessionStore{
		ttl:        ttl,
		capacity:   capacity,
		sweepEvery: sweepEvery,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
}

// GetOrCreate returns the session for agentID without locking it.
func (st *SessionStore) GetOrCreate(agentID string) *Session {
	st.mu.RLock()
	s, ok := st.sessions[agentID]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[agentID]; ok {
		return s
	}
	s = newSession(agentID, st.now())
	st.sessions[agentID] = s
	st.created.Add(1)
	return s
}

// Acquire returns the agent's session locked and touched. The caller must
// Unlock it.
func (st *SessionStore) Acquire(agentID string) *Session {
	for {
		s := st.GetOrCreate(agentID)
		s.mu.Lock()
		if s.evicted {
			// Swept between lookup and lock; the map holds a fresh one now.
			s.mu.Unlock()
			continue
		}
		s.lastSeen = st.now()
		return s
	}
}

// Touch marks a session as used now.
func (st *SessionStore) Touch(s *Session) {
	s.mu.Lock()
	s.lastSeen = st.now()
	s.mu.Unlock()
}

func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// MaybeSweep counts a request and sweeps on every sweepEvery-th one, or
// whenever the store is over capacity.
func (st *SessionStore) MaybeSweep() {
	n := st.requests.Add(1)
	if n%st.sweepEvery != 0 && st.Len() <= st.capacity {
		return
	}
	st.EvictExpired()
	st.EvictLRUExcess()
}

// EvictExpired removes sessions idle for longer than the TTL. Sessions
// that are in use are skipped.
func (st *SessionStore) EvictExpired() int {
	if st.ttl <= 0 {
		return 0
	}
	st.sweeps.Add(1)
	cutoff := st.now().Add(-st.ttl)

	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, s := range st.sessions {
		if !s.mu.TryLock() {
			st.sweepSkipped.Add(1)
			continue
		}
		if s.lastSeen.Before(cutoff) {
			s.evicted = true
			delete(st.sessions, id)
			n++
		}
		s.mu.Unlock()
	}
	st.evictedTTL.Add(uint64(n))
	return n
}

// EvictLRUExcess removes the least recently seen sessions until the store
// is back at capacity.
func (st *SessionStore) EvictLRUExcess() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	excess := len(st.sessions) - st.capacity
	if excess <= 0 {
		return 0
	}

	type entry struct {
		id   string
		seen time.Time
	}
	order := make([]entry, 0, len(st.sessions))
	for id, s := range st.sessions {
		if !s.mu.TryLock() {
			continue
		}
		order = append(order, entry{id: id, seen: s.lastSeen})
		s.mu.Unlock()
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].seen.Equal(order[j].seen) {
			return order[i].id < order[j].id
		}
		return order[i].seen.Before(order[j].seen)
	})

	n := 0
	for _, e := range order {
		if n == excess {
			break
		}
		s := st.sessions[e.id]
		if !s.mu.TryLock() {
			st.sweepSkipped.Add(1)
			continue
		}
		s.evicted = true
		delete(st.sessions, e.id)
		s.mu.Unlock()
		n++
	}
	st.evictedLRU.Add(uint64(n))
	return n
}

// RunSweeper evicts on a timer until ctx is done, so an idle store still
// shrinks.
func (st *SessionStore) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			st.EvictExpired()
			st.EvictLRUExcess()
		}
	}
}

func (st *SessionStore) Stats() SessionStats {
	return SessionStats{
		Sessions:     st.Len(),
		Created:      st.created.Load(),
		EvictedTTL:   st.evictedTTL.Load(),
		EvictedLRU:   st.evictedLRU.Load(),
		SweepsTotal:  st.sweeps.Load(),
		SweepSkipped: st.sweepSkipped.Load(),
	}
}

// Reset drops every session, as after a model reload whose buffers no
// longer fit.
func (st *SessionStore) Reset() {
	st.mu.Lock()
	old := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range old {
		s.mu.Lock()
		s.evicted = true
		s.mu.Unlock()
	}
}
