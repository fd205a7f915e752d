package serving

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"minecraftfriend.ai/internal/features"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration, capacity int, every uint64) (*SessionStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st := NewSessionStore(ttl, capacity, every)
	st.now = clock.Now
	return st, clock
}

func TestSessionStore_GetOrCreate(t *testing.T) {
	st, _ := newTestStore(time.Hour, 8, 128)
	a := st.GetOrCreate("a")
	if a != st.GetOrCreate("a") {
		t.Fatalf("GetOrCreate returned a different session for the same agent")
	}
	if a.lastAction != features.NoAction {
		t.Fatalf("new session lastAction=%d want %d", a.lastAction, features.NoAction)
	}
	if st.Len() != 1 || st.Stats().Created != 1 {
		t.Fatalf("len=%d stats=%+v", st.Len(), st.Stats())
	}
}

func TestSessionStore_EvictExpired(t *testing.T) {
	st, clock := newTestStore(30*time.Minute, 8, 128)
	st.Acquire("old").Unlock()
	clock.Advance(20 * time.Minute)
	st.Acquire("fresh").Unlock()
	clock.Advance(15 * time.Minute)

	if n := st.EvictExpired(); n != 1 {
		t.Fatalf("evicted=%d want 1", n)
	}
	if st.Len() != 1 {
		t.Fatalf("len=%d want 1", st.Len())
	}

	// Touch keeps a session alive.
	st.Touch(st.GetOrCreate("fresh"))
	clock.Advance(20 * time.Minute)
	if n := st.EvictExpired(); n != 0 {
		t.Fatalf("touched session evicted")
	}
}

func TestSessionStore_EvictLRUExcess(t *testing.T) {
	st, clock := newTestStore(time.Hour, 2, 128)
	for _, id := range []string{"a", "b", "c", "d"} {
		st.Acquire(id).Unlock()
		clock.Advance(time.Second)
	}
	if n := st.EvictLRUExcess(); n != 2 {
		t.Fatalf("evicted=%d want 2", n)
	}
	st.mu.RLock()
	_, hasA := st.sessions["a"]
	_, hasD := st.sessions["d"]
	st.mu.RUnlock()
	if hasA || !hasD {
		t.Fatalf("expected oldest sessions evicted: a=%v d=%v", hasA, hasD)
	}
	if st.Stats().EvictedLRU != 2 {
		t.Fatalf("stats=%+v", st.Stats())
	}
}

func TestSessionStore_SweepSkipsBusySession(t *testing.T) {
	st, clock := newTestStore(time.Minute, 8, 128)
	busy := st.Acquire("busy")
	clock.Advance(time.Hour)
	if n := st.EvictExpired(); n != 0 {
		t.Fatalf("busy session evicted")
	}
	busy.Unlock()
	if n := st.EvictExpired(); n != 1 {
		t.Fatalf("evicted=%d want 1", n)
	}
}

func TestSessionStore_AcquireAfterEviction(t *testing.T) {
	st, clock := newTestStore(time.Minute, 8, 128)
	s := st.Acquire("a")
	s.lastAction = 3
	s.Unlock()
	clock.Advance(time.Hour)
	st.EvictExpired()

	if !s.evicted {
		t.Fatalf("expected evicted flag")
	}
	fresh := st.Acquire("a")
	defer fresh.Unlock()
	if fresh == s || fresh.lastAction != features.NoAction {
		t.Fatalf("expected a fresh session after eviction")
	}
}

func TestSessionStore_MaybeSweepEveryN(t *testing.T) {
	st, clock := newTestStore(time.Minute, 100, 4)
	st.Acquire("idle").Unlock()
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		st.MaybeSweep()
	}
	if st.Len() != 1 {
		t.Fatalf("swept before the 4th request")
	}
	st.MaybeSweep()
	if st.Len() != 0 {
		t.Fatalf("len=%d after sweep", st.Len())
	}
}

func TestSessionStore_MaybeSweepOverCapacity(t *testing.T) {
	st, clock := newTestStore(time.Hour, 2, 1000)
	for _, id := range []string{"a", "b", "c"} {
		st.Acquire(id).Unlock()
		clock.Advance(time.Second)
	}
	st.MaybeSweep()
	if st.Len() != 2 {
		t.Fatalf("len=%d want 2", st.Len())
	}
}

func TestSessionStore_ConcurrentAgents(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := NewSessionStore(time.Hour, 16, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = st.RunSweeper(ctx, time.Millisecond)
	}()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s := st.Acquire(string(rune('a' + (g+i)%20)))
				s.lastTimestamp = float64(i)
				st.MaybeSweep()
				s.Unlock()
			}
		}(g)
	}
	wg.Wait()
	cancel()
	<-done
	st.EvictLRUExcess()

	if st.Len() > 16 {
		t.Fatalf("len=%d over capacity after sweeps", st.Len())
	}
}

func TestSession_PushLeftPads(t *testing.T) {
	s := newSession("a", time.Now())
	a, b, c := []float32{1}, []float32{2}, []float32{3}

	got := s.push(a, 3)
	if len(got) != 3 || got[0][0] != 1 || got[2][0] != 1 {
		t.Fatalf("first push=%v", got)
	}
	got = s.push(b, 3)
	if got[0][0] != 1 || got[1][0] != 1 || got[2][0] != 2 {
		t.Fatalf("second push=%v", got)
	}
	s.push(c, 3)
	got = s.push(c, 3)
	if got[0][0] != 2 || got[1][0] != 3 || got[2][0] != 3 {
		t.Fatalf("fourth push=%v", got)
	}
}

func TestSession_DeltaTime(t *testing.T) {
	s := newSession("a", time.Now())
	if dt := s.deltaTime(10); dt != 0 {
		t.Fatalf("no previous timestamp: dt=%v", dt)
	}
	s.lastTimestamp, s.hasTimestamp = 10, true
	if dt := s.deltaTime(10.25); dt != 0.25 {
		t.Fatalf("dt=%v want 0.25", dt)
	}
	if dt := s.deltaTime(9); dt != 0 {
		t.Fatalf("backwards clock: dt=%v", dt)
	}
}
