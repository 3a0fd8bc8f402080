package gossip

import (
	"sync"
	"testing"
	"time"
)

func TestSuspicionFiresAfterTimeout(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	s := NewSuspicionTimers(20*time.Millisecond, func(addr string, inc int64) {
		mu.Lock()
		fired = append(fired, addr)
		mu.Unlock()
	})

	s.Start("a:1", 5)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "a:1" {
		t.Fatalf("expected a:1 to fire once, got %v", fired)
	}
}

func TestSuspicionCancel(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	s := NewSuspicionTimers(20*time.Millisecond, func(string, int64) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	s.Start("a:1", 5)
	s.Cancel("a:1")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatalf("cancelled timer fired %d times", fired)
	}
}

func TestSuspicionRestartLatestWins(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	s := NewSuspicionTimers(50*time.Millisecond, func(string, int64) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	// Re-arming before expiry replaces the pending timer; only one firing
	// results even after multiple starts.
	s.Start("a:1", 1)
	time.Sleep(25 * time.Millisecond)
	s.Start("a:1", 2)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("expected exactly 1 firing, got %d", fired)
	}
}

func TestStopAllAndReenable(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	s := NewSuspicionTimers(20*time.Millisecond, func(string, int64) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	s.Start("a:1", 1)
	s.Start("b:1", 1)
	s.StopAll()

	// Starting while stopped is a no-op until Reenable.
	s.Start("c:1", 1)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if fired != 0 {
		mu.Unlock()
		t.Fatalf("timers fired after StopAll: %d", fired)
	}
	mu.Unlock()

	s.Reenable()
	s.Start("c:1", 1)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("expected 1 firing after Reenable, got %d", fired)
	}
}

func TestSuspectConvertsToFaulty(t *testing.T) {
	g := newTestCluster(t, "conv", "127.0.0.1:3000").node("127.0.0.1:3000")

	peer := "127.0.0.1:3999"
	g.Membership().Update([]Change{{Address: peer, Status: StatusAlive, Incarnation: 1}})
	g.Membership().MakeSuspect(peer, 1, "127.0.0.1:3000")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if mem, ok := g.Membership().Get(peer); ok && mem.Status == StatusFaulty {
			break
		}
		if time.Now().After(deadline) {
			mem, _ := g.Membership().Get(peer)
			t.Fatalf("suspect member never became faulty, status = %s", mem.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefutationCancelsSuspicion(t *testing.T) {
	g := newTestCluster(t, "refute", "127.0.0.1:3000").node("127.0.0.1:3000")

	peer := "127.0.0.1:3999"
	g.Membership().Update([]Change{{Address: peer, Status: StatusAlive, Incarnation: 1}})
	g.Membership().MakeSuspect(peer, 1, "127.0.0.1:3000")

	// The peer refutes with a higher incarnation before the timeout; the
	// timer must be cancelled and the member stays alive.
	g.Membership().MakeAlive(peer, 2, peer)
	time.Sleep(300 * time.Millisecond)

	mem, _ := g.Membership().Get(peer)
	if mem.Status != StatusAlive || mem.Incarnation != 2 {
		t.Fatalf("member = (%s,%d), want (alive,2)", mem.Status, mem.Incarnation)
	}
}
