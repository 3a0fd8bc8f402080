package gossip

import (
	"sync"
	"time"
)

// SuspicionTimers holds one one-shot timer per suspected address. When a
// peer transitions to suspect, Start arms a timer of Timeout; if nothing
// cancels it (i.e. the peer is still suspect when it fires) the configured
// callback is invoked to declare the member faulty. Starting a timer for
// an address that already has one cancels the old timer first, so the
// latest start always wins.
type SuspicionTimers struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	timeout time.Duration
	onFire  func(address string, incarnation int64)
	stopped bool
}

// NewSuspicionTimers builds a timer set with the given suspicion timeout
// and the callback to invoke on expiry.
func NewSuspicionTimers(timeout time.Duration, onFire func(address string, incarnation int64)) *SuspicionTimers {
	return &SuspicionTimers{
		timers:  make(map[string]*time.Timer),
		timeout: timeout,
		onFire:  onFire,
	}
}

// Start arms (or re-arms) the timer for address at the given incarnation.
// A no-op if the timer set has been stopped and not yet re-enabled.
func (s *SuspicionTimers) Start(address string, incarnation int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[address]; ok {
		existing.Stop()
	}
	s.timers[address] = time.AfterFunc(s.timeout, func() {
		s.fire(address, incarnation)
	})
}

func (s *SuspicionTimers) fire(address string, incarnation int64) {
	s.mu.Lock()
	if _, ok := s.timers[address]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, address)
	cb := s.onFire
	s.mu.Unlock()
	if cb != nil {
		cb(address, incarnation)
	}
}

// Cancel stops the timer for address, if any. Any membership mutation
// that moves the member out of suspect should call this.
func (s *SuspicionTimers) Cancel(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[address]; ok {
		t.Stop()
		delete(s.timers, address)
	}
}

// StopAll cancels every outstanding timer and prevents new timers from
// being started until Reenable is called.
func (s *SuspicionTimers) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, t := range s.timers {
		t.Stop()
		delete(s.timers, addr)
	}
	s.stopped = true
}

// Reenable allows Start to arm timers again after StopAll, for rejoin.
func (s *SuspicionTimers) Reenable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
}
