package gossip

import (
	"math"
	"sort"
	"sync"
)

// Disseminator buffers the most recent Change per address and hands out a
// capped, least-disseminated-first batch on every outgoing or outbound-
// responding protocol message, "infecting" peers until the cap is reached.
type Disseminator struct {
	mu       sync.Mutex
	buffer   map[string]*Change
	k        int
	maxCount int
	onAdjust func(old, new int)
	stats    StatsSink
}

// NewDisseminator builds an empty buffer. k is the small multiplier in
// maxPiggybackCount = ceil(log2(N+1)) * k, typically 1-3.
func NewDisseminator(k int, stats StatsSink) *Disseminator {
	if k <= 0 {
		k = 2
	}
	if stats == nil {
		stats = NopStats{}
	}
	return &Disseminator{
		buffer:   make(map[string]*Change),
		k:        k,
		maxCount: computeMaxPiggybackCount(0, k),
		stats:    stats,
	}
}

// OnMaxPiggybackCountAdjusted registers a listener fired whenever the
// recomputed cap actually changes (never on mere status transitions among
// existing members, since those don't change the member count).
func (d *Disseminator) OnMaxPiggybackCountAdjusted(fn func(old, new int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAdjust = fn
}

func computeMaxPiggybackCount(n, k int) int {
	if n < 0 {
		n = 0
	}
	return int(math.Ceil(math.Log2(float64(n+1)))) * k
}

// adjustForMemberCount recomputes maxPiggybackCount for the current member
// count n, firing OnMaxPiggybackCountAdjusted iff the cap actually changed.
func (d *Disseminator) adjustForMemberCount(n int) {
	d.mu.Lock()
	newMax := computeMaxPiggybackCount(n, d.k)
	old := d.maxCount
	if newMax == old {
		d.mu.Unlock()
		return
	}
	d.maxCount = newMax
	fn := d.onAdjust
	d.mu.Unlock()
	if fn != nil {
		fn(old, newMax)
	}
}

// insert replaces any prior entry for the change's address with a fresh
// one at piggybackCount 0.
func (d *Disseminator) insert(c Change) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cc := c
	cc.PiggybackCount = 0
	d.buffer[c.Address] = &cc
}

// remove drops any buffered entry for address.
func (d *Disseminator) remove(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffer, address)
}

// GetChanges implements the peer-aware contract: if peerChecksum equals
// localChecksum the peers already agree and nothing is returned; otherwise
// up to maxPiggybackCount entries are returned, ascending by
// piggybackCount (least-disseminated first), skipping entries whose
// Source is peerAddress. Each returned entry's count is incremented and
// entries reaching maxPiggybackCount are pruned from the buffer.
func (d *Disseminator) GetChanges(peerChecksum, localChecksum uint32, peerAddress string) []Change {
	if peerChecksum == localChecksum {
		return nil
	}
	return d.pick(peerAddress)
}

// Outgoing produces the piggyback batch for an outbound request (ping or
// ping-req), where the detector has no prior knowledge of the peer's
// checksum to compare against. The checksum-equality shortcut in
// GetChanges only applies on the response side, where the request already
// carried the peer's checksum in-band (see handlers.go); outbound requests
// always attempt to disseminate.
func (d *Disseminator) Outgoing(peerAddress string) []Change {
	return d.pick(peerAddress)
}

func (d *Disseminator) pick(peerAddress string) []Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make([]*Change, 0, len(d.buffer))
	for _, c := range d.buffer {
		if c.Source == peerAddress {
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].PiggybackCount != candidates[j].PiggybackCount {
			return candidates[i].PiggybackCount < candidates[j].PiggybackCount
		}
		return candidates[i].Address < candidates[j].Address
	})

	limit := d.maxCount
	if limit > len(candidates) {
		limit = len(candidates)
	}

	out := make([]Change, 0, limit)
	for i := 0; i < limit; i++ {
		c := candidates[i]
		c.PiggybackCount++
		out = append(out, *c)
		if c.PiggybackCount >= d.maxCount {
			delete(d.buffer, c.Address)
		}
	}
	return out
}

// Len reports the number of changes currently buffered, for tests and
// observability.
func (d *Disseminator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// MaxPiggybackCount returns the current cap.
func (d *Disseminator) MaxPiggybackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxCount
}
