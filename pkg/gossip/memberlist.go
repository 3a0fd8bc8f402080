package gossip

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Membership is the canonical member table. It reconciles incoming changes
// against local state, maintains a checksum of the current member set, and
// feeds accepted changes into a Disseminator for piggyback. Members are
// never deleted: faulty/leave/damped members persist so the table stays
// consistent with peers that still carry them.
type Membership struct {
	mu        sync.Mutex
	local     string
	members   map[string]*Member
	checksum  uint32
	diss      *Disseminator
	perChange []func(UpdateEvent)
	batchDone []func([]Change)
	stats     StatsSink
}

// UpdateEvent is emitted once per accepted change, carrying the resulting
// member state and a type tag mirroring its status ("new" on first sight).
type UpdateEvent struct {
	Type   string
	Member Member
}

// NewMembership builds an empty table for the local address. diss may be
// nil in tests that don't exercise dissemination.
func NewMembership(local string, diss *Disseminator, stats StatsSink) *Membership {
	if stats == nil {
		stats = NopStats{}
	}
	return &Membership{
		local:   local,
		members: make(map[string]*Member),
		diss:    diss,
		stats:   stats,
	}
}

// OnUpdate registers a listener invoked once per accepted change, in batch
// order, after the whole batch has been reconciled and the table's lock
// released.
func (m *Membership) OnUpdate(fn func(UpdateEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perChange = append(m.perChange, fn)
}

// OnBatch registers a listener invoked once per call to Update/AddMember
// that accepted at least one change, with the full accepted slice.
func (m *Membership) OnBatch(fn func([]Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchDone = append(m.batchDone, fn)
}

// Local returns the local member's current snapshot. Returns a synthetic
// alive record if the local member has not yet been added.
func (m *Membership) Local() Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[m.local]
	if !ok {
		return Member{Address: m.local, Status: StatusAlive}
	}
	return *mem
}

// AddMember idempotently inserts address at the given incarnation (or the
// current wall-clock milliseconds if incarnation is zero), as alive. If
// the member already exists this is a no-op and returns nil.
func (m *Membership) AddMember(address string, incarnation int64) []Change {
	m.mu.Lock()
	if _, exists := m.members[address]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if incarnation == 0 {
		incarnation = nowMillis()
	}
	return m.Update([]Change{{Address: address, Status: StatusAlive, Incarnation: incarnation}})
}

// MakeAlive, MakeSuspect, MakeFaulty, MakeLeave and MakeDamped are
// convenience wrappers that build a Change with the given status, tagged
// with source, and feed it through Update.
func (m *Membership) MakeAlive(address string, incarnation int64, source string) []Change {
	return m.Update([]Change{{Address: address, Status: StatusAlive, Incarnation: incarnation, Source: source}})
}

func (m *Membership) MakeSuspect(address string, incarnation int64, source string) []Change {
	return m.Update([]Change{{Address: address, Status: StatusSuspect, Incarnation: incarnation, Source: source}})
}

func (m *Membership) MakeFaulty(address string, incarnation int64, source string) []Change {
	return m.Update([]Change{{Address: address, Status: StatusFaulty, Incarnation: incarnation, Source: source}})
}

func (m *Membership) MakeLeave(address string, incarnation int64, source string) []Change {
	return m.Update([]Change{{Address: address, Status: StatusLeave, Incarnation: incarnation, Source: source}})
}

func (m *Membership) MakeDamped(address string, incarnation int64, source string) []Change {
	return m.Update([]Change{{Address: address, Status: StatusDamped, Incarnation: incarnation, Source: source}})
}

// Update reconciles a batch of incoming changes against local state and
// returns the changes actually applied, in input order. Once the batch is
// reconciled, the per-change listeners fire for each accepted change in
// order; if any change was accepted, a single aggregate batch listener
// call follows.
func (m *Membership) Update(changes []Change) []Change {
	start := time.Now()
	m.mu.Lock()

	var applied []Change
	var perChangeEvents []UpdateEvent

	for _, c := range changes {
		if !c.Status.valid() {
			continue
		}
		accepted, refutation, eventType := m.reconcileLocked(c)
		if refutation != nil {
			applied = append(applied, *refutation)
			perChangeEvents = append(perChangeEvents, UpdateEvent{Type: string(StatusAlive), Member: refutation.toMember()})
			m.insertDisseminationLocked(*refutation)
			continue
		}
		if !accepted {
			continue
		}
		applied = append(applied, c)
		perChangeEvents = append(perChangeEvents, UpdateEvent{Type: eventType, Member: c.toMember()})
		m.insertDisseminationLocked(c)
	}

	if len(applied) > 0 {
		m.checksum = m.computeChecksumLocked()
	}

	memberCount := len(m.members)
	perChange := append([]func(UpdateEvent){}, m.perChange...)
	batchDone := append([]func([]Change){}, m.batchDone...)
	m.mu.Unlock()

	for _, ev := range perChangeEvents {
		m.stats.Inc("membership-update." + ev.Type)
		for _, fn := range perChange {
			fn(ev)
		}
	}
	if len(applied) > 0 {
		m.stats.Gauge("num-members", float64(memberCount))
		for _, fn := range batchDone {
			fn(applied)
		}
		m.stats.Timing("updates", time.Since(start))
	}
	return applied
}

// reconcileLocked applies the reconciliation rule from the design to a
// single incoming change against local state. It returns whether the
// incoming change itself was accepted, or, when the change would demote
// the local member, a synthesized refutation change instead.
func (m *Membership) reconcileLocked(c Change) (accepted bool, refutation *Change, eventType string) {
	local, exists := m.members[c.Address]

	if c.Address == m.local && exists && (c.Status == StatusSuspect || c.Status == StatusFaulty) && c.Incarnation >= local.Incarnation {
		newInc := c.Incarnation
		if local.Incarnation > newInc {
			newInc = local.Incarnation
		}
		newInc++
		local.Incarnation = newInc
		local.Status = StatusAlive
		r := Change{Address: m.local, Status: StatusAlive, Incarnation: newInc}
		return false, &r, ""
	}

	if !exists {
		nm := &Member{Address: c.Address, Status: c.Status, Incarnation: c.Incarnation}
		m.members[c.Address] = nm
		return true, nil, "new"
	}

	if c.Incarnation > local.Incarnation || (c.Incarnation == local.Incarnation && c.Status.precedence() > local.Status.precedence()) {
		local.Status = c.Status
		local.Incarnation = c.Incarnation
		return true, nil, string(c.Status)
	}

	return false, nil, ""
}

func (m *Membership) insertDisseminationLocked(c Change) {
	if m.diss == nil {
		return
	}
	c.PiggybackCount = 0
	m.diss.insert(c)
	m.diss.adjustForMemberCount(len(m.members))
}

// GetState returns a snapshot of every known member, for join responses
// and push/pull style reconciliation.
func (m *Membership) GetState() []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, *mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// GetRandomPingableMembers returns up to n distinct alive, non-excluded
// members chosen uniformly at random. Fewer than n may come back if the
// pool is smaller.
func (m *Membership) GetRandomPingableMembers(n int, exclude []string) []Member {
	m.mu.Lock()
	excluded := make(map[string]struct{}, len(exclude)+1)
	for _, a := range exclude {
		excluded[a] = struct{}{}
	}
	excluded[m.local] = struct{}{}

	pool := make([]Member, 0, len(m.members))
	for addr, mem := range m.members {
		if mem.Status != StatusAlive {
			continue
		}
		if _, skip := excluded[addr]; skip {
			continue
		}
		pool = append(pool, *mem)
	}
	m.mu.Unlock()

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n < len(pool) {
		pool = pool[:n]
	}
	return pool
}

// AliveMembers returns every member currently alive, excluding the local
// member, for the detector's round-robin probe iterator.
func (m *Membership) AliveMembers() []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Member, 0, len(m.members))
	for addr, mem := range m.members {
		if addr == m.local || mem.Status != StatusAlive {
			continue
		}
		out = append(out, *mem)
	}
	return out
}

// Get returns the current state of a member, if known.
func (m *Membership) Get(address string) (Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[address]
	if !ok {
		return Member{}, false
	}
	return *mem, true
}

// Count returns the number of known members, including non-alive ones.
func (m *Membership) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members)
}

// Checksum returns the current checksum, recomputed atomically with the
// last accepted mutation.
func (m *Membership) Checksum() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checksum
}

// ComputeChecksum independently recomputes the checksum from the current
// member set. Exposed for tests verifying the checksum invariant.
func (m *Membership) ComputeChecksum() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeChecksumLocked()
}

func (m *Membership) computeChecksumLocked() uint32 {
	addrs := make([]string, 0, len(m.members))
	for addr := range m.members {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	h := xxhash.New()
	for _, addr := range addrs {
		mem := m.members[addr]
		h.Write([]byte(addr))
		h.Write([]byte{0})
		h.Write([]byte(mem.Status))
		h.Write([]byte{0})
		h.Write(int64Bytes(mem.Incarnation))
		h.Write([]byte{0})
	}
	return uint32(h.Sum64())
}

func int64Bytes(v int64) []byte {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf[:]
}
