package gossip

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// roundRobin walks the alive, non-local membership in shuffled order,
// reshuffling whenever it runs out, per the design's probe-target
// selection rule.
type roundRobin struct {
	mu  sync.Mutex
	idx int
	pos []Member
}

func (r *roundRobin) next(fresh []Member) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(fresh) == 0 {
		return Member{}, false
	}
	if r.idx >= len(r.pos) {
		r.pos = append([]Member{}, fresh...)
		rand.Shuffle(len(r.pos), func(i, j int) { r.pos[i], r.pos[j] = r.pos[j], r.pos[i] })
		r.idx = 0
	}
	m := r.pos[r.idx]
	r.idx++
	return m, true
}

// Detector runs the cooperative protocol-period loop: direct ping, falling
// back to a k-way ping-req fan-out that completes on first success. Exactly
// one outbound ping may be in flight from this detector at a time;
// incoming protocol requests served by Handlers are independent and may
// proceed concurrently.
type Detector struct {
	local      string
	membership *Membership
	diss       *Disseminator
	suspicion  *SuspicionTimers
	transport  Transport
	cfg        Config
	stats      StatsSink
	log        *zap.Logger

	rr        roundRobin
	isPinging atomic.Bool

	rttMu      sync.Mutex
	rttSamples []time.Duration

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	running     bool
	wg          sync.WaitGroup
}

// NewDetector wires a Detector over an already-configured Membership,
// Disseminator and SuspicionTimers.
func NewDetector(local string, membership *Membership, diss *Disseminator, suspicion *SuspicionTimers, transport Transport, cfg Config) *Detector {
	stats := cfg.Stats
	if stats == nil {
		stats = NopStats{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		local:      local,
		membership: membership,
		diss:       diss,
		suspicion:  suspicion,
		transport:  transport,
		cfg:        cfg,
		stats:      stats,
		log:        log,
	}
}

// Start launches the protocol-period loop in its own goroutine. The first
// period is jittered uniformly in [0, MinProtocolPeriod]. Start is a no-op
// if the loop is already running, and may be called again after Stop to
// restart it (for rejoin).
func (d *Detector) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.running {
		return
	}
	d.stopCh = make(chan struct{})
	d.running = true
	d.wg.Add(1)
	go d.loop(d.stopCh)
}

// Stop cancels the loop and waits for a period already in progress to
// finish. Probes in flight are not interrupted: they run until they
// complete or hit their own ping / ping-req timeouts. Stop is idempotent.
func (d *Detector) Stop() {
	d.lifecycleMu.Lock()
	if !d.running {
		d.lifecycleMu.Unlock()
		return
	}
	d.running = false
	stopCh := d.stopCh
	d.lifecycleMu.Unlock()

	close(stopCh)
	d.wg.Wait()
}

func (d *Detector) loop(stopCh chan struct{}) {
	defer d.wg.Done()

	jitter := time.Duration(rand.Int63n(int64(d.cfg.MinProtocolPeriod) + 1))
	t := time.NewTimer(jitter)
	defer t.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-t.C:
		}

		start := time.Now()
		d.runPeriod()
		next := d.nextPeriod()
		t.Reset(time.Until(start.Add(next)))
	}
}

// runPeriod executes exactly one protocol period: select a target, ping
// it, and on failure fall back to a ping-req fan-out.
func (d *Detector) runPeriod() {
	target, ok := d.rr.next(d.membership.AliveMembers())
	if !ok {
		return
	}

	d.isPinging.Store(true)
	defer d.isPinging.Store(false)

	d.stats.Inc("ping.send")
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PingTimeout)
	start := time.Now()
	resp, err := d.transport.Ping(ctx, target.Address, PingRequest{
		Source:   d.local,
		Checksum: d.membership.Checksum(),
		Changes:  d.diss.Outgoing(target.Address),
	})
	cancel()
	d.stats.Timing("ping", time.Since(start))

	if err == nil {
		d.recordRTT(time.Since(start))
		d.membership.Update(resp.Changes)
		return
	}

	d.pingReqFallback(target)
}

// pingReqFallback asks PingReqSize random other alive members to probe
// target on this node's behalf, short-circuiting on first reachable
// report. If every relay fails or reports unreachable, target is marked
// suspect at its current incarnation.
func (d *Detector) pingReqFallback(target Member) {
	relays := d.membership.GetRandomPingableMembers(d.cfg.PingReqSize, []string{target.Address})
	if len(relays) == 0 {
		d.membership.MakeSuspect(target.Address, target.Incarnation, d.local)
		d.suspicion.Start(target.Address, target.Incarnation)
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PingReqTimeout)
	defer cancel()

	results := make(chan pingReqResult, len(relays))
	for _, relay := range relays {
		relay := relay
		d.stats.Inc("ping-req.send")
		go func() {
			reqStart := time.Now()
			resp, err := d.transport.PingReq(ctx, relay.Address, PingReqRequest{
				Source:   d.local,
				Target:   target.Address,
				Checksum: d.membership.Checksum(),
				Changes:  d.diss.Outgoing(relay.Address),
			})
			d.stats.Timing("ping-req", time.Since(reqStart))
			if err != nil {
				results <- pingReqResult{}
				return
			}
			results <- pingReqResult{reachable: resp.PingStatus, changes: resp.Changes}
		}()
	}

	reachable := false
	received := 0
collect:
	for received < len(relays) {
		select {
		case r := <-results:
			received++
			d.membership.Update(r.changes)
			if r.reachable {
				reachable = true
				break collect // short-circuit on first success; stragglers drain below
			}
		case <-ctx.Done():
			break collect
		}
	}
	if remaining := len(relays) - received; remaining > 0 {
		go drainPingReqResults(results, remaining, d.membership)
	}
	d.stats.Timing("ping-req.other-members", time.Since(start))

	if reachable {
		d.membership.MakeAlive(target.Address, target.Incarnation, d.local)
		d.suspicion.Cancel(target.Address)
		return
	}

	d.membership.MakeSuspect(target.Address, target.Incarnation, d.local)
	d.suspicion.Start(target.Address, target.Incarnation)
}

// pingReqResult is one relay's report back to the fan-out in
// pingReqFallback.
type pingReqResult struct {
	reachable bool
	changes   []Change
}

// drainPingReqResults absorbs straggler ping-req responses after a
// short-circuit or timeout, still feeding any changes they carry into
// Membership so those changes aren't wasted. A late report's reachability
// verdict is ignored.
func drainPingReqResults(results <-chan pingReqResult, n int, membership *Membership) {
	for i := 0; i < n; i++ {
		r := <-results
		membership.Update(r.changes)
	}
}

func (d *Detector) recordRTT(rtt time.Duration) {
	d.rttMu.Lock()
	defer d.rttMu.Unlock()
	d.rttSamples = append(d.rttSamples, rtt)
	if len(d.rttSamples) > 64 {
		d.rttSamples = d.rttSamples[len(d.rttSamples)-64:]
	}
}

// nextPeriod schedules the next period max(MinProtocolPeriod, 2 x median
// observed RTT) after the current period's start, per the design's chosen
// (simpler, documented) protocolRate heuristic -- see DESIGN.md for the
// rejected IQR-based alternative.
func (d *Detector) nextPeriod() time.Duration {
	d.rttMu.Lock()
	samples := append([]time.Duration{}, d.rttSamples...)
	d.rttMu.Unlock()

	if len(samples) == 0 {
		return d.cfg.MinProtocolPeriod
	}
	median := medianDuration(samples)
	rate := 2 * median
	if rate < d.cfg.MinProtocolPeriod {
		return d.cfg.MinProtocolPeriod
	}
	return rate
}

func medianDuration(d []time.Duration) time.Duration {
	sorted := append([]time.Duration{}, d...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
