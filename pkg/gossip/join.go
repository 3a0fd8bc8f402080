package gossip

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SeedSource resolves the list of "host:port" addresses a node should try
// to join through. Concrete sources: a caller-provided array, a
// caller-provided (or default) JSON file, or an external registry such as
// etcd (see the discovery package).
type SeedSource interface {
	Seeds(ctx context.Context) ([]string, error)
}

// StaticSeeds is a SeedSource backed by a caller-provided array.
type StaticSeeds []string

func (s StaticSeeds) Seeds(context.Context) ([]string, error) { return []string(s), nil }

// FileSeeds is a SeedSource that reads a JSON array of "host:port" strings
// from a file on disk, per the design's host list file format.
type FileSeeds struct {
	Path string
}

func (f FileSeeds) Seeds(context.Context) ([]string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, newError(ErrConfiguration, "bootstrap.seeds", "bootstrap-file-unreadable", err)
	}
	var hosts []string
	if err := json.Unmarshal(data, &hosts); err != nil {
		return nil, newError(ErrConfiguration, "bootstrap.seeds", "bootstrap-file-malformed", err)
	}
	return hosts, nil
}

// addressFamily reports whether addr's host looks like a literal IP or a
// hostname, used to warn when the local address's family differs from the
// seed list's majority.
func addressFamily(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if net.ParseIP(host) != nil {
		return "ip"
	}
	return "hostname"
}

func majorityFamily(hosts []string) string {
	counts := map[string]int{}
	for _, h := range hosts {
		counts[addressFamily(h)]++
	}
	best, bestCount := "", -1
	for fam, c := range counts {
		if c > bestCount {
			best, bestCount = fam, c
		}
	}
	return best
}

// Gossiper orchestrates a node's membership lifecycle: bootstrap, admin
// join/leave/rejoin, and owns the Membership, Disseminator, SuspicionTimers
// and Detector it wires together. See gossip.go for the type definition
// and its New/Destroy lifecycle; this file holds the join/bootstrap
// protocol.

// Bootstrap reads the seed list, validates it, adds the local member as
// alive, and runs AdminJoin. Returns a LifecycleError if the Gossiper is
// already ready or the seed list is empty.
func (g *Gossiper) Bootstrap(ctx context.Context, seeds SeedSource) error {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return newError(ErrLifecycle, "bootstrap", "already-ready", nil)
	}
	g.mu.Unlock()

	if seeds == nil {
		seeds = FileSeeds{Path: g.cfg.BootstrapFile}
	}
	hosts, err := seeds.Seeds(ctx)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return newError(ErrLifecycle, "bootstrap", "empty-seed-list", nil)
	}

	if maj := majorityFamily(hosts); maj != "" && maj != addressFamily(g.cfg.HostPort) {
		g.log.Warn("local address family differs from majority of seed list",
			zap.String("local", g.cfg.HostPort), zap.String("local_family", addressFamily(g.cfg.HostPort)),
			zap.String("seed_majority_family", maj))
	}

	g.membership.AddMember(g.cfg.HostPort, nowMillis())
	g.detector.Start()

	if _, err := g.AdminJoin(ctx, hosts); err != nil {
		g.detector.Stop()
		return err
	}

	g.mu.Lock()
	g.ready = true
	g.mu.Unlock()
	g.emit(Event{Type: EventReady})
	return nil
}

// AdminJoin fans out join requests to up to JoinSize seed addresses
// (excluding the local address), accepting responses whose App matches
// and merging their membership into local state. It succeeds once at
// least JoinSize responses have been accepted, or once the remaining
// seeds can no longer reach that count, whichever comes first, retrying
// with backoff until MaxJoinDuration elapses.
//
// If the local member is currently in leave status, AdminJoin first
// performs the rejoin transition (bump incarnation, flip to alive,
// restart gossip and suspicion) before fanning out, and its result is
// "rejoined" rather than "joined".
func (g *Gossiper) AdminJoin(ctx context.Context, hosts []string) (string, error) {
	if g.destroyed() {
		return "", newError(ErrJoin, "admin-join", "destroyed-during-bootstrap", nil)
	}
	if _, ok := g.membership.Get(g.cfg.HostPort); !ok {
		return "", newError(ErrLifecycle, "admin-join", "local-member-missing", nil)
	}

	result := "joined"
	local := g.membership.Local()
	if local.Status == StatusLeave {
		newInc := local.Incarnation + 1
		g.membership.MakeAlive(g.cfg.HostPort, newInc, "")
		g.suspicion.Reenable()
		g.detector.Start()
		result = "rejoined"
	}

	candidates := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h != g.cfg.HostPort {
			candidates = append(candidates, h)
		}
	}

	// required is the number of distinct seeds that must accept us: JoinSize,
	// capped at what the seed list can possibly deliver.
	required := g.cfg.JoinSize
	if len(candidates) < required {
		required = len(candidates)
	}

	deadline := time.Now().Add(g.cfg.MaxJoinDuration)
	backoff := 100 * time.Millisecond
	accepted := make(map[string]struct{})

	for {
		if g.destroyed() {
			return "", newError(ErrJoin, "admin-join", "destroyed-during-bootstrap", nil)
		}

		attempt := make([]string, 0, g.cfg.JoinSize)
		for _, addr := range candidates {
			if _, done := accepted[addr]; done {
				continue
			}
			attempt = append(attempt, addr)
			if len(attempt) == g.cfg.JoinSize {
				break
			}
		}

		for _, addr := range g.joinFanOut(ctx, attempt) {
			accepted[addr] = struct{}{}
		}
		if len(accepted) >= required {
			return result, nil
		}

		if time.Now().After(deadline) {
			return "", newError(ErrJoin, "admin-join", "max-join-duration-exceeded", nil)
		}

		select {
		case <-time.After(backoff):
		case <-g.stopCh:
			return "", newError(ErrJoin, "admin-join", "destroyed-during-bootstrap", nil)
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// joinFanOut sends a join to every address concurrently and returns the
// addresses whose responses were accepted (reachable, matching App).
func (g *Gossiper) joinFanOut(ctx context.Context, addrs []string) []string {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted []string

	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
			defer cancel()
			resp, err := g.transport.Join(reqCtx, addr, JoinRequest{
				App:               g.cfg.App,
				Source:            g.cfg.HostPort,
				IncarnationNumber: g.membership.Local().Incarnation,
			})
			if err != nil || resp.App != g.cfg.App {
				return
			}
			changes := make([]Change, 0, len(resp.Membership))
			for _, m := range resp.Membership {
				changes = append(changes, Change{Address: m.Address, Status: m.Status, Incarnation: m.Incarnation, Source: addr})
			}
			g.membership.Update(changes)
			mu.Lock()
			accepted = append(accepted, addr)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return accepted
}

// AdminLeave sets the local member's status to leave, stops gossip and
// suspicion, and does not actively inform peers; they observe the
// departure via future gossip, per the design's explicit acknowledgement
// that the leave protocol is intentionally passive.
func (g *Gossiper) AdminLeave() error {
	g.mu.Lock()
	if !g.ready {
		g.mu.Unlock()
		return newError(ErrLifecycle, "admin-leave", "not-ready", nil)
	}
	local := g.membership.Local()
	if local.Status == StatusLeave {
		g.mu.Unlock()
		return newError(ErrLifecycle, "admin-leave", "already-left", nil)
	}
	g.mu.Unlock()

	g.detector.Stop()
	g.suspicion.StopAll()
	g.membership.MakeLeave(g.cfg.HostPort, local.Incarnation, "")
	return nil
}

// Rejoin is AdminJoin called while the local member is in leave status; it
// is a thin, explicitly-named entry point for that case, since AdminJoin
// already detects and performs the rejoin transition.
func (g *Gossiper) Rejoin(ctx context.Context, hosts []string) (string, error) {
	return g.AdminJoin(ctx, hosts)
}
