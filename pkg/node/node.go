package node

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/ring"
)

// EventType tags what changed in a Node event.
type EventType string

const (
	EventReady       EventType = "ready"
	EventChanged     EventType = "changed"
	EventRingChanged EventType = "ringChanged"
)

// Event is the payload delivered on the Node's event channel. Changes is
// populated for EventChanged only.
type Event struct {
	Type    EventType
	Changes []gossip.Change
}

// Config carries everything a Node needs beyond the gossip tunables.
// Gossip.App and Gossip.HostPort are required; see gossip.Config for the
// protocol options and their defaults.
type Config struct {
	Gossip gossip.Config

	// RingReplicaPoints is the number of replica points per server on the
	// consistent hash ring (default 100).
	RingReplicaPoints int

	// ReplicationFactor is how many distinct owners Owners returns for a
	// key, for callers that replicate writes (default 1).
	ReplicationFactor int

	// CacheCapacityBytes bounds the local kv store (default 64MB).
	CacheCapacityBytes int

	// Proxy forwards keyed requests to remote owners. Defaults to an
	// HTTPProxy with the gossip ProxyReqTimeout.
	Proxy Proxy

	Logger *zap.Logger
	Stats  gossip.StatsSink
}

// Node is the facade over the gossip membership, the consistent hash ring
// synchronized from it, and the local kv store. It routes keyed requests
// to their owner: locally when this node owns the key, through the Proxy
// otherwise.
type Node struct {
	cfg   Config
	log   *zap.Logger
	stats gossip.StatsSink

	gsp   *gossip.Gossiper
	ring  *ring.HashRing
	kv    *kv.Store
	proxy Proxy

	events        chan Event
	destroyedFlag atomic.Bool
}

// New wires a Node: it constructs the Gossiper from cfg.Gossip, builds the
// ring, and subscribes the ring to membership updates so that it always
// contains exactly the alive member set.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = gossip.NopStats{}
	}
	if cfg.RingReplicaPoints <= 0 {
		cfg.RingReplicaPoints = 100
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.CacheCapacityBytes <= 0 {
		cfg.CacheCapacityBytes = 64 << 20
	}
	cfg.Gossip.Logger = cfg.Logger
	cfg.Gossip.Stats = cfg.Stats

	gsp, err := gossip.New(cfg.Gossip)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		log:    cfg.Logger,
		stats:  cfg.Stats,
		gsp:    gsp,
		ring:   ring.New(cfg.RingReplicaPoints, nil),
		kv:     kv.NewStore(cfg.CacheCapacityBytes),
		proxy:  cfg.Proxy,
		events: make(chan Event, 256),
	}
	if n.proxy == nil {
		n.proxy = NewHTTPProxy(cfg.Gossip.WithDefaults().ProxyReqTimeout, cfg.Logger)
	}

	n.ring.OnChange(func() {
		n.emit(Event{Type: EventRingChanged})
	})

	// The ring holds exactly the alive member set. Add/Remove are no-ops
	// (and fire no ringChanged) when the server set doesn't actually
	// change, so a member observed for the first time in a non-alive
	// status never touches the ring.
	n.gsp.Membership().OnUpdate(func(ev gossip.UpdateEvent) {
		addr := ev.Member.Address
		if ev.Member.Status == gossip.StatusAlive {
			n.ring.Add(addr, addr)
		} else {
			n.ring.Remove(addr)
		}
	})

	go n.forwardGossipEvents()
	return n, nil
}

func (n *Node) forwardGossipEvents() {
	for ev := range n.gsp.Events() {
		switch ev.Type {
		case gossip.EventReady:
			n.emit(Event{Type: EventReady})
		case gossip.EventChanged:
			n.emit(Event{Type: EventChanged, Changes: ev.Changes})
		}
	}
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
	}
}

// Events returns the channel Node events (ready, changed, ringChanged) are
// delivered on.
func (n *Node) Events() <-chan Event { return n.events }

// WhoAmI returns the local address.
func (n *Node) WhoAmI() string { return n.gsp.WhoAmI() }

// Gossip exposes the underlying Gossiper, e.g. for wiring its protocol
// handlers into a transport server.
func (n *Node) Gossip() *gossip.Gossiper { return n.gsp }

// Store exposes the local kv store.
func (n *Node) Store() *kv.Store { return n.kv }

// Ring exposes the hash ring for read-side consumers.
func (n *Node) Ring() *ring.HashRing { return n.ring }

// Bootstrap joins the cluster through the given seed source and marks the
// node ready. Passing a nil source falls back to the configured bootstrap
// file.
func (n *Node) Bootstrap(ctx context.Context, seeds gossip.SeedSource) error {
	return n.gsp.Bootstrap(ctx, seeds)
}

// Lookup returns the address owning key. On an empty ring (e.g. before
// bootstrap completes, or when every peer is gone) it returns the local
// address so callers can always make progress.
func (n *Node) Lookup(key string) string {
	n.stats.Inc("lookup")
	owner := n.ring.Lookup([]byte(key))
	if owner == "" {
		return n.WhoAmI()
	}
	return owner
}

// Owners returns up to ReplicationFactor distinct addresses for key,
// starting at the owner and walking the ring, for replication-aware
// callers.
func (n *Node) Owners(key string) []string {
	owners := n.ring.LookupN([]byte(key), n.cfg.ReplicationFactor)
	if len(owners) == 0 {
		return []string{n.WhoAmI()}
	}
	return owners
}

// Destroy stops gossip, suspicion and the detector. Idempotent. The event
// channel is not closed.
func (n *Node) Destroy() {
	if !n.destroyedFlag.CompareAndSwap(false, true) {
		return
	}
	n.gsp.Destroy()
	n.log.Info("node destroyed", zap.String("addr", n.WhoAmI()))
}
