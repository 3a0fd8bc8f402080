package gossip

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType tags what changed in a Gossiper event.
type EventType string

const (
	EventReady                     EventType = "ready"
	EventChanged                   EventType = "changed"
	EventMaxPiggybackCountAdjusted EventType = "maxPiggybackCountAdjusted"
)

// Event is the payload delivered on the Gossiper's event channel.
type Event struct {
	Type    EventType
	Changes []Change
	OldMax  int
	NewMax  int
}

// Gossiper is the entry point for the gossip subsystem: it wires together
// Membership, Disseminator, SuspicionTimers, Handlers and Detector behind
// the Config and Transport supplied at construction, and exposes the
// join/leave lifecycle plus a buffered event channel.
type Gossiper struct {
	cfg       Config
	transport Transport
	log       *zap.Logger

	membership *Membership
	diss       *Disseminator
	suspicion  *SuspicionTimers
	detector   *Detector
	handlers   *Handlers

	mu    sync.Mutex
	ready bool

	destroyedFlag atomic.Bool
	stopCh        chan struct{}

	events chan Event
}

// New validates cfg, applies defaults, and wires every collaborator. It
// does not start the detector or mark the node ready; call Bootstrap for
// that.
func New(cfg Config) (*Gossiper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if cfg.Transport == nil {
		return nil, newError(ErrConfiguration, "new", "missing-transport", nil)
	}

	g := &Gossiper{
		cfg:       cfg,
		transport: cfg.Transport,
		log:       cfg.Logger,
		stopCh:    make(chan struct{}),
		events:    make(chan Event, 256),
	}

	g.diss = NewDisseminator(cfg.PiggybackMultiplier, cfg.Stats)
	g.diss.OnMaxPiggybackCountAdjusted(func(old, new int) {
		g.emit(Event{Type: EventMaxPiggybackCountAdjusted, OldMax: old, NewMax: new})
	})

	g.membership = NewMembership(cfg.HostPort, g.diss, cfg.Stats)
	g.membership.OnBatch(func(changes []Change) {
		g.emit(Event{Type: EventChanged, Changes: changes})
	})

	g.suspicion = NewSuspicionTimers(cfg.SuspicionTimeout, func(address string, incarnation int64) {
		if mem, ok := g.membership.Get(address); !ok || mem.Status != StatusSuspect {
			return
		}
		g.membership.MakeFaulty(address, incarnation, cfg.HostPort)
	})
	g.membership.OnUpdate(func(ev UpdateEvent) {
		switch ev.Type {
		case string(StatusSuspect):
			g.suspicion.Start(ev.Member.Address, ev.Member.Incarnation)
		case string(StatusAlive), string(StatusFaulty), string(StatusLeave), string(StatusDamped):
			g.suspicion.Cancel(ev.Member.Address)
		}
	})

	g.handlers = NewHandlers(cfg.App, cfg.HostPort, g.membership, g.diss, g.transport, cfg.PingReqTimeout, cfg.Stats, g.log)
	g.detector = NewDetector(cfg.HostPort, g.membership, g.diss, g.suspicion, g.transport, cfg)

	return g, nil
}

// Handlers exposes the protocol handlers for wiring into a transport's
// server side.
func (g *Gossiper) Handlers() *Handlers { return g.handlers }

// Membership exposes the membership table, e.g. for the node facade to
// read snapshots or subscribe to updates.
func (g *Gossiper) Membership() *Membership { return g.membership }

// WhoAmI returns the local address.
func (g *Gossiper) WhoAmI() string { return g.cfg.HostPort }

// Events returns the channel Gossiper events (ready, changed,
// maxPiggybackCountAdjusted) are delivered on.
func (g *Gossiper) Events() <-chan Event { return g.events }

func (g *Gossiper) emit(ev Event) {
	select {
	case g.events <- ev:
	default: // events channel is an observability convenience, never a backpressure point
	}
}

func (g *Gossiper) destroyed() bool { return g.destroyedFlag.Load() }

// Destroy stops gossip, suspicion and the detector. Idempotent; callbacks
// fire at most once.
func (g *Gossiper) Destroy() {
	if !g.destroyedFlag.CompareAndSwap(false, true) {
		return
	}
	close(g.stopCh)
	g.detector.Stop()
	g.suspicion.StopAll()
}
