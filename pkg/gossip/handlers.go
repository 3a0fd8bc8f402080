package gossip

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Handlers serves inbound join, ping, ping-req and leave requests. Every
// handler applies inbound piggyback changes first, then performs its
// specific work; handlers never block on the transport while holding
// Membership's lock, so they run freely alongside the detector's outbound
// loop.
type Handlers struct {
	app        string
	local      string
	membership *Membership
	diss       *Disseminator
	transport  Transport
	pingReqTO  time.Duration
	stats      StatsSink
	log        *zap.Logger
}

// NewHandlers wires a Handlers instance for the local node.
func NewHandlers(app, local string, membership *Membership, diss *Disseminator, transport Transport, pingReqTimeout time.Duration, stats StatsSink, log *zap.Logger) *Handlers {
	if stats == nil {
		stats = NopStats{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		app:        app,
		local:      local,
		membership: membership,
		diss:       diss,
		transport:  transport,
		pingReqTO:  pingReqTimeout,
		stats:      stats,
		log:        log,
	}
}

// HandleJoin admits a joiner: rejects self-joins and app mismatches,
// otherwise adds the joiner as alive and replies with the current state.
func (h *Handlers) HandleJoin(req JoinRequest) (JoinResponse, error) {
	h.stats.Inc("join.recv")
	if req.Source == h.local {
		return JoinResponse{}, newError(ErrJoin, "join", "invalid-join.source", nil)
	}
	if req.App != h.app {
		return JoinResponse{}, newError(ErrJoin, "join", "invalid-join.app", nil)
	}
	h.membership.AddMember(req.Source, req.IncarnationNumber)
	return JoinResponse{
		App:         h.app,
		Coordinator: h.local,
		Membership:  h.membership.GetState(),
	}, nil
}

// HandlePing applies the requester's piggyback changes and replies with a
// batch picked for that peer, short-circuiting if checksums already agree.
func (h *Handlers) HandlePing(req PingRequest) PingResponse {
	h.stats.Inc("ping.recv")
	h.membership.Update(req.Changes)
	changes := h.diss.GetChanges(req.Checksum, h.membership.Checksum(), req.Source)
	return PingResponse{Changes: changes}
}

// HandlePingReq applies the requester's piggyback changes, then issues its
// own direct ping at Target on the requester's behalf and reports whether
// it was reachable.
func (h *Handlers) HandlePingReq(ctx context.Context, req PingReqRequest) PingReqResponse {
	h.stats.Inc("ping-req.recv")
	h.membership.Update(req.Changes)

	pingCtx, cancel := context.WithTimeout(ctx, h.pingReqTO)
	defer cancel()

	ok := false
	resp, err := h.transport.Ping(pingCtx, req.Target, PingRequest{
		Source:   h.local,
		Checksum: h.membership.Checksum(),
		Changes:  h.diss.Outgoing(req.Target),
	})
	if err == nil {
		ok = true
		h.membership.Update(resp.Changes)
	}

	changes := h.diss.GetChanges(req.Checksum, h.membership.Checksum(), req.Source)
	return PingReqResponse{PingStatus: ok, Target: req.Target, Changes: changes}
}

// HandleLeave acknowledges a voluntary departure. No state change is
// required here; the sender's own future gossip carries the leave status.
func (h *Handlers) HandleLeave(req LeaveRequest) LeaveResponse {
	h.stats.Inc("leave.recv")
	return LeaveResponse{}
}
