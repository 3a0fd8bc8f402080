package gossip

import (
	"context"
	"sync"
)

// Transport is the abstract collaborator for sending protocol requests to
// a peer address. The concrete RPC transport (UDP, TCP, HTTP, arpc, gRPC,
// ...) is out of scope for this package; callers inject an implementation.
// Errors returned are never fatal to the node: a failed ping or ping-req
// is input to the failure detector's ping -> ping-req -> suspect state
// machine, and a failed join does not count toward the join target.
type Transport interface {
	Ping(ctx context.Context, addr string, req PingRequest) (PingResponse, error)
	PingReq(ctx context.Context, addr string, req PingReqRequest) (PingReqResponse, error)
	Join(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
	Leave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}

// ChannelTransport is an in-process Transport that dispatches directly to
// a set of registered Handlers by address, for tests and single-process
// simulations of a cluster. An unregistered address yields a
// transport-kind error; Join also passes through the handler's own join
// error (e.g. invalid-join.app).
type ChannelTransport struct {
	mu    sync.RWMutex
	peers map[string]*Handlers
}

// NewChannelTransport builds a transport with no registered peers.
func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{peers: make(map[string]*Handlers)}
}

// Register makes addr reachable, routed to h.
func (t *ChannelTransport) Register(addr string, h *Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr] = h
}

// Unregister makes addr unreachable, simulating a crashed or partitioned
// peer for detector tests.
func (t *ChannelTransport) Unregister(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, addr)
}

func (t *ChannelTransport) lookup(addr string) (*Handlers, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.peers[addr]
	return h, ok
}

func (t *ChannelTransport) Ping(ctx context.Context, addr string, req PingRequest) (PingResponse, error) {
	h, ok := t.lookup(addr)
	if !ok {
		return PingResponse{}, newError(ErrTransport, "ping", "unreachable", nil)
	}
	return h.HandlePing(req), nil
}

func (t *ChannelTransport) PingReq(ctx context.Context, addr string, req PingReqRequest) (PingReqResponse, error) {
	h, ok := t.lookup(addr)
	if !ok {
		return PingReqResponse{}, newError(ErrTransport, "ping-req", "unreachable", nil)
	}
	return h.HandlePingReq(ctx, req), nil
}

func (t *ChannelTransport) Join(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error) {
	h, ok := t.lookup(addr)
	if !ok {
		return JoinResponse{}, newError(ErrTransport, "join", "unreachable", nil)
	}
	resp, err := h.HandleJoin(req)
	if err != nil {
		return JoinResponse{}, err
	}
	return resp, nil
}

func (t *ChannelTransport) Leave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error) {
	h, ok := t.lookup(addr)
	if !ok {
		return LeaveResponse{}, newError(ErrTransport, "leave", "unreachable", nil)
	}
	return h.HandleLeave(req), nil
}
