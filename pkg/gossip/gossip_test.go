package gossip

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testCluster wires several Gossipers over one in-process ChannelTransport
// with tight timeouts, and tears everything down with the test.
type testCluster struct {
	t         *testing.T
	transport *ChannelTransport
	nodes     map[string]*Gossiper
	addrs     []string
}

func newTestCluster(t *testing.T, app string, addrs ...string) *testCluster {
	t.Helper()
	tc := &testCluster{
		t:         t,
		transport: NewChannelTransport(),
		nodes:     make(map[string]*Gossiper),
		addrs:     addrs,
	}
	for _, addr := range addrs {
		g, err := New(Config{
			App:               app,
			HostPort:          addr,
			Transport:         tc.transport,
			PingTimeout:       100 * time.Millisecond,
			PingReqTimeout:    200 * time.Millisecond,
			MinProtocolPeriod: 50 * time.Millisecond,
			SuspicionTimeout:  100 * time.Millisecond,
			MaxJoinDuration:   2 * time.Second,
		})
		if err != nil {
			t.Fatalf("New(%s): %v", addr, err)
		}
		tc.transport.Register(addr, g.Handlers())
		tc.nodes[addr] = g
	}
	t.Cleanup(func() {
		for _, g := range tc.nodes {
			g.Destroy()
		}
	})
	return tc
}

func (tc *testCluster) node(addr string) *Gossiper { return tc.nodes[addr] }

func (tc *testCluster) bootstrap(addr string) {
	tc.t.Helper()
	if err := tc.nodes[addr].Bootstrap(context.Background(), StaticSeeds(tc.addrs)); err != nil {
		tc.t.Fatalf("Bootstrap(%s): %v", addr, err)
	}
}

func TestBootstrapSingleNode(t *testing.T) {
	tc := newTestCluster(t, "solo", "127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3000")

	g := tc.node("127.0.0.1:3000")
	local := g.Membership().Local()
	if local.Status != StatusAlive {
		t.Fatalf("local status = %s, want alive", local.Status)
	}
	if local.Incarnation == 0 {
		t.Fatal("local incarnation not seeded")
	}
}

func TestBootstrapJoinsPeers(t *testing.T) {
	tc := newTestCluster(t, "pair", "127.0.0.1:3000", "127.0.0.1:3001")
	tc.bootstrap("127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3001")

	a, b := tc.node("127.0.0.1:3000"), tc.node("127.0.0.1:3001")
	if _, ok := b.Membership().Get("127.0.0.1:3000"); !ok {
		t.Fatal("joiner did not learn about the seed")
	}
	if _, ok := a.Membership().Get("127.0.0.1:3001"); !ok {
		t.Fatal("seed did not learn about the joiner")
	}
}

func TestBootstrapAlreadyReady(t *testing.T) {
	tc := newTestCluster(t, "twice", "127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3000")

	err := tc.node("127.0.0.1:3000").Bootstrap(context.Background(), StaticSeeds(tc.addrs))
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrLifecycle {
		t.Fatalf("expected lifecycle error on double bootstrap, got %v", err)
	}
}

func TestBootstrapEmptySeedList(t *testing.T) {
	tc := newTestCluster(t, "empty", "127.0.0.1:3000")
	err := tc.node("127.0.0.1:3000").Bootstrap(context.Background(), StaticSeeds{})
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrLifecycle || e.Code != "empty-seed-list" {
		t.Fatalf("expected empty-seed-list lifecycle error, got %v", err)
	}
}

func TestSelfJoinRejected(t *testing.T) {
	tc := newTestCluster(t, "selfjoin", "127.0.0.1:3000")
	h := tc.node("127.0.0.1:3000").Handlers()

	_, err := h.HandleJoin(JoinRequest{App: "selfjoin", Source: "127.0.0.1:3000", IncarnationNumber: 1})
	var e *Error
	if !errors.As(err, &e) || e.Code != "invalid-join.source" {
		t.Fatalf("expected invalid-join.source, got %v", err)
	}
}

func TestAppMismatchRejected(t *testing.T) {
	tc := newTestCluster(t, "mars", "127.0.0.1:3000")
	h := tc.node("127.0.0.1:3000").Handlers()

	_, err := h.HandleJoin(JoinRequest{App: "jupiter", Source: "127.0.0.1:3001", IncarnationNumber: 1})
	var e *Error
	if !errors.As(err, &e) || e.Code != "invalid-join.app" {
		t.Fatalf("expected invalid-join.app, got %v", err)
	}
}

func TestJoinAddsJoinerAndReturnsState(t *testing.T) {
	tc := newTestCluster(t, "join", "127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3000")
	h := tc.node("127.0.0.1:3000").Handlers()

	resp, err := h.HandleJoin(JoinRequest{App: "join", Source: "127.0.0.1:3001", IncarnationNumber: 77})
	if err != nil {
		t.Fatalf("HandleJoin: %v", err)
	}
	if resp.Coordinator != "127.0.0.1:3000" || resp.App != "join" {
		t.Fatalf("bad join response: %+v", resp)
	}
	if len(resp.Membership) != 2 {
		t.Fatalf("expected 2 members in join response, got %d", len(resp.Membership))
	}
	mem, ok := tc.node("127.0.0.1:3000").Membership().Get("127.0.0.1:3001")
	if !ok || mem.Status != StatusAlive || mem.Incarnation != 77 {
		t.Fatalf("joiner not admitted as alive at its incarnation: %+v", mem)
	}
}

func TestRejoinAfterLeave(t *testing.T) {
	tc := newTestCluster(t, "rejoin", "127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3000")
	g := tc.node("127.0.0.1:3000")

	before := g.Membership().Local().Incarnation
	if err := g.AdminLeave(); err != nil {
		t.Fatalf("AdminLeave: %v", err)
	}
	if got := g.Membership().Local(); got.Status != StatusLeave || got.Incarnation != before {
		t.Fatalf("after leave: (%s,%d), want (leave,%d)", got.Status, got.Incarnation, before)
	}

	result, err := g.AdminJoin(context.Background(), []string{"127.0.0.1:3000"})
	if err != nil {
		t.Fatalf("AdminJoin: %v", err)
	}
	if result != "rejoined" {
		t.Fatalf("result = %q, want \"rejoined\"", result)
	}
	local := g.Membership().Local()
	if local.Status != StatusAlive || local.Incarnation != before+1 {
		t.Fatalf("after rejoin: (%s,%d), want (alive,%d)", local.Status, local.Incarnation, before+1)
	}
}

func TestAdminLeaveTwice(t *testing.T) {
	tc := newTestCluster(t, "leave2", "127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3000")
	g := tc.node("127.0.0.1:3000")

	if err := g.AdminLeave(); err != nil {
		t.Fatalf("first AdminLeave: %v", err)
	}
	err := g.AdminLeave()
	var e *Error
	if !errors.As(err, &e) || e.Code != "already-left" {
		t.Fatalf("expected already-left, got %v", err)
	}
}

func TestAdminJoinRequiresLocalMember(t *testing.T) {
	tc := newTestCluster(t, "nolocal", "127.0.0.1:3000")

	_, err := tc.node("127.0.0.1:3000").AdminJoin(context.Background(), []string{"127.0.0.1:3001"})
	var e *Error
	if !errors.As(err, &e) || e.Kind != ErrLifecycle || e.Code != "local-member-missing" {
		t.Fatalf("expected local-member-missing lifecycle error, got %v", err)
	}
}

func TestDestroyAbortsJoin(t *testing.T) {
	tc := newTestCluster(t, "destroyed", "127.0.0.1:3000")
	g := tc.node("127.0.0.1:3000")
	g.Destroy()

	_, err := g.AdminJoin(context.Background(), []string{"127.0.0.1:4000"})
	var e *Error
	if !errors.As(err, &e) || e.Code != "destroyed-during-bootstrap" {
		t.Fatalf("expected destroyed-during-bootstrap, got %v", err)
	}
}

func TestPingAppliesAndReturnsChanges(t *testing.T) {
	tc := newTestCluster(t, "pingme", "127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3000")
	g := tc.node("127.0.0.1:3000")

	// The inbound ping carries news about 3002; the handler must apply it
	// and, since checksums differ, respond with its own piggyback batch.
	resp := g.Handlers().HandlePing(PingRequest{
		Source:   "127.0.0.1:3001",
		Checksum: 0,
		Changes:  []Change{{Address: "127.0.0.1:3002", Status: StatusAlive, Incarnation: 5}},
	})

	if _, ok := g.Membership().Get("127.0.0.1:3002"); !ok {
		t.Fatal("piggybacked change was not applied")
	}
	if len(resp.Changes) == 0 {
		t.Fatal("expected piggyback changes in ping response on checksum mismatch")
	}
}

func TestPingChecksumAgreementReturnsNothing(t *testing.T) {
	tc := newTestCluster(t, "agree", "127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3000")
	g := tc.node("127.0.0.1:3000")

	resp := g.Handlers().HandlePing(PingRequest{
		Source:   "127.0.0.1:3001",
		Checksum: g.Membership().Checksum(),
	})
	if len(resp.Changes) != 0 {
		t.Fatalf("expected empty piggyback on checksum agreement, got %d", len(resp.Changes))
	}
}

func TestPingReqProbesTarget(t *testing.T) {
	tc := newTestCluster(t, "relay", "127.0.0.1:3000", "127.0.0.1:3001")
	tc.bootstrap("127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3001")
	relay := tc.node("127.0.0.1:3000")

	resp := relay.Handlers().HandlePingReq(context.Background(), PingReqRequest{
		Source: "127.0.0.1:3002",
		Target: "127.0.0.1:3001",
	})
	if !resp.PingStatus || resp.Target != "127.0.0.1:3001" {
		t.Fatalf("expected reachable target, got %+v", resp)
	}

	tc.transport.Unregister("127.0.0.1:3001")
	resp = relay.Handlers().HandlePingReq(context.Background(), PingReqRequest{
		Source: "127.0.0.1:3002",
		Target: "127.0.0.1:3001",
	})
	if resp.PingStatus {
		t.Fatal("expected unreachable target after unregister")
	}
}

func TestDetectorMarksUnreachablePeerSuspectThenFaulty(t *testing.T) {
	tc := newTestCluster(t, "detect", "127.0.0.1:3000", "127.0.0.1:3001")
	tc.bootstrap("127.0.0.1:3000")
	tc.bootstrap("127.0.0.1:3001")
	a := tc.node("127.0.0.1:3000")

	// Kill B: A's pings fail, no relay can reach it, so A must move it
	// suspect and, after the suspicion timeout, faulty.
	tc.node("127.0.0.1:3001").Destroy()
	tc.transport.Unregister("127.0.0.1:3001")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if mem, ok := a.Membership().Get("127.0.0.1:3001"); ok && mem.Status == StatusFaulty {
			return
		}
		if time.Now().After(deadline) {
			mem, _ := a.Membership().Get("127.0.0.1:3001")
			t.Fatalf("dead peer never declared faulty, status = %s", mem.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{HostPort: "127.0.0.1:3000", Transport: NewChannelTransport()}); err == nil {
		t.Fatal("expected error for missing App")
	}
	if _, err := New(Config{App: "x", Transport: NewChannelTransport()}); err == nil {
		t.Fatal("expected error for missing HostPort")
	}
	if _, err := New(Config{App: "x", HostPort: "127.0.0.1:3000"}); err == nil {
		t.Fatal("expected error for missing Transport")
	}
}

func TestStatsRegistryDuplicate(t *testing.T) {
	r := NewStatsRegistry()
	if err := r.Register("hook", statsProviderFunc(func() map[string]any { return nil })); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register("hook", statsProviderFunc(func() map[string]any { return nil }))
	var e *Error
	if !errors.As(err, &e) || e.Code != "duplicate-stats-hook" {
		t.Fatalf("expected duplicate-stats-hook, got %v", err)
	}
}

type statsProviderFunc func() map[string]any

func (f statsProviderFunc) GetStats() map[string]any { return f() }
