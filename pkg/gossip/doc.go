// Package gossip implements a SWIM-style membership and failure-detection
// subsystem: periodic direct pings with indirect ping-req fallback, a
// suspicion timeout before declaring a peer faulty, and infection-style
// dissemination of membership changes piggybacked on every protocol
// message. It defines an abstract Transport collaborator so the concrete
// RPC mechanism stays out of this package.
//
// Typical usage:
//
//	g, err := gossip.New(gossip.Config{App: "mycluster", HostPort: "10.0.0.1:7946", Transport: t})
//	err = g.Bootstrap(ctx, gossip.StaticSeeds{"10.0.0.2:7946", "10.0.0.3:7946"})
//	defer g.Destroy()
//
// ChannelTransport provides an in-process Transport for tests; production
// deployments supply their own (HTTP, gRPC, UDP, ...).
package gossip
