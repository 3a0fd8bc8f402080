// Package discovery provides etcd-backed peer discovery: nodes register
// themselves under a leased key, and the set of registered addresses can
// seed the gossip bootstrap in place of a static hosts file.
package discovery

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const nodePrefix = "/zephyr/nodes/"

// NewClient dials etcd at the given endpoints.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode writes id -> addr under a lease of ttl seconds and keeps
// the lease alive until the returned cancel func is called. The caller
// should also Revoke the returned lease on shutdown.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.Background(), ttl)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(context.Background(), nodePrefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns the currently registered id -> addr map.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), nodePrefix)
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers invokes fn with the full peer map after every change to the
// registration prefix, starting with the current state. It returns after
// the initial snapshot; watching continues on a background goroutine until
// ctx is cancelled.
func WatchPeers(ctx context.Context, cli *clientv3.Client, fn func(peers map[string]string)) error {
	peers, err := GetPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(peers)

	wch := cli.Watch(ctx, nodePrefix, clientv3.WithPrefix())
	go func() {
		for range wch {
			peers, err := GetPeers(ctx, cli)
			if err != nil {
				continue
			}
			fn(peers)
		}
	}()
	return nil
}

// EtcdSeeds is a gossip.SeedSource that reads the registered peer
// addresses from etcd, so a node can bootstrap without a hosts file.
type EtcdSeeds struct {
	Client *clientv3.Client
}

// Seeds returns every registered peer address.
func (e EtcdSeeds) Seeds(ctx context.Context) ([]string, error) {
	peers, err := GetPeers(ctx, e.Client)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(peers))
	for _, addr := range peers {
		out = append(out, addr)
	}
	return out, nil
}
