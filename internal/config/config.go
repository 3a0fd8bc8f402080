// Package config loads the node configuration from an optional TOML file,
// layered under environment overrides applied by cmd/server.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Cluster names the gossip cluster and how to find it.
type Cluster struct {
	// App is the cluster namespace; join requests across namespaces are
	// rejected.
	App string `toml:"app"`
	// BootstrapFile is a JSON array of "host:port" seed addresses.
	BootstrapFile string `toml:"bootstrap_file"`
	// EtcdEndpoints, when set, switches seed discovery from the bootstrap
	// file to the etcd registry.
	EtcdEndpoints []string `toml:"etcd_endpoints"`
}

// Gossip holds the protocol tunables, in milliseconds where durations are
// concerned. Zero values take the protocol defaults.
type Gossip struct {
	JoinSize            int `toml:"join_size"`
	PingReqSize         int `toml:"ping_req_size"`
	PingTimeoutMs       int `toml:"ping_timeout_ms"`
	PingReqTimeoutMs    int `toml:"ping_req_timeout_ms"`
	ProxyReqTimeoutMs   int `toml:"proxy_req_timeout_ms"`
	MinProtocolPeriodMs int `toml:"min_protocol_period_ms"`
	MaxJoinDurationMs   int `toml:"max_join_duration_ms"`
	SuspicionTimeoutMs  int `toml:"suspicion_timeout_ms"`
}

// Node is this process's own settings.
type Node struct {
	HostPort           string `toml:"host_port"`
	RingReplicaPoints  int    `toml:"ring_replica_points"`
	ReplicationFactor  int    `toml:"replication_factor"`
	CacheCapacityBytes int    `toml:"cache_capacity_bytes"`
	ListenAddr         string `toml:"listen_addr"`
}

// App is the top-level configuration.
type App struct {
	Cluster Cluster `toml:"cluster"`
	Gossip  Gossip  `toml:"gossip"`
	Node    Node    `toml:"node"`
}

// Default returns the configuration used when no file is given.
func Default() App {
	return App{
		Cluster: Cluster{App: "zephyrmesh", BootstrapFile: "./hosts.json"},
		Node:    Node{ListenAddr: ":8080"},
	}
}

// Load reads path as TOML over the defaults. An empty path returns the
// defaults unchanged; a missing or malformed file is an error.
func Load(path string) (App, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
