package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/discovery"
	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

// Overridden at build time via -ldflags.
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfgPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("loading config", zap.String("path", *cfgPath), zap.Error(err))
	}
	applyEnv(&cfg)

	if cfg.Node.HostPort == "" {
		log.Fatal("SELF_ADDR or node.host_port is required")
	}

	stats := telemetry.GossipStats{}
	n, err := node.New(node.Config{
		Gossip: gossip.Config{
			App:               cfg.Cluster.App,
			HostPort:          cfg.Node.HostPort,
			BootstrapFile:     cfg.Cluster.BootstrapFile,
			JoinSize:          cfg.Gossip.JoinSize,
			PingReqSize:       cfg.Gossip.PingReqSize,
			PingTimeout:       ms(cfg.Gossip.PingTimeoutMs),
			PingReqTimeout:    ms(cfg.Gossip.PingReqTimeoutMs),
			ProxyReqTimeout:   ms(cfg.Gossip.ProxyReqTimeoutMs),
			MinProtocolPeriod: ms(cfg.Gossip.MinProtocolPeriodMs),
			MaxJoinDuration:   ms(cfg.Gossip.MaxJoinDurationMs),
			SuspicionTimeout:  ms(cfg.Gossip.SuspicionTimeoutMs),
			Transport:         node.NewHTTPTransport(ms(cfg.Gossip.PingReqTimeoutMs)),
		},
		RingReplicaPoints:  cfg.Node.RingReplicaPoints,
		ReplicationFactor:  cfg.Node.ReplicationFactor,
		CacheCapacityBytes: cfg.Node.CacheCapacityBytes,
		Logger:             log,
		Stats:              stats,
	})
	if err != nil {
		log.Fatal("building node", zap.Error(err))
	}
	defer n.Destroy()

	hooks := gossip.NewStatsRegistry()
	if err := hooks.Register("prometheus", stats); err != nil {
		log.Fatal("registering stats hook", zap.Error(err))
	}

	seeds, cleanup, err := seedSource(cfg, log)
	if err != nil {
		log.Fatal("seed discovery", zap.Error(err))
	}
	defer cleanup()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := n.Bootstrap(ctx, seeds); err != nil {
			log.Fatal("bootstrap failed", zap.Error(err))
		}
		log.Info("cluster joined", zap.String("whoami", n.WhoAmI()))
	}()

	go func() {
		for ev := range n.Events() {
			log.Debug("node event", zap.String("type", string(ev.Type)), zap.Int("changes", len(ev.Changes)))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	n.RegisterProtocolRoutes(mux)
	mux.HandleFunc("/kv/mget", func(w http.ResponseWriter, r *http.Request) {
		telemetry.Instrument("mget", http.HandlerFunc(n.MGet)).ServeHTTP(w, r)
	})
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method)
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})

	log.Info("zephyrmesh node listening", zap.String("addr", cfg.Node.ListenAddr))
	if err := http.ListenAndServe(cfg.Node.ListenAddr, mux); err != nil {
		log.Fatal("http server", zap.Error(err))
	}
}

// seedSource picks where bootstrap seeds come from: the etcd registry when
// endpoints are configured (registering this node there too), the
// bootstrap file otherwise.
func seedSource(cfg config.App, log *zap.Logger) (gossip.SeedSource, func(), error) {
	if len(cfg.Cluster.EtcdEndpoints) == 0 {
		return gossip.FileSeeds{Path: cfg.Cluster.BootstrapFile}, func() {}, nil
	}

	cli, err := discovery.NewClient(cfg.Cluster.EtcdEndpoints)
	if err != nil {
		return nil, nil, err
	}
	leaseID, cancel, err := discovery.RegisterNode(cli, cfg.Node.HostPort, cfg.Node.HostPort, 10)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	log.Info("registered with etcd", zap.Strings("endpoints", cfg.Cluster.EtcdEndpoints))

	cleanup := func() {
		cancel()
		cli.Revoke(context.Background(), leaseID)
		cli.Close()
	}
	return discovery.EtcdSeeds{Client: cli}, cleanup, nil
}

// applyEnv layers environment overrides on top of the file config, keeping
// the SELF_ADDR / REPLICATION_FACTOR knobs container deployments already
// use.
func applyEnv(cfg *config.App) {
	if v := os.Getenv("SELF_ADDR"); v != "" {
		cfg.Node.HostPort = v
	}
	if v := os.Getenv("APP"); v != "" {
		cfg.Cluster.App = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("BOOTSTRAP_FILE"); v != "" {
		cfg.Cluster.BootstrapFile = v
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		cfg.Cluster.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("REPLICATION_FACTOR"); v != "" {
		if rf, err := strconv.Atoi(v); err == nil {
			cfg.Node.ReplicationFactor = rf
		}
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
