package gossip

import (
	"time"

	"go.uber.org/zap"
)

// Config carries every tunable the design names, with the documented
// defaults. App and HostPort are required; constructing a Gossiper with
// either empty returns a ConfigurationError.
type Config struct {
	// App is the cluster namespace. Join requests with a different App
	// are rejected.
	App string
	// HostPort is this node's own address, of the form ipOrHost:port.
	HostPort string

	// BootstrapFile is the default seed file path, used when Bootstrap is
	// called without an explicit host list or SeedSource.
	BootstrapFile string

	JoinSize          int
	PingReqSize       int
	PingTimeout       time.Duration
	PingReqTimeout    time.Duration
	ProxyReqTimeout   time.Duration
	MinProtocolPeriod time.Duration
	MaxJoinDuration   time.Duration
	SuspicionTimeout  time.Duration

	// PiggybackMultiplier is the k constant in
	// maxPiggybackCount = ceil(log2(N+1)) * k.
	PiggybackMultiplier int

	Transport Transport
	Stats     StatsSink
	Logger    *zap.Logger
}

// WithDefaults returns a copy of c with every zero-valued tunable replaced
// by its documented default.
func (c Config) WithDefaults() Config {
	if c.JoinSize == 0 {
		c.JoinSize = 3
	}
	if c.PingReqSize == 0 {
		c.PingReqSize = 3
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 1500 * time.Millisecond
	}
	if c.PingReqTimeout == 0 {
		c.PingReqTimeout = 5000 * time.Millisecond
	}
	if c.ProxyReqTimeout == 0 {
		c.ProxyReqTimeout = 30000 * time.Millisecond
	}
	if c.MinProtocolPeriod == 0 {
		c.MinProtocolPeriod = 200 * time.Millisecond
	}
	if c.MaxJoinDuration == 0 {
		c.MaxJoinDuration = 300000 * time.Millisecond
	}
	if c.SuspicionTimeout == 0 {
		c.SuspicionTimeout = 5000 * time.Millisecond
	}
	if c.PiggybackMultiplier == 0 {
		c.PiggybackMultiplier = 2
	}
	if c.BootstrapFile == "" {
		c.BootstrapFile = "./hosts.json"
	}
	if c.Stats == nil {
		c.Stats = NopStats{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate returns a ConfigurationError if a required option is missing.
func (c Config) Validate() error {
	if c.App == "" {
		return newError(ErrConfiguration, "config.validate", "missing-app", nil)
	}
	if c.HostPort == "" {
		return newError(ErrConfiguration, "config.validate", "missing-host-port", nil)
	}
	return nil
}
