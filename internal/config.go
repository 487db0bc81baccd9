package internal

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tun    TunConfig    `yaml:"tun"`
	Engine EngineConfig `yaml:"engine"`
}

// EngineConfig tunes the single-threaded session engine (C7): its poll
// cadence and the timeouts/lifetime caps §4.7 of the relay design assigns
// to each session.
type EngineConfig struct {
	MTU             int           `yaml:"mtu"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	UDPTimeout      time.Duration `yaml:"udp_timeout"`
	TCPGraceTimeout time.Duration `yaml:"tcp_grace_timeout"`
	TCPMaxLifetime  time.Duration `yaml:"tcp_max_lifetime"`
	Debug           bool          `yaml:"debug"`
}

type TunConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	MTU    int    `yaml:"mtu"`
	// Native UDP flow table tuning
	UDPMaxFlows    int           `yaml:"udp_max_flows"`    // e.g. 4096
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"` // e.g. 60s
	UDPGCInterval  time.Duration `yaml:"udp_gc_interval"`  // e.g. 10s
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Tun.MTU == 0 {
		c.Tun.MTU = 1500
	}
	if c.Tun.UDPMaxFlows == 0 {
		c.Tun.UDPMaxFlows = 4096
	}
	if c.Tun.UDPIdleTimeout == 0 {
		c.Tun.UDPIdleTimeout = 60 * time.Second
	}
	if c.Tun.UDPGCInterval == 0 {
		c.Tun.UDPGCInterval = 10 * time.Second
	}
	if c.Engine.MTU == 0 {
		c.Engine.MTU = 65535
	}
	if c.Engine.PollTimeout == 0 {
		c.Engine.PollTimeout = 5 * time.Second
	}
	if c.Engine.UDPTimeout == 0 {
		c.Engine.UDPTimeout = 10 * time.Second
	}
	if c.Engine.TCPGraceTimeout == 0 {
		c.Engine.TCPGraceTimeout = 1 * time.Second
	}
	if c.Engine.TCPMaxLifetime == 0 {
		if c.Engine.Debug {
			c.Engine.TCPMaxLifetime = 600 * time.Second
		} else {
			c.Engine.TCPMaxLifetime = 7200 * time.Second
		}
	}
	return &c, nil
}
