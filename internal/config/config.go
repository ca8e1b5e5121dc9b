// Package config loads the daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ryandielhenn/zephyrbus/pkg/node"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

const (
	DiscoveryMDNS   = "mdns"
	DiscoveryEtcd   = "etcd"
	DiscoveryStatic = "static"
	DiscoveryNone   = "none"
)

type Config struct {
	NodeName  string `env:"NODE_NAME"`
	Host      string `env:"NODE_HOST"`
	// Port is retried in place while busy when it was set explicitly or
	// FixedPort is true; the default port walks upward instead.
	// NODE_FIXED_PORT=false restores the walk for an explicit port.
	Port      int  `env:"NODE_PORT" envDefault:"4455"`
	FixedPort bool `env:"NODE_FIXED_PORT"`
	Workers   int  `env:"WORKERS" envDefault:"4"`

	Discovery     string   `env:"DISCOVERY" envDefault:"mdns"`
	EtcdEndpoints []string `env:"ETCD_ENDPOINTS" envSeparator:"," envDefault:"http://etcd:2379"`
	EtcdLeaseTTL  int64    `env:"ETCD_LEASE_TTL" envDefault:"10"`
	EtcdPrefix    string   `env:"ETCD_PREFIX" envDefault:"/zephyrbus/nodes/"`
	// AdvertiseHost is the address other nodes dial, published through etcd.
	AdvertiseHost string `env:"ADVERTISE_HOST"`
	StaticPeers   string `env:"STATIC_PEERS"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogDev   bool   `env:"LOG_DEV"`

	KeepAliveTimeout time.Duration `env:"KEEPALIVE_TIMEOUT" envDefault:"2s"`
	KeepAliveGrace   time.Duration `env:"KEEPALIVE_GRACE" envDefault:"1s"`
	ConnectMaxDelay  time.Duration `env:"CONNECT_MAX_DELAY" envDefault:"2s"`
}

// Load reads the given env files (".env" when none) into the process
// environment without overriding it, then parses the environment. Missing
// files are skipped.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return parse(env.Options{})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	explicit := make(map[string]bool)
	// OnSet also fires with "" for unset keys that have no default.
	opts.OnSet = func(tag string, value interface{}, isDefault bool) {
		if v, _ := value.(string); !isDefault && v != "" {
			explicit[tag] = true
		}
	}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if explicit["NODE_PORT"] && !explicit["NODE_FIXED_PORT"] {
		c.FixedPort = true
	}
	c.Discovery = strings.ToLower(strings.TrimSpace(c.Discovery))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.Discovery {
	case DiscoveryMDNS, DiscoveryEtcd, DiscoveryStatic, DiscoveryNone:
	default:
		return fmt.Errorf("unknown DISCOVERY %q", c.Discovery)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("NODE_PORT %d out of range", c.Port)
	}
	if c.Discovery == DiscoveryStatic && c.StaticPeers == "" {
		return errors.New("DISCOVERY=static needs STATIC_PEERS")
	}
	if c.Discovery == DiscoveryEtcd && len(c.EtcdEndpoints) == 0 {
		return errors.New("DISCOVERY=etcd needs ETCD_ENDPOINTS")
	}
	return nil
}

// Node builds the node configuration.
func (c Config) Node() node.Config {
	nc := node.DefaultConfig(c.NodeName)
	nc.Workers = c.Workers
	nc.Transport.Host = c.Host
	nc.Transport.Port = c.Port
	nc.Transport.FixedPort = c.FixedPort
	nc.Transport.MaxConnectDelay = c.ConnectMaxDelay
	nc.Dispatch.Timeout = c.KeepAliveTimeout
	nc.Dispatch.Grace = c.KeepAliveGrace
	return nc
}

// PeerPort is the port assumed for static peers given without one.
func (c Config) PeerPort() int {
	if c.Port == 0 {
		return transport.DefaultPort
	}
	return c.Port
}
