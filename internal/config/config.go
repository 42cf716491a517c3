// Package config reads node settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/echomesh/discovery"
	"github.com/ryandielhenn/echomesh/pkg/wave"
)

type Config struct {
	SelfID     string // empty: claim a random id in etcd, or generate one
	ListenAddr string // mesh TCP listener
	AdvertAddr string // address other nodes dial; defaults to ListenAddr
	HTTPAddr   string

	EtcdEndpoints   []string
	LeaseTTL        int64
	Peers           discovery.Static
	BootstrapDegree int

	Policy       wave.DisconnectPolicy
	LedgerBytes  int
	LedgerTTL    time.Duration
	LogLevel     zapcore.Level
	InitialValue int64
	GraphDOT     bool // also print collected graphs in Graphviz format
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	c := Config{
		SelfID:          getenv("SELF_ID"),
		ListenAddr:      or(getenv("LISTEN_ADDR"), ":7946"),
		HTTPAddr:        or(getenv("HTTP_ADDR"), ":8080"),
		LeaseTTL:        10,
		BootstrapDegree: 3,
		LedgerBytes:     16 << 20,
	}
	c.AdvertAddr = or(getenv("ADVERTISE_ADDR"), c.ListenAddr)

	if v := getenv("ETCD_ENDPOINTS"); v != "" {
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.EtcdEndpoints = append(c.EtcdEndpoints, ep)
			}
		}
	}

	peers, err := discovery.ParseStatic(getenv("PEERS"))
	if err != nil {
		return Config{}, fmt.Errorf("PEERS: %w", err)
	}
	c.Peers = peers

	if c.BootstrapDegree, err = intVar(getenv, "BOOTSTRAP_DEGREE", c.BootstrapDegree); err != nil {
		return Config{}, err
	}
	if c.LedgerBytes, err = intVar(getenv, "LEDGER_BYTES", c.LedgerBytes); err != nil {
		return Config{}, err
	}
	ttl, err := intVar(getenv, "LEASE_TTL", int(c.LeaseTTL))
	if err != nil {
		return Config{}, err
	}
	c.LeaseTTL = int64(ttl)

	if v := getenv("INITIAL_VALUE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("INITIAL_VALUE: %w", err)
		}
		c.InitialValue = n
	}

	if v := getenv("LEDGER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_TTL: %w", err)
		}
		c.LedgerTTL = d
	}

	if c.Policy, err = wave.ParseDisconnectPolicy(getenv("DISCONNECT_POLICY")); err != nil {
		return Config{}, fmt.Errorf("DISCONNECT_POLICY: %w", err)
	}

	if v := getenv("GRAPH_DOT"); v != "" {
		if c.GraphDOT, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("GRAPH_DOT: %w", err)
		}
	}

	c.LogLevel = zapcore.InfoLevel
	if v := getenv("LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return c, nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intVar(getenv func(string) string, name string, def int) (int, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
