// Package config holds the hub and leaf configuration types.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GeeItsZee/SockExchange/internal/util"
)

// Role represents which side of the bus this process runs.
type Role string

const (
	RoleHub  Role = "hub"
	RoleLeaf Role = "leaf"
)

// Defaults.
const (
	DefaultSweepInterval     = 5 * time.Second
	DefaultReconnectInterval = 1 * time.Second
	DefaultReadTimeout       = 15 * time.Second
	DefaultKeepAliveInterval = 2 * time.Second
	DefaultDrainAttempts     = 10
	DefaultDrainInterval     = 1 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultMaxConnections    = 256
)

// Timing groups the intervals shared by both roles.
type Timing struct {
	SweepInterval     time.Duration // pending-call expiry sweep
	ReadTimeout       time.Duration // max silence on a link before it is dropped
	KeepAliveInterval time.Duration
	DrainAttempts     int
	DrainInterval     time.Duration
	Workers           int // executor pool size, 0 = executor default
}

func (t Timing) withDefaults() Timing {
	if t.SweepInterval <= 0 {
		t.SweepInterval = DefaultSweepInterval
	}
	if t.ReadTimeout <= 0 {
		t.ReadTimeout = DefaultReadTimeout
	}
	if t.KeepAliveInterval <= 0 {
		t.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if t.DrainAttempts <= 0 {
		t.DrainAttempts = DefaultDrainAttempts
	}
	if t.DrainInterval <= 0 {
		t.DrainInterval = DefaultDrainInterval
	}
	return t
}

// LeafEntry is one known leaf as configured on the hub.
type LeafEntry struct {
	Name    string
	Private bool
}

// HubConfig configures the hub process.
type HubConfig struct {
	ListenAddr     string // TCP listen address for leaves
	WebSocketAddr  string // optional HTTP address serving /ws
	MetricsAddr    string // optional HTTP address serving /metrics
	Password       string
	Leaves         []LeafEntry
	MaxConnections int // concurrent sockets, including unregistered ones

	RedisAddr     string // optional; enables the Redis player locator
	RedisPassword string
	RedisDB       int

	Timing
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c HubConfig) WithDefaults() HubConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	c.Timing = c.Timing.withDefaults()
	return c
}

// Validate checks that the configuration can start a hub.
func (c HubConfig) Validate() error {
	var errs []error
	if c.ListenAddr == "" && c.WebSocketAddr == "" {
		errs = append(errs, errors.New("no listen address"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("empty password"))
	}
	if len(c.Leaves) == 0 {
		errs = append(errs, errors.New("no known leaves"))
	}
	seen := make(map[string]bool, len(c.Leaves))
	for _, l := range c.Leaves {
		key := util.CanonicalName(l.Name)
		switch {
		case key == "":
			errs = append(errs, errors.New("empty leaf name"))
		case seen[key]:
			errs = append(errs, fmt.Errorf("duplicate leaf name %q", l.Name))
		}
		seen[key] = true
	}
	return errors.Join(errs...)
}

// LeafConfig configures a leaf process.
type LeafConfig struct {
	HubAddr           string // host:port for TCP, ws:// or wss:// URL for WebSocket
	Name              string
	Password          string
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	MetricsAddr       string

	Timing
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c LeafConfig) WithDefaults() LeafConfig {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	c.Timing = c.Timing.withDefaults()
	return c
}

// Validate checks that the configuration can start a leaf.
func (c LeafConfig) Validate() error {
	var errs []error
	if c.HubAddr == "" {
		errs = append(errs, errors.New("no hub address"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("empty leaf name"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("empty password"))
	}
	return errors.Join(errs...)
}

// UsesWebSocket reports whether HubAddr is a WebSocket URL.
func (c LeafConfig) UsesWebSocket() bool {
	return strings.HasPrefix(c.HubAddr, "ws://") || strings.HasPrefix(c.HubAddr, "wss://")
}

// ParseLeaves builds leaf entries from comma-separated names; names also
// listed in private are marked private.
func ParseLeaves(names, private string) []LeafEntry {
	priv := make(map[string]bool)
	for _, p := range splitList(private) {
		priv[util.CanonicalName(p)] = true
	}

	var out []LeafEntry
	for _, n := range splitList(names) {
		out = append(out, LeafEntry{Name: n, Private: priv[util.CanonicalName(n)]})
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
