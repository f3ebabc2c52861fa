package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cheddar/seaport/internal/registry"
	"github.com/cheddar/seaport/internal/ring"
)

// EnvPrefix is prepended to every environment override, e.g. SEAPORT_LISTEN.
const EnvPrefix = "SEAPORT"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Peer represents a node to dial at startup.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the node configuration.
type Config struct {
	NodeID        string `mapstructure:"node_id"`
	Listen        string `mapstructure:"listen"`
	WSListen      string `mapstructure:"ws_listen"`
	MetricsListen string `mapstructure:"metrics_listen"`
	// Host is this node's advertised address when known up front.
	Host string `mapstructure:"host"`

	Peers             string        `mapstructure:"peers"`
	Fanout            int           `mapstructure:"fanout"`
	VNodes            int           `mapstructure:"vnodes"`
	MinPeers          int           `mapstructure:"min_peers"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IsServer          bool          `mapstructure:"is_server"`
	PrivateKey        string        `mapstructure:"private_key"`
	PublicKey         string        `mapstructure:"public_key"`
	Authorized        []string      `mapstructure:"authorized"`
	PortLow           int           `mapstructure:"port_low"`
	PortHigh          int           `mapstructure:"port_high"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Listen:            ":7946",
		Fanout:            3,
		VNodes:            64,
		DialTimeout:       5 * time.Second,
		ReconnectInterval: 5 * time.Second,
		HeartbeatInterval: registry.DefaultHeartbeatInterval,
		PortLow:           registry.DefaultPortLow,
		PortHigh:          registry.DefaultPortHigh,
	}
}

// Load reads path (if not empty), SEAPORT_* environment variables and the
// given flags, in increasing order of precedence. Flag names map to keys
// with dashes replaced by underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("ws_listen", d.WSListen)
	v.SetDefault("metrics_listen", d.MetricsListen)
	v.SetDefault("host", d.Host)
	v.SetDefault("peers", d.Peers)
	v.SetDefault("fanout", d.Fanout)
	v.SetDefault("vnodes", d.VNodes)
	v.SetDefault("min_peers", d.MinPeers)
	v.SetDefault("dial_timeout", d.DialTimeout)
	v.SetDefault("reconnect_interval", d.ReconnectInterval)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("is_server", d.IsServer)
	v.SetDefault("private_key", d.PrivateKey)
	v.SetDefault("public_key", d.PublicKey)
	v.SetDefault("authorized", []string{})
	v.SetDefault("port_low", d.PortLow)
	v.SetDefault("port_high", d.PortHigh)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if flags != nil {
		known := make(map[string]bool)
		for _, key := range v.AllKeys() {
			known[key] = true
		}
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !known[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would fail later at runtime.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalid)
	}
	peers, err := ParsePeers(c.Peers)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.MinPeers < 0 || c.MinPeers > len(peers) {
		return fmt.Errorf("%w: min_peers %d with %d peers", ErrInvalid, c.MinPeers, len(peers))
	}
	if c.Fanout < 0 {
		return fmt.Errorf("%w: fanout must not be negative", ErrInvalid)
	}
	if c.HeartbeatInterval <= 0 || c.DialTimeout <= 0 || c.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: intervals and timeouts must be positive", ErrInvalid)
	}
	if c.PortLow < 1 || c.PortHigh > 65535 || c.PortLow > c.PortHigh {
		return fmt.Errorf("%w: port range %d-%d", ErrInvalid, c.PortLow, c.PortHigh)
	}
	return nil
}

// Registry builds the registry settings. Keys may be given inline or as
// file paths.
func (c *Config) Registry() (registry.Config, error) {
	rc := registry.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		IsServer:          c.IsServer,
		Authorized:        c.Authorized,
		PortRange:         [2]int{c.PortLow, c.PortHigh},
		Host:              c.Host,
	}
	if c.PrivateKey != "" {
		data, err := keyMaterial(c.PrivateKey)
		if err != nil {
			return rc, fmt.Errorf("failed to read private key: %w", err)
		}
		rc.PrivateKey = data
	}
	if c.PublicKey != "" {
		data, err := keyMaterial(c.PublicKey)
		if err != nil {
			return rc, fmt.Errorf("failed to read public key: %w", err)
		}
		rc.PublicKey = string(data)
	}
	return rc, nil
}

// keyMaterial returns inline PEM or OpenSSH text as is and reads anything
// else as a file path.
func keyMaterial(v string) ([]byte, error) {
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "-----BEGIN") || strings.HasPrefix(trimmed, "ssh-") || strings.HasPrefix(trimmed, "ecdsa-") {
		return []byte(trimmed), nil
	}
	return os.ReadFile(v)
}

// ParsePeers parses a comma-separated list of peers in the format
// "id1=addr1,id2=addr2". A bare address is accepted and used as its own id
// until the peer's handshake reveals the real one.
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, addr, found := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		addr = strings.TrimSpace(addr)
		if !found {
			addr = id
		}

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// BuildRingNodes converts config peers + self into ring.Node slice.
// Includes self node in the list.
func (c *Config) BuildRingNodes() ([]ring.Node, error) {
	peers, err := ParsePeers(c.Peers)
	if err != nil {
		return nil, err
	}
	nodes := make([]ring.Node, 0, len(peers)+1)

	// Add self
	nodes = append(nodes, ring.Node{
		ID:   c.NodeID,
		Addr: c.Listen,
	})

	for _, peer := range peers {
		// Skip self if it appears in peers list
		if peer.ID != c.NodeID {
			nodes = append(nodes, ring.Node{
				ID:   peer.ID,
				Addr: peer.Addr,
			})
		}
	}

	return nodes, nil
}
