package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Peer
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []Peer{},
		},
		{
			name:  "single peer",
			input: "n1=127.0.0.1:7946",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:7946"},
			},
		},
		{
			name:  "multiple peers",
			input: "n1=127.0.0.1:7946,n2=127.0.0.1:7947,n3=127.0.0.1:7948",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:7946"},
				{ID: "n2", Addr: "127.0.0.1:7947"},
				{ID: "n3", Addr: "127.0.0.1:7948"},
			},
		},
		{
			name:  "with spaces",
			input: "n1 = 127.0.0.1:7946 , n2 = 127.0.0.1:7947",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:7946"},
				{ID: "n2", Addr: "127.0.0.1:7947"},
			},
		},
		{
			name:  "bare address",
			input: "10.0.0.5:7946",
			want: []Peer{
				{ID: "10.0.0.5:7946", Addr: "10.0.0.5:7946"},
			},
		},
		{
			name:    "invalid format - empty ID",
			input:   "=127.0.0.1:7946",
			wantErr: true,
		},
		{
			name:    "invalid format - empty addr",
			input:   "n1=",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePeers() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Errorf("ParsePeers() length = %d, want %d", len(got), len(tt.want))
					return
				}
				for i := range got {
					if got[i].ID != tt.want[i].ID || got[i].Addr != tt.want[i].Addr {
						t.Errorf("ParsePeers()[%d] = %v, want %v", i, got[i], tt.want[i])
					}
				}
			}
		})
	}
}

func TestConfig_BuildRingNodes(t *testing.T) {
	cfg := &Config{
		NodeID: "n1",
		Listen: "127.0.0.1:7946",
		Peers:  "n1=127.0.0.1:7946,n2=127.0.0.1:7947,n3=127.0.0.1:7948",
	}

	nodes, err := cfg.BuildRingNodes()
	if err != nil {
		t.Fatalf("BuildRingNodes() error = %v", err)
	}
	if len(nodes) != 3 {
		t.Errorf("Expected 3 nodes, got %d", len(nodes))
	}

	// Check that self is included
	foundSelf := false
	for _, node := range nodes {
		if node.ID == "n1" && node.Addr == "127.0.0.1:7946" {
			foundSelf = true
		}
	}
	if !foundSelf {
		t.Error("Self node not found in ring nodes")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	d := Defaults()
	assert.Equal(t, d.Listen, cfg.Listen)
	assert.Equal(t, d.Fanout, cfg.Fanout)
	assert.Equal(t, d.DialTimeout, cfg.DialTimeout)
	assert.Equal(t, d.HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, d.PortLow, cfg.PortLow)
	assert.Equal(t, d.PortHigh, cfg.PortHigh)
	assert.False(t, cfg.IsServer)
	assert.Empty(t, cfg.Authorized)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seaport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: from-file
listen: ":9000"
heartbeat_interval: 30s
is_server: true
peers: "a=10.0.0.1:7946,b=10.0.0.2:7946"
min_peers: 1
authorized:
  - key-one
`), 0o600))

	t.Setenv("SEAPORT_LISTEN", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("node-id", "", "")
	flags.Int("fanout", 3, "")
	flags.Bool("unrelated", false, "")
	require.NoError(t, flags.Parse([]string{"--node-id=from-flag"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.NodeID)
	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.IsServer)
	assert.Equal(t, 1, cfg.MinPeers)
	assert.Equal(t, 3, cfg.Fanout)
	assert.Equal(t, []string{"key-one"}, cfg.Authorized)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no listen", func(c *Config) { c.Listen = "" }},
		{"bad peers", func(c *Config) { c.Peers = "n1=" }},
		{"min peers above peer count", func(c *Config) { c.Peers = "a=x:1"; c.MinPeers = 2 }},
		{"negative fanout", func(c *Config) { c.Fanout = -1 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"inverted port range", func(c *Config) { c.PortLow, c.PortHigh = 20000, 10000 }},
		{"port above range", func(c *Config) { c.PortHigh = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Registry(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id.pem")
	require.NoError(t, os.WriteFile(keyPath, []byte("PRIVATE"), 0o600))

	cfg := Defaults()
	cfg.PrivateKey = keyPath
	cfg.IsServer = true
	rc, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, []byte("PRIVATE"), rc.PrivateKey)
	assert.True(t, rc.IsServer)
	assert.Equal(t, [2]int{cfg.PortLow, cfg.PortHigh}, rc.PortRange)

	cfg.PublicKey = filepath.Join(dir, "missing.pub")
	_, err = cfg.Registry()
	assert.Error(t, err)
}

func TestKeyMaterial_Inline(t *testing.T) {
	pem := "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"
	got, err := keyMaterial(pem)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(pem), string(got))

	got, err = keyMaterial("ssh-ed25519 AAAA user@host")
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519 AAAA user@host", string(got))
}
