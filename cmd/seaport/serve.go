package main

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/cheddar/seaport/internal/config"
	"github.com/cheddar/seaport/internal/node"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a registry node",
	Long: `Run a registry node that accepts gossip streams over gRPC (and optionally
WebSocket) and keeps streams open to its configured peers.

Every flag can also be set in the config file or as a SEAPORT_* environment
variable, e.g. SEAPORT_PEERS or SEAPORT_IS_SERVER.

Example:
  seaport serve --listen :7946 --is-server
  seaport serve --listen :7947 --peers n1=10.0.0.1:7946 --min-peers 1`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	d := config.Defaults()
	f := serveCmd.Flags()
	f.String("node-id", "", "node id (default: random ULID)")
	f.String("listen", d.Listen, "gRPC listen address")
	f.String("ws-listen", "", "WebSocket listen address (disabled when empty)")
	f.String("metrics-listen", "", "HTTP address for /metrics, /healthz and /services")
	f.String("host", "", "advertised host, when not learned from a server")
	f.String("peers", "", "peers to dial, id=addr or addr, comma separated")
	f.Int("fanout", d.Fanout, "number of peers to keep streams to (0 for all)")
	f.Int("min-peers", d.MinPeers, "peers that must answer at startup")
	f.Duration("dial-timeout", d.DialTimeout, "per-peer dial timeout")
	f.Duration("reconnect-interval", d.ReconnectInterval, "how often lost peers are redialed")
	f.Duration("heartbeat-interval", d.HeartbeatInterval, "how often own services are refreshed")
	f.Bool("is-server", false, "evict stale services and track hosts of connecting nodes")
	f.String("private-key", "", "PEM or OpenSSH private key (inline or path) for signing")
	f.String("public-key", "", "public key matching --private-key")
	f.StringSlice("authorized", nil, "public keys allowed to sign updates")
	f.Int("port-low", d.PortLow, "lowest port handed out")
	f.Int("port-high", d.PortHigh, "highest port handed out")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	n, err := node.NewNode(*cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	glog.Infof("[%s] seaport %s", n.Registry().ID(), version)
	return n.Start(ctx)
}
