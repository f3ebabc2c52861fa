package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/cheddar/seaport/internal/config"
	"github.com/cheddar/seaport/internal/node"
	"github.com/cheddar/seaport/internal/registry"
)

var registerCmd = &cobra.Command{
	Use:   "register role[@version]",
	Short: "Register a service and keep it alive until interrupted",
	Long: `Connect to a node, register one service and heartbeat it until the
command is interrupted. The record is printed as JSON once it is written.
When the command exits the stream closes and the node removes the record.

Example:
  seaport register api@1.2.0 --peer 10.0.0.1:7946
  seaport register web --peer ws://10.0.0.1:7950/gossip --port 8080 --meta zone=eu`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

var (
	registerPeer        string
	registerPort        int
	registerHost        string
	registerMeta        []string
	registerKey         string
	registerHeartbeat   time.Duration
	registerDialTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(registerCmd)

	f := registerCmd.Flags()
	f.StringVar(&registerPeer, "peer", "", "node to connect to (host:port or ws:// URL)")
	f.IntVar(&registerPort, "port", 0, "fixed port (default: allocate one)")
	f.StringVar(&registerHost, "host", "", "advertised host (default: as seen by the node)")
	f.StringArrayVar(&registerMeta, "meta", nil, "extra key=value field, repeatable")
	f.StringVar(&registerKey, "private-key", "", "PEM or OpenSSH private key (inline or path) for signing")
	f.DurationVar(&registerHeartbeat, "heartbeat-interval", registry.DefaultHeartbeatInterval, "heartbeat interval")
	f.DurationVar(&registerDialTimeout, "dial-timeout", 5*time.Second, "connect timeout")
	_ = registerCmd.MarkFlagRequired("peer")
}

func parseMeta(pairs []string) ([]registry.Option, error) {
	opts := make([]registry.Option, 0, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid meta %q (expected key=value)", pair)
		}
		opts = append(opts, registry.Meta(k, v))
	}
	return opts, nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	opts, err := parseMeta(registerMeta)
	if err != nil {
		return err
	}
	if registerPort != 0 {
		opts = append(opts, registry.Port(registerPort))
	}
	if registerHost != "" {
		opts = append(opts, registry.Host(registerHost))
	}

	cfg := config.Defaults()
	cfg.PrivateKey = registerKey
	cfg.HeartbeatInterval = registerHeartbeat
	rc, err := cfg.Registry()
	if err != nil {
		return err
	}
	reg, err := registry.New(rc)
	if err != nil {
		return err
	}
	defer reg.Close()

	events, cancel := reg.Subscribe()
	defer cancel()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	clients := node.NewClientManager()
	defer clients.Close()
	dialCtx, dialCancel := context.WithTimeout(ctx, registerDialTimeout)
	s, err := node.Connect(dialCtx, reg, clients, registerPeer)
	dialCancel()
	if err != nil {
		return err
	}

	svc, err := reg.RegisterMeta(args[0], opts...)
	if err != nil {
		return err
	}
	glog.Infof("[%s] registered %s", reg.ID(), svc)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return fmt.Errorf("connection to %s lost", registerPeer)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == registry.EventRegister && ev.Service.ID == svc.ID {
				if err := printJSON(cmd.OutOrStdout(), ev.Service); err != nil {
					return err
				}
			}
		}
	}
}
