package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/cheddar/seaport/internal/node"
	"github.com/cheddar/seaport/internal/registry"
)

var queryCmd = &cobra.Command{
	Use:   "query [role[@range]]",
	Short: "Print the services matching a filter as JSON",
	Long: `Connect to a node, receive its document and print the matching
services. With --wait the command blocks until at least one service matches.

Example:
  seaport query api@^1 --peer 10.0.0.1:7946
  seaport query db --peer 10.0.0.1:7946 --wait 30s`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

var (
	queryPeer        string
	querySettle      time.Duration
	queryWait        time.Duration
	queryDialTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(queryCmd)

	f := queryCmd.Flags()
	f.StringVar(&queryPeer, "peer", "", "node to connect to (host:port or ws:// URL)")
	f.DurationVar(&querySettle, "settle", 300*time.Millisecond, "time to receive the node's document")
	f.DurationVar(&queryWait, "wait", 0, "wait up to this long for a match")
	f.DurationVar(&queryDialTimeout, "dial-timeout", 5*time.Second, "connect timeout")
	_ = queryCmd.MarkFlagRequired("peer")
}

func runQuery(cmd *cobra.Command, args []string) error {
	filter := ""
	if len(args) == 1 {
		filter = args[0]
	}

	reg, err := registry.New(registry.Config{})
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	clients := node.NewClientManager()
	defer clients.Close()
	dialCtx, dialCancel := context.WithTimeout(ctx, queryDialTimeout)
	_, err = node.Connect(dialCtx, reg, clients, queryPeer)
	dialCancel()
	if err != nil {
		return err
	}

	var services []registry.Service
	if queryWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, queryWait)
		defer cancel()
		services, err = reg.Get(waitCtx, filter)
		if errors.Is(err, context.DeadlineExceeded) {
			services, err = []registry.Service{}, nil
		}
	} else {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(querySettle):
		}
		services, err = reg.Query(filter)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), services)
}
