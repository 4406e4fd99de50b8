package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/connctrl"
	"github.com/mducko/electric/internal/wire"
	"github.com/spf13/cobra"
)

var subscribeTimeout time.Duration

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <key> <namespace.table[:col1,col2][/where-expr]> [...]",
	Short: "Subscribe to one or more shapes under a subscription key",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSubscribe,
}

func init() {
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 30*time.Second,
		"How long to wait for the connection and the initial sync to complete")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	key := args[0]
	shapeDefs, err := parseShapeArgs(args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	auth, err := resolveAuth(cfg)
	if err != nil {
		return err
	}

	session, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer session.Close()
	defer session.Stop()

	if err := session.Start(ctx, auth); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := session.Connect(ctx, connctrl.AlwaysRetry); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer session.Disconnect("subscribe command exiting")

	future, err := session.Subscribe(ctx, key, shapeDefs)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := future.Wait(ctx); err != nil {
		return fmt.Errorf("subscription did not become active: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Subscription %q is active.\n", key)
	return nil
}

// parseShapeArgs turns specs of the form namespace.table[:col1,col2][/where]
// into wire.ShapeDef values.
func parseShapeArgs(specs []string) ([]wire.ShapeDef, error) {
	defs := make([]wire.ShapeDef, 0, len(specs))
	for _, spec := range specs {
		where := ""
		if i := strings.Index(spec, "/"); i >= 0 {
			where = spec[i+1:]
			spec = spec[:i]
		}
		var cols []string
		if i := strings.Index(spec, ":"); i >= 0 {
			cols = strings.Split(spec[i+1:], ",")
			spec = spec[:i]
		}
		parts := strings.SplitN(spec, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid table spec %q: want namespace.table", spec)
		}
		defs = append(defs, wire.ShapeDef{
			Namespace: parts[0],
			Tablename: parts[1],
			Columns:   cols,
			Where:     where,
		})
	}
	return defs, nil
}
