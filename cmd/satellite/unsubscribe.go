package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/connctrl"
	"github.com/spf13/cobra"
)

var unsubscribeTimeout time.Duration

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <key>",
	Short: "Cancel a shape subscription and garbage-collect its rows",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnsubscribe,
}

func init() {
	unsubscribeCmd.Flags().DurationVar(&unsubscribeTimeout, "timeout", 30*time.Second,
		"How long to wait for the connection and the unsubscribe to complete")
}

func runUnsubscribe(cmd *cobra.Command, args []string) error {
	key := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
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
	defer session.Disconnect("unsubscribe command exiting")

	if err := session.Unsubscribe(ctx, key); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Subscription %q removed.\n", key)
	return nil
}
