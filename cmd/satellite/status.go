package main

import (
	"context"
	"fmt"

	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/oplog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the locally persisted client identity and checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// runStatus reads the meta table directly, without starting a session
// or dialing the server, mirroring how the engram store commands
// report on a store file without requiring the server to be running.
func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := dbadapter.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	defer db.Close()

	store := oplog.NewStore(db)
	out := cmd.OutOrStdout()

	clientID, err := metaOrEmpty(ctx, store, "clientId")
	if err != nil {
		return err
	}
	if clientID == "" {
		fmt.Fprintln(out, "No local identity bound yet; run \"satellite start\" at least once.")
		return nil
	}

	lsn, err := metaOrEmpty(ctx, store, "lsn")
	if err != nil {
		return err
	}
	identity, err := metaOrEmpty(ctx, store, "authIdentity")
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Database:       %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "Client ID:      %s\n", clientID)
	if identity != "" {
		fmt.Fprintf(out, "Bound identity: %s\n", identity)
	}
	if lsn != "" {
		fmt.Fprintf(out, "Checkpoint LSN: %s\n", lsn)
	} else {
		fmt.Fprintln(out, "Checkpoint LSN: (none yet)")
	}

	rowid, err := store.LatestRowid(ctx)
	if err != nil {
		return fmt.Errorf("latest rowid: %w", err)
	}
	fmt.Fprintf(out, "Latest oplog rowid: %d\n", rowid)

	return nil
}

func metaOrEmpty(ctx context.Context, store *oplog.Store, key string) (string, error) {
	v, err := store.MetaGet(ctx, key)
	if err != nil {
		if err == oplog.ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}
