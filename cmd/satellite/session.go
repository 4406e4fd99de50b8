package main

import (
	"fmt"
	"os"

	"github.com/mducko/electric/internal/config"
	"github.com/mducko/electric/internal/connctrl"
	"github.com/mducko/electric/internal/dbadapter"
	"github.com/mducko/electric/internal/satellite"
)

// openSession loads the configured database and schema and wires a
// satellite.Session over them, ready for Start. Callers are
// responsible for calling session.Stop and session.Close when done.
func openSession(cfg *config.Config) (*satellite.Session, error) {
	catalog, err := loadCatalog(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	db, err := dbadapter.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}

	session, err := satellite.New(cfg.Database.Path, db, catalog, cfg.Replication, cfg.Backoff)
	if err != nil {
		db.Close()
		return nil, err
	}
	return session, nil
}

// resolveAuth builds the AuthState a CLI command binds with, from the
// --sub flag or SATELLITE_AUTH_SUB, plus the configured auth token.
func resolveAuth(cfg *config.Config) (connctrl.AuthState, error) {
	sub := authSub
	if sub == "" {
		sub = os.Getenv("SATELLITE_AUTH_SUB")
	}
	if sub == "" {
		return connctrl.AuthState{}, fmt.Errorf("no subject identity given: pass --sub or set SATELLITE_AUTH_SUB")
	}
	return connctrl.AuthState{Token: cfg.Auth.Token, Sub: sub}, nil
}
