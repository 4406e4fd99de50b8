package migrations

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRunCreatesBookkeepingTables(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Run(db); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, table := range []string{"_electric_oplog", "_electric_shadow", "_electric_meta"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s not created: %v", table, err)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Run(db); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := Run(db); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
}
