package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mducko/electric/internal/relation"
)

// schemaFile is the on-disk shape of the --schema file: the relation
// catalog a host would otherwise build in Go code, expressed as JSON
// so the CLI can open an arbitrary local database without a compiled
// integration.
type schemaFile struct {
	Relations []schemaRelation `json:"relations"`
}

type schemaRelation struct {
	Namespace   string             `json:"namespace"`
	Tablename   string             `json:"tablename"`
	Columns     []string           `json:"columns"`
	PrimaryKey  []string           `json:"primary_key"`
	ForeignKeys []schemaForeignKey `json:"foreign_keys,omitempty"`
}

type schemaForeignKey struct {
	Column              string `json:"column"`
	ReferencesNamespace string `json:"references_namespace"`
	ReferencesTable     string `json:"references_table"`
	ReferencesColumn    string `json:"references_column"`
}

// loadCatalog reads path and builds the relation.Catalog the
// replication engine needs to capture, merge, and apply rows for the
// tables it describes.
func loadCatalog(path string) (*relation.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	var sf schemaFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	if len(sf.Relations) == 0 {
		return nil, fmt.Errorf("schema file %q declares no relations", path)
	}

	relations := make([]relation.Relation, 0, len(sf.Relations))
	for _, r := range sf.Relations {
		fks := make([]relation.ForeignKey, 0, len(r.ForeignKeys))
		for _, fk := range r.ForeignKeys {
			fks = append(fks, relation.ForeignKey{
				Column:           fk.Column,
				References:       relation.Qualified{Namespace: fk.ReferencesNamespace, Tablename: fk.ReferencesTable},
				ReferencesColumn: fk.ReferencesColumn,
			})
		}
		relations = append(relations, relation.Relation{
			Table:       relation.Qualified{Namespace: r.Namespace, Tablename: r.Tablename},
			Columns:     r.Columns,
			PrimaryKey:  r.PrimaryKey,
			ForeignKeys: fks,
		})
	}

	return relation.NewCatalog(relations...), nil
}
