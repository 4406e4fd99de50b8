// Package relation models the table metadata the replication engine
// needs to merge, apply, and snapshot rows without itself understanding
// application schema: qualified table name, column list, primary-key
// columns, and foreign-key edges to other relations.
//
// A Catalog is handed to a replication session as an immutable value
// and rebuilt wholesale on reconnect, rather than mutated in place —
// see spec §9's design note on replacing "satellite.relations = …"
// field mutation with constructor injection.
package relation

import "fmt"

// Qualified is a namespace-qualified table name.
type Qualified struct {
	Namespace string
	Tablename string
}

// String renders the qualified name as "namespace.tablename".
func (q Qualified) String() string {
	return fmt.Sprintf("%s.%s", q.Namespace, q.Tablename)
}

// ForeignKey describes a child→parent reference used by the Apply
// Engine's compensation logic (§4.5) and the Shape Manager's
// reverse-dependency delete ordering (§4.6).
type ForeignKey struct {
	// Column is the child-side column holding the parent's key.
	Column string
	// References is the parent table.
	References Qualified
	// ReferencesColumn is the parent-side column (usually the PK).
	ReferencesColumn string
}

// Relation describes one user table as the engine needs to see it.
type Relation struct {
	Table Qualified

	// Columns lists every column in table order. Must include every
	// primary-key column.
	Columns []string

	// PrimaryKey lists the primary-key column names, in stable order.
	// Per spec §3, primary-key columns are immutable once set.
	PrimaryKey []string

	// ForeignKeys lists this table's outgoing foreign-key edges.
	ForeignKeys []ForeignKey
}

// HasColumn reports whether name is a column of r.
func (r Relation) HasColumn(name string) bool {
	for _, c := range r.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// IsPrimaryKeyColumn reports whether name is part of r's primary key.
func (r Relation) IsPrimaryKeyColumn(name string) bool {
	for _, c := range r.PrimaryKey {
		if c == name {
			return true
		}
	}
	return false
}

// Catalog is an immutable snapshot of every relation known to a
// replication session, keyed by qualified table name.
type Catalog struct {
	relations map[Qualified]Relation
	// order records insertion order so reverse-FK-dependency deletes
	// (§4.6) can be computed deterministically.
	order []Qualified
}

// NewCatalog builds an immutable Catalog from the given relations.
// Relations are captured in the order given; callers should supply
// parent tables before their children if a stable default traversal
// order matters, though DeleteOrder below recomputes it regardless.
func NewCatalog(relations ...Relation) *Catalog {
	c := &Catalog{
		relations: make(map[Qualified]Relation, len(relations)),
		order:     make([]Qualified, 0, len(relations)),
	}
	for _, r := range relations {
		if _, exists := c.relations[r.Table]; !exists {
			c.order = append(c.order, r.Table)
		}
		c.relations[r.Table] = r
	}
	return c
}

// Get returns the relation for a qualified table name.
func (c *Catalog) Get(t Qualified) (Relation, bool) {
	r, ok := c.relations[t]
	return r, ok
}

// All returns every relation in the catalog, in catalog order.
func (c *Catalog) All() []Relation {
	out := make([]Relation, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.relations[t])
	}
	return out
}

// Children returns the relations with at least one foreign key
// pointing at parent.
func (c *Catalog) Children(parent Qualified) []Relation {
	var out []Relation
	for _, t := range c.order {
		r := c.relations[t]
		for _, fk := range r.ForeignKeys {
			if fk.References == parent {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// DeleteOrder returns the given tables ordered so that every table
// appears after all tables that reference it via a foreign key — i.e.
// a safe order to run DELETEs in without violating FK constraints.
// Tables not present in the catalog are passed through at the end in
// their original relative order.
func (c *Catalog) DeleteOrder(tables []Qualified) []Qualified {
	known := make([]Qualified, 0, len(tables))
	unknown := make([]Qualified, 0)
	want := make(map[Qualified]bool, len(tables))
	for _, t := range tables {
		want[t] = true
		if _, ok := c.relations[t]; ok {
			known = append(known, t)
		} else {
			unknown = append(unknown, t)
		}
	}

	visited := make(map[Qualified]bool, len(known))
	var out []Qualified
	var visit func(t Qualified)
	visit = func(t Qualified) {
		if visited[t] {
			return
		}
		visited[t] = true
		for _, child := range c.Children(t) {
			if want[child.Table] {
				visit(child.Table)
			}
		}
		out = append(out, t)
	}
	for _, t := range known {
		visit(t)
	}
	return append(out, unknown...)
}
