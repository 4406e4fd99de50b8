package relation

import "testing"

func tbl(name string) Qualified { return Qualified{Namespace: "public", Tablename: name} }

func TestCatalogGetAndAll(t *testing.T) {
	projects := Relation{Table: tbl("projects"), Columns: []string{"id", "name"}, PrimaryKey: []string{"id"}}
	issues := Relation{
		Table:      tbl("issues"),
		Columns:    []string{"id", "project_id", "title"},
		PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{
			{Column: "project_id", References: tbl("projects"), ReferencesColumn: "id"},
		},
	}
	cat := NewCatalog(projects, issues)

	if _, ok := cat.Get(tbl("nope")); ok {
		t.Fatalf("Get(nope) should miss")
	}
	got, ok := cat.Get(tbl("issues"))
	if !ok || len(got.ForeignKeys) != 1 {
		t.Fatalf("Get(issues) = %+v, ok=%v", got, ok)
	}
	if len(cat.All()) != 2 {
		t.Fatalf("All() len = %d, want 2", len(cat.All()))
	}
}

func TestHasColumnAndPrimaryKey(t *testing.T) {
	r := Relation{Table: tbl("t"), Columns: []string{"id", "name"}, PrimaryKey: []string{"id"}}
	if !r.HasColumn("name") || r.HasColumn("missing") {
		t.Fatalf("HasColumn behaved incorrectly")
	}
	if !r.IsPrimaryKeyColumn("id") || r.IsPrimaryKeyColumn("name") {
		t.Fatalf("IsPrimaryKeyColumn behaved incorrectly")
	}
}

func TestChildren(t *testing.T) {
	projects := Relation{Table: tbl("projects"), Columns: []string{"id"}, PrimaryKey: []string{"id"}}
	issues := Relation{
		Table: tbl("issues"), Columns: []string{"id", "project_id"}, PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{{Column: "project_id", References: tbl("projects"), ReferencesColumn: "id"}},
	}
	comments := Relation{
		Table: tbl("comments"), Columns: []string{"id", "issue_id"}, PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{{Column: "issue_id", References: tbl("issues"), ReferencesColumn: "id"}},
	}
	cat := NewCatalog(projects, issues, comments)

	children := cat.Children(tbl("projects"))
	if len(children) != 1 || children[0].Table != tbl("issues") {
		t.Fatalf("Children(projects) = %+v", children)
	}
}

func TestDeleteOrderRespectsForeignKeys(t *testing.T) {
	projects := Relation{Table: tbl("projects"), Columns: []string{"id"}, PrimaryKey: []string{"id"}}
	issues := Relation{
		Table: tbl("issues"), Columns: []string{"id", "project_id"}, PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{{Column: "project_id", References: tbl("projects"), ReferencesColumn: "id"}},
	}
	comments := Relation{
		Table: tbl("comments"), Columns: []string{"id", "issue_id"}, PrimaryKey: []string{"id"},
		ForeignKeys: []ForeignKey{{Column: "issue_id", References: tbl("issues"), ReferencesColumn: "id"}},
	}
	cat := NewCatalog(projects, issues, comments)

	order := cat.DeleteOrder([]Qualified{tbl("projects"), tbl("issues"), tbl("comments")})
	pos := make(map[Qualified]int, len(order))
	for i, t := range order {
		pos[t] = i
	}
	if pos[tbl("comments")] >= pos[tbl("issues")] {
		t.Fatalf("comments must delete before issues: order=%v", order)
	}
	if pos[tbl("issues")] >= pos[tbl("projects")] {
		t.Fatalf("issues must delete before projects: order=%v", order)
	}
}

func TestDeleteOrderPassesThroughUnknownTables(t *testing.T) {
	cat := NewCatalog()
	order := cat.DeleteOrder([]Qualified{tbl("ghost")})
	if len(order) != 1 || order[0] != tbl("ghost") {
		t.Fatalf("DeleteOrder(unknown) = %v", order)
	}
}
