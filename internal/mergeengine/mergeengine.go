// Package mergeengine implements the pure function at the heart of
// conflict resolution (spec §4.4): given a client's local oplog
// entries and an incoming transaction's entries for the same primary
// keys, compute the single resolved row each side's writers agree on
// under last-writer-wins-per-column with tag-set union.
//
// Every exported function here is side-effect free; callers (the
// snapshot and apply engines) are responsible for reading the inputs
// from and writing the outputs back to storage.
package mergeengine

import (
	"github.com/mducko/electric/internal/oplog"
	"github.com/mducko/electric/internal/relation"
	"github.com/mducko/electric/internal/tag"
)

// OpType is the resolved operation the caller should apply to the
// local user table for one primary key, per spec §4.4 step 3.
type OpType string

const (
	Upsert OpType = "UPSERT"
	Delete OpType = "DELETE"
	Gone   OpType = "GONE"
)

// ColumnValue pairs a column's winning value with the timestamp of the
// contributor that supplied it, so callers can tell which side won a
// per-column tiebreak (used by tests and by diagnostic logging).
type ColumnValue struct {
	Value     any
	Timestamp int64
}

// ResolvedRow is the outcome of merging every contributor for one
// primary key.
type ResolvedRow struct {
	Table      relation.Qualified
	PrimaryKey map[string]any
	OpType     OpType
	// Changes holds the winning value and timestamp for every column
	// any contributor touched.
	Changes map[string]ColumnValue
	// FullRow is Changes flattened to column->value, merged over the
	// previously-known row shape the caller supplies as base (so
	// columns no contributor mentioned keep their prior value).
	FullRow map[string]any
	Tags    tag.Set
}

// contributor is one entry's view of a primary key: the columns it
// touched (with a per-row timestamp), the tags it introduces, and the
// tags it clears.
type contributor struct {
	timestamp  int64
	columns    map[string]any // nil for a pure DELETE contributor
	isDelete   bool
	newTags    tag.Set
	clearTags  tag.Set
}

// Merge resolves every primary key touched by localEntries or
// incomingEntries for one table into a ResolvedRow. shadowTags is the
// shadow entry's tag set before this merge (empty/absent shadow means
// the row does not currently exist on this client). priorRow is the
// last known full row value for this PK (nil if the row does not
// exist locally), used to seed FullRow for columns nobody in this
// merge mentions.
//
// clientID is the origin of localEntries; incomingOrigin is the
// origin of incomingEntries. Per §4.4's "resolved round-trip"
// requirement, when incomingOrigin == clientID and the incoming tags
// are already in shadowTags, the merge degenerates to a no-op on user
// data (the algebra below produces that outcome automatically: the
// incoming tag is already present in shadowTags, so unioning it in
// changes nothing, and no column value changes because the contributed
// row is identical to what produced the shadow in the first place).
func Merge(
	table relation.Qualified,
	pk map[string]any,
	shadowTags tag.Set,
	priorRow map[string]any,
	clientID string,
	localEntries []oplog.Entry,
	incomingOrigin string,
	incomingEntries []oplog.Entry,
) ResolvedRow {
	contributors := make([]contributor, 0, len(localEntries)+len(incomingEntries))
	for _, e := range localEntries {
		contributors = append(contributors, toContributor(e, clientID))
	}
	for _, e := range incomingEntries {
		contributors = append(contributors, toContributor(e, incomingOrigin))
	}

	changes := make(map[string]ColumnValue)
	fullRow := make(map[string]any, len(priorRow))
	for k, v := range priorRow {
		fullRow[k] = v
	}

	newTagSets := make([]tag.Set, 0, len(contributors)+1)
	clearTagSets := make([]tag.Set, 0, len(contributors))
	if shadowTags != nil {
		newTagSets = append(newTagSets, shadowTags)
	}

	for _, c := range contributors {
		if c.newTags != nil {
			newTagSets = append(newTagSets, c.newTags)
		}
		if c.clearTags != nil {
			clearTagSets = append(clearTagSets, c.clearTags)
		}
		if c.isDelete {
			// A delete contributes no column values; its timestamp
			// still participates in tag clearing above.
			continue
		}
		for col, val := range c.columns {
			cur, ok := changes[col]
			if !ok || columnWins(c.timestamp, cur.Timestamp) {
				changes[col] = ColumnValue{Value: val, Timestamp: c.timestamp}
			}
		}
	}

	for col, cv := range changes {
		fullRow[col] = cv.Value
	}
	for k, v := range pk {
		fullRow[k] = v
	}

	finalTags := tag.Difference(tag.Union(newTagSets...), tag.Union(clearTagSets...))

	op := Upsert
	if finalTags.Empty() {
		op = Delete
	} else if lastKnownGone(localEntries, incomingEntries) {
		op = Gone
	}

	return ResolvedRow{
		Table:      table,
		PrimaryKey: pk,
		OpType:     op,
		Changes:    changes,
		FullRow:    fullRow,
		Tags:       finalTags,
	}
}

// columnWins reports whether a contributor at `ts` beats the current
// holder at `curTS` for a column, per §4.4 step 1: strictly greater
// timestamp wins; on an exact tie, the incoming value wins. Since
// contributors are processed local-then-incoming in Merge, "on tie,
// keep the later-processed contributor" already implements
// "incoming wins ties" as long as locals are added before incomings,
// which toContributor callers in Merge respect.
func columnWins(ts, curTS int64) bool {
	return ts >= curTS
}

// lastKnownGone reports whether the most recent contributing entry
// (by timestamp) across both sides is a GONE entry, per §4.4 step 3.
func lastKnownGone(sets ...[]oplog.Entry) bool {
	var latest oplog.Entry
	found := false
	for _, set := range sets {
		for _, e := range set {
			if !found || e.Timestamp > latest.Timestamp {
				latest = e
				found = true
			}
		}
	}
	return found && latest.OpType == oplog.Gone
}

// toContributor builds a merge contributor from an oplog entry. The
// tag this entry itself introduces is generate(origin, e.Timestamp)
// (§4.1); e.ClearTags is whatever predecessor tags (plus, usually,
// that same generated tag) the snapshot engine stamped it with when
// draining the trigger capture (§4.3 step 2).
func toContributor(e oplog.Entry, origin string) contributor {
	own := tag.Generate(origin, e.Timestamp)
	c := contributor{
		timestamp: e.Timestamp,
		// e.ClearTags is the *predecessor* shadow this entry supersedes,
		// plus the entry's own tag (§4.3 step 2). The entry's own tag
		// must never cancel itself out, so it is excluded here; what
		// remains is exactly the set of earlier writers' tags this
		// entry's commit renders stale.
		clearTags: tag.Difference(e.ClearTags, tag.NewSet(own)),
		newTags:   tag.NewSet(own),
	}
	switch e.OpType {
	case oplog.Delete, oplog.Gone:
		// A delete leaves no row behind, so it introduces no tag of its
		// own; it only clears the predecessor tags it supersedes.
		c.isDelete = true
		c.newTags = nil
	case oplog.Insert, oplog.Update, oplog.Upsert, oplog.Compensation:
		c.columns = e.NewRow
	}
	return c
}
