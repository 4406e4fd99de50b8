// Package tag implements the causal tag algebra used to track which
// writers have contributed to the current value of a replicated row.
//
// A tag is the pair origin@timestamp where origin identifies the writer
// (a client UUID, or the reserved server origin) and timestamp is the
// writer-local millisecond clock at the time of the write. Tags are
// compared by equality only; there is no total order across origins
// beyond the embedded timestamp, which the merge engine uses for LWW
// tiebreaks (see internal/mergeengine).
package tag

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ServerOrigin is the reserved origin string used for tags generated
// by the replication server rather than a local client.
const ServerOrigin = "__server__"

// Tag is an immutable origin@timestamp causal marker.
type Tag struct {
	Origin    string
	Timestamp int64 // unix milliseconds
}

// Set is an unordered collection of distinct tags. The zero value is
// an empty set ready to use.
type Set map[Tag]struct{}

// Generate produces a new tag for origin at timestamp.
func Generate(origin string, timestamp int64) Tag {
	return Tag{Origin: origin, Timestamp: timestamp}
}

// String renders a tag in its canonical "<origin>@<ms-timestamp>" form.
func (t Tag) String() string {
	return fmt.Sprintf("%s@%d", t.Origin, t.Timestamp)
}

// Parse decodes a single "<origin>@<ms-timestamp>" tag. The split is
// on the last '@', so an origin that itself contains '@' still parses.
func Parse(s string) (Tag, error) {
	idx := strings.LastIndex(s, "@")
	if idx < 0 || idx == len(s)-1 {
		return Tag{}, fmt.Errorf("tag: malformed tag %q", s)
	}
	origin := s[:idx]
	if origin == "" {
		return Tag{}, fmt.Errorf("tag: malformed tag %q: empty origin", s)
	}
	ts, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return Tag{}, fmt.Errorf("tag: malformed tag %q: %w", s, err)
	}
	return Tag{Origin: origin, Timestamp: ts}, nil
}

// NewSet builds a Set from the given tags, deduplicating.
func NewSet(tags ...Tag) Set {
	s := make(Set, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Contains reports whether t is a member of s.
func (s Set) Contains(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Add returns a new set with t inserted. s is not mutated.
func (s Set) Add(t Tag) Set {
	out := s.Clone()
	out[t] = struct{}{}
	return out
}

// Clone returns a shallow, independent copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// Union returns the set union of s and other. Neither input is mutated.
func Union(sets ...Set) Set {
	out := make(Set)
	for _, s := range sets {
		for t := range s {
			out[t] = struct{}{}
		}
	}
	return out
}

// Difference returns the tags in s that are not in other (s \ other).
func Difference(s, other Set) Set {
	out := make(Set, len(s))
	for t := range s {
		if !other.Contains(t) {
			out[t] = struct{}{}
		}
	}
	return out
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	return len(s) == 0
}

// Slice returns the set's members as a slice in canonical sorted order
// (by string form), suitable for deterministic wire/storage encoding.
func (s Set) Slice() []Tag {
	out := make([]Tag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sortTags(out)
	return out
}

func sortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].String() < tags[j].String()
	})
}

// Encode renders s as a JSON array of tag strings in canonical sorted
// order, matching the wire and storage form described in spec §4.1.
func Encode(s Set) string {
	slice := s.Slice()
	parts := make([]string, len(slice))
	for i, t := range slice {
		parts[i] = strconv.Quote(t.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Decode parses the JSON array form produced by Encode (or any
// equivalent minimal JSON string array) back into a Set.
func Decode(encoded string) (Set, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return NewSet(), nil
	}
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, fmt.Errorf("tag: malformed tag set %q", encoded)
	}
	body := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	if body == "" {
		return NewSet(), nil
	}
	fields := strings.Split(body, ",")
	out := make(Set, len(fields))
	for _, f := range fields {
		unquoted, err := strconv.Unquote(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("tag: malformed tag set %q: %w", encoded, err)
		}
		t, err := Parse(unquoted)
		if err != nil {
			return nil, err
		}
		out[t] = struct{}{}
	}
	return out, nil
}

// Less orders two tags deterministically for LWW tiebreak purposes:
// the greater timestamp wins; on an exact timestamp tie the tag whose
// origin sorts greater (lexicographically) wins. This matches §4.1's
// requirement that ties be broken with a stable origin-string tiebreak.
func Less(a, b Tag) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Origin < b.Origin
}
