// Package planner compares two digest listings and decides what has to be copied
// to, or deleted from, the destination so that it matches the source.
//
// The planner performs no I/O; sizes used in reason tags come from an injected lookup.
package planner

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Side selects which tree a size lookup refers to
type Side int

const (
	Source Side = iota
	Dest
)

func (s Side) String() string {
	if s == Dest {
		return "dest"
	}
	return "source"
}

const (
	ReasonNew    = "NEW"
	ReasonDelete = "CLOUD UPLOAD"
)

// Digests maps a slash-separated relative path to its MD5 hex digest
type Digests map[string]string

// SizeLookup returns the size in bytes of path on the given side
type SizeLookup func(side Side, path string) int64

// Plan is the outcome of comparing a source listing against a destination listing.
// ToCopy and ToDelete are sorted and disjoint; Reason covers exactly their union.
type Plan struct {
	ToCopy   []string          `json:"toCopy"`
	ToDelete []string          `json:"toDelete"`
	Reason   map[string]string `json:"reason"`
}

// ReasonDiff formats the tag for a path present on both sides with different content
func ReasonDiff(destSize, srcSize int64) string {
	return fmt.Sprintf("DIFF(%d!=%d)", destSize, srcSize)
}

// New compares source against dest. Paths missing from dest are copied as NEW,
// paths whose digests differ are copied with a DIFF tag and paths only present in
// dest are deleted.
func New(source, dest Digests, size SizeLookup) *Plan {
	plan := &Plan{
		ToCopy:   []string{},
		ToDelete: []string{},
		Reason:   make(map[string]string),
	}

	for path, srcDigest := range source {
		destDigest, ok := dest[path]
		switch {
		case !ok:
			plan.ToCopy = append(plan.ToCopy, path)
			plan.Reason[path] = ReasonNew
		case destDigest != srcDigest:
			plan.ToCopy = append(plan.ToCopy, path)
			plan.Reason[path] = ReasonDiff(lookup(size, Dest, path), lookup(size, Source, path))
		}
	}

	for path := range dest {
		if _, ok := source[path]; !ok {
			plan.ToDelete = append(plan.ToDelete, path)
			plan.Reason[path] = ReasonDelete
		}
	}

	sort.Strings(plan.ToCopy)
	sort.Strings(plan.ToDelete)
	return plan
}

// Empty reports whether the plan has nothing to do
func (p *Plan) Empty() bool {
	return len(p.ToCopy) == 0 && len(p.ToDelete) == 0
}

// Lines renders the plan as "COPY <reason>: <path>" and "DELETE <reason>: <path>"
// lines, copies first.
func (p *Plan) Lines() []string {
	lines := make([]string, 0, len(p.ToCopy)+len(p.ToDelete))
	for _, path := range p.ToCopy {
		lines = append(lines, fmt.Sprintf("COPY %s: %s", p.Reason[path], path))
	}
	for _, path := range p.ToDelete {
		lines = append(lines, fmt.Sprintf("DELETE %s: %s", p.Reason[path], path))
	}
	return lines
}

// Truncate returns a copy of the plan whose copy-set keeps only the first n entries.
// Deletes and reasons of the kept paths are carried over unchanged.
func (p *Plan) Truncate(n int) *Plan {
	if n < 0 || n >= len(p.ToCopy) {
		n = len(p.ToCopy)
	}

	out := &Plan{
		ToCopy:   append([]string{}, p.ToCopy[:n]...),
		ToDelete: append([]string{}, p.ToDelete...),
		Reason:   make(map[string]string, n+len(p.ToDelete)),
	}
	for _, path := range out.ToCopy {
		out.Reason[path] = p.Reason[path]
	}
	for _, path := range out.ToDelete {
		out.Reason[path] = p.Reason[path]
	}
	return out
}

// Validate checks the structural invariants of a plan: the copy and delete sets
// are disjoint and the reason map covers exactly their union.
func (p *Plan) Validate() error {
	copies := mapset.NewSet(p.ToCopy...)
	deletes := mapset.NewSet(p.ToDelete...)

	if copies.Cardinality() != len(p.ToCopy) {
		return fmt.Errorf("duplicate paths in copy set")
	}
	if deletes.Cardinality() != len(p.ToDelete) {
		return fmt.Errorf("duplicate paths in delete set")
	}

	if both := copies.Intersect(deletes); both.Cardinality() > 0 {
		return fmt.Errorf("paths both copied and deleted: %v", sortedSlice(both))
	}

	reasons := mapset.NewSet[string]()
	for path := range p.Reason {
		reasons.Add(path)
	}
	if union := copies.Union(deletes); !union.Equal(reasons) {
		return fmt.Errorf("reason map mismatch: missing %v, extra %v",
			sortedSlice(union.Difference(reasons)), sortedSlice(reasons.Difference(union)))
	}
	return nil
}

func lookup(size SizeLookup, side Side, path string) int64 {
	if size == nil {
		return 0
	}
	return size(side, path)
}

func sortedSlice(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
