package ledger

import (
	"maps"
	"slices"
)

// Set is a set of record IDs.
type Set map[string]struct{}

// NewSet returns a set holding ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s Set) Add(id string) {
	s[id] = struct{}{}
}

// Contains reports whether id is in the set.
func (s Set) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of IDs.
func (s Set) Len() int {
	return len(s)
}

// Intersect returns the IDs present in both s and other.
func (s Set) Intersect(other Set) Set {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(Set, len(small))
	for id := range small {
		if large.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Difference returns the IDs of s absent from other.
func (s Set) Difference(other Set) Set {
	out := make(Set)
	for id := range s {
		if !other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Sorted returns the IDs in lexical order.
func (s Set) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Pending returns the IDs of ids absent from done, keeping their order and
// dropping repeats.
func Pending(ids []string, done Set) []string {
	seen := make(Set, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if done.Contains(id) || seen.Contains(id) {
			continue
		}
		seen.Add(id)
		out = append(out, id)
	}
	return out
}
