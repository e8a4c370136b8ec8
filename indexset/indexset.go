// Package indexset implements the sorted, non-overlapping run-length index
// set that underlies the change algebra: a compact representation of a set
// of row positions used to express deletions, insertions, and
// modifications against a result sequence.
package indexset

import (
	"errors"
	"sort"
)

// ErrNotRepresentable is returned by Unshift when asked to translate an
// index that is itself a member of the set — unshifting a freshly
// inserted index is undefined.
var ErrNotRepresentable = errors.New("indexset: index is not representable in the source coordinate space")

// Range is a half-open interval [Lo, Hi).
type Range struct {
	Lo, Hi uint64
}

func (r Range) Len() uint64 { return r.Hi - r.Lo }

// Set is a sorted sequence of disjoint, non-touching ranges. The zero
// value is an empty set ready to use.
type Set struct {
	ranges []Range
}

// New returns an empty Set.
func New() Set { return Set{} }

// Of builds a Set containing exactly the given indices.
func Of(indices ...uint64) Set {
	var s Set
	for _, i := range indices {
		s.Add(i)
	}
	return s
}

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool { return len(s.ranges) == 0 }

// Size returns the total number of set members.
func (s Set) Size() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += r.Len()
	}
	return total
}

// Ranges returns a copy of the underlying ranges, in ascending order.
func (s Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Indices expands the set into its individual members, ascending.
func (s Set) Indices() []uint64 {
	out := make([]uint64, 0, s.Size())
	for _, r := range s.ranges {
		for i := r.Lo; i < r.Hi; i++ {
			out = append(out, i)
		}
	}
	return out
}

// IndicesDescending expands the set into its individual members,
// descending — the order primitive mutations must apply deletions in so
// that earlier removals don't invalidate later indices.
func (s Set) IndicesDescending() []uint64 {
	idx := s.Indices()
	for i, j := 0, len(idx)-1; i < j; i, j = i+1, j-1 {
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx
}

// find returns the index of the first range whose Hi is greater than
// index, or len(s.ranges) if none qualifies.
func (s Set) find(index uint64) int {
	return sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Hi > index })
}

// Contains reports whether index is a member of the set.
func (s Set) Contains(index uint64) bool {
	pos := s.find(index)
	return pos < len(s.ranges) && s.ranges[pos].Lo <= index
}

// insertRangeAt inserts r as a new element of s.ranges at position pos,
// preserving order.
func insertRangeAt(ranges []Range, pos int, r Range) []Range {
	ranges = append(ranges, Range{})
	copy(ranges[pos+1:], ranges[pos:])
	ranges[pos] = r
	return ranges
}

// addRangeCoalesce inserts [lo, hi) at position pos, merging with the
// neighboring ranges at pos-1 / pos if they touch. The caller is
// responsible for having already established that [lo, hi) does not
// overlap any existing range.
func (s *Set) addRangeCoalesce(pos int, lo, hi uint64) {
	touchesPrev := pos > 0 && s.ranges[pos-1].Hi == lo
	touchesNext := pos < len(s.ranges) && s.ranges[pos].Lo == hi
	switch {
	case touchesPrev && touchesNext:
		s.ranges[pos-1].Hi = s.ranges[pos].Hi
		s.ranges = append(s.ranges[:pos], s.ranges[pos+1:]...)
	case touchesPrev:
		s.ranges[pos-1].Hi = hi
	case touchesNext:
		s.ranges[pos].Lo = lo
	default:
		s.ranges = insertRangeAt(s.ranges, pos, Range{lo, hi})
	}
}

// insertPointAt adds the single index at pos, coalescing with neighbors,
// unless it is already a member of the range at pos.
func (s *Set) insertPointAt(pos int, index uint64) {
	if pos < len(s.ranges) && s.ranges[pos].Lo <= index && index < s.ranges[pos].Hi {
		return
	}
	s.addRangeCoalesce(pos, index, index+1)
}

// Add inserts index into the set, coalescing with neighbors. A no-op if
// index is already present.
func (s *Set) Add(index uint64) {
	s.insertPointAt(s.find(index), index)
}

// AddShifted inserts index shifted by the count of existing members at or
// before it, and returns the shifted value that was actually added. This
// is used when translating a deletion argument from pre-deletion
// coordinates (as handed to us by the transaction log) into the set's own
// running coordinate space.
func (s *Set) AddShifted(index uint64) uint64 {
	pos := 0
	for pos < len(s.ranges) && s.ranges[pos].Lo <= index {
		index += s.ranges[pos].Len()
		pos++
	}
	s.insertPointAt(pos, index)
	return index
}

// AddShiftedBy adds, for every member x of other, x minus the count of
// shiftSet's members strictly below x.
func (s *Set) AddShiftedBy(shiftSet Set, other Set) {
	for _, x := range other.Indices() {
		s.Add(x - shiftSet.CountBelow(x))
	}
}

// AddSet unions every member of other into s without any shifting.
func (s *Set) AddSet(other Set) {
	for _, idx := range other.Indices() {
		s.Add(idx)
	}
}

// Set replaces the contents of s with the single range [0, length).
func (s *Set) Set(length uint64) {
	if length == 0 {
		s.ranges = nil
		return
	}
	s.ranges = []Range{{0, length}}
}

// Clear empties the set.
func (s *Set) Clear() {
	s.ranges = nil
}

// Remove deletes index from the set if present, without shifting any
// other member — used to undo a specific move/insertion/deletion pairing
// during stale-move cleanup.
func (s *Set) Remove(index uint64) {
	s.removePoint(index)
}

// removePoint deletes index from the set if present, splitting the
// enclosing range as needed, without touching any other range's bounds.
func (s *Set) removePoint(index uint64) {
	pos := s.find(index)
	if pos >= len(s.ranges) {
		return
	}
	r := s.ranges[pos]
	if r.Lo > index {
		return
	}
	switch {
	case r.Len() == 1:
		s.ranges = append(s.ranges[:pos], s.ranges[pos+1:]...)
	case index == r.Lo:
		s.ranges[pos].Lo++
	case index == r.Hi-1:
		s.ranges[pos].Hi--
	default:
		tail := append([]Range{{r.Lo, index}, {index + 1, r.Hi}}, s.ranges[pos+1:]...)
		s.ranges = append(s.ranges[:pos:pos], tail...)
	}
}

// EraseAt removes index from the set if present, and shifts every index
// above it down by one, reflecting the deletion of row index from the
// underlying table.
func (s *Set) EraseAt(index uint64) {
	s.removePoint(index)
	for i := range s.ranges {
		if s.ranges[i].Lo > index {
			s.ranges[i].Lo--
		}
		if s.ranges[i].Hi > index {
			s.ranges[i].Hi--
		}
	}
	s.normalize()
}

// normalize merges any ranges that the shift in EraseAt has left touching
// or overlapping, restoring the disjoint-and-non-touching invariant.
func (s *Set) normalize() {
	if len(s.ranges) < 2 {
		return
	}
	out := s.ranges[:1]
	for _, r := range s.ranges[1:] {
		last := &out[len(out)-1]
		if r.Lo <= last.Hi {
			if r.Hi > last.Hi {
				last.Hi = r.Hi
			}
			continue
		}
		out = append(out, r)
	}
	s.ranges = out
}

// EraseSet applies EraseAt for every member of other, descending, so that
// earlier removals don't invalidate later indices within the same batch.
func (s *Set) EraseSet(other Set) {
	for _, k := range other.IndicesDescending() {
		s.EraseAt(k)
	}
}

// EraseOrUnshift removes index if it is a member (returning ok=false, the
// "no representable deletion" sentinel: the row being erased was itself a
// freshly tracked index, e.g. an insertion, so there is nothing further to
// record), or otherwise shifts every member above index down by one and
// returns the pre-shift value index would have had before any of this
// set's insertions, with ok=true.
func (s *Set) EraseOrUnshift(index uint64) (value uint64, ok bool) {
	if s.Contains(index) {
		s.EraseAt(index)
		return 0, false
	}
	value, _ = s.Unshift(index)
	s.EraseAt(index)
	return value, true
}

// shiftUpFrom shifts every range at or after index up by n, extending the
// range containing index (if any) rather than splitting it, and reports
// the position at which a new [index, index+n) range would need to be
// inserted plus whether index already fell inside an existing range.
func (s *Set) shiftUpFrom(index, n uint64) (pos int, contained bool) {
	pos = s.find(index)
	if pos < len(s.ranges) {
		contained = s.ranges[pos].Lo < index
		if !contained {
			s.ranges[pos].Lo += n
		}
		s.ranges[pos].Hi += n
		for i := pos + 1; i < len(s.ranges); i++ {
			s.ranges[i].Lo += n
			s.ranges[i].Hi += n
		}
	}
	return pos, contained
}

// InsertAt shifts every member at or after index up by n and marks
// [index, index+n) as present — used when an insertion must both make
// room for and record the new rows.
func (s *Set) InsertAt(index, n uint64) {
	if n == 0 {
		return
	}
	pos, contained := s.shiftUpFrom(index, n)
	if contained {
		return
	}
	s.addRangeCoalesce(pos, index, index+n)
}

// InsertAtSet applies InsertAt for every range of other, ascending; each
// range's bounds are absolute positions in the final coordinate space, so
// earlier inserts in the same batch never need to re-adjust later ones.
func (s *Set) InsertAtSet(other Set) {
	for _, r := range other.ranges {
		s.InsertAt(r.Lo, r.Len())
	}
}

// ShiftForInsertAt shifts every member at or after index up by n without
// marking the new range as present — used to keep modifications aligned
// with an insertion that isn't itself a modification.
func (s *Set) ShiftForInsertAt(index, n uint64) {
	if n == 0 {
		return
	}
	pos, contained := s.shiftUpFrom(index, n)
	if contained {
		// shiftUpFrom stretched the enclosing range over [index, index+n);
		// split it so that gap is left unmarked.
		hi := s.ranges[pos].Hi
		s.ranges[pos].Hi = index
		s.ranges = insertRangeAt(s.ranges, pos+1, Range{index + n, hi})
	}
}

// ShiftForInsertAtSet applies ShiftForInsertAt for every range of other,
// ascending.
func (s *Set) ShiftForInsertAtSet(other Set) {
	for _, r := range other.ranges {
		s.ShiftForInsertAt(r.Lo, r.Len())
	}
}

// Count returns the number of set members in [lo, hi).
func (s Set) Count(lo, hi uint64) uint64 {
	var total uint64
	for _, r := range s.ranges {
		if r.Hi <= lo || r.Lo >= hi {
			continue
		}
		a, b := r.Lo, r.Hi
		if a < lo {
			a = lo
		}
		if b > hi {
			b = hi
		}
		total += b - a
	}
	return total
}

// CountBelow returns the number of set members strictly less than k.
func (s Set) CountBelow(k uint64) uint64 {
	return s.Count(0, k)
}

// Shift interprets k as an index in the coordinate space that predates
// this set's insertions, and returns its index after those insertions are
// applied.
func (s Set) Shift(k uint64) uint64 {
	for _, r := range s.ranges {
		if r.Lo > k {
			break
		}
		k += r.Len()
	}
	return k
}

// Unshift is the inverse of Shift: it interprets k as a post-insertion
// index and returns the corresponding pre-insertion index. It fails with
// ErrNotRepresentable if k is itself a member of the set, since unshifting
// a newly inserted index is undefined.
func (s Set) Unshift(k uint64) (uint64, error) {
	if s.Contains(k) {
		return 0, ErrNotRepresentable
	}
	return k - s.CountBelow(k), nil
}

// Equal reports whether two sets contain exactly the same ranges.
func (s Set) Equal(other Set) bool {
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i, r := range s.ranges {
		if r != other.ranges[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	out := Set{ranges: make([]Range, len(s.ranges))}
	copy(out.ranges, s.ranges)
	return out
}
