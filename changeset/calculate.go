package changeset

import (
	"sort"

	"github.com/kasuganosora/objstore/indexset"
)

// rowInfo tracks, for one surviving row, where it lived in the previous
// result ordering and where it lives in the next one.
type rowInfo struct {
	rowIndex       uint64
	prevTVIndex    uint64
	tvIndex        uint64
	shiftedTVIndex uint64
}

// Calculate diffs prevRows against nextRows — two orderings of the same
// underlying row identifiers, possibly with rows added or removed — and
// returns the minimal Builder describing deletions, insertions,
// modifications, and (when rowsAreInTableOrder is true) moves needed to
// turn prevRows into nextRows; the LCS path reports reordered rows as
// deletion+insertion pairs without moves. A prevRows entry of NPos marks a row
// that the caller already knows is gone (e.g. the parent table row was
// deleted) rather than merely absent from the query's results.
//
// rowDidChange is consulted for every row present in both orderings to
// decide whether it should be reported as modified. rowsAreInTableOrder
// selects between the cheap single-pass move detector (valid only when
// rows can move solely via a move-last-row-over-removed-row primitive)
// and the general LCS-based move detector.
func Calculate(prevRows, nextRows []uint64, rowDidChange func(rowIndex uint64) bool, rowsAreInTableOrder bool) *Builder {
	ret := NewBuilder(indexset.New(), indexset.New(), indexset.New(), nil)

	var deleted uint64
	oldRows := make([]rowInfo, 0, len(prevRows))
	for i, rowIndex := range prevRows {
		if rowIndex == NPos {
			deleted++
			ret.Deletions.Add(uint64(i))
			continue
		}
		oldRows = append(oldRows, rowInfo{
			rowIndex:       rowIndex,
			prevTVIndex:    NPos,
			tvIndex:        uint64(i),
			shiftedTVIndex: uint64(i) - deleted,
		})
	}
	sort.Slice(oldRows, func(i, j int) bool { return oldRows[i].rowIndex < oldRows[j].rowIndex })

	newRows := make([]rowInfo, len(nextRows))
	for i, rowIndex := range nextRows {
		newRows[i] = rowInfo{rowIndex: rowIndex, prevTVIndex: NPos, tvIndex: uint64(i)}
	}
	sort.Slice(newRows, func(i, j int) bool { return newRows[i].rowIndex < newRows[j].rowIndex })

	// Rows modified to no longer match the query are kept separate from
	// deletions until the move logic below has had a chance to tell them
	// apart from rows that were outright removed from the table.
	removed := indexset.New()

	i, j := 0, 0
	for i < len(oldRows) && j < len(newRows) {
		oldRow, newRow := oldRows[i], newRows[j]
		switch {
		case oldRow.rowIndex == newRow.rowIndex:
			newRows[j].prevTVIndex = oldRow.tvIndex
			newRows[j].shiftedTVIndex = oldRow.shiftedTVIndex
			i++
			j++
		case oldRow.rowIndex < newRow.rowIndex:
			removed.Add(oldRow.tvIndex)
			i++
		default:
			ret.Insertions.Add(newRow.tvIndex)
			j++
		}
	}
	for ; i < len(oldRows); i++ {
		removed.Add(oldRows[i].tvIndex)
	}
	for ; j < len(newRows); j++ {
		ret.Insertions.Add(newRows[j].tvIndex)
	}

	// Drop the brand-new insertions — the move logic below only concerns
	// itself with rows present on both sides — then re-sort by the
	// position they occupy in the new ordering.
	filtered := newRows[:0]
	for _, r := range newRows {
		if r.prevTVIndex != NPos {
			filtered = append(filtered, r)
		}
	}
	newRows = filtered
	sort.Slice(newRows, func(i, j int) bool { return newRows[i].tvIndex < newRows[j].tvIndex })

	for _, row := range newRows {
		if rowDidChange(row.rowIndex) {
			ret.Modifications.Add(row.tvIndex)
		}
	}

	if rowsAreInTableOrder {
		calculateMovesUnsorted(newRows, &removed, ret)
	} else {
		calculateMovesSorted(newRows, ret)
	}
	ret.Deletions.AddSet(removed)
	return ret
}

// calculateMovesUnsorted detects moves in a single forward pass, valid
// only when rows can move solely by being relocated to an earlier
// position via a move-last-row-over-removed-row primitive.
func calculateMovesUnsorted(newRows []rowInfo, removed *indexset.Set, ret *Builder) {
	var expected uint64
	for _, row := range newRows {
		if row.shiftedTVIndex == expected {
			expected++
			continue
		}

		calcExpected := row.tvIndex - ret.Insertions.CountBelow(row.tvIndex) + removed.CountBelow(row.prevTVIndex)
		if row.shiftedTVIndex == calcExpected {
			expected = calcExpected + 1
			continue
		}

		ret.Moves = append(ret.Moves, Move{From: row.prevTVIndex, To: row.tvIndex})
		ret.Insertions.Add(row.tvIndex)
		removed.Add(row.prevTVIndex)
	}
}

// calculateMovesSorted detects moves via the longest-common-subsequence
// of the old and new row orderings: everything not part of the LCS is
// reported as a delete+insert pair rather than a move, so a general
// reorder of an already-sorted view doesn't produce a move per row.
func calculateMovesSorted(rows []rowInfo, ret *Builder) {
	a := make([]lcsRow, len(rows))
	for i, r := range rows {
		a[i] = lcsRow{rowIndex: r.rowIndex, tvIndex: r.prevTVIndex}
	}
	sort.Slice(a, func(i, j int) bool {
		if a[i].tvIndex != a[j].tvIndex {
			return a[i].tvIndex < a[j].tvIndex
		}
		return a[i].rowIndex < a[j].rowIndex
	})

	firstDifference := NPos
	for i := range a {
		if a[i].rowIndex != rows[i].rowIndex {
			firstDifference = uint64(i)
			break
		}
	}
	if firstDifference == NPos {
		return
	}

	b := make([]lcsRow, len(rows))
	for i, r := range rows {
		b[i] = lcsRow{rowIndex: r.rowIndex, tvIndex: uint64(i)}
	}
	sort.Slice(b, func(i, j int) bool {
		if b[i].rowIndex != b[j].rowIndex {
			return b[i].rowIndex < b[j].rowIndex
		}
		return b[i].tvIndex < b[j].tvIndex
	})

	calc := newLCSCalculator(a, b, firstDifference, ret.Modifications)

	i, j := firstDifference, firstDifference
	for _, match := range calc.matches {
		for ; i < match.i; i++ {
			ret.Deletions.Add(a[i].tvIndex)
		}
		for ; j < match.j; j++ {
			ret.Insertions.Add(rows[j].tvIndex)
		}
		i += match.size
		j += match.size
	}
}

// lcsRow is one element of the two sequences the LCS calculator diffs: a
// is sorted by tvIndex (the previous ordering), b by rowIndex.
type lcsRow struct {
	rowIndex, tvIndex uint64
}

// lcsMatch is a maximal run of rows common to both sequences.
type lcsMatch struct {
	i, j, size, modified uint64
}

// lcsCalculator finds the longest common subsequence of a and b — two
// permutations of the same row identifiers — using the O(N) auxiliary
// space dynamic-programming variant, recursing on the gaps before and
// after each match found. Ties between equal-length matches prefer the
// block with fewer modified rows, so a sort-stable diff doesn't report a
// modified row as moved when an unmodified one could be instead.
type lcsCalculator struct {
	modified indexset.Set
	a, b     []lcsRow
	matches  []lcsMatch
}

func newLCSCalculator(a, b []lcsRow, startIndex uint64, modified indexset.Set) *lcsCalculator {
	c := &lcsCalculator{modified: modified, a: a, b: b}
	c.findLongestMatches(startIndex, uint64(len(a)), startIndex, uint64(len(b)))
	c.matches = append(c.matches, lcsMatch{i: uint64(len(a)), j: uint64(len(b))})
	return c
}

type lcsLength struct {
	j, len uint64
}

func (c *lcsCalculator) findLongestMatch(begin1, end1, begin2, end2 uint64) lcsMatch {
	var prev, cur []lcsLength

	lengthAt := func(j uint64) uint64 {
		for _, p := range prev {
			if p.j+1 == j {
				return p.len + 1
			}
		}
		return 1
	}

	best := lcsMatch{i: begin1, j: begin2}
	for i := begin1; i < end1; i++ {
		prev, cur = cur, prev[:0]

		ai := c.a[i].rowIndex
		lo := sort.Search(len(c.b), func(k int) bool { return c.b[k].rowIndex >= ai })
		for k := lo; k < len(c.b) && c.b[k].rowIndex == ai; k++ {
			j := c.b[k].tvIndex
			if j < begin2 {
				continue
			}
			if j >= end2 {
				break
			}

			size := lengthAt(j)
			cur = append(cur, lcsLength{j: j, len: size})

			if size > best.size {
				best = lcsMatch{i: i - size + 1, j: j - size + 1, size: size, modified: NPos}
			} else if size == best.size {
				if best.modified == NPos {
					best.modified = c.modified.Count(best.j, best.j+best.size)
				}
				count := c.modified.Count(j-size+1, j+1)
				if count < best.modified {
					best = lcsMatch{i: i - size + 1, j: j - size + 1, size: size, modified: count}
				}
			}
		}
	}
	return best
}

func (c *lcsCalculator) findLongestMatches(begin1, end1, begin2, end2 uint64) {
	m := c.findLongestMatch(begin1, end1, begin2, end2)
	if m.size == 0 {
		return
	}
	if m.i > begin1 && m.j > begin2 {
		c.findLongestMatches(begin1, m.i, begin2, m.j)
	}
	c.matches = append(c.matches, m)
	if m.i+m.size < end1 && m.j+m.size < end2 {
		c.findLongestMatches(m.i+m.size, end1, m.j+m.size, end2)
	}
}
