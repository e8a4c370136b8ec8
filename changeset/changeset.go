// Package changeset implements the change algebra: the ChangeSet read
// view and the ChangeBuilder that accumulates primitive row mutations
// (insert/erase/move/move_over/clear) into a minimal deletions/
// insertions/modifications/moves description, merges successive
// transactions together, and computes a diff between two row orderings
// via an LCS-based comparison.
package changeset

import (
	"fmt"
	"sort"

	"github.com/kasuganosora/objstore/indexset"
)

// NPos is the sentinel "no value" row/index marker used by Calculate's
// inputs and internally while diffing two row orderings.
const NPos = ^uint64(0)

// Move describes a single row relocation: From is expressed in the
// pre-transition coordinate space (a deletion index), To in the
// post-transition coordinate space (an insertion index).
type Move struct {
	From, To uint64
}

// ChangeSet is the immutable description of how a collection changed
// across one or more transactions, delivered to notifier callbacks.
type ChangeSet struct {
	Deletions     indexset.Set
	Insertions    indexset.Set
	Modifications indexset.Set
	Moves         []Move
}

// Empty reports whether the change set describes no change at all.
func (c ChangeSet) Empty() bool {
	return c.Deletions.IsEmpty() && c.Insertions.IsEmpty() && c.Modifications.IsEmpty() && len(c.Moves) == 0
}

// Clone returns an independent copy of c.
func (c ChangeSet) Clone() ChangeSet {
	moves := make([]Move, len(c.Moves))
	copy(moves, c.Moves)
	return ChangeSet{
		Deletions:     c.Deletions.Clone(),
		Insertions:    c.Insertions.Clone(),
		Modifications: c.Modifications.Clone(),
		Moves:         moves,
	}
}

// Builder accumulates primitive mutations and merges successive
// transactions' changes into a single minimal ChangeSet.
type Builder struct {
	ChangeSet

	// moveMapping holds in-progress move_over bookkeeping, keyed by the
	// destination (insertion) index with the source (deletion) index as
	// value, until ParseComplete drains it into Moves.
	moveMapping map[uint64]uint64
}

// NewBuilder constructs a Builder from already-known deletions,
// insertions, modifications and moves, recording each move's endpoints
// into the deletions/insertions sets as the constructor invariant
// requires.
func NewBuilder(deletions, insertions, modifications indexset.Set, moves []Move) *Builder {
	b := &Builder{
		ChangeSet: ChangeSet{
			Deletions:     deletions,
			Insertions:    insertions,
			Modifications: modifications,
			Moves:         append([]Move(nil), moves...),
		},
		moveMapping: make(map[uint64]uint64),
	}
	for _, m := range b.Moves {
		b.Deletions.Add(m.From)
		b.Insertions.Add(m.To)
	}
	return b
}

// Verify checks the invariant that every move's From is recorded as a
// deletion and every move's To is recorded as an insertion. It is meant
// for use in tests, not on any hot path.
func (b *Builder) Verify() error {
	for _, m := range b.Moves {
		if !b.Deletions.Contains(m.From) {
			return fmt.Errorf("changeset: move from %d is not in deletions", m.From)
		}
		if !b.Insertions.Contains(m.To) {
			return fmt.Errorf("changeset: move to %d is not in insertions", m.To)
		}
	}
	return nil
}

// Merge folds c's changes on top of b's, producing the combined change
// across both transactions. c is consumed: callers must not reuse it
// afterwards.
func (b *Builder) Merge(c *Builder) {
	if c.Empty() {
		return
	}
	if b.Empty() {
		*b = *c
		return
	}

	// Re-target any of our moves whose destination was itself moved or
	// deleted by c, and drop moves whose destination c deleted outright.
	if len(c.Moves) > 0 || !c.Deletions.IsEmpty() || !c.Insertions.IsEmpty() {
		kept := make([]Move, 0, len(b.Moves))
		for _, old := range b.Moves {
			matched := -1
			for i, m := range c.Moves {
				if old.To == m.From {
					matched = i
					break
				}
			}
			if matched >= 0 {
				m := c.Moves[matched]
				if b.Modifications.Contains(old.From) {
					c.Modifications.Add(m.To)
				}
				old.To = m.To
				last := len(c.Moves) - 1
				c.Moves[matched] = c.Moves[last]
				c.Moves = c.Moves[:last]
				kept = append(kept, old)
				continue
			}
			if c.Deletions.Contains(old.To) {
				continue
			}
			u, _ := c.Deletions.Unshift(old.To)
			old.To = c.Insertions.Shift(u)
			kept = append(kept, old)
		}
		b.Moves = kept
	}

	// Ignore new moves of rows which b already records as freshly
	// inserted: the implicit delete half of the move removes the insert.
	if !b.Insertions.IsEmpty() && len(c.Moves) > 0 {
		filtered := c.Moves[:0:0]
		for _, m := range c.Moves {
			if !b.Insertions.Contains(m.From) {
				filtered = append(filtered, m)
			}
		}
		c.Moves = filtered
	}

	// Rows b already knows were modified stay modified if c moved them.
	if !b.Modifications.IsEmpty() && len(c.Moves) > 0 {
		for _, m := range c.Moves {
			if b.Modifications.Contains(m.From) {
				c.Modifications.Add(m.To)
			}
		}
	}

	// Rebase the source position of c's new moves to compensate for b's
	// own deletions/insertions.
	if !b.Deletions.IsEmpty() || !b.Insertions.IsEmpty() {
		for i := range c.Moves {
			u, _ := b.Insertions.Unshift(c.Moves[i].From)
			c.Moves[i].From = b.Deletions.Shift(u)
		}
	}

	b.Moves = append(b.Moves, c.Moves...)

	// c's deletion indices are in post-b-insertion coordinates; unshift
	// them before folding into b's own deletions.
	b.Deletions.AddShiftedBy(b.Insertions, c.Deletions)

	// Drop any row that was inserted by b and then deleted by c, then
	// fold in c's new insertions.
	b.Insertions.EraseSet(c.Deletions)
	b.Insertions.InsertAtSet(c.Insertions)

	b.cleanUpStaleMoves()

	b.Modifications.EraseSet(c.Deletions)
	b.Modifications.ShiftForInsertAtSet(c.Insertions)
	b.Modifications.AddSet(c.Modifications)

	*c = Builder{}
}

// cleanUpStaleMoves drops moves that have become no-ops — not simply
// from == to, since both sides may have shifted by unrelated inserts and
// deletes — along with the deletion/insertion entries that recorded them.
func (b *Builder) cleanUpStaleMoves() {
	kept := b.Moves[:0:0]
	for _, m := range b.Moves {
		if m.From-b.Deletions.CountBelow(m.From) != m.To-b.Insertions.CountBelow(m.To) {
			kept = append(kept, m)
			continue
		}
		b.Deletions.Remove(m.From)
		b.Insertions.Remove(m.To)
	}
	b.Moves = kept
}

// ParseComplete drains the in-progress move_over bookkeeping into Moves,
// sorted by From.
func (b *Builder) ParseComplete() {
	entries := make([]Move, 0, len(b.moveMapping))
	for to, from := range b.moveMapping {
		entries = append(entries, Move{From: from, To: to})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].From < entries[j].From })
	b.Moves = append(b.Moves, entries...)
	b.moveMapping = make(map[uint64]uint64)
}

// Modify records row ndx (in current, post-transition coordinates) as
// modified.
func (b *Builder) Modify(ndx uint64) {
	b.Modifications.Add(ndx)
}

// Insert records count new rows at index. When trackMoves is false the
// rows are recorded as modification-shifting only (used while replaying
// insertions that happened logically before this builder's window).
func (b *Builder) Insert(index, count uint64, trackMoves bool) {
	b.Modifications.ShiftForInsertAt(index, count)
	if !trackMoves {
		return
	}
	b.Insertions.InsertAt(index, count)
	for i := range b.Moves {
		if b.Moves[i].To >= index {
			b.Moves[i].To += count
		}
	}
}

// Erase records the deletion of row index (in current coordinates).
func (b *Builder) Erase(index uint64) {
	b.Modifications.EraseAt(index)
	if u, ok := b.Insertions.EraseOrUnshift(index); ok {
		b.Deletions.AddShifted(u)
	}

	kept := b.Moves[:0:0]
	for _, m := range b.Moves {
		if m.To == index {
			continue
		}
		if m.To > index {
			m.To--
		}
		kept = append(kept, m)
	}
	b.Moves = kept
}

// Clear records that every row was removed. oldSize is the row count just
// before the clear; unless it is NPos, it is translated back to the row
// count before this builder's window by adding the deletions and
// subtracting the insertions recorded so far. An NPos oldSize is used
// unchanged. Deletions becomes [0, oldSize).
func (b *Builder) Clear(oldSize uint64) {
	if oldSize != NPos {
		for _, r := range b.Deletions.Ranges() {
			oldSize += r.Len()
		}
		for _, r := range b.Insertions.Ranges() {
			oldSize -= r.Len()
		}
	}
	b.Modifications.Clear()
	b.Insertions.Clear()
	b.Moves = nil
	b.moveMapping = make(map[uint64]uint64)
	b.Deletions.Set(oldSize)
}

// Move records that the row at from was relocated to to, collapsing
// chained moves (A->B, B->C becomes A->C) and propagating the modified
// flag.
func (b *Builder) Move(from, to uint64) {
	updatedExisting := false
	for i := range b.Moves {
		m := &b.Moves[i]
		if m.To != from {
			if m.To >= to && m.To < from {
				m.To++
			} else if m.To <= to && m.To > from {
				m.To--
			}
			continue
		}
		m.To = to
		updatedExisting = true
		b.Insertions.EraseAt(from)
		b.Insertions.InsertAt(to, 1)
	}

	if !updatedExisting {
		shiftedFrom, ok := b.Insertions.EraseOrUnshift(from)
		b.Insertions.InsertAt(to, 1)
		if ok {
			shiftedFrom = b.Deletions.AddShifted(shiftedFrom)
			b.Moves = append(b.Moves, Move{From: shiftedFrom, To: to})
		}
	}

	modified := b.Modifications.Contains(from)
	b.Modifications.EraseAt(from)
	if modified {
		b.Modifications.InsertAt(to, 1)
	} else {
		b.Modifications.ShiftForInsertAt(to, 1)
	}
}

// MoveOver records the move-last-row-over-removed-row primitive many
// storage engines use to delete a row in O(1): the row at lastRow is
// relocated to rowNdx, and the table shrinks by one.
func (b *Builder) MoveOver(rowNdx, lastRow uint64, trackMoves bool) {
	if rowNdx == lastRow {
		if trackMoves {
			if shiftedFrom, ok := b.Insertions.EraseOrUnshift(rowNdx); ok {
				b.Deletions.AddShifted(shiftedFrom)
			}
			delete(b.moveMapping, rowNdx)
		}
		b.Modifications.Remove(rowNdx)
		return
	}

	modified := b.Modifications.Contains(lastRow)
	if modified {
		b.Modifications.Remove(lastRow)
		b.Modifications.Add(rowNdx)
	} else {
		b.Modifications.Remove(rowNdx)
	}

	if !trackMoves {
		return
	}

	rowIsInsertion := b.Insertions.Contains(rowNdx)
	lastIsInsertion := lastRangeEndsAt(b.Insertions, lastRow+1)

	lastWasAlreadyMoved := false
	if lastIsInsertion {
		if v, ok := b.moveMapping[lastRow]; ok {
			b.moveMapping[rowNdx] = v
			delete(b.moveMapping, lastRow)
			lastWasAlreadyMoved = true
		}
	}

	if rowIsInsertion && !lastWasAlreadyMoved {
		delete(b.moveMapping, rowNdx)
	}

	if lastIsInsertion {
		b.Insertions.Remove(lastRow)
	} else if !lastWasAlreadyMoved {
		shiftedLastRow, _ := b.Insertions.Unshift(lastRow)
		shiftedLastRow = b.Deletions.AddShifted(shiftedLastRow)
		b.moveMapping[rowNdx] = shiftedLastRow
	}

	if !rowIsInsertion {
		u, _ := b.Insertions.Unshift(rowNdx)
		b.Deletions.AddShifted(u)
		b.Insertions.Add(rowNdx)
	}
}

// lastRangeEndsAt reports whether s's final range ends exactly at bound,
// i.e. bound-1 is the largest member of s.
func lastRangeEndsAt(s indexset.Set, bound uint64) bool {
	ranges := s.Ranges()
	if len(ranges) == 0 {
		return false
	}
	return ranges[len(ranges)-1].Hi == bound
}
