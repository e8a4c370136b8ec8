package indexset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCoalescesNeighbors(t *testing.T) {
	var s Set
	s.Add(5)
	s.Add(7)
	assert.Equal(t, []Range{{5, 6}, {7, 8}}, s.Ranges())

	// Filling the gap joins both ranges into one.
	s.Add(6)
	assert.Equal(t, []Range{{5, 8}}, s.Ranges())
	assert.EqualValues(t, 3, s.Size())
}

func TestAddExtendsBeforeAndAfter(t *testing.T) {
	var s Set
	s.Add(5)
	s.Add(6)
	assert.Equal(t, []Range{{5, 7}}, s.Ranges())

	s.Add(4)
	assert.Equal(t, []Range{{4, 7}}, s.Ranges())

	s.Add(7)
	assert.Equal(t, []Range{{4, 8}}, s.Ranges())
}

func TestAddAlreadyPresentIsNoOp(t *testing.T) {
	s := Of(1, 2, 3)
	before := s.Ranges()
	s.Add(2)
	assert.Equal(t, before, s.Ranges())
}

func TestSetReplacesContents(t *testing.T) {
	var s Set
	s.Add(9)
	s.Set(3)
	assert.Equal(t, []Range{{0, 3}}, s.Ranges())

	s.Set(0)
	assert.True(t, s.IsEmpty())
}

func TestContainsAndCount(t *testing.T) {
	s := Of(1, 2, 3, 10, 11)
	assert.True(t, s.Contains(2))
	assert.False(t, s.Contains(4))
	assert.EqualValues(t, 3, s.Count(0, 5))
	assert.EqualValues(t, 2, s.Count(5, 20))
	assert.EqualValues(t, 3, s.CountBelow(10))
}

func TestEraseAtRemovesAndShifts(t *testing.T) {
	s := Of(2, 3, 5)
	s.EraseAt(3)
	// 3 was a member and is gone; everything above 3 shifts down by one.
	assert.Equal(t, Of(2, 4).Ranges(), s.Ranges())
}

func TestEraseAtNonMemberStillShifts(t *testing.T) {
	s := Of(5)
	s.EraseAt(2)
	assert.Equal(t, Of(4).Ranges(), s.Ranges())
}

func TestEraseAtSplitsRange(t *testing.T) {
	s := Of(1, 2, 3, 4, 5)
	s.EraseAt(3)
	assert.Equal(t, Of(1, 2, 3, 4).Ranges(), s.Ranges())
}

func TestEraseOrUnshiftMember(t *testing.T) {
	s := Of(2, 5)
	_, ok := s.EraseOrUnshift(2)
	assert.False(t, ok, "erasing a tracked member must report no representable deletion")
	assert.Equal(t, Of(4).Ranges(), s.Ranges())
}

func TestEraseOrUnshiftNonMember(t *testing.T) {
	s := Of(2, 5)
	value, ok := s.EraseOrUnshift(3)
	require.True(t, ok)
	// Before erasure there is one member (2) below 3, so 3 unshifts to 2.
	// Member 2 lies below 3 and stays put; member 5 shifts down to 4.
	assert.EqualValues(t, 2, value)
	assert.Equal(t, Of(2, 4).Ranges(), s.Ranges())
}

func TestInsertAtShiftsAndMarksPresent(t *testing.T) {
	s := Of(1, 2)
	s.InsertAt(1, 1)
	// Existing member at/after 1 shifts up, and 1 itself becomes a member.
	assert.Equal(t, Of(1, 2, 3).Ranges(), s.Ranges())
}

func TestInsertAtInsideExistingRangeExtendsIt(t *testing.T) {
	s := Of(1, 2, 3)
	s.InsertAt(2, 1)
	assert.Equal(t, Of(1, 2, 3, 4).Ranges(), s.Ranges())
}

func TestInsertAtBatch(t *testing.T) {
	s := Of(0)
	s.InsertAt(0, 3)
	assert.Equal(t, []Range{{0, 4}}, s.Ranges())
}

func TestShiftForInsertAtDoesNotMarkPresent(t *testing.T) {
	s := Of(1, 2)
	s.ShiftForInsertAt(1, 2)
	assert.Equal(t, Of(3, 4).Ranges(), s.Ranges())
}

func TestShiftAndUnshiftAreInverseOnNonMembers(t *testing.T) {
	s := Of(2, 5, 6)
	for k := uint64(0); k < 20; k++ {
		if s.Contains(k) {
			continue
		}
		shifted := s.Shift(k)
		back, err := s.Unshift(shifted)
		require.NoError(t, err)
		assert.Equal(t, k, back, "shift/unshift must round-trip for %d", k)
	}
}

func TestUnshiftMemberIsNotRepresentable(t *testing.T) {
	s := Of(3)
	_, err := s.Unshift(3)
	assert.ErrorIs(t, err, ErrNotRepresentable)
}

func TestAddShiftedWalksPriorRanges(t *testing.T) {
	var s Set
	// Deletions recorded so far: row 0 is already gone.
	s.Add(0)
	shifted := s.AddShifted(0)
	// The next deletion argument 0 (in "rows remaining after the first
	// delete" coordinates) lands at row 1 once shifted back to account for
	// row 0 having already been removed.
	assert.EqualValues(t, 1, shifted)
	assert.Equal(t, Of(0, 1).Ranges(), s.Ranges())
}

func TestAddShiftedByTranslatesCoordinates(t *testing.T) {
	insertions := Of(1)
	otherDeletions := Of(0, 2)

	var deletions Set
	deletions.AddShiftedBy(insertions, otherDeletions)
	// Index 0 has no insertions below it, stays 0; index 2 has one
	// insertion (at 1) below it, becomes 1.
	assert.Equal(t, Of(0, 1).Ranges(), deletions.Ranges())
}

func TestEraseSetAppliesDescending(t *testing.T) {
	s := Of(0, 1, 2, 3, 4)
	s.EraseSet(Of(1, 3))
	assert.Equal(t, Of(0, 1, 2).Ranges(), s.Ranges())
}

func TestInsertAtSetPreservesAbsoluteTargets(t *testing.T) {
	var s Set
	s.InsertAtSet(Of(0, 2, 4))
	assert.Equal(t, Of(0, 2, 4).Ranges(), s.Ranges())
}

func TestRemoveDoesNotShiftOtherMembers(t *testing.T) {
	s := Of(1, 5)
	s.Remove(1)
	assert.Equal(t, Of(5).Ranges(), s.Ranges())
}

func TestCloneIsIndependent(t *testing.T) {
	s := Of(1, 2)
	clone := s.Clone()
	s.Add(3)
	assert.Equal(t, Of(1, 2).Ranges(), clone.Ranges())
	assert.True(t, s.Equal(Of(1, 2, 3)))
}

func TestIndicesDescendingReversesIndices(t *testing.T) {
	s := Of(1, 3, 4)
	assert.Equal(t, []uint64{4, 3, 1}, s.IndicesDescending())
}
