package txlog

import (
	"testing"

	"github.com/kasuganosora/objstore/objerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertEmptyRowsOnlyAffectsNeededTables(t *testing.T) {
	info := NewTransactionChangeInfo()
	info.TablesNeeded[0] = true
	p := NewParser(info, map[int]uint64{0: 3, 1: 3})

	p.SelectTable(0)
	p.InsertEmptyRows(0, 3, 1)
	p.SelectTable(1)
	p.InsertEmptyRows(1, 3, 1)

	assert.True(t, info.Tables[0].Insertions.Contains(3))
	assert.Nil(t, info.Tables[1])
}

func TestEraseRowsOrderedShiftsTail(t *testing.T) {
	info := NewTransactionChangeInfo()
	info.TablesNeeded[0] = true
	p := NewParser(info, map[int]uint64{0: 4})

	p.SelectTable(0)
	p.EraseRows(0, 1, true)

	b := info.Tables[0]
	require.NoError(t, b.Verify())
	assert.True(t, b.Deletions.Contains(1))
	assert.Empty(t, b.Moves)
}

func TestEraseRowsUnorderedRecordsMoveOver(t *testing.T) {
	info := NewTransactionChangeInfo()
	info.TablesNeeded[0] = true
	info.TableMovesNeeded[0] = true
	p := NewParser(info, map[int]uint64{0: 4})

	p.SelectTable(0)
	p.EraseRows(0, 0, false) // last row (3) moves over row 0
	p.ParseComplete()

	b := info.Tables[0]
	require.NoError(t, b.Verify())
	assert.True(t, b.Deletions.Contains(3))
	assert.True(t, b.Insertions.Contains(0))
	require.Len(t, b.Moves, 1)
	assert.Equal(t, uint64(3), b.Moves[0].From)
	assert.Equal(t, uint64(0), b.Moves[0].To)
}

func TestClearTableEmitsDeletionsForOldSize(t *testing.T) {
	info := NewTransactionChangeInfo()
	info.TablesNeeded[0] = true
	p := NewParser(info, map[int]uint64{0: 5})

	p.SelectTable(0)
	p.ClearTable(0)

	b := info.Tables[0]
	assert.EqualValues(t, 5, b.Deletions.Size())
	assert.EqualValues(t, 0, p.tableSize[0])
}

func TestSetValueMarksRowModified(t *testing.T) {
	info := NewTransactionChangeInfo()
	info.TablesNeeded[0] = true
	p := NewParser(info, map[int]uint64{0: 2})

	p.SelectTable(0)
	p.SetValue(0, 2, 1, "x")

	assert.True(t, info.Tables[0].Modifications.Contains(1))
}

func TestLinkListOperationsRouteToSelectedObserver(t *testing.T) {
	info := NewTransactionChangeInfo()
	list := info.AddList(0, 1, 2)
	p := NewParser(info, map[int]uint64{0: 3})

	p.SelectTable(0)
	p.SelectLinkList(0, 2, 1)
	p.LinkListInsert(0, 99)
	p.LinkListSet(1, 100)
	p.LinkListErase(2)

	assert.True(t, list.Changes.Insertions.Contains(0))
	assert.True(t, list.Changes.Modifications.Contains(1))
}

func TestLinkListNullifyIsAModificationNotAnErase(t *testing.T) {
	info := NewTransactionChangeInfo()
	list := info.AddList(0, 0, 0)
	p := NewParser(info, map[int]uint64{0: 1})

	p.SelectTable(0)
	p.SelectLinkList(0, 0, 0)
	p.LinkListNullify(2)

	assert.True(t, list.Changes.Modifications.Contains(2))
	assert.True(t, list.Changes.Deletions.IsEmpty())
}

func TestSchemaChangedReturnsLogParseError(t *testing.T) {
	info := NewTransactionChangeInfo()
	p := NewParser(info, nil)

	err := p.SchemaChanged()
	require.Error(t, err)
	kind, ok := objerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, objerr.LogParse, kind)
}

func TestParseCompleteFinalizesEveryBuilder(t *testing.T) {
	info := NewTransactionChangeInfo()
	info.TablesNeeded[0] = true
	info.TableMovesNeeded[0] = true
	p := NewParser(info, map[int]uint64{0: 3})

	p.SelectTable(0)
	p.EraseRows(0, 0, false)
	p.ParseComplete()

	require.NoError(t, info.Tables[0].Verify())
}
