package notifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/kasuganosora/objstore/storageengine"
)

// mapColumnReader is a StringColumnReader backed by an in-memory map, a
// stand-in for a typed object accessor reading one column.
type mapColumnReader struct {
	values map[uint64]string
}

func (m mapColumnReader) StringAt(snap storageengine.Snapshot, row uint64) (string, error) {
	v, ok := m.values[row]
	if !ok {
		return "", errors.New("row not found")
	}
	return v, nil
}

func TestCollatedSortOrderOrdersByCollatedString(t *testing.T) {
	column := mapColumnReader{values: map[uint64]string{
		1: "banana",
		2: "Apple",
		3: "cherry",
	}}
	sorter := NewCollatedSortOrder(column, language.Und)

	out, err := sorter.Sort(fakeSnapshot{thread: 1, version: 1}, []uint64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 1, 3}, out)
}

func TestCollatedSortOrderLeavesUnresolvedRowsAtEnd(t *testing.T) {
	column := mapColumnReader{values: map[uint64]string{
		1: "banana",
		3: "apple",
	}}
	sorter := NewCollatedSortOrder(column, language.Und)

	out, err := sorter.Sort(fakeSnapshot{thread: 1, version: 1}, []uint64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 1, 2}, out)
}
