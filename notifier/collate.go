package notifier

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/kasuganosora/objstore/storageengine"
)

// StringColumnReader binds a snapshot to a single string-valued column of
// the root table. It is a named external collaborator (spec.md §1) in the
// same vein as RowReaderFunc: this package never constructs one itself,
// only consumes whatever the typed object accessors hand it.
type StringColumnReader interface {
	StringAt(snap storageengine.Snapshot, row uint64) (string, error)
}

// CollatedSortOrder is a SortOrder that orders rows by a string column
// using a locale-aware golang.org/x/text/collate.Collator rather than raw
// byte comparison, mirroring the teacher's CollationEngine (which maps
// MySQL collation names onto the same package) but reduced to the one
// knob this package needs: a language tag plus collate options.
type CollatedSortOrder struct {
	column StringColumnReader
	tag    language.Tag
	opts   []collate.Option
}

// NewCollatedSortOrder builds a CollatedSortOrder reading its strings
// through column, collating under tag (use language.Und for a
// locale-neutral Unicode default ordering). A collate.Collator is not
// goroutine-safe, so Sort allocates a fresh one per call rather than
// holding one on the struct.
func NewCollatedSortOrder(column StringColumnReader, tag language.Tag, opts ...collate.Option) *CollatedSortOrder {
	return &CollatedSortOrder{column: column, tag: tag, opts: opts}
}

type collatedRow struct {
	row   uint64
	value string
}

// Sort reads each row's column value and returns rows reordered by
// collated string comparison. A row whose value can't be read is left in
// its relative position at the end of the result, after every row that
// did resolve a value, rather than failing the whole sort: a single
// unreadable row (for instance one deleted concurrently with this cycle's
// snapshot) shouldn't blank out every other row's ordering.
func (c *CollatedSortOrder) Sort(snap storageengine.Snapshot, rows []uint64) ([]uint64, error) {
	resolved := make([]collatedRow, 0, len(rows))
	var unresolved []uint64
	for _, row := range rows {
		value, err := c.column.StringAt(snap, row)
		if err != nil {
			unresolved = append(unresolved, row)
			continue
		}
		resolved = append(resolved, collatedRow{row: row, value: value})
	}

	coll := collate.New(c.tag, c.opts...)
	sort.SliceStable(resolved, func(i, j int) bool {
		return coll.CompareString(resolved[i].value, resolved[j].value) < 0
	})

	out := make([]uint64, 0, len(rows))
	for _, r := range resolved {
		out = append(out, r.row)
	}
	out = append(out, unresolved...)
	return out, nil
}
