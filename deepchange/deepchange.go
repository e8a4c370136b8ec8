// Package deepchange implements the modification checker used to decide
// whether a row not directly touched by a transaction should still be
// reported as changed because something it links to (transitively) was
// modified. It walks the link graph depth-first, memoizing "definitely
// not modified" rows per table and guarding against cycles with a bounded
// path length.
package deepchange

import "github.com/kasuganosora/objstore/indexset"

// MaxDepth bounds how far the checker will follow an outgoing-link chain
// before giving up and treating the row as unmodified. Rows along a path
// that hit the bound are never memoized as "not modified", since a
// shallower search starting from one of them might still find a hit.
const MaxDepth = 16

// ColumnType classifies a table column for the purposes of link
// traversal.
type ColumnType int

const (
	ColumnOther ColumnType = iota
	ColumnLink
	ColumnLinkList
)

// SchemaGraph answers the structural questions the checker needs about a
// collection's schema: how many columns a table has, what kind each one
// is, and which table a link column points at.
type SchemaGraph interface {
	ColumnCount(table uint64) uint64
	ColumnType(table, col uint64) ColumnType
	LinkTargetTable(table, col uint64) uint64
}

// RowReader answers the data questions: what a given row's link columns
// actually point at.
type RowReader interface {
	IsNullLink(table, col, row uint64) bool
	Link(table, col, row uint64) uint64
	LinkList(table, col, row uint64) []uint64
}

// LinkColumn is one outgoing link column of a table, discovered once by
// FindRelatedTables and reused for every row checked against that table.
type LinkColumn struct {
	ColIndex uint64
	IsList   bool
}

// RelatedTable is a table reachable from the root table via some chain of
// link columns, along with the link columns it itself exposes.
type RelatedTable struct {
	TableIndex uint64
	Links      []LinkColumn
}

// FindRelatedTables walks the schema graph from table and returns every
// table reachable via outgoing links, each annotated with its own link
// columns, so the checker doesn't need to re-derive the link graph for
// every row it checks.
func FindRelatedTables(schema SchemaGraph, table uint64) []RelatedTable {
	var out []RelatedTable
	var visit func(t uint64)
	visit = func(t uint64) {
		for _, rt := range out {
			if rt.TableIndex == t {
				return
			}
		}
		idx := len(out)
		out = append(out, RelatedTable{TableIndex: t})

		count := schema.ColumnCount(t)
		for i := uint64(0); i < count; i++ {
			ct := schema.ColumnType(t, i)
			if ct != ColumnLink && ct != ColumnLinkList {
				continue
			}
			out[idx].Links = append(out[idx].Links, LinkColumn{ColIndex: i, IsList: ct == ColumnLinkList})
			visit(schema.LinkTargetTable(t, i))
		}
	}
	visit(table)
	return out
}

// TableChangeInfo is the per-table slice of a transaction's change info
// the checker consults: which rows of that table were modified.
type TableChangeInfo struct {
	Modifications indexset.Set
}

// ChangeInfo is the per-transaction change info across every table
// touched, indexed by table index.
type ChangeInfo struct {
	Tables []TableChangeInfo
}

func (c ChangeInfo) modifications(table uint64) (indexset.Set, bool) {
	if table >= uint64(len(c.Tables)) {
		return indexset.Set{}, false
	}
	return c.Tables[table].Modifications, true
}

// pathEntry records one step of the link chain currently being followed,
// used both for cycle detection and to mark a path as having exceeded
// MaxDepth.
type pathEntry struct {
	Table, Row, Col uint64
	DepthExceeded   bool
}

// Checker decides, for a root-table row, whether it or anything it
// transitively links to was modified in the transaction described by
// ChangeInfo. A Checker is built once per diff pass and its Check method
// called once per candidate row; the not-modified memoization and
// scratch path persist across those calls.
type Checker struct {
	info          ChangeInfo
	schema        SchemaGraph
	rows          RowReader
	rootTable     uint64
	rootModified  *indexset.Set
	relatedTables []RelatedTable

	currentPath [MaxDepth]pathEntry
	notModified map[uint64]*indexset.Set
}

// NewChecker constructs a Checker for rootTable using relatedTables as
// produced by FindRelatedTables.
func NewChecker(info ChangeInfo, schema SchemaGraph, rows RowReader, rootTable uint64, relatedTables []RelatedTable) *Checker {
	c := &Checker{
		info:          info,
		schema:        schema,
		rows:          rows,
		rootTable:     rootTable,
		relatedTables: relatedTables,
		notModified:   make(map[uint64]*indexset.Set),
	}
	if mods, ok := info.modifications(rootTable); ok {
		c.rootModified = &mods
	}
	return c
}

// NewModificationChecker builds the row predicate a Results/List notifier
// diff pass uses to decide whether an unmodified-by-direct-write row
// should still be reported changed. If none of the related tables have
// any modifications at all it short-circuits to a predicate that always
// returns false without constructing a Checker.
func NewModificationChecker(info ChangeInfo, relatedTables []RelatedTable, schema SchemaGraph, rows RowReader, rootTable uint64) func(uint64) bool {
	anyModified := false
	for _, rt := range relatedTables {
		if mods, ok := info.modifications(rt.TableIndex); ok && !mods.IsEmpty() {
			anyModified = true
			break
		}
	}
	if !anyModified {
		return func(uint64) bool { return false }
	}
	return NewChecker(info, schema, rows, rootTable, relatedTables).Check
}

func (c *Checker) notModifiedSet(table uint64) *indexset.Set {
	s, ok := c.notModified[table]
	if !ok {
		ns := indexset.New()
		s = &ns
		c.notModified[table] = s
	}
	return s
}

func (c *Checker) relatedTable(tableNdx uint64) (RelatedTable, bool) {
	for _, rt := range c.relatedTables {
		if rt.TableIndex == tableNdx {
			return rt, true
		}
	}
	return RelatedTable{}, false
}

func (c *Checker) checkOutgoingLinks(tableNdx, rowNdx uint64, depth int) bool {
	rel, ok := c.relatedTable(tableNdx)
	if !ok {
		return false
	}

	alreadyChecking := func(col uint64) bool {
		for p := 0; p < depth; p++ {
			e := c.currentPath[p]
			if e.Table == tableNdx && e.Row == rowNdx && e.Col == col {
				return true
			}
		}
		c.currentPath[depth] = pathEntry{Table: tableNdx, Row: rowNdx, Col: col}
		return false
	}

	for _, link := range rel.Links {
		if alreadyChecking(link.ColIndex) {
			continue
		}
		if !link.IsList {
			if c.rows.IsNullLink(tableNdx, link.ColIndex, rowNdx) {
				continue
			}
			dst := c.rows.Link(tableNdx, link.ColIndex, rowNdx)
			if c.checkRow(c.schema.LinkTargetTable(tableNdx, link.ColIndex), dst, depth+1) {
				return true
			}
			continue
		}

		target := c.schema.LinkTargetTable(tableNdx, link.ColIndex)
		for _, dst := range c.rows.LinkList(tableNdx, link.ColIndex, rowNdx) {
			if c.checkRow(target, dst, depth+1) {
				return true
			}
		}
	}
	return false
}

func (c *Checker) checkRow(tableNdx, idx uint64, depth int) bool {
	if depth >= MaxDepth {
		// Don't memoize any row along this path as unmodified: a search
		// starting further down the chain might still find a hit within
		// its own depth budget.
		for i := 1; i < MaxDepth; i++ {
			c.currentPath[i].DepthExceeded = true
		}
		return false
	}

	if depth > 0 {
		if mods, ok := c.info.modifications(tableNdx); ok && mods.Contains(idx) {
			return true
		}
	}

	notMod := c.notModifiedSet(tableNdx)
	if notMod.Contains(idx) {
		return false
	}

	ret := c.checkOutgoingLinks(tableNdx, idx, depth)
	if !ret && !c.currentPath[depth].DepthExceeded {
		notMod.Add(idx)
	}
	return ret
}

// Check reports whether row ndx of the root table was modified, directly
// or transitively through its outgoing links.
func (c *Checker) Check(ndx uint64) bool {
	if c.rootModified != nil && c.rootModified.Contains(ndx) {
		return true
	}
	return c.checkRow(c.rootTable, ndx, 0)
}
