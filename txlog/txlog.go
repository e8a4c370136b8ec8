// Package txlog turns a replayed transaction log into the per-table change
// algebra the rest of the core consumes: one changeset.Builder per table
// index any registered notifier cares about, plus the list-specific deltas
// a ListNotifier asked to have filled in directly.
package txlog

import (
	"github.com/kasuganosora/objstore/changeset"
	"github.com/kasuganosora/objstore/indexset"
	"github.com/kasuganosora/objstore/objerr"
)

// ListChangeInfo is the per-observed-link-list delta a ListNotifier consumes
// directly instead of reading it back out of a table's ChangeBuilder. The
// parser mutates Changes in place whenever the (TableNdx, Col, Row) link
// list is selected and touched during replay.
type ListChangeInfo struct {
	TableNdx, Row, Col uint64
	Changes            *changeset.Builder
}

// TransactionChangeInfo is the per-advance-cycle bundle the coordinator
// builds once per worker run. Tables entries are created lazily for table
// indices any registered notifier declared via TablesNeeded; notifiers that
// additionally need detailed move information (ResultsNotifier) set the
// corresponding TableMovesNeeded bit before the worker parses the log.
type TransactionChangeInfo struct {
	Tables           map[int]*changeset.Builder
	TablesNeeded     map[int]bool
	TableMovesNeeded map[int]bool
	Lists            []*ListChangeInfo
}

// NewTransactionChangeInfo returns an empty bundle ready for notifiers to
// declare their required change info into.
func NewTransactionChangeInfo() *TransactionChangeInfo {
	return &TransactionChangeInfo{
		Tables:           make(map[int]*changeset.Builder),
		TablesNeeded:     make(map[int]bool),
		TableMovesNeeded: make(map[int]bool),
	}
}

// BuilderFor returns the ChangeBuilder accumulating changes for table,
// creating an empty one on first use.
func (info *TransactionChangeInfo) BuilderFor(table int) *changeset.Builder {
	b, ok := info.Tables[table]
	if !ok {
		b = changeset.NewBuilder(indexset.New(), indexset.New(), indexset.New(), nil)
		info.Tables[table] = b
	}
	return b
}

// AddList registers a link-list observer so the parser fills in its
// Changes directly whenever that list is touched, independent of whether
// the owning table itself is in TablesNeeded.
func (info *TransactionChangeInfo) AddList(table, row, col uint64) *ListChangeInfo {
	l := &ListChangeInfo{
		TableNdx: table, Row: row, Col: col,
		Changes: changeset.NewBuilder(indexset.New(), indexset.New(), indexset.New(), nil),
	}
	info.Lists = append(info.Lists, l)
	return l
}

func (info *TransactionChangeInfo) listFor(table, row, col uint64) *ListChangeInfo {
	for _, l := range info.Lists {
		if l.TableNdx == table && l.Row == row && l.Col == col {
			return l
		}
	}
	return nil
}

// Parser implements storageengine.LogParser, translating a replayed
// transaction into mutations of the TransactionChangeInfo it was built
// with. It tracks each table's current row count itself, since the
// storage-engine EraseRows callback reports only the erased position and
// whether the table is treated as ordered, not the row that used to occupy
// the last slot — that "last row" is needed to tell an in-place move-last-
// over apart from a plain tail erase.
type Parser struct {
	info *TransactionChangeInfo

	tableSize map[int]uint64

	currentTable int
	activeList   *ListChangeInfo
}

// NewParser builds a Parser over info, seeded with the row count each
// table had at the start of the replay.
func NewParser(info *TransactionChangeInfo, initialTableSizes map[int]uint64) *Parser {
	sizes := make(map[int]uint64, len(initialTableSizes))
	for k, v := range initialTableSizes {
		sizes[k] = v
	}
	return &Parser{info: info, tableSize: sizes}
}

func (p *Parser) needed(table int) bool {
	return p.info.TablesNeeded[table]
}

// SelectTable implements storageengine.LogParser.
func (p *Parser) SelectTable(tableIndex int) {
	p.currentTable = tableIndex
	p.activeList = nil
}

// InsertEmptyRows implements storageengine.LogParser.
func (p *Parser) InsertEmptyRows(tableIndex int, at, n uint64) {
	if p.needed(tableIndex) {
		p.info.BuilderFor(tableIndex).Insert(at, n, p.info.TableMovesNeeded[tableIndex])
	}
	p.tableSize[tableIndex] += n
}

// EraseRows implements storageengine.LogParser. ordered==false signals a
// move-last-over erase: the row at the table's last position was copied
// down into at and the table shrank by one.
func (p *Parser) EraseRows(tableIndex int, at uint64, ordered bool) {
	size := p.tableSize[tableIndex]
	var last uint64
	if size > 0 {
		last = size - 1
	}

	if p.needed(tableIndex) {
		b := p.info.BuilderFor(tableIndex)
		if ordered || at == last {
			b.Erase(at)
		} else {
			b.MoveOver(at, last, p.info.TableMovesNeeded[tableIndex])
		}
	}

	for _, l := range p.info.Lists {
		if l.TableNdx != uint64(tableIndex) {
			continue
		}
		switch {
		case l.Row == at:
			// The observed row itself was erased; its list observer has
			// nothing further to report.
		case !ordered && l.Row == last:
			l.Row = at
		case ordered && l.Row > at:
			l.Row--
		}
	}

	if size > 0 {
		p.tableSize[tableIndex] = size - 1
	}
}

// ClearTable implements storageengine.LogParser.
func (p *Parser) ClearTable(tableIndex int) {
	oldSize := p.tableSize[tableIndex]
	if p.needed(tableIndex) {
		p.info.BuilderFor(tableIndex).Clear(oldSize)
	}
	p.tableSize[tableIndex] = 0
}

// SetValue implements storageengine.LogParser. The change algebra tracks
// modifications at row granularity, not per column, so every SetValue
// against an observed table simply marks the row as modified.
func (p *Parser) SetValue(tableIndex int, col int, row uint64, value any) {
	if p.needed(tableIndex) {
		p.info.BuilderFor(tableIndex).Modify(row)
	}
}

// SelectLinkList implements storageengine.LogParser.
func (p *Parser) SelectLinkList(tableIndex int, col int, row uint64) {
	p.activeList = p.info.listFor(uint64(tableIndex), row, uint64(col))
}

// LinkListSet implements storageengine.LogParser: the element at idx was
// overwritten in place.
func (p *Parser) LinkListSet(idx uint64, target uint64) {
	if p.activeList != nil {
		p.activeList.Changes.Modify(idx)
	}
}

// LinkListInsert implements storageengine.LogParser.
func (p *Parser) LinkListInsert(idx uint64, target uint64) {
	if p.activeList != nil {
		p.activeList.Changes.Insert(idx, 1, true)
	}
}

// LinkListErase implements storageengine.LogParser.
func (p *Parser) LinkListErase(idx uint64) {
	if p.activeList != nil {
		p.activeList.Changes.Erase(idx)
	}
}

// LinkListNullify implements storageengine.LogParser: the element at idx
// still occupies its slot but now refers to nothing, so it is reported as
// a modification rather than an erasure.
func (p *Parser) LinkListNullify(idx uint64) {
	if p.activeList != nil {
		p.activeList.Changes.Modify(idx)
	}
}

// LinkListSwap implements storageengine.LogParser.
func (p *Parser) LinkListSwap(i, j uint64) {
	if p.activeList != nil {
		p.activeList.Changes.Modify(i)
		p.activeList.Changes.Modify(j)
	}
}

// LinkListMove implements storageengine.LogParser.
func (p *Parser) LinkListMove(from, to uint64) {
	if p.activeList != nil {
		p.activeList.Changes.Move(from, to)
	}
}

// LinkListClear implements storageengine.LogParser.
func (p *Parser) LinkListClear(oldSize uint64) {
	if p.activeList != nil {
		p.activeList.Changes.Clear(oldSize)
	}
}

// SchemaChanged implements storageengine.LogParser. A schema mutation mid-
// replay invalidates any partially-accumulated change info, so it is
// reported as a LogParse error; the caller (the coordinator's worker run)
// treats every affected notifier as needing a fresh initial run instead of
// trusting the partial replay.
func (p *Parser) SchemaChanged() error {
	return objerr.Wrap(objerr.LogParse, "schema-mutating operation during log replay", nil)
}

// ParseComplete finalizes every ChangeBuilder this Parser touched, moving
// each one's scratch move-mapping into its sorted Moves slice.
func (p *Parser) ParseComplete() {
	for _, b := range p.info.Tables {
		b.ParseComplete()
	}
	for _, l := range p.info.Lists {
		l.Changes.ParseComplete()
	}
}

// FinalTableSizes returns the row count this Parser tracked for every table
// it saw a mutation for, as of the last replayed entry. A caller that keeps
// one Parser's sizes around to seed the next cycle's Parser (since table
// sizes persist across worker runs, unlike the per-cycle change info) should
// call this once parsing a cycle is complete.
func (p *Parser) FinalTableSizes() map[int]uint64 {
	sizes := make(map[int]uint64, len(p.tableSize))
	for k, v := range p.tableSize {
		sizes[k] = v
	}
	return sizes
}
