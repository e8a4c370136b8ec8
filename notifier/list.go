package notifier

import (
	"github.com/kasuganosora/objstore/changeset"
	"github.com/kasuganosora/objstore/deepchange"
	"github.com/kasuganosora/objstore/indexset"
	"github.com/kasuganosora/objstore/storageengine"
	"github.com/kasuganosora/objstore/txlog"
)

// ListHandle is the external collaborator a ListNotifier observes: one
// link-list column of one row of one table.
type ListHandle interface {
	TableNdx() uint64
	Row() uint64
	Col() uint64

	// LinkTargetTable is the table the list's entries point into.
	LinkTargetTable() uint64

	// Alive reports whether the row owning this list still exists as of
	// snap. Once false, the list notifier reports its entire previous
	// contents as removed and goes quiescent.
	Alive(snap storageengine.Snapshot) bool

	// Rows returns the list's current entries (target row identities), in
	// list order, as of snap.
	Rows(snap storageengine.Snapshot) []uint64
}

// ListNotifier computes the changeset for one observed link list: which
// positions were inserted, removed, moved, or now point at a row that was
// itself (transitively) modified, per spec.md §4.3's ListNotifier.run
// algorithm.
type ListNotifier struct {
	*Base

	list ListHandle

	schema  deepchange.SchemaGraph
	rowsFor RowReaderFunc

	wantsBackgroundUpdates bool

	snap     storageengine.Snapshot
	listInfo *txlog.ListChangeInfo

	prevSize uint64
}

// NewListNotifier constructs a ListNotifier bound to thread, observing
// list. Related tables are rooted at the list's link target table, not
// its origin table, since that is what the deep-change checker needs to
// walk to tell whether an unmoved entry's target row changed.
func NewListNotifier(thread storageengine.ThreadID, list ListHandle, schema deepchange.SchemaGraph, rowsFor RowReaderFunc) *ListNotifier {
	n := &ListNotifier{list: list, schema: schema, rowsFor: rowsFor}
	n.Base = NewBase(n, thread, list.LinkTargetTable(), schema)
	return n
}

// SetWantsBackgroundUpdates mirrors ResultsNotifier.SetWantsBackgroundUpdates.
func (n *ListNotifier) SetWantsBackgroundUpdates(want bool) {
	n.wantsBackgroundUpdates = want
}

func (n *ListNotifier) doAttachTo(snap storageengine.Snapshot) error {
	n.snap = snap
	return nil
}

func (n *ListNotifier) doDetachFrom(storageengine.Snapshot) {
	n.snap = nil
	n.listInfo = nil
}

// doAddRequiredChangeInfo registers a ListChangeInfo so the parser fills
// its Changes in directly as it replays link-list mutations against this
// list, unless the origin row is already gone, in which case there is
// nothing further for the parser to track.
func (n *ListNotifier) doAddRequiredChangeInfo(info *txlog.TransactionChangeInfo) bool {
	if n.snap == nil || !n.list.Alive(n.snap) {
		n.listInfo = nil
		return false
	}
	n.listInfo = info.AddList(n.list.TableNdx(), n.list.Row(), n.list.Col())
	return true
}

func (n *ListNotifier) doPrepareHandover() {}

func (n *ListNotifier) doDeliver(storageengine.Snapshot) bool { return true }

// Run either emits a one-time full-removal changeset once the list's
// owning row has been deleted, or walks the list's current contents and
// marks as modified every entry not already recorded as such whose
// target row changed, directly or transitively.
func (n *ListNotifier) Run(info *txlog.TransactionChangeInfo) {
	if !n.HaveCallbacks() && !n.wantsBackgroundUpdates {
		return
	}

	if n.snap == nil || !n.list.Alive(n.snap) {
		if n.prevSize != 0 {
			b := changeset.NewBuilder(indexset.New(), indexset.New(), indexset.New(), nil)
			b.Deletions.Set(n.prevSize)
			n.AddChanges(b)
			n.prevSize = 0
		}
		return
	}

	changes := n.listInfo.Changes
	if changes == nil {
		changes = changeset.NewBuilder(indexset.New(), indexset.New(), indexset.New(), nil)
	}

	rows := n.list.Rows(n.snap)
	if n.rowsFor != nil && n.schema != nil {
		checker := deepchange.NewModificationChecker(changeInfoFor(info), n.RelatedTables(), n.schema, n.rowsFor(n.snap), n.RootTable())

		for i := range rows {
			idx := uint64(i)
			if changes.Modifications.Contains(idx) {
				continue
			}
			if checker(rows[i]) {
				changes.Modify(idx)
			}
		}

		// A move's destination may itself be a row that changed; the scan
		// above only consulted entries the parser didn't already flag, so
		// recheck every move destination explicitly.
		for _, m := range changes.Moves {
			if int(m.To) < len(rows) && checker(rows[m.To]) {
				changes.Modify(m.To)
			}
		}
	}

	n.AddChanges(changes)
	n.prevSize = uint64(len(rows))
}
