package notifier

import (
	"github.com/kasuganosora/objstore/changeset"
	"github.com/kasuganosora/objstore/deepchange"
	"github.com/kasuganosora/objstore/objerr"
	"github.com/kasuganosora/objstore/storageengine"
	"github.com/kasuganosora/objstore/txlog"
)

// Query is the external collaborator a ResultsNotifier re-runs on the
// worker's pinned snapshot each cycle. Sync returns the root table's
// matching row identities in the query's natural (table) order.
type Query interface {
	RootTable() uint64
	Sync(snap storageengine.Snapshot) ([]uint64, error)
}

// SortOrder reorders the rows Query.Sync produced. A ResultsNotifier with
// a nil SortOrder is left in table order.
type SortOrder interface {
	Sort(snap storageengine.Snapshot, rows []uint64) ([]uint64, error)
}

// RowReaderFunc binds a snapshot to the deepchange.RowReader a
// modification checker reads link columns through. The typed object
// accessors that implement this are a named external collaborator
// (spec.md §1) this package never constructs itself.
type RowReaderFunc func(snap storageengine.Snapshot) deepchange.RowReader

// ResultsNotifier computes the changeset between a query's previous and
// current result sequence, accounting for rows modified in place, moved,
// inserted, or removed, per spec.md §4.3's ResultsNotifier.run algorithm.
type ResultsNotifier struct {
	*Base

	query      Query
	sort       SortOrder
	tableOrder bool

	schema  deepchange.SchemaGraph
	rowsFor RowReaderFunc

	wantsBackgroundUpdates bool

	snap storageengine.Snapshot

	initialRunComplete bool
	previousRows       []uint64
	viewVersion        storageengine.Version
}

// NewResultsNotifier constructs a ResultsNotifier bound to thread, over
// query (optionally reordered by sort). tableOrder records whether the
// query's own result order already matches table order — combined with
// sort==nil this selects the cheap single-pass move detector in
// changeset.Calculate instead of the general LCS path. schema and rowsFor
// are used to build the per-cycle modification checker for rows the
// query itself didn't directly touch but that changed transitively
// through a link.
func NewResultsNotifier(thread storageengine.ThreadID, query Query, sort SortOrder, tableOrder bool, schema deepchange.SchemaGraph, rowsFor RowReaderFunc) *ResultsNotifier {
	r := &ResultsNotifier{
		query:      query,
		sort:       sort,
		tableOrder: tableOrder,
		schema:     schema,
		rowsFor:    rowsFor,
	}
	r.Base = NewBase(r, thread, query.RootTable(), schema)
	return r
}

// SetWantsBackgroundUpdates opts this notifier into running even while it
// has no callbacks, so a client holding the live results open (but not
// yet subscribed) always sees an up to date view once it does subscribe.
func (r *ResultsNotifier) SetWantsBackgroundUpdates(want bool) {
	r.wantsBackgroundUpdates = want
}

func (r *ResultsNotifier) doAttachTo(snap storageengine.Snapshot) error {
	r.snap = snap
	return nil
}

func (r *ResultsNotifier) doDetachFrom(storageengine.Snapshot) {
	r.snap = nil
}

// doAddRequiredChangeInfo always marks the root table as needing
// move-tracking (move tracking is unconditional: skipping it on a cycle
// where the notifier happens not to need it yet would leave a later
// cycle's diff unable to tell a move from a delete+insert), but only
// requests the wider related-table modification info once an initial
// run has produced a previous_rows to diff against and somebody is still
// listening.
func (r *ResultsNotifier) doAddRequiredChangeInfo(info *txlog.TransactionChangeInfo) bool {
	info.TableMovesNeeded[int(r.RootTable())] = true
	return r.initialRunComplete && r.HaveCallbacks()
}

func (r *ResultsNotifier) doPrepareHandover() {}

// doDeliver reports whether an initial run has completed; until then
// there is nothing meaningful to hand over, and Deliver bails out
// without advancing state, per spec.md §4.3 item (d).
func (r *ResultsNotifier) doDeliver(storageengine.Snapshot) bool {
	return r.initialRunComplete
}

// needToRun implements spec.md's "if no target thread has expressed
// interest ... skip" plus the version-unchanged skip once an initial run
// has already produced a result for the snapshot's current version.
func (r *ResultsNotifier) needToRun() bool {
	if !r.HaveCallbacks() && !r.wantsBackgroundUpdates {
		return false
	}
	if r.initialRunComplete && r.snap != nil && r.snap.Version() == r.viewVersion {
		return false
	}
	return true
}

// Run re-synchronizes the query against the attached snapshot, applies
// the sort order if any, and diffs the new row sequence against the
// previous one.
func (r *ResultsNotifier) Run(info *txlog.TransactionChangeInfo) {
	if !r.needToRun() {
		return
	}

	rows, err := r.query.Sync(r.snap)
	if err != nil {
		r.latchError(objerr.Wrap(objerr.QueryExecution, "results query sync failed", err))
		return
	}
	if r.sort != nil {
		rows, err = r.sort.Sort(r.snap, rows)
		if err != nil {
			r.latchError(objerr.Wrap(objerr.QueryExecution, "results sort failed", err))
			return
		}
	}

	r.calculateChanges(info, rows)
	r.initialRunComplete = true
	r.previousRows = append(r.previousRows[:0], rows...)
	if r.snap != nil {
		r.viewVersion = r.snap.Version()
	}
}

// calculateChanges remaps the previous result rows through the parsed
// table's moves and deletions, then diffs against the freshly
// materialized rows. On the very first run there is nothing to diff
// against, so previous_rows is simply seeded.
func (r *ResultsNotifier) calculateChanges(info *txlog.TransactionChangeInfo, nextRows []uint64) {
	if !r.initialRunComplete {
		return
	}

	remapped := make([]uint64, len(r.previousRows))
	copy(remapped, r.previousRows)
	if builder, ok := info.Tables[int(r.RootTable())]; ok {
		for i, rowIdx := range remapped {
			if to, moved := findMoveDestination(builder.Moves, rowIdx); moved {
				remapped[i] = to
				continue
			}
			if builder.Deletions.Contains(rowIdx) {
				remapped[i] = changeset.NPos
			}
		}
	}

	checker := func(uint64) bool { return false }
	if r.rowsFor != nil && r.schema != nil {
		checker = deepchange.NewModificationChecker(changeInfoFor(info), r.RelatedTables(), r.schema, r.rowsFor(r.snap), r.RootTable())
	}

	changes := changeset.Calculate(remapped, nextRows, checker, r.tableOrder && r.sort == nil)
	r.AddChanges(changes)
}

// findMoveDestination scans moves (typically small: one per row
// relocated in a single transaction window) for an entry whose source is
// from, returning its destination.
func findMoveDestination(moves []changeset.Move, from uint64) (uint64, bool) {
	for _, m := range moves {
		if m.From == from {
			return m.To, true
		}
	}
	return 0, false
}
