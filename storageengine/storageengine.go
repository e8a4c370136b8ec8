// Package storageengine defines the boundary between the notification core
// and the underlying object database: versions, per-thread snapshots, and
// the transaction-log replay contract the worker uses to advance a snapshot
// without re-reading the whole table.
package storageengine

import "context"

// Version is an opaque, totally-ordered token minted on each write commit.
// Higher values are newer; the zero Version never corresponds to a real
// commit and is used as a not-yet-attached sentinel.
type Version uint64

// ThreadID identifies the delivery thread a Snapshot and its notifiers are
// affine to. The core never interprets its value beyond equality.
type ThreadID int64

// WriteSet is the set of mutations a caller wants applied in one commit. Its
// shape is entirely up to the concrete Engine; the core treats it opaquely.
type WriteSet interface{}

// Snapshot is an immutable, per-thread view of the database at a specific
// Version. A Snapshot is only ever read from or advanced by the thread that
// opened it.
type Snapshot interface {
	Version() Version
	Thread() ThreadID
	Close() error
}

// Engine is the storage-engine collaborator the coordinator and notifiers
// consume. Concrete engines (badgerengine.Engine) own the on-disk
// representation; this package only names the contract.
type Engine interface {
	// CurrentVersion reports the newest committed Version visible to new
	// snapshots.
	CurrentVersion(ctx context.Context) (Version, error)

	// OpenSnapshot opens a new Snapshot pinned at the current version for
	// the given thread.
	OpenSnapshot(ctx context.Context, thread ThreadID) (Snapshot, error)

	// Advance replays the transaction log between snap's current version
	// and target into parser, then repins snap at target. Replaying a log
	// entry that contains a schema-mutating operation must not happen:
	// LogParser.SchemaChanged is called instead and Advance returns the
	// error it reports, so the caller can force a full reload.
	Advance(ctx context.Context, snap Snapshot, target Version, parser LogParser) error

	// Commit applies writes against snap's current view and returns the
	// newly minted Version. Commit does not advance snap itself.
	Commit(ctx context.Context, snap Snapshot, writes WriteSet) (Version, error)
}

// LogParser receives one replayed transaction's worth of mutations in the
// order the engine recorded them. It mirrors realm's TransactLogParser
// binding: select_table/select_link_list pick the target of subsequent
// calls, mutating calls apply to whichever table or link list was most
// recently selected.
type LogParser interface {
	SelectTable(tableIndex int)
	InsertEmptyRows(tableIndex int, at, n uint64)
	EraseRows(tableIndex int, at uint64, ordered bool)
	ClearTable(tableIndex int)
	SetValue(tableIndex int, col int, row uint64, value any)

	SelectLinkList(tableIndex int, col int, row uint64)
	LinkListSet(idx uint64, target uint64)
	LinkListInsert(idx uint64, target uint64)
	LinkListErase(idx uint64)
	LinkListNullify(idx uint64)
	LinkListSwap(i, j uint64)
	LinkListMove(from, to uint64)
	LinkListClear(oldSize uint64)

	// SchemaChanged is called in place of any schema-mutating log entry
	// (add/remove table, add/remove column, and so on). A parser that
	// cannot tolerate schema changes mid-replay should return an error the
	// caller recognizes via objerr.ErrLogParse so Advance aborts and the
	// caller re-reads the whole snapshot instead of trusting the partial
	// replay.
	SchemaChanged() error
}
