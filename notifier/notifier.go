// Package notifier implements the per-collection notifier pipeline: a
// state machine coordinating a background-thread computation
// (attach_to/add_required_change_info/run/prepare_handover) with a
// foreground-thread delivery handshake (deliver/call_callbacks) across
// snapshot versions, plus the callback registry shared by every notifier
// kind.
package notifier

import (
	"sync"
	"sync/atomic"

	"github.com/kasuganosora/objstore/changeset"
	"github.com/kasuganosora/objstore/deepchange"
	"github.com/kasuganosora/objstore/indexset"
	"github.com/kasuganosora/objstore/storageengine"
	"github.com/kasuganosora/objstore/txlog"
)

// ChangeCallback is invoked on the delivery thread with the ChangeSet a
// notifier computed for one snapshot advance, or a non-nil error if the
// worker failed to compute it.
type ChangeCallback func(changeset.ChangeSet, error)

// Token identifies one registered callback so it can later be removed.
type Token uint64

// State names the notifier's position in the state machine described by
// spec.md.
type State int

const (
	Registered State = iota
	Attached
	HasResult
	Handover
	Delivered
	Terminal
)

type callbackEntry struct {
	fn               ChangeCallback
	token            Token
	initialDelivered bool
}

// Notifier is the interface the Coordinator drives every registered
// notifier through, regardless of kind.
type Notifier interface {
	Thread() storageengine.ThreadID
	RootTable() uint64

	SetRelatedTables(schema deepchange.SchemaGraph)

	AttachTo(snap storageengine.Snapshot) error
	AddRequiredChangeInfo(info *txlog.TransactionChangeInfo)
	Run(info *txlog.TransactionChangeInfo)
	PrepareHandover(version storageengine.Version)
	Detach()

	Deliver(snap storageengine.Snapshot) bool
	CallCallbacks()

	AddCallback(fn ChangeCallback) Token
	RemoveCallback(token Token)
	Unregister()
	IsAlive() bool
	HaveCallbacks() bool
}

// delegate is implemented by each concrete notifier kind (ResultsNotifier,
// ListNotifier) and driven by Base through the hooks the state machine
// calls at each transition. doDeliver reports whether the notifier is
// ready to deliver at all (false only for a ResultsNotifier whose initial
// run has not yet completed); Base.Deliver treats false exactly like its
// other deliver-time failure checks, bailing out without advancing state.
type delegate interface {
	doAddRequiredChangeInfo(info *txlog.TransactionChangeInfo) bool
	doPrepareHandover()
	doAttachTo(snap storageengine.Snapshot) error
	doDetachFrom(snap storageengine.Snapshot)
	doDeliver(snap storageengine.Snapshot) bool
}

// Base implements everything spec.md's notifier pipeline specifies that
// does not vary by notifier kind: the callback registry with its
// re-entrant-safe cursor dispatch, the target liveness check, the
// related-tables cache, and the deliver() handshake including the
// modifications/insertions/deletions coordinate fixup. Concrete notifier
// kinds embed a *Base and supply the delegate hooks for the parts that do
// vary (query execution, list traversal, handover payload).
type Base struct {
	delegate delegate

	thread    storageengine.ThreadID
	rootTable uint64
	schema    deepchange.SchemaGraph

	targetMu sync.Mutex
	alive    bool

	state State

	relatedTables []deepchange.RelatedTable

	callbackMu    sync.Mutex
	callbacks     []callbackEntry
	callbackIndex int
	nextToken     Token
	haveCallbacks atomic.Bool

	handoverVersion storageengine.Version

	accumulated      *changeset.Builder
	changesToDeliver changeset.ChangeSet
	err              error
}

// npos is the callback cursor's "not currently dispatching" sentinel,
// named after the original's std::vector::size_type equivalent.
const npos = -1

// NewBase constructs a Base for a notifier rooted at table, bound to
// thread. d is the concrete notifier providing the delegate hooks; schema
// is used to compute the initial related-tables set.
func NewBase(d delegate, thread storageengine.ThreadID, table uint64, schema deepchange.SchemaGraph) *Base {
	b := &Base{
		delegate:      d,
		thread:        thread,
		rootTable:     table,
		schema:        schema,
		alive:         true,
		callbackIndex: npos,
		accumulated:   changeset.NewBuilder(indexset.New(), indexset.New(), indexset.New(), nil),
	}
	if schema != nil {
		b.relatedTables = deepchange.FindRelatedTables(schema, table)
	}
	return b
}

func (b *Base) Thread() storageengine.ThreadID { return b.thread }
func (b *Base) RootTable() uint64              { return b.rootTable }

// RelatedTables returns the tables reachable from RootTable via outgoing
// links, as last computed by SetRelatedTables.
func (b *Base) RelatedTables() []deepchange.RelatedTable { return b.relatedTables }

// SetRelatedTables recomputes the related-tables cache against schema.
// Callers must invoke this whenever a schema change was observed between
// the notifier's previous and current snapshot (spec.md §9's "stable
// table identity across schema evolution" note): table indices may have
// been renumbered, so the old cache cannot simply be reused.
func (b *Base) SetRelatedTables(schema deepchange.SchemaGraph) {
	b.schema = schema
	b.relatedTables = deepchange.FindRelatedTables(schema, b.rootTable)
}

// IsAlive reports whether the notifier's target collection is still
// present, under the target lock.
func (b *Base) IsAlive() bool {
	b.targetMu.Lock()
	defer b.targetMu.Unlock()
	return b.alive
}

// Unregister marks the target collection gone. Safe to call from any
// thread; observed by the next worker run via IsAlive, and by the next
// Deliver, which then discards any in-flight handover for this notifier.
func (b *Base) Unregister() {
	b.targetMu.Lock()
	b.alive = false
	b.targetMu.Unlock()
	b.state = Terminal
}

// AttachTo binds the notifier to the worker's pinned snapshot, moving it
// from Registered to Attached.
func (b *Base) AttachTo(snap storageengine.Snapshot) error {
	if err := b.delegate.doAttachTo(snap); err != nil {
		return err
	}
	b.state = Attached
	return nil
}

// Detach releases whatever the delegate attached, returning the notifier
// to Registered.
func (b *Base) Detach() {
	b.delegate.doDetachFrom(nil)
	b.state = Registered
}

// AddRequiredChangeInfo asks the delegate whether this notifier needs
// anything from the upcoming transaction parse, and if so records its
// root table plus every related table as needing modification tracking.
func (b *Base) AddRequiredChangeInfo(info *txlog.TransactionChangeInfo) {
	if !b.delegate.doAddRequiredChangeInfo(info) {
		return
	}
	for _, rt := range b.relatedTables {
		info.TablesNeeded[int(rt.TableIndex)] = true
	}
}

// AddChanges merges c into the notifier's accumulated, not-yet-delivered
// changes. Concrete notifiers call this from their Run implementation
// once they've computed the changes for the cycle just parsed; repeated
// calls across worker runs that happen before a successful delivery
// coalesce via Builder.Merge, matching spec.md §5's "multiple worker runs
// coalesce into accumulated_changes via merge until a successful
// delivery flushes it".
func (b *Base) AddChanges(c *changeset.Builder) {
	b.accumulated.Merge(c)
	b.state = HasResult
}

// PrepareHandover packs the notifier's accumulated state for delivery at
// version, moving it from HasResult to Handover.
func (b *Base) PrepareHandover(version storageengine.Version) {
	b.handoverVersion = version
	b.delegate.doPrepareHandover()
	b.state = Handover
}

// Deliver attempts to move the notifier from Handover to Delivered. It
// fails without advancing state if the target is gone, snap is not bound
// to this notifier's thread, snap's version does not match the pending
// handover version, or the delegate reports it isn't ready (a
// ResultsNotifier whose initial run hasn't completed). On success it
// performs the delivery-time coordinate fixup (spec.md §9's resolved
// Open Question: modifications are tracked in post-transition
// coordinates throughout, then at delivery first have insertion indices
// erased out of them, then are shifted to account for the deletions the
// callback will see applied first) and reports whether any callback is
// registered; CallCallbacks then decides which of them are owed a call.
func (b *Base) Deliver(snap storageengine.Snapshot) bool {
	if !b.IsAlive() {
		return false
	}
	if snap.Thread() != b.thread {
		return false
	}

	if b.err != nil {
		return b.HaveCallbacks()
	}

	if snap.Version() != b.handoverVersion {
		return false
	}

	if !b.delegate.doDeliver(snap) {
		return false
	}

	b.changesToDeliver = b.accumulated.ChangeSet
	b.accumulated = changeset.NewBuilder(indexset.New(), indexset.New(), indexset.New(), nil)

	b.changesToDeliver.Modifications.EraseSet(b.changesToDeliver.Insertions)
	b.changesToDeliver.Modifications.ShiftForInsertAtSet(b.changesToDeliver.Deletions)

	b.state = Delivered
	return b.HaveCallbacks()
}

// latchError records a worker-side failure so the next CallCallbacks
// delivers it exactly once and then drops every callback, per spec.md
// §7's QueryExecution/LogParse policy.
func (b *Base) latchError(err error) {
	b.err = err
	b.state = Handover
}

// AddCallback registers fn and returns a Token identifying it. The new
// callback's initial_delivered flag starts false so it receives one
// initial call on the next delivery even if the accumulated change set
// is empty; a callback added while CallCallbacks is running gets that
// call on the following delivery, not during the current pass.
func (b *Base) AddCallback(fn ChangeCallback) Token {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()

	token := b.nextToken
	b.nextToken++
	b.callbacks = append(b.callbacks, callbackEntry{fn: fn, token: token})
	b.haveCallbacks.Store(true)
	return token
}

// RemoveCallback unregisters the callback identified by token. Safe to
// call from any thread, including re-entrantly from within a callback
// currently being invoked by CallCallbacks: the cursor is adjusted so a
// removal at or before it does not skip or repeat another callback.
func (b *Base) RemoveCallback(token Token) {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()

	for i, c := range b.callbacks {
		if c.token != token {
			continue
		}
		if b.callbackIndex != npos && b.callbackIndex >= i {
			b.callbackIndex--
		}
		b.callbacks = append(b.callbacks[:i], b.callbacks[i+1:]...)
		break
	}
	b.haveCallbacks.Store(len(b.callbacks) > 0)
}

// HaveCallbacks reports, via a lock-free flag that may lag one update
// behind the true callback count, whether any callback is registered.
// spec.md §5 requires this: run() must know whether to bother computing
// changes without taking the callback lock, to avoid a lock-order
// inversion with call_callbacks holding it across user code.
func (b *Base) HaveCallbacks() bool { return b.haveCallbacks.Load() }

// nextCallback advances the dispatch cursor and returns the next
// callback entitled to a call: one that has never been delivered to, or
// one the latest change set is non-empty for, or any callback at all
// when an error is pending. It returns ok=false once the cursor has
// walked off the end, at which point it resets to npos.
func (b *Base) nextCallback() (fn ChangeCallback, token Token, ok bool) {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()

	empty := b.changesToDeliver.Empty()
	for {
		b.callbackIndex++
		if b.callbackIndex >= len(b.callbacks) {
			b.callbackIndex = npos
			return nil, 0, false
		}
		entry := &b.callbacks[b.callbackIndex]
		if entry.initialDelivered && empty && b.err == nil {
			continue
		}
		entry.initialDelivered = true
		return entry.fn, entry.token, true
	}
}

// CallCallbacks dispatches the changes prepared by the last successful
// Deliver to every callback entitled to one, holding the callback mutex
// only while advancing the cursor — never while the callback itself
// runs — so a callback may add or remove callbacks (including itself)
// without deadlocking. If an error was latched, every callback is
// invoked once with it and then the callback list is cleared so nothing
// fires again afterwards.
func (b *Base) CallCallbacks() {
	b.callbackMu.Lock()
	firstNew := b.nextToken
	b.callbackMu.Unlock()
	for {
		fn, token, ok := b.nextCallback()
		if !ok {
			break
		}
		if token >= firstNew {
			// Added during this pass: its initial call waits for the next delivery.
			b.callbackMu.Lock()
			for i := range b.callbacks {
				if b.callbacks[i].token == token {
					b.callbacks[i].initialDelivered = false
				}
			}
			b.callbackMu.Unlock()
			continue
		}
		fn(b.changesToDeliver, b.err)
	}

	if b.err != nil {
		b.callbackMu.Lock()
		b.callbacks = nil
		b.haveCallbacks.Store(false)
		b.callbackMu.Unlock()
	}

	b.state = Attached
}

// changeInfoFor adapts a txlog.TransactionChangeInfo (sparse, keyed by
// whichever table indices some notifier declared as needed) into the
// dense per-table slice deepchange.ChangeInfo expects.
func changeInfoFor(info *txlog.TransactionChangeInfo) deepchange.ChangeInfo {
	maxTable := -1
	for t := range info.Tables {
		if t > maxTable {
			maxTable = t
		}
	}
	tables := make([]deepchange.TableChangeInfo, maxTable+1)
	for t, b := range info.Tables {
		tables[t] = deepchange.TableChangeInfo{Modifications: b.Modifications}
	}
	return deepchange.ChangeInfo{Tables: tables}
}
