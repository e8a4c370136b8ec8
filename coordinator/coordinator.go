// Package coordinator implements the per-database-path singleton that owns
// every registered notifier, runs the background worker that advances them,
// and fans out commit notifications across processes. It is the Go analogue
// of RealmCoordinator: a weak-by-path cache of one Coordinator per
// canonicalized database path, kept alive by its open snapshots and
// registered notifiers.
package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasuganosora/objstore/bgworker"
	"github.com/kasuganosora/objstore/deepchange"
	"github.com/kasuganosora/objstore/notifier"
	"github.com/kasuganosora/objstore/objerr"
	"github.com/kasuganosora/objstore/storageengine"
	"github.com/kasuganosora/objstore/txlog"
	"github.com/kasuganosora/objstore/wakechannel"
)

// WorkerThreadID is the reserved ThreadID the coordinator's own background
// snapshot is opened against. It never matches a real delivery thread's ID,
// which callers are expected to allocate from non-negative space.
const WorkerThreadID storageengine.ThreadID = -1

// PlatformLoop is the event-loop collaborator each delivery thread installs
// with the coordinator so it can be signalled that new deliveries are ready
// to process. Wake must not block; the loop it wakes is responsible for
// calling Coordinator.ProcessDeliveries on its own thread.
type PlatformLoop interface {
	Wake(thread storageengine.ThreadID)
}

// Config mirrors the subset of database-open configuration the coordinator
// must validate for compatibility across every caller sharing one path, per
// spec.md §4.4's snapshot-cache responsibility.
type Config struct {
	ReadOnly      bool
	InMemory      bool
	EncryptionKey []byte
	SchemaVersion uint64
}

func (a Config) compatibleWith(b Config) error {
	if a.ReadOnly != b.ReadOnly {
		return objerr.New(objerr.SchemaMismatch, "database already opened with different read-only setting")
	}
	if a.InMemory != b.InMemory {
		return objerr.New(objerr.SchemaMismatch, "database already opened with different in-memory setting")
	}
	if string(a.EncryptionKey) != string(b.EncryptionKey) {
		return objerr.New(objerr.SchemaMismatch, "database already opened with a different encryption key")
	}
	if a.SchemaVersion != b.SchemaVersion {
		return objerr.New(objerr.SchemaMismatch, "database already opened with a different schema version")
	}
	return nil
}

// Handle is the owning reference a client holds to one registered notifier.
// Its Close cancels the notifier; per spec.md §9 a higher-level facade is
// expected to give the token returned by AddCallback atomic, any-thread-safe
// cancellation semantics, but Close/AddCallback/RemoveCallback here are
// already safe to call from any thread since they only ever touch the
// notifier's own mutex-guarded state.
type Handle struct {
	c *Coordinator
	n notifier.Notifier
}

// AddCallback registers fn against the underlying notifier.
func (h *Handle) AddCallback(fn notifier.ChangeCallback) notifier.Token {
	return h.n.AddCallback(fn)
}

// RemoveCallback removes a previously registered callback.
func (h *Handle) RemoveCallback(t notifier.Token) {
	h.n.RemoveCallback(t)
}

// Close unregisters the underlying notifier. It is safe to call more than
// once and safe to call from any thread.
func (h *Handle) Close() error {
	h.n.Unregister()
	return nil
}

// Coordinator is the per-path singleton owning the notifier registry, the
// background worker, and the cross-process commit channel.
type Coordinator struct {
	id     string
	path   string
	config Config
	engine storageengine.Engine
	schema deepchange.SchemaGraph
	rowsFor notifier.RowReaderFunc
	logger  *zap.Logger

	platform PlatformLoop

	mu        sync.Mutex // registry lock: guards notifiers and the snapshot cache
	notifiers []notifier.Notifier
	snapshots map[storageengine.ThreadID]storageengine.Snapshot

	workerSnap storageengine.Snapshot
	tableSizes map[int]uint64

	worker *bgworker.Worker
	wake   *wakechannel.Channel
}

// Params bundles the collaborators GetCoordinator needs beyond the path and
// Config, so a coordinator can be constructed without importing a concrete
// storage engine from this package.
type Params struct {
	Engine   storageengine.Engine
	Schema   deepchange.SchemaGraph
	RowsFor  notifier.RowReaderFunc
	Platform PlatformLoop
	Logger   *zap.Logger
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Coordinator{}
)

// GetCoordinator returns the coordinator for path, creating it from params
// and cfg if none exists yet. A request against an already-open path whose
// Config is incompatible fails with objerr.SchemaMismatch.
func GetCoordinator(path string, cfg Config, params Params) (*Coordinator, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if c, ok := registry[path]; ok {
		if err := c.config.compatibleWith(cfg); err != nil {
			return nil, err
		}
		return c, nil
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New().String()
	c := &Coordinator{
		id:        id,
		path:      path,
		config:    cfg,
		engine:    params.Engine,
		schema:    params.Schema,
		rowsFor:   params.RowsFor,
		platform:  params.Platform,
		logger:    logger.With(zap.String("db_path", path), zap.String("coordinator_id", id)),
		snapshots: make(map[storageengine.ThreadID]storageengine.Snapshot),
	}

	if !cfg.ReadOnly {
		ch, err := wakechannel.Open(path, c.onExternalChange)
		if err != nil {
			return nil, err
		}
		c.wake = ch
	}

	c.worker = bgworker.New(bgworker.Config{Run: c.runCycle})
	if err := c.worker.Start(); err != nil {
		return nil, err
	}

	registry[path] = c
	return c, nil
}

// GetExistingCoordinator returns the coordinator already open for path, or
// nil if none is cached.
func GetExistingCoordinator(path string) *Coordinator {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[path]
}

// ClearCache closes and forgets every cached coordinator. Intended for test
// teardown only.
func ClearCache() {
	registryMu.Lock()
	cs := make([]*Coordinator, 0, len(registry))
	for _, c := range registry {
		cs = append(cs, c)
	}
	registry = map[string]*Coordinator{}
	registryMu.Unlock()

	for _, c := range cs {
		c.Close()
	}
}

// Path returns the canonicalized database path this coordinator was opened
// for.
func (c *Coordinator) Path() string { return c.path }

// ID returns the random identifier minted for this coordinator when it was
// first constructed, stable for its lifetime and attached as coordinator_id
// to every log line the coordinator's logger emits (notifiers do not log).
// Useful for telling apart several coordinators sharing one log stream.
func (c *Coordinator) ID() string { return c.id }

// Engine returns the storage engine this coordinator was constructed with,
// so a facade layer that opened it (e.g. objstore.ForPath) can commit
// writes directly without having to track its own reference across a
// cache hit.
func (c *Coordinator) Engine() storageengine.Engine { return c.engine }

// OpenSnapshot returns the cached snapshot for thread, opening one against
// the engine's current version if this is the first request for that
// thread.
func (c *Coordinator) OpenSnapshot(ctx context.Context, thread storageengine.ThreadID) (storageengine.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap, ok := c.snapshots[thread]; ok {
		return snap, nil
	}
	snap, err := c.engine.OpenSnapshot(ctx, thread)
	if err != nil {
		return nil, err
	}
	c.snapshots[thread] = snap
	return snap, nil
}

// RegisterResultsNotifier registers query (optionally reordered by sort) for
// delivery on target, returning a Handle the caller uses to add callbacks
// and eventually cancel the notifier. tableOrder records whether the
// query's natural order already matches table order.
func (c *Coordinator) RegisterResultsNotifier(ctx context.Context, query notifier.Query, sort notifier.SortOrder, tableOrder bool, target storageengine.ThreadID) (*Handle, error) {
	n := notifier.NewResultsNotifier(target, query, sort, tableOrder, c.schema, c.rowsFor)
	return c.attachAndRegister(ctx, n)
}

// RegisterListNotifier registers list for delivery on target.
func (c *Coordinator) RegisterListNotifier(ctx context.Context, list notifier.ListHandle, target storageengine.ThreadID) (*Handle, error) {
	n := notifier.NewListNotifier(target, list, c.schema, c.rowsFor)
	return c.attachAndRegister(ctx, n)
}

func (c *Coordinator) attachAndRegister(ctx context.Context, n notifier.Notifier) (*Handle, error) {
	snap, err := c.ensureWorkerSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := n.AttachTo(snap); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.notifiers = append(c.notifiers, n)
	c.mu.Unlock()

	if c.worker != nil {
		c.worker.Wake()
	}
	return &Handle{c: c, n: n}, nil
}

func (c *Coordinator) ensureWorkerSnapshot(ctx context.Context) (storageengine.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workerSnap != nil {
		return c.workerSnap, nil
	}
	snap, err := c.engine.OpenSnapshot(ctx, WorkerThreadID)
	if err != nil {
		return nil, err
	}
	c.workerSnap = snap
	return snap, nil
}

// SendCommitNotifications wakes this coordinator's own worker and, unless
// the database is read-only, every other process with the same path open,
// per spec.md §4.4 item 5.
func (c *Coordinator) SendCommitNotifications() {
	c.worker.Wake()
	if c.wake != nil {
		_ = c.wake.Notify()
	}
}

// onExternalChange is the wakechannel.OnChange callback: another process (or
// this one) committed a write, so re-enter the worker.
func (c *Coordinator) onExternalChange() {
	c.worker.Wake()
}

// liveNotifiers returns a snapshot of the registry with dead entries pruned.
// It holds the registry lock while pruning and copying the slice; the
// IsAlive check takes each notifier's target lock under it, which follows
// the lock order in spec.md §5 (registry before target, never the reverse).
func (c *Coordinator) liveNotifiers() []notifier.Notifier {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.notifiers[:0]
	for _, n := range c.notifiers {
		if n.IsAlive() {
			kept = append(kept, n)
		}
	}
	c.notifiers = kept

	out := make([]notifier.Notifier, len(kept))
	copy(out, kept)
	return out
}

// runCycle is the bgworker.Task driving one worker run: build a fresh
// TransactionChangeInfo, let every live notifier declare what it needs,
// parse the log forward to the newest version, run every notifier, prepare
// its handover, then wake every delivery thread that might have something
// to pick up. This is spec.md §4.4 item 3's (a)-(d) sequence.
func (c *Coordinator) runCycle(ctx context.Context) {
	notifiers := c.liveNotifiers()
	if len(notifiers) == 0 {
		return
	}

	workerSnap, err := c.ensureWorkerSnapshot(ctx)
	if err != nil {
		c.logger.Error("open worker snapshot", zap.Error(err))
		return
	}

	target, err := c.engine.CurrentVersion(ctx)
	if err != nil {
		c.logger.Error("read current version", zap.Error(err))
		return
	}

	info := txlog.NewTransactionChangeInfo()
	for _, n := range notifiers {
		n.AddRequiredChangeInfo(info)
	}

	if target != workerSnap.Version() {
		parser := txlog.NewParser(info, c.tableSizes)
		if err := c.engine.Advance(ctx, workerSnap, target, parser); err != nil {
			c.logger.Error("advance worker snapshot", zap.Error(err), zap.Uint64("version", uint64(target)))
			return
		}
		parser.ParseComplete()
		c.tableSizes = parser.FinalTableSizes()
	}

	c.runAndHandover(notifiers, info, target)
	c.wakeDeliveryThreads(notifiers)
}

func (c *Coordinator) runAndHandover(notifiers []notifier.Notifier, info *txlog.TransactionChangeInfo, target storageengine.Version) {
	for _, n := range notifiers {
		if !n.IsAlive() {
			continue
		}
		n.Run(info)
		n.PrepareHandover(target)
	}
}

func (c *Coordinator) wakeDeliveryThreads(notifiers []notifier.Notifier) {
	if c.platform == nil {
		return
	}
	seen := make(map[storageengine.ThreadID]bool, len(notifiers))
	for _, n := range notifiers {
		t := n.Thread()
		if seen[t] {
			continue
		}
		seen[t] = true
		c.platform.Wake(t)
	}
}

// ProcessDeliveries is called by a delivery thread's own event loop once it
// observes the wake-up signal Wake sent it. It advances that thread's own
// snapshot to the latest version and delivers every notifier bound to it.
func (c *Coordinator) ProcessDeliveries(ctx context.Context, thread storageengine.ThreadID) error {
	snap, err := c.OpenSnapshot(ctx, thread)
	if err != nil {
		return err
	}

	target, err := c.engine.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if snap.Version() != target {
		if err := c.engine.Advance(ctx, snap, target, noopParser{}); err != nil {
			return err
		}
	}

	for _, n := range c.liveNotifiers() {
		if n.Thread() != thread {
			continue
		}
		if n.Deliver(snap) {
			n.CallCallbacks()
		}
	}
	return nil
}

// noopParser discards every replayed mutation; used when a delivery thread
// advances its own snapshot purely to reach the version a handover was
// prepared against; the actual change algebra was already computed on the
// worker's snapshot.
type noopParser struct{}

func (noopParser) SelectTable(int)                             {}
func (noopParser) InsertEmptyRows(int, uint64, uint64)          {}
func (noopParser) EraseRows(int, uint64, bool)                  {}
func (noopParser) ClearTable(int)                               {}
func (noopParser) SetValue(int, int, uint64, any)               {}
func (noopParser) SelectLinkList(int, int, uint64)              {}
func (noopParser) LinkListSet(uint64, uint64)                   {}
func (noopParser) LinkListInsert(uint64, uint64)                {}
func (noopParser) LinkListErase(uint64)                         {}
func (noopParser) LinkListNullify(uint64)                       {}
func (noopParser) LinkListSwap(uint64, uint64)                  {}
func (noopParser) LinkListMove(uint64, uint64)                  {}
func (noopParser) LinkListClear(uint64)                         {}
func (noopParser) SchemaChanged() error                         { return nil }

// Close stops the background worker and the commit wake channel, and closes
// every cached snapshot. It does not unregister this coordinator from the
// path registry; callers that want that should go through ClearCache.
func (c *Coordinator) Close() error {
	if c.worker != nil {
		c.worker.Close()
	}

	c.mu.Lock()
	snaps := make([]storageengine.Snapshot, 0, len(c.snapshots)+1)
	for _, s := range c.snapshots {
		snaps = append(snaps, s)
	}
	if c.workerSnap != nil {
		snaps = append(snaps, c.workerSnap)
	}
	c.snapshots = make(map[storageengine.ThreadID]storageengine.Snapshot)
	c.workerSnap = nil
	c.mu.Unlock()

	for _, s := range snaps {
		_ = s.Close()
	}

	if c.wake != nil {
		return c.wake.Close()
	}
	return nil
}
