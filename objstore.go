// Package objstore is the public facade over the notification engine: one
// Coordinator per database path, opened with ForPath, vends Snapshots and
// registers ResultsNotifiers/ListNotifiers whose callbacks fire on
// whichever thread the caller registered them against. Every type this
// package exposes is a thin wrapper over coordinator/notifier/storageengine
// so a caller never has to import those packages directly.
package objstore

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kasuganosora/objstore/badgerengine"
	"github.com/kasuganosora/objstore/changeset"
	"github.com/kasuganosora/objstore/coordinator"
	"github.com/kasuganosora/objstore/deepchange"
	"github.com/kasuganosora/objstore/notifier"
	"github.com/kasuganosora/objstore/storageengine"
)

// ThreadID identifies one delivery thread's snapshot and notifier
// registrations, per storageengine.ThreadID.
type ThreadID = storageengine.ThreadID

// Query, SortOrder, ListHandle and RowReaderFunc are the external
// collaborators a caller implements to describe what a notifier watches;
// see the notifier package for their contracts.
type (
	Query          = notifier.Query
	SortOrder      = notifier.SortOrder
	ListHandle     = notifier.ListHandle
	RowReaderFunc  = notifier.RowReaderFunc
	ChangeCallback = notifier.ChangeCallback
	SchemaGraph    = deepchange.SchemaGraph
	Token          = notifier.Token
	ChangeSet      = changeset.ChangeSet
)

// PlatformLoop is the event-loop hook a caller installs so the Coordinator
// can signal a delivery thread that ProcessDeliveries has work ready, per
// spec.md §6's "platform event loop is scoped out of the core, just the
// hook to it is not".
type PlatformLoop = coordinator.PlatformLoop

// Config carries the subset of database-open configuration every caller
// sharing a path must agree on, plus the collaborators ForPath needs to
// open a badgerengine.Engine and wire a Coordinator around it.
type Config struct {
	ReadOnly      bool
	InMemory      bool
	EncryptionKey []byte
	SchemaVersion uint64

	// Schema resolves link columns for the deep-change modification
	// checker; nil disables transitive modification tracking entirely
	// (direct row changes are still reported).
	Schema SchemaGraph
	// RowsFor binds a snapshot to the deepchange.RowReader the checker
	// reads link values through. Required when Schema is non-nil.
	RowsFor RowReaderFunc
	// Platform wakes delivery threads once the worker has something
	// ready. A nil Platform means callers must poll ProcessDeliveries
	// themselves.
	Platform PlatformLoop

	Logger *zap.Logger
}

// DefaultConfig returns a writable, unencrypted, on-disk Config with no
// schema graph wired in.
func DefaultConfig() Config {
	return Config{}
}

// Coordinator is the per-path handle to the notification engine: the
// badger-backed storageengine.Engine this process opened for path, plus
// the coordinator.Coordinator driving the advance-and-notify cycle over
// it.
type Coordinator struct {
	engine *badgerengine.Engine
	inner  *coordinator.Coordinator
}

// ForPath opens (or returns the already-open, cache-shared) Coordinator for
// path. A second call against a path already open under an incompatible
// Config fails with objerr.ErrSchemaMismatch.
//
// A call that hits the cache never opens a second badger.DB handle against
// path — doing so would either deadlock on badger's directory lock (an
// on-disk database) or silently construct an unrelated, disconnected
// database (an in-memory one) — it reuses the engine the coordinator
// already holds instead.
func ForPath(path string, cfg Config) (*Coordinator, error) {
	ccfg := coordinator.Config{
		ReadOnly:      cfg.ReadOnly,
		InMemory:      cfg.InMemory,
		EncryptionKey: cfg.EncryptionKey,
		SchemaVersion: cfg.SchemaVersion,
	}

	if existing := coordinator.GetExistingCoordinator(path); existing != nil {
		inner, err := coordinator.GetCoordinator(path, ccfg, coordinator.Params{})
		if err != nil {
			return nil, err
		}
		engine, _ := inner.Engine().(*badgerengine.Engine)
		return &Coordinator{engine: engine, inner: inner}, nil
	}

	bcfg := badgerengine.Config{
		DataDir:       path,
		InMemory:      cfg.InMemory,
		ReadOnly:      cfg.ReadOnly,
		EncryptionKey: cfg.EncryptionKey,
		Logger:        cfg.Logger,
	}
	engine, err := badgerengine.Open(bcfg)
	if err != nil {
		return nil, err
	}

	inner, err := coordinator.GetCoordinator(path, ccfg, coordinator.Params{
		Engine:   engine,
		Schema:   cfg.Schema,
		RowsFor:  cfg.RowsFor,
		Platform: cfg.Platform,
		Logger:   cfg.Logger,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	return &Coordinator{engine: engine, inner: inner}, nil
}

// Path returns the database path this Coordinator was opened for.
func (c *Coordinator) Path() string { return c.inner.Path() }

// Engine returns the badgerengine.Engine this Coordinator opened path
// with, for callers that need to commit writes directly (the Coordinator
// itself only ever reads through it). After a successful commit, call
// SendCommitNotifications so this process's worker, and every other
// process with path open, picks the new version up.
func (c *Coordinator) Engine() *badgerengine.Engine { return c.engine }

// OpenSnapshot returns thread's cached snapshot, opening one against the
// engine's current version on first use.
func (c *Coordinator) OpenSnapshot(ctx context.Context, thread ThreadID) (storageengine.Snapshot, error) {
	return c.inner.OpenSnapshot(ctx, thread)
}

// SendCommitNotifications wakes this process's own worker and, unless the
// database was opened read-only, every other process with path open.
func (c *Coordinator) SendCommitNotifications() {
	c.inner.SendCommitNotifications()
}

// RegisterResultsNotifier registers query (optionally reordered by sort)
// for delivery on target.
func (c *Coordinator) RegisterResultsNotifier(ctx context.Context, query Query, sort SortOrder, tableOrder bool, target ThreadID) (*Handle, error) {
	h, err := c.inner.RegisterResultsNotifier(ctx, query, sort, tableOrder, target)
	if err != nil {
		return nil, err
	}
	return newHandle(h), nil
}

// RegisterListNotifier registers list for delivery on target.
func (c *Coordinator) RegisterListNotifier(ctx context.Context, list ListHandle, target ThreadID) (*Handle, error) {
	h, err := c.inner.RegisterListNotifier(ctx, list, target)
	if err != nil {
		return nil, err
	}
	return newHandle(h), nil
}

// ProcessDeliveries is called by a delivery thread's own event loop, after
// its PlatformLoop.Wake fires, to advance that thread's snapshot and
// deliver every notifier bound to it.
func (c *Coordinator) ProcessDeliveries(ctx context.Context, thread ThreadID) error {
	return c.inner.ProcessDeliveries(ctx, thread)
}

// Close stops this Coordinator's background worker and wake channel and
// closes its badgerengine.Engine. It does not remove the Coordinator from
// the process-wide path cache; a later ForPath against the same path before
// the process exits will still find it closed. Use ClearCache for that.
func (c *Coordinator) Close() error {
	if err := c.inner.Close(); err != nil {
		return err
	}
	return c.engine.Close()
}

// ClearCache stops the background worker and wake channel of, and forgets,
// every Coordinator cached by ForPath. It does not close the underlying
// badgerengine.Engine each one opened — callers that need that too should
// hold onto the *Coordinator ForPath returned and call its own Close
// instead. Intended for test teardown between cases that reuse a path.
func ClearCache() {
	coordinator.ClearCache()
}

// Handle is the owning reference a client holds to one registered
// notifier. Its Close cancels the notifier and is safe to call more than
// once, concurrently, from any thread: the underlying target is held
// behind an atomic.Pointer that Close exchanges to nil exactly once, per
// spec.md §9's "atomic shared ownership for cancellation tokens" note —
// whichever caller wins the exchange is the one that actually unregisters
// and removes callbacks; every other concurrent Close observes it already
// gone and returns immediately.
type Handle struct {
	target atomic.Pointer[coordinator.Handle]
}

func newHandle(h *coordinator.Handle) *Handle {
	out := &Handle{}
	out.target.Store(h)
	return out
}

// AddCallback registers fn against the underlying notifier. It is a no-op
// returning the zero Token if the handle has already been closed.
func (h *Handle) AddCallback(fn ChangeCallback) Token {
	target := h.target.Load()
	if target == nil {
		return 0
	}
	return target.AddCallback(fn)
}

// RemoveCallback removes a previously registered callback. A no-op if the
// handle has already been closed.
func (h *Handle) RemoveCallback(t Token) {
	target := h.target.Load()
	if target == nil {
		return
	}
	target.RemoveCallback(t)
}

// Close cancels the underlying notifier exactly once, no matter how many
// goroutines call Close concurrently.
func (h *Handle) Close() error {
	target := h.target.Swap(nil)
	if target == nil {
		return nil
	}
	return target.Close()
}
