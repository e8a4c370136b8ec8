// Package badgerengine is the reference storageengine.Engine backed by
// badger/v4: every committed write is recorded as a compact log of
// storageengine.LogParser calls keyed by the version it produced, so a
// snapshot behind the current version can be advanced by replaying exactly
// the entries between its version and the target instead of re-reading the
// whole database.
package badgerengine

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/kasuganosora/objstore/objerr"
	"github.com/kasuganosora/objstore/storageengine"
)

// Config configures an Engine's badger.DB. Values mirror the concerns
// objstore.Config exposes at the public API layer.
type Config struct {
	// DataDir is the directory badger stores its files in. Ignored when
	// InMemory is true.
	DataDir string
	// InMemory runs badger with no on-disk persistence.
	InMemory bool
	// ReadOnly opens the database for read-only access.
	ReadOnly bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// EncryptionKey, if non-empty, enables badger's at-rest encryption.
	EncryptionKey []byte
	// Logger receives structured diagnostics; a nil Logger uses zap.NewNop().
	Logger *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults for an on-disk,
// unencrypted, writable database.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:    dataDir,
		InMemory:   false,
		SyncWrites: false,
	}
}

// Engine is the badger-backed storageengine.Engine.
type Engine struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *zap.Logger
	path   string
}

// Open creates or opens a badger database per cfg and returns an Engine
// ready to serve snapshots.
func Open(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.DataDir)
	opts = opts.WithInMemory(cfg.InMemory)
	opts = opts.WithReadOnly(cfg.ReadOnly)
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(nil)
	if len(cfg.EncryptionKey) > 0 {
		opts = opts.WithEncryptionKey(cfg.EncryptionKey)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, objerr.Wrap(objerr.ChannelIO, "open badger database", err)
	}

	seq, err := db.GetSequence(versionSequenceKey, 100)
	if err != nil {
		db.Close()
		return nil, objerr.Wrap(objerr.ChannelIO, "acquire version sequence", err)
	}

	logger.Debug("badgerengine opened", zap.String("db_path", cfg.DataDir))
	return &Engine{db: db, seq: seq, logger: logger, path: cfg.DataDir}, nil
}

// Close releases the sequence lease and the underlying badger.DB.
func (e *Engine) Close() error {
	e.seq.Release()
	return e.db.Close()
}

// CurrentVersion implements storageengine.Engine.
func (e *Engine) CurrentVersion(ctx context.Context) (storageengine.Version, error) {
	v, err := e.readMaxVersion()
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (e *Engine) readMaxVersion() (storageengine.Version, error) {
	var v storageengine.Version
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(currentVersionKey)
		if err == badger.ErrKeyNotFound {
			v = 0
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = decodeVersion(val)
			return nil
		})
	})
	if err != nil {
		return 0, objerr.Wrap(objerr.ChannelIO, "read current version", err)
	}
	return v, nil
}

// snapshot is the badgerengine Snapshot implementation: a pinned version
// plus the thread it belongs to. It does not hold a live badger
// transaction; Advance and Commit reopen whatever views they need.
type snapshot struct {
	engine  *Engine
	version storageengine.Version
	thread  storageengine.ThreadID
	closed  bool
}

func (s *snapshot) Version() storageengine.Version  { return s.version }
func (s *snapshot) Thread() storageengine.ThreadID   { return s.thread }
func (s *snapshot) Close() error                     { s.closed = true; return nil }

// OpenSnapshot implements storageengine.Engine.
func (e *Engine) OpenSnapshot(ctx context.Context, thread storageengine.ThreadID) (storageengine.Snapshot, error) {
	v, err := e.readMaxVersion()
	if err != nil {
		return nil, err
	}
	return &snapshot{engine: e, version: v, thread: thread}, nil
}

// Advance implements storageengine.Engine: replays every log entry with
// version in (snap.Version(), target] into parser, in order, then repins
// snap at target.
func (e *Engine) Advance(ctx context.Context, snap storageengine.Snapshot, target storageengine.Version, parser storageengine.LogParser) error {
	s, ok := snap.(*snapshot)
	if !ok {
		return objerr.New(objerr.VersionMismatch, "snapshot not produced by badgerengine")
	}
	if target <= s.version {
		return nil
	}

	err := e.db.View(func(txn *badger.Txn) error {
		for v := s.version + 1; v <= target; v++ {
			item, err := txn.Get(logKey(v))
			if err == badger.ErrKeyNotFound {
				// A gap in the log (e.g. a version minted by a process
				// that crashed before writing its entry) is treated as a
				// schema-equivalent break: force the caller to reload.
				return parser.SchemaChanged()
			}
			if err != nil {
				return err
			}

			var entry logEntry
			if err := item.Value(func(val []byte) error {
				return decodeLogEntry(val, &entry)
			}); err != nil {
				return err
			}
			if err := replay(entry, parser); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := objerr.KindOf(err); ok {
			return err
		}
		return objerr.Wrap(objerr.LogParse, "advance snapshot", err)
	}

	s.version = target
	return nil
}

// WriteSet is the badgerengine-native storageengine.WriteSet: an ordered
// list of the same mutations a LogParser would receive on replay.
type WriteSet struct {
	Mutations []Mutation
}

// Commit implements storageengine.Engine: encodes writes as a log entry,
// mints the next version via badger's sequence, and stores both atomically.
func (e *Engine) Commit(ctx context.Context, snap storageengine.Snapshot, writes storageengine.WriteSet) (storageengine.Version, error) {
	ws, ok := writes.(WriteSet)
	if !ok {
		if p, ok2 := writes.(*WriteSet); ok2 {
			ws = *p
		} else {
			return 0, objerr.New(objerr.SchemaMismatch, "writes is not a badgerengine.WriteSet")
		}
	}

	next, err := e.seq.Next()
	if err != nil {
		return 0, objerr.Wrap(objerr.ChannelIO, "mint next version", err)
	}
	version := storageengine.Version(next + 1)

	entry := logEntry{Mutations: ws.Mutations}
	encoded, err := encodeLogEntry(entry)
	if err != nil {
		return 0, objerr.Wrap(objerr.LogParse, "encode write set", err)
	}

	err = e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(logKey(version), encoded); err != nil {
			return err
		}
		return txn.Set(currentVersionKey, encodeVersion(version))
	})
	if err != nil {
		return 0, objerr.Wrap(objerr.ChannelIO, "commit write set", fmt.Errorf("version %d: %w", version, err))
	}

	e.logger.Debug("committed", zap.Uint64("version", uint64(version)), zap.Int("mutations", len(ws.Mutations)))
	return version, nil
}
