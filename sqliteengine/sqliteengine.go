// Package sqliteengine is a second reference storageengine.Engine,
// backed by modernc.org/sqlite's pure-Go driver instead of badger/v4. It
// reuses badgerengine's Mutation vocabulary and replay logic so a caller
// can switch storage engines without changing how it builds a WriteSet,
// storing each version's mutations as one row in a log table rather than
// badger's key-value log entries.
package sqliteengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/kasuganosora/objstore/badgerengine"
	"github.com/kasuganosora/objstore/objerr"
	"github.com/kasuganosora/objstore/storageengine"
)

// Config configures an Engine's underlying sqlite database.
type Config struct {
	// DataDir is the sqlite database file path. Ignored when InMemory is
	// true.
	DataDir string
	// InMemory runs against sqlite's in-process ":memory:" database.
	InMemory bool
	// Logger receives structured diagnostics; a nil Logger uses zap.NewNop().
	Logger *zap.Logger
}

// DefaultConfig returns a Config for an on-disk, writable database at path.
func DefaultConfig(path string) Config {
	return Config{DataDir: path}
}

// Engine is the modernc.org/sqlite-backed storageengine.Engine.
type Engine struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS log (
	version   INTEGER PRIMARY KEY,
	mutations BLOB NOT NULL
);
`

// Open creates or opens a sqlite database per cfg and returns an Engine
// ready to serve snapshots.
func Open(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.DataDir
	if cfg.InMemory || dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, objerr.Wrap(objerr.ChannelIO, "open sqlite database", err)
	}
	// sqlite serializes writers internally; a single connection avoids
	// "database is locked" errors under modernc.org/sqlite's driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, objerr.Wrap(objerr.ChannelIO, "create log table", err)
	}

	logger.Debug("sqliteengine opened", zap.String("dsn", dsn))
	return &Engine{db: db, logger: logger}, nil
}

// Close releases the underlying sqlite connection.
func (e *Engine) Close() error {
	return e.db.Close()
}

// CurrentVersion implements storageengine.Engine.
func (e *Engine) CurrentVersion(ctx context.Context) (storageengine.Version, error) {
	return e.readMaxVersion(ctx)
}

func (e *Engine) readMaxVersion(ctx context.Context) (storageengine.Version, error) {
	var v sql.NullInt64
	err := e.db.QueryRowContext(ctx, `SELECT MAX(version) FROM log`).Scan(&v)
	if err != nil {
		return 0, objerr.Wrap(objerr.ChannelIO, "read current version", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return storageengine.Version(v.Int64), nil
}

// snapshot is the sqliteengine Snapshot implementation: a pinned version
// plus the thread it belongs to. Like badgerengine's snapshot, it holds
// no live connection; Advance and Commit query whatever rows they need.
type snapshot struct {
	version storageengine.Version
	thread  storageengine.ThreadID
}

func (s *snapshot) Version() storageengine.Version { return s.version }
func (s *snapshot) Thread() storageengine.ThreadID { return s.thread }
func (s *snapshot) Close() error                   { return nil }

// OpenSnapshot implements storageengine.Engine.
func (e *Engine) OpenSnapshot(ctx context.Context, thread storageengine.ThreadID) (storageengine.Snapshot, error) {
	v, err := e.readMaxVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &snapshot{version: v, thread: thread}, nil
}

// Advance implements storageengine.Engine: replays every log row with
// version in (snap.Version(), target] into parser, in order, then repins
// snap at target.
func (e *Engine) Advance(ctx context.Context, snap storageengine.Snapshot, target storageengine.Version, parser storageengine.LogParser) error {
	s, ok := snap.(*snapshot)
	if !ok {
		return objerr.New(objerr.VersionMismatch, "snapshot not produced by sqliteengine")
	}
	if target <= s.version {
		return nil
	}

	rows, err := e.db.QueryContext(ctx, `SELECT version, mutations FROM log WHERE version > ? AND version <= ? ORDER BY version`, uint64(s.version), uint64(target))
	if err != nil {
		return objerr.Wrap(objerr.ChannelIO, "query log rows", err)
	}
	defer rows.Close()

	seen := s.version
	for rows.Next() {
		var version uint64
		var encoded []byte
		if err := rows.Scan(&version, &encoded); err != nil {
			return objerr.Wrap(objerr.LogParse, "scan log row", err)
		}

		// A gap between seen and this row's version (a version minted by a
		// writer that crashed before committing its row) is treated as a
		// schema-equivalent break, forcing the caller to reload.
		if storageengine.Version(version) != seen+1 {
			return parser.SchemaChanged()
		}

		var mutations []badgerengine.Mutation
		if err := json.Unmarshal(encoded, &mutations); err != nil {
			return objerr.Wrap(objerr.LogParse, "decode log row", err)
		}
		if err := badgerengine.ReplayMutations(mutations, parser); err != nil {
			if _, ok := objerr.KindOf(err); ok {
				return err
			}
			return objerr.Wrap(objerr.LogParse, "replay log row", err)
		}
		seen = storageengine.Version(version)
	}
	if err := rows.Err(); err != nil {
		return objerr.Wrap(objerr.ChannelIO, "iterate log rows", err)
	}
	if seen != target {
		return parser.SchemaChanged()
	}

	s.version = target
	return nil
}

// WriteSet is the sqliteengine-native storageengine.WriteSet: an ordered
// list of the same badgerengine.Mutation values a LogParser would receive
// on replay, letting callers build one WriteSet value and commit it
// against either engine.
type WriteSet struct {
	Mutations []badgerengine.Mutation
}

// Commit implements storageengine.Engine: encodes writes as one log row
// keyed by the next version and inserts it.
func (e *Engine) Commit(ctx context.Context, snap storageengine.Snapshot, writes storageengine.WriteSet) (storageengine.Version, error) {
	ws, ok := writes.(WriteSet)
	if !ok {
		if p, ok2 := writes.(*WriteSet); ok2 {
			ws = *p
		} else {
			return 0, objerr.New(objerr.SchemaMismatch, "writes is not a sqliteengine.WriteSet")
		}
	}

	encoded, err := json.Marshal(ws.Mutations)
	if err != nil {
		return 0, objerr.Wrap(objerr.LogParse, "encode write set", err)
	}

	var version storageengine.Version
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		current, err := e.readMaxVersionTx(ctx, tx)
		if err != nil {
			return err
		}
		version = current + 1
		_, err = tx.ExecContext(ctx, `INSERT INTO log (version, mutations) VALUES (?, ?)`, uint64(version), encoded)
		return err
	})
	if err != nil {
		return 0, objerr.Wrap(objerr.ChannelIO, "commit write set", fmt.Errorf("version %d: %w", version, err))
	}

	e.logger.Debug("committed", zap.Uint64("version", uint64(version)), zap.Int("mutations", len(ws.Mutations)))
	return version, nil
}

func (e *Engine) readMaxVersionTx(ctx context.Context, tx *sql.Tx) (storageengine.Version, error) {
	var v sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM log`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return storageengine.Version(v.Int64), nil
}

func (e *Engine) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
