// Command objstore-demo opens a database path, registers a results
// notifier over a single table, commits a few rows, and prints every
// change set delivered as a result — a minimal, runnable illustration of
// the register/commit/deliver cycle the objstore package implements.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kasuganosora/objstore"
	"github.com/kasuganosora/objstore/badgerengine"
	"github.com/kasuganosora/objstore/storageengine"
)

// channelLoop is the trivial PlatformLoop a single-process demo needs: each
// Wake just schedules a call to ProcessDeliveries on the same goroutine
// that's driving the loop below, standing in for whatever event loop a
// real embedder already runs.
type channelLoop struct {
	woken chan objstore.ThreadID
}

func newChannelLoop() *channelLoop {
	return &channelLoop{woken: make(chan objstore.ThreadID, 16)}
}

func (l *channelLoop) Wake(thread objstore.ThreadID) {
	select {
	case l.woken <- thread:
	default:
	}
}

// allRowsQuery matches every row the table has grown to, in table order.
type allRowsQuery struct {
	table uint64
	count uint64
}

func (q *allRowsQuery) RootTable() uint64 { return q.table }
func (q *allRowsQuery) Sync(storageengine.Snapshot) ([]uint64, error) {
	rows := make([]uint64, q.count)
	for i := range rows {
		rows[i] = uint64(i)
	}
	return rows, nil
}

func main() {
	dbPath := flag.String("db", "", "database directory (defaults to a temporary directory)")
	flag.Parse()

	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "objstore-demo-*")
		if err != nil {
			log.Fatalf("create temp dir: %v", err)
		}
		path = dir
	}

	loop := newChannelLoop()
	db, err := objstore.ForPath(path, objstore.Config{Platform: loop})
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	ctx := context.Background()
	const thread = objstore.ThreadID(1)

	query := &allRowsQuery{table: 0}
	handle, err := db.RegisterResultsNotifier(ctx, query, nil, true, thread)
	if err != nil {
		log.Fatalf("register results notifier: %v", err)
	}
	defer handle.Close()

	handle.AddCallback(func(cs objstore.ChangeSet, err error) {
		if err != nil {
			fmt.Printf("notifier error: %v\n", err)
			return
		}
		fmt.Printf("delivered: insertions=%v deletions=%v modifications=%v\n",
			cs.Insertions.Size(), cs.Deletions.Size(), cs.Modifications.Size())
	})

	drain := func() {
		t := <-loop.woken
		if err := db.ProcessDeliveries(ctx, t); err != nil {
			log.Fatalf("process deliveries: %v", err)
		}
	}

	drain() // initial, empty result

	engine := db.Engine()
	for batch := 1; batch <= 3; batch++ {
		query.count += 2
		_, err := engine.Commit(ctx, nil, badgerengine.WriteSet{Mutations: []badgerengine.Mutation{
			badgerengine.SelectTable(0),
			badgerengine.InsertEmptyRows(0, query.count-2, 2),
		}})
		if err != nil {
			log.Fatalf("commit batch %d: %v", batch, err)
		}
		db.SendCommitNotifications()
		drain()
	}
}
