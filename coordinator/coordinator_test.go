package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kasuganosora/objstore/bgworker"
	"github.com/kasuganosora/objstore/changeset"
	"github.com/kasuganosora/objstore/deepchange"
	"github.com/kasuganosora/objstore/notifier"
	"github.com/kasuganosora/objstore/storageengine"
	"github.com/kasuganosora/objstore/wakechannel"
)

// fakeMutation replays one LogParser call against whichever table it closes
// over; fakeEngine.Commit records a batch of these under the version it
// mints and Advance replays them in order.
type fakeMutation func(p storageengine.LogParser)

// fakeEngine is a minimal in-memory storageengine.Engine: CurrentVersion and
// Commit just bump an integer, Advance replays recorded mutations.
type fakeEngine struct {
	mu      sync.Mutex
	version storageengine.Version
	log     map[storageengine.Version][]fakeMutation
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{log: make(map[storageengine.Version][]fakeMutation)}
}

func (e *fakeEngine) CurrentVersion(context.Context) (storageengine.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version, nil
}

func (e *fakeEngine) OpenSnapshot(_ context.Context, thread storageengine.ThreadID) (storageengine.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &fakeSnap{version: e.version, thread: thread}, nil
}

func (e *fakeEngine) Advance(_ context.Context, snap storageengine.Snapshot, target storageengine.Version, parser storageengine.LogParser) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fs := snap.(*fakeSnap)
	for v := fs.version + 1; v <= target; v++ {
		for _, m := range e.log[v] {
			m(parser)
		}
	}
	fs.version = target
	return nil
}

func (e *fakeEngine) Commit(_ context.Context, _ storageengine.Snapshot, writes storageengine.WriteSet) (storageengine.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.version++
	e.log[e.version] = writes.([]fakeMutation)
	return e.version, nil
}

type fakeSnap struct {
	version storageengine.Version
	thread  storageengine.ThreadID
}

func (s *fakeSnap) Version() storageengine.Version { return s.version }
func (s *fakeSnap) Thread() storageengine.ThreadID { return s.thread }
func (s *fakeSnap) Close() error                   { return nil }

// fakeQuery matches every row index below count, in table order.
type fakeQuery struct {
	table uint64
	count uint64
}

func (q *fakeQuery) RootTable() uint64 { return q.table }
func (q *fakeQuery) Sync(storageengine.Snapshot) ([]uint64, error) {
	rows := make([]uint64, q.count)
	for i := range rows {
		rows[i] = uint64(i)
	}
	return rows, nil
}

type noopSchema struct{}

func (noopSchema) ColumnCount(uint64) uint64                       { return 0 }
func (noopSchema) ColumnType(uint64, uint64) deepchange.ColumnType { return deepchange.ColumnOther }
func (noopSchema) LinkTargetTable(uint64, uint64) uint64           { return 0 }

func newTestCoordinator(engine storageengine.Engine) *Coordinator {
	return &Coordinator{
		path:      "test",
		engine:    engine,
		schema:    noopSchema{},
		snapshots: make(map[storageengine.ThreadID]storageengine.Snapshot),
	}
}

func TestRegisterResultsNotifierDeliversInitialResultOnOwnThread(t *testing.T) {
	engine := newFakeEngine()
	q := &fakeQuery{table: 0, count: 2}
	c := newTestCoordinator(engine)
	ctx := context.Background()

	h, err := c.RegisterResultsNotifier(ctx, q, nil, true, storageengine.ThreadID(1))
	require.NoError(t, err)

	var delivered []changeset.ChangeSet
	h.AddCallback(func(cs changeset.ChangeSet, err error) {
		require.NoError(t, err)
		delivered = append(delivered, cs)
	})

	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(1)))

	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].Empty())
}

func TestRunCycleReportsInsertionAfterCommit(t *testing.T) {
	engine := newFakeEngine()
	q := &fakeQuery{table: 0, count: 2}
	c := newTestCoordinator(engine)
	ctx := context.Background()

	h, err := c.RegisterResultsNotifier(ctx, q, nil, true, storageengine.ThreadID(1))
	require.NoError(t, err)

	var delivered []changeset.ChangeSet
	h.AddCallback(func(cs changeset.ChangeSet, err error) {
		require.NoError(t, err)
		delivered = append(delivered, cs)
	})

	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(1)))
	require.Len(t, delivered, 1)

	// A new row is committed, growing the query's match count to 3.
	q.count = 3
	_, err = engine.Commit(ctx, nil, []fakeMutation{
		func(p storageengine.LogParser) {
			p.SelectTable(0)
			p.InsertEmptyRows(0, 2, 1)
		},
	})
	require.NoError(t, err)

	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(1)))

	require.Len(t, delivered, 2)
	assert.True(t, delivered[1].Insertions.Contains(2))
}

func TestProcessDeliveriesSkipsNotifiersOnOtherThreads(t *testing.T) {
	engine := newFakeEngine()
	q := &fakeQuery{table: 0, count: 1}
	c := newTestCoordinator(engine)
	ctx := context.Background()

	h, err := c.RegisterResultsNotifier(ctx, q, nil, true, storageengine.ThreadID(1))
	require.NoError(t, err)

	called := false
	h.AddCallback(func(changeset.ChangeSet, error) { called = true })

	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(2)))

	assert.False(t, called)
}

func TestHandleCloseStopsFurtherDeliveries(t *testing.T) {
	engine := newFakeEngine()
	q := &fakeQuery{table: 0, count: 1}
	c := newTestCoordinator(engine)
	ctx := context.Background()

	h, err := c.RegisterResultsNotifier(ctx, q, nil, true, storageengine.ThreadID(1))
	require.NoError(t, err)

	calls := 0
	h.AddCallback(func(changeset.ChangeSet, error) { calls++ })

	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(1)))
	require.Equal(t, 1, calls)

	require.NoError(t, h.Close())

	q.count = 5
	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(1)))
	assert.Equal(t, 1, calls)
}

func TestConfigCompatibleWithRejectsMismatch(t *testing.T) {
	a := Config{ReadOnly: false, SchemaVersion: 1}
	b := Config{ReadOnly: true, SchemaVersion: 1}
	assert.Error(t, a.compatibleWith(b))

	c := Config{ReadOnly: false, SchemaVersion: 2}
	assert.Error(t, a.compatibleWith(c))

	assert.NoError(t, a.compatibleWith(a))
}

// testPlatform is a PlatformLoop that forwards every Wake onto a buffered
// channel, so a test can block for an actual wake-up rather than polling.
type testPlatform struct {
	woken chan storageengine.ThreadID
}

func newTestPlatform() *testPlatform {
	return &testPlatform{woken: make(chan storageengine.ThreadID, 8)}
}

func (p *testPlatform) Wake(thread storageengine.ThreadID) {
	select {
	case p.woken <- thread:
	default:
	}
}

func (p *testPlatform) waitForWake(t *testing.T) storageengine.ThreadID {
	t.Helper()
	select {
	case thread := <-p.woken:
		return thread
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for platform wake")
		return 0
	}
}

// newWakingTestCoordinator wires a Coordinator with a real wakechannel.Channel
// and bgworker.Worker against path, the way GetCoordinator does, but bypasses
// the process-wide registry -- so a test can exercise the real wakechannel
// listener -> worker -> platform chain without going through GetCoordinator's
// global cache.
func newWakingTestCoordinator(t *testing.T, engine storageengine.Engine, path string, platform PlatformLoop) *Coordinator {
	t.Helper()
	c := &Coordinator{
		path:      path,
		engine:    engine,
		schema:    noopSchema{},
		platform:  platform,
		logger:    zap.NewNop(),
		snapshots: make(map[storageengine.ThreadID]storageengine.Snapshot),
	}
	ch, err := wakechannel.Open(path, c.onExternalChange)
	require.NoError(t, err)
	c.wake = ch

	c.worker = bgworker.New(bgworker.Config{Run: c.runCycle})
	require.NoError(t, c.worker.Start())

	t.Cleanup(func() { c.Close() })
	return c
}

// TestCrossProcessWakeDeliversAfterPeerCommit models spec scenario 5: one
// coordinator registers a notifier and sits in its event loop, woken only
// by its own real wakechannel.Channel -- the same named-pipe transport a
// peer process's Notify would use. A peer commit is modeled by writing
// directly to the shared storage engine and then signaling that same pipe,
// exactly what a second process's SendCommitNotifications does on the wire
// (a named pipe delivers each write to exactly one reader, so this avoids
// racing two listener goroutines for the same byte, which a second,
// independently opened wakechannel.Channel on this path would do). The
// coordinator's notifier must deliver a non-empty ChangeSet within one
// cycle of that signal.
func TestCrossProcessWakeDeliversAfterPeerCommit(t *testing.T) {
	engine := newFakeEngine()
	path := filepath.Join(t.TempDir(), "shared.db")

	platform := newTestPlatform()
	p1 := newWakingTestCoordinator(t, engine, path, platform)

	ctx := context.Background()
	q := &fakeQuery{table: 0, count: 0}
	h, err := p1.RegisterResultsNotifier(ctx, q, nil, true, storageengine.ThreadID(1))
	require.NoError(t, err)

	var delivered []changeset.ChangeSet
	h.AddCallback(func(cs changeset.ChangeSet, err error) {
		require.NoError(t, err)
		delivered = append(delivered, cs)
	})

	// Drain p1's initial, empty-result cycle before the peer commits.
	thread := platform.waitForWake(t)
	require.NoError(t, p1.ProcessDeliveries(ctx, thread))
	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].Empty())

	q.count = 2
	_, err = engine.Commit(ctx, nil, []fakeMutation{
		func(p storageengine.LogParser) {
			p.SelectTable(0)
			p.InsertEmptyRows(0, 0, 2)
		},
	})
	require.NoError(t, err)
	require.NoError(t, p1.wake.Notify())

	thread = platform.waitForWake(t)
	require.NoError(t, p1.ProcessDeliveries(ctx, thread))

	require.Len(t, delivered, 2)
	assert.False(t, delivered[1].Empty())
	assert.True(t, delivered[1].Insertions.Contains(0))
	assert.True(t, delivered[1].Insertions.Contains(1))
}

// TestReentrantCallbackRemovalAcrossCoordinatorCycles models spec scenario 6
// at the coordinator level: during delivery, a callback removes itself and
// registers a replacement. The replacement must not receive the delivery
// already in progress, must get its own initial delivery on the next cycle,
// and no callback may run twice for the same cycle.
func TestReentrantCallbackRemovalAcrossCoordinatorCycles(t *testing.T) {
	engine := newFakeEngine()
	q := &fakeQuery{table: 0, count: 1}
	c := newTestCoordinator(engine)
	ctx := context.Background()

	h, err := c.RegisterResultsNotifier(ctx, q, nil, true, storageengine.ThreadID(1))
	require.NoError(t, err)

	var firstCalls, secondCalls int
	var firstToken notifier.Token
	var secondAdded bool
	firstToken = h.AddCallback(func(changeset.ChangeSet, error) {
		firstCalls++
		h.RemoveCallback(firstToken)
		if !secondAdded {
			secondAdded = true
			h.AddCallback(func(changeset.ChangeSet, error) { secondCalls++ })
		}
	})

	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(1)))

	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 0, secondCalls)

	q.count = 2
	c.runCycle(ctx)
	require.NoError(t, c.ProcessDeliveries(ctx, storageengine.ThreadID(1)))

	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 1, secondCalls)
}
