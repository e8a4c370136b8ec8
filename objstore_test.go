package objstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/objstore/changeset"
	"github.com/kasuganosora/objstore/storageengine"
)

// channelPlatform satisfies PlatformLoop by forwarding every Wake onto a
// buffered channel, so a test can block on an actual signal instead of
// polling or sleeping for the background worker's first cycle to land.
type channelPlatform struct {
	woken chan ThreadID
}

func newChannelPlatform() *channelPlatform {
	return &channelPlatform{woken: make(chan ThreadID, 8)}
}

func (p *channelPlatform) Wake(thread ThreadID) {
	select {
	case p.woken <- thread:
	default:
	}
}

// emptyQuery matches nothing; RootTable 0.
type emptyQuery struct{}

func (emptyQuery) RootTable() uint64 { return 0 }
func (emptyQuery) Sync(storageengine.Snapshot) ([]uint64, error) { return nil, nil }

func TestForPathReturnsSharedCoordinatorForSamePath(t *testing.T) {
	t.Cleanup(ClearCache)

	c1, err := ForPath(t.TempDir(), Config{InMemory: true})
	require.NoError(t, err)

	c2, err := ForPath(c1.Path(), Config{InMemory: true})
	require.NoError(t, err)

	assert.Same(t, c1.inner, c2.inner)
}

func TestForPathRejectsIncompatibleConfigOnSamePath(t *testing.T) {
	t.Cleanup(ClearCache)

	path := t.TempDir()
	_, err := ForPath(path, Config{InMemory: true, ReadOnly: false})
	require.NoError(t, err)

	_, err = ForPath(path, Config{InMemory: true, ReadOnly: true})
	assert.Error(t, err)
}

func TestRegisterResultsNotifierDeliversAfterWorkerCycle(t *testing.T) {
	t.Cleanup(ClearCache)

	platform := newChannelPlatform()
	c, err := ForPath(t.TempDir(), Config{InMemory: true, Platform: platform})
	require.NoError(t, err)

	ctx := context.Background()
	h, err := c.RegisterResultsNotifier(ctx, emptyQuery{}, nil, true, ThreadID(1))
	require.NoError(t, err)

	var delivered []changeset.ChangeSet
	h.AddCallback(func(cs changeset.ChangeSet, err error) {
		require.NoError(t, err)
		delivered = append(delivered, cs)
	})

	// The registration itself already woke the worker once, possibly
	// before the callback above was attached; SendCommitNotifications
	// guarantees one more cycle strictly after it, so draining up to
	// two wake-ups is enough to observe the initial delivery without
	// sleeping or polling on a timer.
	for i := 0; i < 2 && len(delivered) == 0; i++ {
		thread := <-platform.woken
		require.Equal(t, ThreadID(1), thread)
		require.NoError(t, c.ProcessDeliveries(ctx, thread))
		if len(delivered) == 0 {
			c.SendCommitNotifications()
		}
	}

	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].Empty())
}

func TestHandleCloseIsIdempotentAndStopsFurtherOperations(t *testing.T) {
	t.Cleanup(ClearCache)

	platform := newChannelPlatform()
	c, err := ForPath(t.TempDir(), Config{InMemory: true, Platform: platform})
	require.NoError(t, err)

	ctx := context.Background()
	h, err := c.RegisterResultsNotifier(ctx, emptyQuery{}, nil, true, ThreadID(1))
	require.NoError(t, err)

	var calls int
	h.AddCallback(func(changeset.ChangeSet, error) { calls++ })

	for i := 0; i < 2 && calls == 0; i++ {
		<-platform.woken
		require.NoError(t, c.ProcessDeliveries(ctx, ThreadID(1)))
		if calls == 0 {
			c.SendCommitNotifications()
		}
	}
	require.Equal(t, 1, calls)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	// Operations against a closed Handle are no-ops, not panics.
	token := h.AddCallback(func(changeset.ChangeSet, error) {})
	assert.Equal(t, uint64(0), uint64(token))
	h.RemoveCallback(token)
}
