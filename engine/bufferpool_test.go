package engine

import (
	"testing"

	"github.com/aplsdb/apls/common/testutil"
	"github.com/stretchr/testify/require"
)

func writeLeaf(t *testing.T, pm *pageManager, id uint64, k string) *page {
	t.Helper()
	p := newLeafPage(id, pm.pageSize)
	require.NoError(t, p.RewriteLeaf([]leafEntry{{key: []byte(k), value: []byte(k)}}, 0))
	require.NoError(t, pm.WritePage(p))
	return p
}

func TestBufferPoolFetchHitsAndMisses(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()
	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm.Close()

	id1, err := pm.AllocatePage()
	require.NoError(t, err)
	writeLeaf(t, pm, id1, "a")

	bp := newBufferPool(pm, 4)

	_, err = bp.Fetch(id1)
	require.NoError(t, err)
	bp.Unpin(id1, false)
	hits, misses, _ := bp.Stats()
	require.EqualValues(t, 0, hits)
	require.EqualValues(t, 1, misses)

	_, err = bp.Fetch(id1)
	require.NoError(t, err)
	bp.Unpin(id1, false)
	hits, misses, _ = bp.Stats()
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
}

func TestBufferPoolClockEvictsUnreferencedUnpinned(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()
	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm.Close()

	var ids []uint64
	for _, k := range []string{"a", "b", "c"} {
		id, err := pm.AllocatePage()
		require.NoError(t, err)
		writeLeaf(t, pm, id, k)
		ids = append(ids, id)
	}

	bp := newBufferPool(pm, 2)

	// Fill both frames and unpin so they're evictable.
	_, err = bp.Fetch(ids[0])
	require.NoError(t, err)
	bp.Unpin(ids[0], false)
	_, err = bp.Fetch(ids[1])
	require.NoError(t, err)
	bp.Unpin(ids[1], false)

	// Fetching a third distinct page forces an eviction.
	_, err = bp.Fetch(ids[2])
	require.NoError(t, err)
	bp.Unpin(ids[2], false)

	_, _, evictions := bp.Stats()
	require.EqualValues(t, 1, evictions)

	bp.mu.Lock()
	_, stillResident := bp.index[ids[2]]
	bp.mu.Unlock()
	require.True(t, stillResident)
}

func TestBufferPoolClockGivesReferencedPagesSecondChance(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()
	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm.Close()

	var ids []uint64
	for _, k := range []string{"a", "b", "c"} {
		id, err := pm.AllocatePage()
		require.NoError(t, err)
		writeLeaf(t, pm, id, k)
		ids = append(ids, id)
	}

	bp := newBufferPool(pm, 2)

	_, err = bp.Fetch(ids[0])
	require.NoError(t, err)
	bp.Unpin(ids[0], false)
	_, err = bp.Fetch(ids[1])
	require.NoError(t, err)
	bp.Unpin(ids[1], false)

	// Re-touch ids[0] so its referenced bit is set again right before the
	// clock sweep runs; the sweep must clear it and pass over it once before
	// it becomes evictable, so ids[1] (never re-touched) goes first.
	_, err = bp.Fetch(ids[0])
	require.NoError(t, err)
	bp.Unpin(ids[0], false)

	_, err = bp.Fetch(ids[2])
	require.NoError(t, err)
	bp.Unpin(ids[2], false)

	bp.mu.Lock()
	_, id0Resident := bp.index[ids[0]]
	_, id1Resident := bp.index[ids[1]]
	bp.mu.Unlock()
	require.True(t, id0Resident)
	require.False(t, id1Resident)
}

// Regression test: Fetch must hand back an independent copy, never the
// frame-resident object, so a caller mutating its result cannot corrupt
// what a concurrent Fetch of the same id observes (spec.md §4.2).
func TestBufferPoolFetchReturnsIndependentCopies(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()
	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm.Close()

	id, err := pm.AllocatePage()
	require.NoError(t, err)
	writeLeaf(t, pm, id, "a")

	bp := newBufferPool(pm, 4)

	first, err := bp.Fetch(id)
	require.NoError(t, err)
	bp.Unpin(id, false)

	require.NoError(t, first.RewriteLeaf([]leafEntry{{key: []byte("a"), value: []byte("mutated")}}, 0))

	second, err := bp.Fetch(id)
	require.NoError(t, err)
	bp.Unpin(id, false)

	v, ok := second.GetLeaf([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("a"), v, "mutating one Fetch result must not affect another")
}

func TestBufferPoolInvalidateForcesRefetch(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()
	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm.Close()

	id, err := pm.AllocatePage()
	require.NoError(t, err)
	writeLeaf(t, pm, id, "a")

	bp := newBufferPool(pm, 4)
	_, err = bp.Fetch(id)
	require.NoError(t, err)
	bp.Unpin(id, false)

	bp.Invalidate(id)
	bp.mu.Lock()
	_, resident := bp.index[id]
	bp.mu.Unlock()
	require.False(t, resident)

	_, err = bp.Fetch(id)
	require.NoError(t, err)
	bp.Unpin(id, false)
	_, misses, _ := bp.Stats()
	require.EqualValues(t, 2, misses)
}

// A page created via NewPage is the one case where the frame-resident
// object and the caller's mutable object are the same pointer (the id is
// freshly allocated and unreachable from any committed structure, so there
// is nothing for a concurrent reader to race). Eviction of such a page
// before it is explicitly invalidated must still write its current bytes
// through, not stale zeroed ones.
func TestBufferPoolWritesBackDirtyPageOnEviction(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()
	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm.Close()

	idB, err := pm.AllocatePage()
	require.NoError(t, err)
	writeLeaf(t, pm, idB, "b")

	bp := newBufferPool(pm, 1)

	p, err := bp.NewPage(func(id uint64) *page { return newLeafPage(id, pm.pageSize) })
	require.NoError(t, err)
	require.NoError(t, p.RewriteLeaf([]leafEntry{{key: []byte("a"), value: []byte("updated")}}, 0))
	bp.Unpin(p.ID(), true)

	_, err = bp.Fetch(idB)
	require.NoError(t, err)
	bp.Unpin(idB, false)

	onDisk, err := pm.ReadPage(p.ID())
	require.NoError(t, err)
	v, ok := onDisk.GetLeaf([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("updated"), v)
}
