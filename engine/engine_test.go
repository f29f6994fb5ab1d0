package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aplsdb/apls/common"
	"github.com/aplsdb/apls/common/testutil"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	e, err := Open(dir, cfg)
	require.NoError(t, err)
	return e
}

func TestEngineOpenEmptyDirectory(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	require.EqualValues(t, 0, e.Count())
	_, err := e.Get([]byte("missing"))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestEnginePutGetRoundTrip(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = e.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	require.EqualValues(t, 2, e.Count())
}

func TestEnginePutIsIdempotentOnOverwrite(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.EqualValues(t, 1, e.Count())
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	require.EqualValues(t, 1, e.Count())

	v, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestEngineDeleteRemovesKeyAndIsIdempotent(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))
	require.EqualValues(t, 0, e.Count())

	_, err := e.Get([]byte("k"))
	require.ErrorIs(t, err, common.ErrNotFound)

	// Deleting an absent key again is a no-op, not an error.
	require.NoError(t, e.Delete([]byte("k")))
	require.EqualValues(t, 0, e.Count())
}

func TestEnginePutRejectsEmptyKey(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	require.ErrorIs(t, e.Put(nil, []byte("v")), common.ErrKeyEmpty)
	_, err := e.Get(nil)
	require.ErrorIs(t, err, common.ErrKeyEmpty)
}

func TestEngineOperationsFailAfterClose(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())

	_, err := e.Get([]byte("k"))
	require.ErrorIs(t, err, common.ErrClosed)
	require.ErrorIs(t, e.Put([]byte("k2"), []byte("v")), common.ErrClosed)

	// Close is idempotent.
	require.NoError(t, e.Close())
}

func TestEngineOrderedScan(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	keys := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	for _, k := range keys {
		require.NoError(t, e.Put([]byte(k), []byte("v-"+k)))
	}

	it, err := e.Scan()
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Error())

	want := append([]string(nil), keys...)
	sort.Strings(want)
	require.Equal(t, want, got)
}

func TestEngineRangeScanIsInclusiveAndOrdered(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("key-%02d", i)
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}

	it, err := e.Range([]byte("key-03"), []byte("key-06"))
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"key-03", "key-04", "key-05", "key-06"}, got)
}

func TestEngineRangeRejectsInvertedBounds(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	_, err := e.Range([]byte("z"), []byte("a"))
	require.ErrorIs(t, err, common.ErrInvalidRange)
}

func TestEngineManyInsertsTriggerSplitsAndStayOrdered(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	const n = 500
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k-%05d", i)
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}
	require.EqualValues(t, n, e.Count())

	it, err := e.Scan()
	require.NoError(t, err)
	defer it.Close()
	count := 0
	var prev []byte
	for it.Next() {
		if prev != nil {
			require.True(t, string(prev) < string(it.Key()))
		}
		prev = append([]byte(nil), it.Key()...)
		count++
	}
	require.Equal(t, n, count)
}

func TestEngineDeletesTriggerMergesAndPreserveOrder(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	const n = 300
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k-%05d", i)
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}
	for i := 0; i < n; i += 2 {
		k := fmt.Sprintf("k-%05d", i)
		require.NoError(t, e.Delete([]byte(k)))
	}
	require.EqualValues(t, n/2, e.Count())

	it, err := e.Scan()
	require.NoError(t, err)
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	require.Equal(t, n/2, count)

	for i := 1; i < n; i += 2 {
		k := fmt.Sprintf("k-%05d", i)
		v, err := e.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, []byte(k), v)
	}
	for i := 0; i < n; i += 2 {
		k := fmt.Sprintf("k-%05d", i)
		_, err := e.Get([]byte(k))
		require.ErrorIs(t, err, common.ErrNotFound)
	}
}

func TestEngineReopenRecoversCommittedWrites(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)

	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k-%02d", i)
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, dir)
	defer e2.Close()
	require.EqualValues(t, 20, e2.Count())
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k-%02d", i)
		v, err := e2.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, []byte(k), v)
	}
}

func TestEngineDiscardsTruncatedWALTailOnRecovery(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k-%02d", i)
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Put([]byte("last"), []byte("v")))
	require.NoError(t, e.Close())

	// Simulate a crash mid-append: tack garbage onto the WAL tail.
	f, err := os.OpenFile(filepath.Join(dir, walFileName), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{walRecPageImage, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2 := openTestEngine(t, dir)
	defer e2.Close()
	require.EqualValues(t, 21, e2.Count())
	v, err := e2.Get([]byte("last"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestEngineDetectsCorruptedPageOnRead(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Checkpoint())
	rootID := e.root.Load()
	require.NoError(t, e.Close())

	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_WRONLY, 0644)
	require.NoError(t, err)
	pageOffset := int64(4096) * int64(rootID) // page 0 reserved for the superblock
	_, err = f.WriteAt([]byte{0xFF}, pageOffset+leafSlotsStart+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2 := openTestEngine(t, dir)
	defer e2.Close()
	_, err = e2.Get([]byte("k"))
	require.Error(t, err)
	var cerr *common.Error
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, common.KindCorruption, cerr.Kind)
}

// Regression test: a write-ahead log failure mid-commit must leave no
// observable trace. Before the fix, pages were rewritten in place in the
// shared buffer-pool frame ahead of the WAL record, so an aborted commit
// could still be visible to a subsequent read through the untouched root.
func TestEnginePutLeavesNoTraceWhenWALFails(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	require.NoError(t, e.Put([]byte("existing"), []byte("v1")))
	rootBefore := e.root.Load()
	countBefore := e.Count()

	// Force the next WAL append to fail without touching the data file.
	require.NoError(t, e.wal.file.Close())

	err := e.Put([]byte("existing"), []byte("v2"))
	require.Error(t, err)

	// Reopen the WAL file so Close() during test cleanup doesn't also fail.
	f, ferr := os.OpenFile(e.wal.file.Name(), os.O_RDWR, 0644)
	require.NoError(t, ferr)
	e.wal.file = f

	require.Equal(t, rootBefore, e.root.Load())
	require.Equal(t, countBefore, e.Count())

	v, err := e.Get([]byte("existing"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestEngineGenerationIncreasesMonotonically(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	defer e.Close()

	g0 := e.generation.Load()
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	g1 := e.generation.Load()
	require.Greater(t, g1, g0)
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	g2 := e.generation.Load()
	require.Greater(t, g2, g1)
}

func TestEngineReopenIsIdempotent(t *testing.T) {
	dir := testutil.TempDir(t)
	e := openTestEngine(t, dir)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Close())

	for i := 0; i < 3; i++ {
		e2 := openTestEngine(t, dir)
		v, err := e2.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)
		require.EqualValues(t, 1, e2.Count())
		require.NoError(t, e2.Close())
	}
}
