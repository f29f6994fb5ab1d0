package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aplsdb/apls/common/testutil"
	"github.com/stretchr/testify/require"
)

func TestPageManagerAllocateWriteRead(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()

	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm.Close()

	id, err := pm.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	p := newLeafPage(id, cfg.PageSize)
	require.NoError(t, p.RewriteLeaf([]leafEntry{{key: []byte("x"), value: []byte("y")}}, 0))
	require.NoError(t, pm.WritePage(p))

	got, err := pm.ReadPage(id)
	require.NoError(t, err)
	v, ok := got.GetLeaf([]byte("x"))
	require.True(t, ok)
	require.Equal(t, []byte("y"), v)
}

func TestPageManagerReopenValidatesSuperblock(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()

	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	require.NoError(t, pm.WriteSuperblock(5, 2, 10))
	require.NoError(t, pm.Close())

	pm2, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	defer pm2.Close()

	sb, err := pm2.ReadSuperblock()
	require.NoError(t, err)
	require.EqualValues(t, 5, sb.rootPageID)
	require.EqualValues(t, 2, sb.generation)
	require.EqualValues(t, 10, sb.entryCount)
}

func TestPageManagerRejectsMismatchedPageSize(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()

	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	require.NoError(t, pm.Close())

	cfg2 := cfg
	cfg2.PageSize = 8192
	_, err = openPageManager(dir, cfg2)
	require.Error(t, err)
}

func TestPageManagerDetectsCorruptSuperblock(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig()

	pm, err := openPageManager(dir, cfg)
	require.NoError(t, err)
	require.NoError(t, pm.Close())

	f, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, sbOffEntryCnt)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = openPageManager(dir, cfg)
	require.Error(t, err)
}
