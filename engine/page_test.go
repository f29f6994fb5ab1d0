package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeafPageRewriteAndRead(t *testing.T) {
	p := newLeafPage(1, 4096)
	entries := []leafEntry{
		{key: []byte("a"), value: []byte("1")},
		{key: []byte("b"), value: []byte("2")},
		{key: []byte("c"), value: []byte("3")},
	}
	require.NoError(t, p.RewriteLeaf(entries, 7))
	require.True(t, p.VerifyCRC())
	require.Equal(t, uint64(7), p.RightSibling())

	got := p.LeafEntries()
	require.Len(t, got, 3)
	for i, e := range entries {
		require.Equal(t, e.key, got[i].key)
		require.Equal(t, e.value, got[i].value)
	}

	v, ok := p.GetLeaf([]byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok = p.GetLeaf([]byte("z"))
	require.False(t, ok)
}

func TestLeafPageRewriteReportsFullOnOverflow(t *testing.T) {
	p := newLeafPage(1, 64) // tiny page forces overflow quickly
	entries := []leafEntry{
		{key: []byte("aaaaaaaaaa"), value: []byte("bbbbbbbbbbbbbbbbbbbbbbbb")},
		{key: []byte("cccccccccc"), value: []byte("dddddddddddddddddddddddd")},
	}
	require.ErrorIs(t, p.RewriteLeaf(entries, 0), errPageFull)
}

func TestInternalPageFindChild(t *testing.T) {
	p := newInternalPage(2, 4096, 1)
	entries := []internalEntry{
		{key: []byte("m"), child: 20},
		{key: []byte("t"), child: 30},
	}
	require.NoError(t, p.RewriteInternal(10, entries))

	require.Equal(t, uint64(10), p.FindChild([]byte("a")))
	require.Equal(t, uint64(20), p.FindChild([]byte("m")))
	require.Equal(t, uint64(20), p.FindChild([]byte("n")))
	require.Equal(t, uint64(30), p.FindChild([]byte("z")))
}

func TestPageCRCDetectsCorruption(t *testing.T) {
	p := newLeafPage(1, 4096)
	require.NoError(t, p.RewriteLeaf([]leafEntry{{key: []byte("k"), value: []byte("v")}}, 0))
	require.True(t, p.VerifyCRC())

	p.Bytes()[leafSlotsStart+10] ^= 0xFF
	require.False(t, p.VerifyCRC())
}

func TestPageUnderfull(t *testing.T) {
	p := newLeafPage(1, 4096)
	require.True(t, p.Underfull()) // empty page is always underfull

	big := make([]leafEntry, 0, 40)
	for i := 0; i < 40; i++ {
		big = append(big, leafEntry{key: []byte{byte(i)}, value: make([]byte, 80)})
	}
	require.NoError(t, p.RewriteLeaf(big, 0))
	require.False(t, p.Underfull())
}
