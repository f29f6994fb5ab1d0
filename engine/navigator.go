package engine

import (
	"bytes"
	"errors"
	"sort"
)

// navigator implements search, insert, delete, and scan over the page tree
// (spec.md §4.3). It reads and writes pages exclusively through the buffer
// pool; it never touches the page manager or WAL directly — the engine
// façade owns the commit protocol that makes a navigator's mutations
// durable (write to WAL, commit, write through, invalidate).
type navigator struct {
	bp       *bufferPool
	pageSize uint32
}

func newNavigator(bp *bufferPool, pageSize uint32) *navigator {
	return &navigator{bp: bp, pageSize: pageSize}
}

// splitUp carries a propagated (separator key, new right page id) from a
// child split up to its parent.
type splitUp struct {
	key       []byte
	newPageID uint64
}

// Get implements the read path of spec.md §4.3: snapshot-free, since the
// caller already snapshotted the root id before calling.
func (n *navigator) Get(root uint64, key []byte) ([]byte, bool, error) {
	if root == 0 {
		return nil, false, nil
	}
	pageID := root
	for {
		p, err := n.bp.Fetch(pageID)
		if err != nil {
			return nil, false, err
		}
		if p.IsLeaf() {
			v, ok := p.GetLeaf(key)
			n.bp.Unpin(pageID, false)
			return v, ok, nil
		}
		next := p.FindChild(key)
		n.bp.Unpin(pageID, false)
		pageID = next
	}
}

// Insert implements spec.md §4.3 "Insert": recursive descent, rewrite or
// split as needed, split propagation on unwind. touched accumulates every
// page object the operation modified, for the caller's commit protocol.
// added reports whether a new key was created (false on pure update).
func (n *navigator) Insert(root uint64, key, value []byte, touched map[uint64]*page) (newRoot uint64, added bool, err error) {
	if root == 0 {
		p, err := n.bp.NewPage(func(id uint64) *page { return newLeafPage(id, n.pageSize) })
		if err != nil {
			return 0, false, err
		}
		if err := p.RewriteLeaf([]leafEntry{{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}}, 0); err != nil {
			return 0, false, err
		}
		touched[p.ID()] = p
		n.bp.Unpin(p.ID(), true)
		return p.ID(), true, nil
	}

	added, split, err := n.insertRecursive(root, key, value, touched)
	if err != nil {
		return 0, false, err
	}
	if split == nil {
		return root, added, nil
	}

	newRootPage, err := n.bp.NewPage(func(id uint64) *page { return newInternalPage(id, n.pageSize, 0) })
	if err != nil {
		return 0, false, err
	}
	if err := newRootPage.RewriteInternal(root, []internalEntry{{key: split.key, child: split.newPageID}}); err != nil {
		return 0, false, err
	}
	touched[newRootPage.ID()] = newRootPage
	n.bp.Unpin(newRootPage.ID(), true)
	return newRootPage.ID(), added, nil
}

func (n *navigator) insertRecursive(pageID uint64, key, value []byte, touched map[uint64]*page) (added bool, split *splitUp, err error) {
	p, err := n.bp.Fetch(pageID)
	if err != nil {
		return false, nil, err
	}

	if p.IsLeaf() {
		entries := p.LeafEntries()
		idx := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
		newEntry := leafEntry{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
		if idx < len(entries) && bytes.Equal(entries[idx].key, key) {
			entries[idx] = newEntry
			added = false
		} else {
			entries = append(entries, leafEntry{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = newEntry
			added = true
		}

		// p is Fetch's private copy, not the frame-resident page: the
		// mutation above is invisible to the pool until the engine commits
		// it and invalidates pageID, so the resident frame is not dirtied.
		if rerr := p.RewriteLeaf(entries, p.RightSibling()); rerr == nil {
			touched[pageID] = p
			n.bp.Unpin(pageID, false)
			return added, nil, nil
		} else if !errors.Is(rerr, errPageFull) {
			n.bp.Unpin(pageID, false)
			return false, nil, rerr
		}

		su, serr := n.splitLeafAndInsert(p, entries, touched)
		n.bp.Unpin(pageID, false)
		if serr != nil {
			return false, nil, serr
		}
		return added, su, nil
	}

	childID := p.FindChild(key)
	n.bp.Unpin(pageID, false)

	added, childSplit, err := n.insertRecursive(childID, key, value, touched)
	if err != nil {
		return false, nil, err
	}
	if childSplit == nil {
		return added, nil, nil
	}

	p, err = n.bp.Fetch(pageID)
	if err != nil {
		return false, nil, err
	}
	entries := p.InternalEntries()
	idx := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, childSplit.key) >= 0 })
	entries = append(entries, internalEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = internalEntry{key: childSplit.key, child: childSplit.newPageID}

	// Same copy-not-resident discipline as the leaf case above.
	if rerr := p.RewriteInternal(p.LeftmostChild(), entries); rerr == nil {
		touched[pageID] = p
		n.bp.Unpin(pageID, false)
		return added, nil, nil
	} else if !errors.Is(rerr, errPageFull) {
		n.bp.Unpin(pageID, false)
		return false, nil, rerr
	}

	su, serr := n.splitInternalAndInsert(p, entries, touched)
	n.bp.Unpin(pageID, false)
	if serr != nil {
		return false, nil, serr
	}
	return added, su, nil
}

// Delete implements spec.md §4.3 "Delete": descend, rewrite the leaf,
// rebalance on the way back up, collapse the root when it empties out.
func (n *navigator) Delete(root uint64, key []byte, touched map[uint64]*page) (newRoot uint64, removed bool, err error) {
	if root == 0 {
		return 0, false, nil
	}
	removed, _, err = n.deleteRecursive(root, root, key, touched)
	if err != nil || !removed {
		return root, removed, err
	}

	newRoot = root
	for {
		p, err := n.bp.Fetch(newRoot)
		if err != nil {
			return 0, false, err
		}
		if t, ok := touched[newRoot]; ok {
			p = t // this operation's rewrite; the pool still holds the old image
		}
		if p.IsLeaf() {
			empty := p.ItemCount() == 0
			n.bp.Unpin(newRoot, false)
			if empty {
				newRoot = 0
			}
			break
		}
		if p.ItemCount() == 0 {
			lm := p.LeftmostChild()
			n.bp.Unpin(newRoot, false)
			newRoot = lm
			continue
		}
		n.bp.Unpin(newRoot, false)
		break
	}
	return newRoot, true, nil
}

func (n *navigator) deleteRecursive(rootID, pageID uint64, key []byte, touched map[uint64]*page) (removed bool, underfull bool, err error) {
	p, err := n.bp.Fetch(pageID)
	if err != nil {
		return false, false, err
	}

	if p.IsLeaf() {
		entries := p.LeafEntries()
		idx := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
		if idx >= len(entries) || !bytes.Equal(entries[idx].key, key) {
			n.bp.Unpin(pageID, false)
			return false, false, nil
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		if rerr := p.RewriteLeaf(entries, p.RightSibling()); rerr != nil {
			n.bp.Unpin(pageID, false)
			return false, false, rerr
		}
		touched[pageID] = p
		underfull = pageID != rootID && p.Underfull()
		// p is a private copy; the resident frame is untouched until commit.
		n.bp.Unpin(pageID, false)
		return true, underfull, nil
	}

	entries := p.InternalEntries()
	leftmost := p.LeftmostChild()
	idx, childID := findChildSlot(entries, leftmost, key)
	n.bp.Unpin(pageID, false)

	removed, childUnderfull, err := n.deleteRecursive(rootID, childID, key, touched)
	if err != nil || !removed || !childUnderfull {
		return removed, false, err
	}

	p, err = n.bp.Fetch(pageID)
	if err != nil {
		return true, false, err
	}
	underfull, rerr := n.rebalanceChild(p, idx, touched)
	if rerr != nil {
		n.bp.Unpin(pageID, false)
		return true, false, rerr
	}
	touched[pageID] = p
	// p is a private copy; the resident frame is untouched until commit.
	n.bp.Unpin(pageID, false)
	return true, pageID != rootID && underfull, nil
}

// findChildSlot locates key's child among entries (sorted separators) plus
// the implicit leftmost slot. Returns slot == -1 for the leftmost child,
// else the index into entries whose child matches.
func findChildSlot(entries []internalEntry, leftmost uint64, key []byte) (slot int, childID uint64) {
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) > 0 })
	if i == 0 {
		return -1, leftmost
	}
	return i - 1, entries[i-1].child
}

// childAtSlot returns the child page id at slot (-1 = leftmost).
func childAtSlot(entries []internalEntry, leftmost uint64, slot int) uint64 {
	if slot < 0 {
		return leftmost
	}
	return entries[slot].child
}
