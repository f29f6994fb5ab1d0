package engine

// Page split logic for insert overflow (spec.md §4.3 "Insert", last two
// bullets): median-split-by-count, left gets the smaller half on an odd
// count, split key is the right half's first key (leaf) or the promoted
// median separator (internal).

// splitLeafAndInsert splits p, whose in-memory entries (already including
// the new record, sorted) no longer fit. The left half is rewritten back
// into p; the right half goes into a freshly allocated page.
func (n *navigator) splitLeafAndInsert(p *page, entries []leafEntry, touched map[uint64]*page) (*splitUp, error) {
	mid := len(entries) / 2

	newPage, err := n.bp.NewPage(func(id uint64) *page { return newLeafPage(id, n.pageSize) })
	if err != nil {
		return nil, err
	}

	oldRightSibling := p.RightSibling()
	if err := p.RewriteLeaf(entries[:mid], newPage.ID()); err != nil {
		return nil, err
	}
	if err := newPage.RewriteLeaf(entries[mid:], oldRightSibling); err != nil {
		return nil, err
	}

	touched[p.ID()] = p
	touched[newPage.ID()] = newPage
	n.bp.Unpin(newPage.ID(), true)

	return &splitUp{key: append([]byte(nil), entries[mid].key...), newPageID: newPage.ID()}, nil
}

// splitInternalAndInsert splits p, whose separators (already including the
// newly propagated one, sorted) no longer fit. The median separator is
// promoted to the parent; its child pointer becomes the new right page's
// leftmost child.
func (n *navigator) splitInternalAndInsert(p *page, entries []internalEntry, touched map[uint64]*page) (*splitUp, error) {
	mid := len(entries) / 2
	median := entries[mid]

	newPage, err := n.bp.NewPage(func(id uint64) *page { return newInternalPage(id, n.pageSize, p.Level()) })
	if err != nil {
		return nil, err
	}

	if err := p.RewriteInternal(p.LeftmostChild(), entries[:mid]); err != nil {
		return nil, err
	}
	if err := newPage.RewriteInternal(median.child, entries[mid+1:]); err != nil {
		return nil, err
	}

	touched[p.ID()] = p
	touched[newPage.ID()] = newPage
	n.bp.Unpin(newPage.ID(), true)

	return &splitUp{key: append([]byte(nil), median.key...), newPageID: newPage.ID()}, nil
}
