package engine

// Rebalancing for delete underflow (spec.md §4.3 "Delete", steps 3-4):
// merge when the combined content of two siblings fits one page, otherwise
// redistribute evenly. Internal rebalancing pulls the parent separator down
// into the combined content on merge, or promotes the new median back up
// to the parent on redistribute. The right sibling is preferred; the left
// is used only when there is no right sibling.

// rebalanceChild rebalances the child at slot idx (already known
// underfull) against a sibling, updating parent in place. Returns whether
// parent itself is now underfull.
func (n *navigator) rebalanceChild(parent *page, idx int, touched map[uint64]*page) (bool, error) {
	entries := parent.InternalEntries()
	leftmost := parent.LeftmostChild()
	numEntries := len(entries)

	var leftSlot, rightSlot int
	switch {
	case idx+1 <= numEntries-1:
		leftSlot, rightSlot = idx, idx+1
	case idx-1 >= -1:
		leftSlot, rightSlot = idx-1, idx
	default:
		return false, nil // only child in tree; root-collapse handles this
	}
	sepIndex := rightSlot
	sepKey := entries[sepIndex].key

	leftID := childAtSlot(entries, leftmost, leftSlot)
	rightID := childAtSlot(entries, leftmost, rightSlot)

	leftPage, err := n.bp.Fetch(leftID)
	if err != nil {
		return false, err
	}
	rightPage, err := n.bp.Fetch(rightID)
	if err != nil {
		n.bp.Unpin(leftID, false)
		return false, err
	}
	// A child already rewritten by this operation lives only in touched;
	// the pool still holds its pre-operation image.
	if t, ok := touched[leftID]; ok {
		leftPage = t
	}
	if t, ok := touched[rightID]; ok {
		rightPage = t
	}

	var rerr error
	if leftPage.IsLeaf() {
		rerr = n.rebalanceLeafPair(parent, entries, leftmost, sepIndex, leftPage, rightPage, touched)
	} else {
		rerr = n.rebalanceInternalPair(parent, entries, leftmost, sepIndex, sepKey, leftPage, rightPage, touched)
	}
	// leftPage/rightPage are Fetch's private copies; the resident frames
	// are untouched until the engine commits touched and invalidates them.
	n.bp.Unpin(leftID, false)
	n.bp.Unpin(rightID, false)
	if rerr != nil {
		return false, rerr
	}
	return parent.Underfull(), nil
}

func canMergeLeaf(left, right []leafEntry, pageSize uint32) bool {
	bytesUsed := leafSlotsStart
	for _, e := range left {
		bytesUsed += slotEntrySize + leafRecordSize(e)
	}
	for _, e := range right {
		bytesUsed += slotEntrySize + leafRecordSize(e)
	}
	return bytesUsed <= int(pageSize)
}

func (n *navigator) rebalanceLeafPair(parent *page, parentEntries []internalEntry, leftmost uint64, sepIndex int, left, right *page, touched map[uint64]*page) error {
	leftEntries := left.LeafEntries()
	rightEntries := right.LeafEntries()

	if canMergeLeaf(leftEntries, rightEntries, uint32(left.Size())) {
		merged := append(leftEntries, rightEntries...)
		if err := left.RewriteLeaf(merged, right.RightSibling()); err != nil {
			return err
		}
		touched[left.ID()] = left

		newEntries := make([]internalEntry, 0, len(parentEntries)-1)
		newEntries = append(newEntries, parentEntries[:sepIndex]...)
		newEntries = append(newEntries, parentEntries[sepIndex+1:]...)
		return parent.RewriteInternal(leftmost, newEntries)
	}

	combined := append(leftEntries, rightEntries...)
	mid := len(combined) / 2
	if err := left.RewriteLeaf(combined[:mid], right.ID()); err != nil {
		return err
	}
	if err := right.RewriteLeaf(combined[mid:], right.RightSibling()); err != nil {
		return err
	}
	touched[left.ID()] = left
	touched[right.ID()] = right

	newEntries := append([]internalEntry(nil), parentEntries...)
	newEntries[sepIndex].key = append([]byte(nil), combined[mid].key...)
	return parent.RewriteInternal(leftmost, newEntries)
}

func canMergeInternal(left []internalEntry, pulled internalEntry, right []internalEntry, pageSize uint32) bool {
	bytesUsed := internalSlotsStart
	all := append(append(append([]internalEntry(nil), left...), pulled), right...)
	for _, e := range all {
		bytesUsed += slotEntrySize + internalRecordSize(e)
	}
	return bytesUsed <= int(pageSize)
}

func (n *navigator) rebalanceInternalPair(parent *page, parentEntries []internalEntry, leftmost uint64, sepIndex int, sepKey []byte, left, right *page, touched map[uint64]*page) error {
	leftEntries := left.InternalEntries()
	rightEntries := right.InternalEntries()
	pulled := internalEntry{key: append([]byte(nil), sepKey...), child: right.LeftmostChild()}

	if canMergeInternal(leftEntries, pulled, rightEntries, uint32(left.Size())) {
		merged := make([]internalEntry, 0, len(leftEntries)+1+len(rightEntries))
		merged = append(merged, leftEntries...)
		merged = append(merged, pulled)
		merged = append(merged, rightEntries...)
		if err := left.RewriteInternal(left.LeftmostChild(), merged); err != nil {
			return err
		}
		touched[left.ID()] = left

		newEntries := make([]internalEntry, 0, len(parentEntries)-1)
		newEntries = append(newEntries, parentEntries[:sepIndex]...)
		newEntries = append(newEntries, parentEntries[sepIndex+1:]...)
		return parent.RewriteInternal(leftmost, newEntries)
	}

	combined := make([]internalEntry, 0, len(leftEntries)+1+len(rightEntries))
	combined = append(combined, leftEntries...)
	combined = append(combined, pulled)
	combined = append(combined, rightEntries...)

	mid := len(combined) / 2
	promoted := combined[mid]
	if err := left.RewriteInternal(left.LeftmostChild(), combined[:mid]); err != nil {
		return err
	}
	if err := right.RewriteInternal(promoted.child, combined[mid+1:]); err != nil {
		return err
	}
	touched[left.ID()] = left
	touched[right.ID()] = right

	newEntries := append([]internalEntry(nil), parentEntries...)
	newEntries[sepIndex].key = append([]byte(nil), promoted.key...)
	return parent.RewriteInternal(leftmost, newEntries)
}
