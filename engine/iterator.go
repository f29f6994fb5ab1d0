package engine

import (
	"bytes"
	"sort"
)

// pageIterator walks the leaf chain in key order, starting from a given
// leaf and slot, per spec.md §4.3 "Ordered scan" / "Range scan". It reads
// pages through the buffer pool and never mutates them.
type pageIterator struct {
	bp      *bufferPool
	entries []leafEntry
	pos     int
	nextID  uint64
	end     []byte // inclusive upper bound; nil means unbounded
	done    bool
}

// newOrderedIterator positions at the leftmost leaf of the tree rooted at
// root (spec.md: "walking leftmost-child pointers from the root").
func newOrderedIterator(bp *bufferPool, root uint64) (*pageIterator, error) {
	return newRangeIterator(bp, root, nil, nil)
}

// newRangeIterator positions at the leaf that would contain start (or the
// leftmost leaf if start is nil), then skips entries below start.
func newRangeIterator(bp *bufferPool, root uint64, start, end []byte) (*pageIterator, error) {
	it := &pageIterator{bp: bp, end: end}
	if root == 0 {
		it.done = true
		return it, nil
	}

	pageID := root
	for {
		p, err := bp.Fetch(pageID)
		if err != nil {
			return nil, err
		}
		if p.IsLeaf() {
			it.entries = p.LeafEntries()
			it.nextID = p.RightSibling()
			bp.Unpin(pageID, false)
			break
		}
		var next uint64
		if start != nil {
			next = p.FindChild(start)
		} else {
			next = p.LeftmostChild()
		}
		bp.Unpin(pageID, false)
		pageID = next
	}

	if start != nil {
		it.pos = sort.Search(len(it.entries), func(i int) bool {
			return bytes.Compare(it.entries[i].key, start) >= 0
		})
	}
	it.advancePastEnd()
	return it, nil
}

// advancePastEnd marks the iterator done once positioned past end, and
// advances across exhausted leaves by following the sibling chain.
func (it *pageIterator) advancePastEnd() {
	for {
		if it.pos < len(it.entries) {
			if it.end != nil && bytes.Compare(it.entries[it.pos].key, it.end) > 0 {
				it.done = true
			}
			return
		}
		if it.nextID == 0 {
			it.done = true
			return
		}
		p, err := it.bp.Fetch(it.nextID)
		if err != nil {
			it.done = true
			return
		}
		it.entries = p.LeafEntries()
		it.pos = 0
		id := it.nextID
		it.nextID = p.RightSibling()
		it.bp.Unpin(id, false)
	}
}

// Next returns the next (key, value) pair in order, or ok == false when the
// iterator is exhausted.
func (it *pageIterator) Next() (key, value []byte, ok bool) {
	if it.done {
		return nil, nil, false
	}
	e := it.entries[it.pos]
	it.pos++
	it.advancePastEnd()
	return e.key, e.value, true
}

// scanIterator adapts pageIterator to common.Iterator's cursor shape
// (Next-then-Key/Value, rather than Next-returns-the-pair).
type scanIterator struct {
	inner      *pageIterator
	key, value []byte
}

func newScanIterator(inner *pageIterator) *scanIterator {
	return &scanIterator{inner: inner}
}

func (s *scanIterator) Next() bool {
	k, v, ok := s.inner.Next()
	s.key, s.value = k, v
	return ok
}

func (s *scanIterator) Key() []byte   { return s.key }
func (s *scanIterator) Value() []byte { return s.value }
func (s *scanIterator) Error() error  { return nil }
func (s *scanIterator) Close() error  { return nil }
