package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// Page type and header layout, spec.md §3, §4.3, §6.
//
// Header (22 bytes, every tree page):
//
//	page_type            u8   offset 0   (1 = internal, 2 = leaf)
//	level                u8   offset 1
//	flags                u16  offset 2   (reserved)
//	item_count           u16  offset 4
//	free_space_start     u16  offset 6
//	free_space_end       u16  offset 8
//	right_sibling_page_id i64 offset 10  (leaves only; zero on internal)
//	page_crc             u32  offset 18, over the whole page with [18,22) zeroed
//
// Internal pages additionally carry an 8-byte leftmost-child pointer at
// offset 22; their slot array starts at offset 30. Leaf slot arrays start
// at offset 22. Slots are 4 bytes (2-byte record offset, 2-byte length).
const (
	pageTypeInternal = 1
	pageTypeLeaf     = 2

	hdrSize        = 22
	hdrOffType     = 0
	hdrOffLevel    = 1
	hdrOffFlags    = 2
	hdrOffCount    = 4
	hdrOffFreeStart = 6
	hdrOffFreeEnd  = 8
	hdrOffRightSib = 10
	hdrOffCRC      = 18

	internalLeftmostOff = hdrSize // 22
	internalSlotsStart  = 30
	leafSlotsStart      = hdrSize // 22

	slotEntrySize = 4
)

var errPageFull = errors.New("page is full")

// leafEntry is a decoded leaf record: a live (key, value) pair.
type leafEntry struct {
	key   []byte
	value []byte
}

// internalEntry is a decoded separator: key s routes keys >= s to child.
type internalEntry struct {
	key   []byte
	child uint64
}

// page is the in-memory, mutable view of one fixed-size tree page. Every
// mutation rewrites the page's slot array and record area from scratch
// (spec.md §4.3: "free space is reclaimed by the rewrite (no fragmentation)"
// for updates, and "full compaction; never leave dead space" for deletes) —
// this implementation applies that rule uniformly to every mutation so the
// page never carries dead bytes between one read and the next.
type page struct {
	id    uint64
	buf   []byte
	dirty bool
}

func newLeafPage(id uint64, size uint32) *page {
	p := &page{id: id, buf: make([]byte, size), dirty: true}
	p.buf[hdrOffType] = pageTypeLeaf
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeStart:], leafSlotsStart)
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeEnd:], uint16(size))
	p.writeCRC()
	return p
}

func newInternalPage(id uint64, size uint32, level uint8) *page {
	p := &page{id: id, buf: make([]byte, size), dirty: true}
	p.buf[hdrOffType] = pageTypeInternal
	p.buf[hdrOffLevel] = level
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeStart:], internalSlotsStart)
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeEnd:], uint16(size))
	p.writeCRC()
	return p
}

// loadPage wraps raw bytes read from disk/WAL/buffer pool as a page. It does
// not validate the CRC; callers that need validation call VerifyCRC.
func loadPage(id uint64, buf []byte) *page {
	return &page{id: id, buf: buf}
}

func (p *page) ID() uint64     { return p.id }
func (p *page) Bytes() []byte  { return p.buf }
func (p *page) Size() int      { return len(p.buf) }
func (p *page) IsLeaf() bool   { return p.buf[hdrOffType] == pageTypeLeaf }
func (p *page) Level() uint8   { return p.buf[hdrOffLevel] }
func (p *page) Dirty() bool    { return p.dirty }
func (p *page) ClearDirty()    { p.dirty = false }

// clone returns an independent copy of p. The buffer pool hands this out
// to every Fetch caller instead of the frame-resident object itself, so a
// caller mutating its result can never race a concurrent reader fetching
// the same id (spec.md §4.2: "Always returns copies, never references").
func (p *page) clone() *page {
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return &page{id: p.id, buf: buf, dirty: p.dirty}
}

func (p *page) ItemCount() uint16 {
	return binary.LittleEndian.Uint16(p.buf[hdrOffCount:])
}

func (p *page) RightSibling() uint64 {
	return binary.LittleEndian.Uint64(p.buf[hdrOffRightSib:])
}

func (p *page) SetRightSibling(id uint64) {
	binary.LittleEndian.PutUint64(p.buf[hdrOffRightSib:], id)
	p.dirty = true
	p.writeCRC()
}

func (p *page) LeftmostChild() uint64 {
	return binary.LittleEndian.Uint64(p.buf[internalLeftmostOff:])
}

func (p *page) SetLeftmostChild(id uint64) {
	binary.LittleEndian.PutUint64(p.buf[internalLeftmostOff:], id)
	p.dirty = true
	p.writeCRC()
}

func (p *page) slotsStart() int {
	if p.IsLeaf() {
		return leafSlotsStart
	}
	return internalSlotsStart
}

func (p *page) freeSpaceStart() int {
	return int(binary.LittleEndian.Uint16(p.buf[hdrOffFreeStart:]))
}

func (p *page) freeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(p.buf[hdrOffFreeEnd:]))
}

func (p *page) slotAt(i uint16) (offset, length int) {
	o := p.slotsStart() + int(i)*slotEntrySize
	return int(binary.LittleEndian.Uint16(p.buf[o:])), int(binary.LittleEndian.Uint16(p.buf[o+2:]))
}

// UsedBytes is the number of bytes occupied by the slot array plus the
// record area (spec.md §3 rebalance thresholds: "used bytes").
func (p *page) UsedBytes() int {
	return (p.freeSpaceStart() - p.slotsStart()) + (len(p.buf) - p.freeSpaceEnd())
}

// UsableSpace excludes the header (and, for internal pages, the
// leftmost-child pointer) per spec.md §3.
func (p *page) UsableSpace() int {
	return len(p.buf) - p.slotsStart()
}

// Underfull implements the 40%-of-usable-space threshold of spec.md §3. A
// page with zero entries is always underfull because UsedBytes() is 0.
func (p *page) Underfull() bool {
	return p.UsedBytes()*10 < p.UsableSpace()*4
}

func (p *page) leafRecordAt(offset int) leafEntry {
	keyLen := binary.LittleEndian.Uint16(p.buf[offset:])
	off := offset + 2
	key := append([]byte(nil), p.buf[off:off+int(keyLen)]...)
	off += int(keyLen)
	valLen := binary.LittleEndian.Uint32(p.buf[off:])
	off += 4
	value := append([]byte(nil), p.buf[off:off+int(valLen)]...)
	return leafEntry{key: key, value: value}
}

func (p *page) internalRecordAt(offset int) internalEntry {
	keyLen := binary.LittleEndian.Uint16(p.buf[offset:])
	off := offset + 2
	key := append([]byte(nil), p.buf[off:off+int(keyLen)]...)
	off += int(keyLen)
	child := binary.LittleEndian.Uint64(p.buf[off:])
	return internalEntry{key: key, child: child}
}

// LeafEntries decodes every record in slot (i.e. key) order.
func (p *page) LeafEntries() []leafEntry {
	n := p.ItemCount()
	out := make([]leafEntry, n)
	for i := uint16(0); i < n; i++ {
		off, _ := p.slotAt(i)
		out[i] = p.leafRecordAt(off)
	}
	return out
}

// InternalEntries decodes every separator in slot (i.e. key) order.
func (p *page) InternalEntries() []internalEntry {
	n := p.ItemCount()
	out := make([]internalEntry, n)
	for i := uint16(0); i < n; i++ {
		off, _ := p.slotAt(i)
		out[i] = p.internalRecordAt(off)
	}
	return out
}

func leafRecordSize(e leafEntry) int { return 2 + len(e.key) + 4 + len(e.value) }
func internalRecordSize(e internalEntry) int { return 2 + len(e.key) + 8 }

// RewriteLeaf replaces the page's contents with entries, which must already
// be sorted ascending by key (invariant 6, spec.md §3). Returns errPageFull
// if entries do not fit; the caller is responsible for splitting first.
func (p *page) RewriteLeaf(entries []leafEntry, rightSibling uint64) error {
	slotsStart := leafSlotsStart
	slotBytes := len(entries) * slotEntrySize
	recordBytes := 0
	for _, e := range entries {
		recordBytes += leafRecordSize(e)
	}
	if slotsStart+slotBytes+recordBytes > len(p.buf) {
		return errPageFull
	}

	p.buf[hdrOffType] = pageTypeLeaf
	p.buf[hdrOffLevel] = 0
	binary.LittleEndian.PutUint16(p.buf[hdrOffCount:], uint16(len(entries)))
	binary.LittleEndian.PutUint64(p.buf[hdrOffRightSib:], rightSibling)

	offset := len(p.buf)
	for i, e := range entries {
		recLen := leafRecordSize(e)
		offset -= recLen
		binary.LittleEndian.PutUint16(p.buf[offset:], uint16(len(e.key)))
		o := offset + 2
		copy(p.buf[o:], e.key)
		o += len(e.key)
		binary.LittleEndian.PutUint32(p.buf[o:], uint32(len(e.value)))
		o += 4
		copy(p.buf[o:], e.value)

		slotOff := slotsStart + i*slotEntrySize
		binary.LittleEndian.PutUint16(p.buf[slotOff:], uint16(offset))
		binary.LittleEndian.PutUint16(p.buf[slotOff+2:], uint16(recLen))
	}
	newFreeStart := slotsStart + len(entries)*slotEntrySize
	for i := newFreeStart; i < offset; i++ {
		p.buf[i] = 0
	}
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeStart:], uint16(newFreeStart))
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeEnd:], uint16(offset))

	p.dirty = true
	p.writeCRC()
	return nil
}

// RewriteInternal replaces the page's separators; entries must be sorted
// ascending by key. leftmostChild routes keys less than entries[0].key.
func (p *page) RewriteInternal(leftmostChild uint64, entries []internalEntry) error {
	slotsStart := internalSlotsStart
	slotBytes := len(entries) * slotEntrySize
	recordBytes := 0
	for _, e := range entries {
		recordBytes += internalRecordSize(e)
	}
	if slotsStart+slotBytes+recordBytes > len(p.buf) {
		return errPageFull
	}

	p.buf[hdrOffType] = pageTypeInternal
	binary.LittleEndian.PutUint16(p.buf[hdrOffCount:], uint16(len(entries)))
	binary.LittleEndian.PutUint64(p.buf[hdrOffRightSib:], 0)
	binary.LittleEndian.PutUint64(p.buf[internalLeftmostOff:], leftmostChild)

	offset := len(p.buf)
	for i, e := range entries {
		recLen := internalRecordSize(e)
		offset -= recLen
		binary.LittleEndian.PutUint16(p.buf[offset:], uint16(len(e.key)))
		o := offset + 2
		copy(p.buf[o:], e.key)
		o += len(e.key)
		binary.LittleEndian.PutUint64(p.buf[o:], e.child)

		slotOff := slotsStart + i*slotEntrySize
		binary.LittleEndian.PutUint16(p.buf[slotOff:], uint16(offset))
		binary.LittleEndian.PutUint16(p.buf[slotOff+2:], uint16(recLen))
	}
	newFreeStart := slotsStart + len(entries)*slotEntrySize
	for i := newFreeStart; i < offset; i++ {
		p.buf[i] = 0
	}
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeStart:], uint16(newFreeStart))
	binary.LittleEndian.PutUint16(p.buf[hdrOffFreeEnd:], uint16(offset))

	p.dirty = true
	p.writeCRC()
	return nil
}

func (p *page) SetLevel(level uint8) {
	p.buf[hdrOffLevel] = level
	p.dirty = true
	p.writeCRC()
}

// GetLeaf performs the exact-match binary search of spec.md §4.3 step 3.
func (p *page) GetLeaf(key []byte) ([]byte, bool) {
	entries := p.LeafEntries()
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) >= 0
	})
	if i < len(entries) && bytes.Equal(entries[i].key, key) {
		return entries[i].value, true
	}
	return nil, false
}

// FindChild implements the internal-node routing rule of spec.md §4.3 step
// 2: descend via the largest separator <= key, or the leftmost child if
// every separator is greater than key.
func (p *page) FindChild(key []byte) uint64 {
	entries := p.InternalEntries()
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) > 0
	})
	if i == 0 {
		return p.LeftmostChild()
	}
	return entries[i-1].child
}

func (p *page) computeCRC() uint32 {
	return crcOverRangeExcluding(p.buf, hdrOffCRC, hdrOffCRC+4)
}

func (p *page) writeCRC() {
	binary.LittleEndian.PutUint32(p.buf[hdrOffCRC:], p.computeCRC())
}

// VerifyCRC checks the page's stored CRC against its current contents.
func (p *page) VerifyCRC() bool {
	stored := binary.LittleEndian.Uint32(p.buf[hdrOffCRC:])
	return stored == p.computeCRC()
}
