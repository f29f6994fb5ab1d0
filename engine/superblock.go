package engine

import (
	"encoding/binary"

	"github.com/aplsdb/apls/common"
)

// Superblock layout (spec.md §3, §4.1, §6), little-endian throughout:
//
//	magic            u32  offset 0
//	format_version   u16  offset 4
//	page_size        u16  offset 6
//	entry_count      i64  offset 8
//	root_page_id     i64  offset 16
//	generation       i64  offset 24
//	free_list_head   i64  offset 32
//	crc              u32  offset 40, over bytes [0, 40)
//
// Remaining bytes of page 0, up to the configured page size, are reserved
// and zero.
const (
	superblockMagic        uint32 = 0x41504C53 // 'APLS'
	superblockFormatV1      uint16 = 1
	superblockSize                 = 44 // bytes actually occupied by the header

	sbOffMagic    = 0
	sbOffVersion  = 4
	sbOffPageSize = 6
	sbOffEntryCnt = 8
	sbOffRoot     = 16
	sbOffGen      = 24
	sbOffFreeList = 32
	sbOffCRC      = 40
)

// superblock is the decoded form of page 0.
type superblock struct {
	magic         uint32
	formatVersion uint16
	pageSize      uint16
	entryCount    int64
	rootPageID    int64
	generation    int64
	freeListHead  int64
}

func encodeSuperblock(sb *superblock, pageSize uint32) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[sbOffMagic:], sb.magic)
	binary.LittleEndian.PutUint16(buf[sbOffVersion:], sb.formatVersion)
	binary.LittleEndian.PutUint16(buf[sbOffPageSize:], sb.pageSize)
	binary.LittleEndian.PutUint64(buf[sbOffEntryCnt:], uint64(sb.entryCount))
	binary.LittleEndian.PutUint64(buf[sbOffRoot:], uint64(sb.rootPageID))
	binary.LittleEndian.PutUint64(buf[sbOffGen:], uint64(sb.generation))
	binary.LittleEndian.PutUint64(buf[sbOffFreeList:], uint64(sb.freeListHead))
	crc := crcChecksum(buf[:sbOffCRC])
	binary.LittleEndian.PutUint32(buf[sbOffCRC:], crc)
	return buf
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	if len(buf) < superblockSize {
		return nil, common.NewErrorf(common.KindValidation, "pagemanager", nil, "superblock page shorter than %d bytes", superblockSize)
	}
	sb := &superblock{
		magic:         binary.LittleEndian.Uint32(buf[sbOffMagic:]),
		formatVersion: binary.LittleEndian.Uint16(buf[sbOffVersion:]),
		pageSize:      binary.LittleEndian.Uint16(buf[sbOffPageSize:]),
		entryCount:    int64(binary.LittleEndian.Uint64(buf[sbOffEntryCnt:])),
		rootPageID:    int64(binary.LittleEndian.Uint64(buf[sbOffRoot:])),
		generation:    int64(binary.LittleEndian.Uint64(buf[sbOffGen:])),
		freeListHead:  int64(binary.LittleEndian.Uint64(buf[sbOffFreeList:])),
	}
	wantCRC := binary.LittleEndian.Uint32(buf[sbOffCRC:])
	gotCRC := crcChecksum(buf[:sbOffCRC])
	if wantCRC != gotCRC {
		return nil, common.NewErrorf(common.KindValidation, "pagemanager", nil, "superblock CRC mismatch: want %#x got %#x", wantCRC, gotCRC)
	}
	if sb.magic != superblockMagic {
		return nil, common.NewErrorf(common.KindValidation, "pagemanager", nil, "bad superblock magic %#x", sb.magic)
	}
	if sb.formatVersion > superblockFormatV1 {
		return nil, common.NewErrorf(common.KindValidation, "pagemanager", nil, "unsupported format version %d", sb.formatVersion)
	}
	return sb, nil
}
