package engine

import "hash/crc32"

// crcTable is the IEEE 802.3 polynomial (0xEDB88320, reflected), the
// algorithm spec.md §6 pins for every on-disk checksum: page CRCs, the
// superblock CRC, and WAL record CRCs. crc32.IEEETable already implements
// this exact polynomial with the standard init/final-XOR of 0xFFFFFFFF, so
// there is no daylight between "write the spec's CRC" and "call hash/crc32".
var crcTable = crc32.IEEETable

// crcChecksum computes the CRC32 over b.
func crcChecksum(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}

// crcOverRangeExcluding computes the CRC over buf, treating the
// [excludeStart, excludeEnd) byte range as zero bytes — used for page CRCs,
// which are computed over the whole page with the CRC field itself zeroed
// out. The superblock CRC is a plain crcChecksum over the bytes before its
// CRC field.
func crcOverRangeExcluding(buf []byte, excludeStart, excludeEnd int) uint32 {
	h := crc32.New(crcTable)
	h.Write(buf[:excludeStart])
	zeros := make([]byte, excludeEnd-excludeStart)
	h.Write(zeros)
	h.Write(buf[excludeEnd:])
	return h.Sum32()
}
