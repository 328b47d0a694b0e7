package chronq

import "hash/crc32"

// castagnoliTable is the CRC-32C polynomial table, matching the one the
// teacher's pkg/slotcache uses for its own header checksum.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// crc32c returns the CRC-32C (Castagnoli) checksum of b.
func crc32c(b []byte) uint32 {
	return crc32.Checksum(b, castagnoliTable)
}
