package chronq

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Record header layout, little-endian, 64 bytes total, 64-byte aligned.
//
//	commit_len   u32  @0   sentinel 0 = uncommitted, else payload_len+1
//	_pad0        u32  @4
//	type_id      u16  @8   0xFFFF reserved for PAD records
//	flags        u16  @10
//	seq          u64  @12  monotonically increasing per queue, starts at 0
//	timestamp_ns u64  @20
//	crc32        u32  @28  CRC-32C over the payload bytes
//	reserved     [32]byte @32, padded to 64
const (
	recordHeaderSize = 64

	recOffCommitLen   = 0
	recOffPad0        = 4
	recOffTypeID      = 8
	recOffFlags       = 10
	recOffSeq         = 12
	recOffTimestampNs = 20
	recOffCRC32       = 28
	recOffReserved    = 32

	// typeIDPad marks a PAD record: no meaningful payload, commit_len
	// covers the slack to the next usable boundary.
	typeIDPad uint16 = 0xFFFF

	// maxPayloadLenHard is the largest payload commit_len can ever encode:
	// commit_len is a u32 and 0 is reserved for "uncommitted".
	maxPayloadLenHard = ^uint32(0) - 1
)

// align64 rounds x up to the next multiple of 64.
func align64(x uint64) uint64 {
	return (x + 63) &^ 63
}

// recordSpan returns the total aligned on-disk size of a record (header +
// payload, rounded up to 64 bytes).
func recordSpan(payloadLen uint64) uint64 {
	return align64(recordHeaderSize + payloadLen)
}

// commitLenPtr returns the atomic access point for the commit_len field of
// the record header starting at slot. slot must be 64-byte aligned, which
// every record start is by construction, so the uint32 access is naturally
// aligned.
func commitLenPtr(slot []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&slot[recOffCommitLen]))
}

// loadCommitLen reads commit_len with acquire ordering, per the record
// codec's read-side contract: a reader observing a nonzero value also
// observes the full header and payload written before the writer's
// release-store.
func loadCommitLen(slot []byte) uint32 {
	return atomic.LoadUint32(commitLenPtr(slot))
}

// publishCommit stores commit_len = payloadLen+1 with release ordering,
// making the record visible to readers. Must be called only after the
// header fields and payload bytes are fully written.
func publishCommit(slot []byte, payloadLen uint32) {
	atomic.StoreUint32(commitLenPtr(slot), payloadLen+1)
}

// writeHeaderUncommitted writes every header field except commit_len, which
// is left (or set) to zero. Callers must call publishCommit afterward to
// make the record visible.
func writeHeaderUncommitted(slot []byte, typeID uint16, seq uint64, timestampNs int64, payloadLen uint32, crc uint32) {
	atomic.StoreUint32(commitLenPtr(slot), 0)
	binary.LittleEndian.PutUint32(slot[recOffPad0:], 0)
	binary.LittleEndian.PutUint16(slot[recOffTypeID:], typeID)
	binary.LittleEndian.PutUint16(slot[recOffFlags:], 0)
	binary.LittleEndian.PutUint64(slot[recOffSeq:], seq)
	binary.LittleEndian.PutUint64(slot[recOffTimestampNs:], uint64(timestampNs))
	binary.LittleEndian.PutUint32(slot[recOffCRC32:], crc)
	clear(slot[recOffReserved:recordHeaderSize])
	_ = payloadLen // encoded only at publishCommit time
}

// writePad writes a PAD record whose total span (header + payload, once
// aligned) exactly covers slack bytes starting at slot. slack must be
// >= recordHeaderSize and a multiple of 64, so the payload portion
// (slack - recordHeaderSize) needs no further rounding.
func writePad(slot []byte, seq uint64, timestampNs int64, slack uint64) {
	payloadLen := uint32(slack - recordHeaderSize)
	writeHeaderUncommitted(slot, typeIDPad, seq, timestampNs, payloadLen, 0)
	publishCommit(slot, payloadLen)
}

// recordView describes a decoded, not-yet-validated record header.
type recordView struct {
	commitLen   uint32
	typeID      uint16
	seq         uint64
	timestampNs int64
	crc32       uint32
}

// decodeHeader reads every header field except commit_len (which the
// caller must load separately with loadCommitLen under acquire ordering
// before trusting the rest of the header).
func decodeHeader(slot []byte, commitLen uint32) recordView {
	return recordView{
		commitLen:   commitLen,
		typeID:      binary.LittleEndian.Uint16(slot[recOffTypeID:]),
		seq:         binary.LittleEndian.Uint64(slot[recOffSeq:]),
		timestampNs: int64(binary.LittleEndian.Uint64(slot[recOffTimestampNs:])),
		crc32:       binary.LittleEndian.Uint32(slot[recOffCRC32:]),
	}
}

func (r recordView) isPad() bool {
	return r.typeID == typeIDPad
}

// payloadLen returns the record's payload length. Only meaningful when
// commitLen > 0.
func (r recordView) payloadLen() uint32 {
	return r.commitLen - 1
}
