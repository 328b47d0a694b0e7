package chronq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/chronq-io/chronq/internal/fsx"
)

// Reader meta slot layout, little-endian, 48 bytes:
//
//	segment_id   u64 @0
//	offset       u64 @8
//	heartbeat_ns u64 @16
//	generation   u64 @24
//	next_seq     u64 @32
//	crc32c       u32 @40  over bytes [0,40)
//	pad          [4]byte @44
//
// next_seq is the seq the reader expects from the next record it reads,
// persisted alongside position so a restart does not need to re-derive it
// by re-reading the record at the saved offset.
//
// The file holds two slots back-to-back (96 bytes total); a committer
// always writes to the slot opposite the last valid one and only then is
// it considered current, so a reader restarting mid-write always finds one
// fully-written, CRC-valid slot to fall back to.
const (
	readerSlotSize = 48

	rmOffSegmentID   = 0
	rmOffOffset      = 8
	rmOffHeartbeatNs = 16
	rmOffGeneration  = 24
	rmOffNextSeq     = 32
	rmOffCRC32       = 40

	readerMetaFileSize = readerSlotSize * 2
)

type readerCursor struct {
	segmentID   uint64
	offset      uint64
	heartbeatNs int64
	generation  uint64
	nextSeq     uint64
}

func encodeReaderSlot(c readerCursor) []byte {
	buf := make([]byte, readerSlotSize)
	binary.LittleEndian.PutUint64(buf[rmOffSegmentID:], c.segmentID)
	binary.LittleEndian.PutUint64(buf[rmOffOffset:], c.offset)
	binary.LittleEndian.PutUint64(buf[rmOffHeartbeatNs:], uint64(c.heartbeatNs))
	binary.LittleEndian.PutUint64(buf[rmOffGeneration:], c.generation)
	binary.LittleEndian.PutUint64(buf[rmOffNextSeq:], c.nextSeq)
	binary.LittleEndian.PutUint32(buf[rmOffCRC32:], crc32c(buf[:rmOffCRC32]))

	return buf
}

func decodeReaderSlot(buf []byte) (readerCursor, bool) {
	if len(buf) != readerSlotSize {
		return readerCursor{}, false
	}

	want := binary.LittleEndian.Uint32(buf[rmOffCRC32:])
	if crc32c(buf[:rmOffCRC32]) != want {
		return readerCursor{}, false
	}

	return readerCursor{
		segmentID:   binary.LittleEndian.Uint64(buf[rmOffSegmentID:]),
		offset:      binary.LittleEndian.Uint64(buf[rmOffOffset:]),
		heartbeatNs: int64(binary.LittleEndian.Uint64(buf[rmOffHeartbeatNs:])),
		generation:  binary.LittleEndian.Uint64(buf[rmOffGeneration:]),
		nextSeq:     binary.LittleEndian.Uint64(buf[rmOffNextSeq:]),
	}, true
}

// loadReaderCursor reads readers/<name>.meta and returns the valid slot
// with the higher generation. found is false if the file does not exist.
func loadReaderCursor(fsys fsReader, path string) (cursor readerCursor, found bool, err error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return readerCursor{}, false, nil
		}

		return readerCursor{}, false, fmt.Errorf("chronq: read %s: %w", path, err)
	}

	if len(data) != readerMetaFileSize {
		return readerCursor{}, false, fmt.Errorf("chronq: %s is %d bytes, want %d: %w", path, len(data), readerMetaFileSize, ErrCorruptMetadata)
	}

	a, okA := decodeReaderSlot(data[:readerSlotSize])
	b, okB := decodeReaderSlot(data[readerSlotSize:])

	switch {
	case okA && okB:
		if b.generation > a.generation {
			return b, true, nil
		}

		return a, true, nil
	case okA:
		return a, true, nil
	case okB:
		return b, true, nil
	default:
		return readerCursor{}, false, fmt.Errorf("chronq: %s: both slots invalid: %w", path, ErrCorruptMetadata)
	}
}

// fsReader is the narrow interface loadReaderCursor needs; satisfied by
// internal/fsx.FS and by os-backed test doubles alike.
type fsReader interface {
	ReadFile(path string) ([]byte, error)
}

// commitReaderCursor writes cur into the slot opposite the one currently
// holding the highest generation, durably, via fs's write-temp-fsync-rename
// WriteFileAtomic, and returns the new file content so the caller can keep
// it in memory without a re-read.
func commitReaderCursor(fs fsx.FS, path string, prevSlots []byte, cur readerCursor) ([]byte, error) {
	next := make([]byte, readerMetaFileSize)
	copy(next, prevSlots)

	targetSlot := 0
	if len(prevSlots) == readerMetaFileSize {
		a, okA := decodeReaderSlot(prevSlots[:readerSlotSize])
		b, okB := decodeReaderSlot(prevSlots[readerSlotSize:])

		switch {
		case okA && okB:
			// Overwrite whichever slot is not the current latest.
			if a.generation >= b.generation {
				targetSlot = 1
			} else {
				targetSlot = 0
			}
		case okA:
			targetSlot = 1
		case okB:
			targetSlot = 0
		}
	}

	encoded := encodeReaderSlot(cur)
	copy(next[targetSlot*readerSlotSize:], encoded)

	if err := fs.WriteFileAtomic(path, next, 0o644); err != nil {
		return nil, fmt.Errorf("chronq: commit %s: %w", path, err)
	}

	return next, nil
}
