package chronq

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment header layout, little-endian, occupying bytes [0, 64) of every
// segment file. The record area follows at segmentDataOffset.
const (
	segHeaderSize = 64

	segOffMagic     = 0
	segOffVersion   = 4
	segOffFlags     = 6
	segOffID        = 8
	segOffCreatedNs = 16
	segOffReserved  = 24

	segmentDataOffset = segHeaderSize

	segVersion1 = 1

	// segFlagSealed marks a segment the writer has moved on from; no
	// further writes occur to it.
	segFlagSealed uint16 = 1 << 0
)

var segMagic = [4]byte{'C', 'H', 'R', 'N'}

// segment is a memory-mapped segment file, owned either by the writer
// (read-write, growing write_offset) or a reader (read-only view).
type segment struct {
	id   uint64
	file *os.File
	data []byte
}

// createSegment allocates a new, empty segment file of size bytes at path
// and maps it MAP_SHARED. size must already be validated as a multiple of
// 64 by the caller (see Options.withDefaults).
func createSegment(path string, id uint64, size uint64, createdAtNs int64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chronq: create segment %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("chronq: truncate segment %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("chronq: mmap segment %s: %w", path, err)
	}

	encodeSegmentHeader(data, id, createdAtNs, 0)

	if err := unix.Msync(data[:segHeaderSize], unix.MS_SYNC); err != nil {
		_ = unix.Munmap(data)
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("chronq: msync new segment header %s: %w", path, err)
	}

	return &segment{id: id, file: f, data: data}, nil
}

// openSegment maps an existing segment file read-write. Callers that only
// read (e.g. a Subscriber trailing behind the writer) still map read-write
// because the segment may still be the writer's active one; they simply
// never mutate it.
func openSegment(path string) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chronq: open segment %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("chronq: stat segment %s: %w", path, err)
	}

	size := fi.Size()
	if size < segHeaderSize {
		_ = f.Close()

		return nil, fmt.Errorf("chronq: segment %s is %d bytes, shorter than the header: %w", path, size, ErrCorruptMetadata)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("chronq: mmap segment %s: %w", path, err)
	}

	hdr, err := decodeSegmentHeader(data)
	if err != nil {
		_ = unix.Munmap(data)
		_ = f.Close()

		return nil, err
	}

	return &segment{id: hdr.id, file: f, data: data}, nil
}

type segmentHeader struct {
	version     uint16
	flags       uint16
	id          uint64
	createdAtNs int64
}

func (h segmentHeader) sealed() bool {
	return h.flags&segFlagSealed != 0
}

func encodeSegmentHeader(data []byte, id uint64, createdAtNs int64, flags uint16) {
	copy(data[segOffMagic:], segMagic[:])
	binary.LittleEndian.PutUint16(data[segOffVersion:], segVersion1)
	binary.LittleEndian.PutUint16(data[segOffFlags:], flags)
	binary.LittleEndian.PutUint64(data[segOffID:], id)
	binary.LittleEndian.PutUint64(data[segOffCreatedNs:], uint64(createdAtNs))
	clear(data[segOffReserved:segHeaderSize])
}

func decodeSegmentHeader(data []byte) (segmentHeader, error) {
	if len(data) < segHeaderSize || string(data[segOffMagic:segOffMagic+4]) != string(segMagic[:]) {
		return segmentHeader{}, fmt.Errorf("chronq: bad segment magic: %w", ErrCorruptMetadata)
	}

	version := binary.LittleEndian.Uint16(data[segOffVersion:])
	if version != segVersion1 {
		return segmentHeader{}, fmt.Errorf("chronq: segment version %d: %w", version, ErrUnsupportedVersion)
	}

	return segmentHeader{
		version:     version,
		flags:       binary.LittleEndian.Uint16(data[segOffFlags:]),
		id:          binary.LittleEndian.Uint64(data[segOffID:]),
		createdAtNs: int64(binary.LittleEndian.Uint64(data[segOffCreatedNs:])),
	}, nil
}

// seal sets the SEALED flag and syncs the segment header. The caller must
// hold whatever serializes writer access; seal is not itself atomic with
// respect to other writers of the same segment (there is only ever one).
func (s *segment) seal() error {
	flags := binary.LittleEndian.Uint16(s.data[segOffFlags:])
	binary.LittleEndian.PutUint16(s.data[segOffFlags:], flags|segFlagSealed)

	return unix.Msync(s.data[:segHeaderSize], unix.MS_SYNC)
}

func (s *segment) header() segmentHeader {
	hdr, _ := decodeSegmentHeader(s.data)
	return hdr
}

// recordArea returns the mutable record area of the segment, starting at
// segmentDataOffset.
func (s *segment) recordArea() []byte {
	return s.data[segmentDataOffset:]
}

func (s *segment) msync(off, n int) error {
	if n <= 0 {
		return nil
	}

	return unix.Msync(s.data[off:off+n], unix.MS_SYNC)
}

func (s *segment) close() error {
	err := unix.Munmap(s.data)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}

	return err
}
