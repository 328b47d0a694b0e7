package chronq

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/chronq-io/chronq/internal/fsx"
)

// Publisher is the single writer of a queue. OpenPublisher enforces
// exclusivity: at most one Publisher may be open against a queue directory
// at a time.
type Publisher struct {
	mu sync.Mutex

	dir  string
	opts Options

	lock *writerLock
	ctl  *control
	seg  *segment

	writeOffset uint64
	nextSeq     uint64

	closed bool
}

// OpenPublisher opens or creates the queue at dir and returns the writer
// holding its exclusive lock. If a prior writer crashed mid-append,
// OpenPublisher completes torn-tail recovery before returning.
func OpenPublisher(dir string, opts Options) (*Publisher, error) {
	return openPublisher(dir, opts, fsx.NewReal())
}

// openPublisher is OpenPublisher with the filesystem seam used by the
// writer.lock write path made explicit, so tests can inject
// [fsx.FaultFS] to simulate a writer dying mid-write to its own lock file.
func openPublisher(dir string, opts Options, fs fsx.FS) (*Publisher, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chronq: mkdir %s: %w", dir, err)
	}

	if err := os.MkdirAll(readersDir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("chronq: mkdir %s: %w", readersDir(dir), err)
	}

	lock, err := acquireWriterLock(fs, lockPath(dir))
	if err != nil {
		return nil, err
	}

	ctl, err := createOrOpenControl(controlPath(dir), opts.StrictControlRecovery)
	if err != nil {
		_ = lock.release()

		return nil, err
	}

	segID, _ := ctl.loadHead()

	seg, err := openOrCreateSegment(dir, segID, opts.SegmentSize)
	if err != nil {
		_ = ctl.close()
		_ = lock.release()

		return nil, err
	}

	p := &Publisher{
		dir:  dir,
		opts: opts,
		lock: lock,
		ctl:  ctl,
		seg:  seg,
	}

	writeOffset, nextSeq, err := recoverTail(seg)
	if err != nil {
		_ = seg.close()
		_ = ctl.close()
		_ = lock.release()

		return nil, err
	}

	p.writeOffset = writeOffset
	p.nextSeq = nextSeq
	ctl.storeHead(segID, writeOffset)

	return p, nil
}

func openOrCreateSegment(dir string, id uint64, size uint64) (*segment, error) {
	path := segmentPath(dir, id)

	if _, err := os.Stat(path); err == nil {
		return openSegment(path)
	}

	return createSegment(path, id, size, time.Now().UnixNano())
}

// recoverTail scans the segment's whole committed prefix, from its first
// record, to recover the seq of the last committed record (write_offset
// alone only tells us where that prefix ends, not what it last contained).
// The scan stops at the first slot with commit_len == 0. If that slot's
// header holds any nonzero byte it is a torn uncommitted record left by a
// writer that crashed between reserving a slot and publishing its commit,
// and a PAD covering the rest of the segment is written over it; an
// all-zero slot is never-written space and is left as it is. It returns
// the confirmed write_offset and the seq the writer should continue from.
func recoverTail(seg *segment) (newOffset uint64, nextSeq uint64, err error) {
	area := seg.recordArea()
	off := uint64(0)
	cap64 := uint64(len(area))

	var lastSeq uint64
	sawAny := false

	for off < cap64 {
		if off+recordHeaderSize > cap64 {
			break
		}

		slot := area[off:]
		commitLen := loadCommitLen(slot)

		if commitLen == 0 {
			torn := false

			for _, b := range slot[:recordHeaderSize] {
				if b != 0 {
					torn = true

					break
				}
			}

			if !torn {
				break
			}

			slack := cap64 - off
			if slack >= recordHeaderSize {
				writePad(slot, lastSeq, time.Now().UnixNano(), slack)
				off += slack
			}

			break
		}

		hdr := decodeHeader(slot, commitLen)

		if !hdr.isPad() {
			payload := slot[recordHeaderSize : recordHeaderSize+uint64(hdr.payloadLen())]
			if crc32c(payload) != hdr.crc32 {
				return 0, 0, fmt.Errorf("chronq: recovery found bad CRC at offset %d: %w", off, ErrCorruptHeader)
			}

			lastSeq = hdr.seq
			sawAny = true
		}

		off += recordSpan(uint64(hdr.payloadLen()))
	}

	next := lastSeq
	if sawAny {
		next = lastSeq + 1
	}

	return off + segmentDataOffset, next, nil
}

// Append writes payload as a new record with the given type tag and
// returns its queue-wide sequence number.
func (p *Publisher) Append(typeID uint16, payload []byte) (uint64, error) {
	return p.appendInPlace(typeID, uint32(len(payload)), func(dst []byte) {
		copy(dst, payload)
	})
}

// AppendInPlace reserves a slot for a payload of payloadLen bytes, invokes
// fill to write directly into the mapped region, then commits. fill must
// write exactly payloadLen bytes into dst and must not retain dst past
// return.
func (p *Publisher) AppendInPlace(typeID uint16, payloadLen uint32, fill func(dst []byte)) (uint64, error) {
	return p.appendInPlace(typeID, payloadLen, fill)
}

func (p *Publisher) appendInPlace(typeID uint16, payloadLen uint32, fill func(dst []byte)) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}

	if uint64(payloadLen) > p.opts.maxPayloadLen() {
		return 0, ErrPayloadTooLarge
	}

	if uint64(payloadLen) > maxPayloadLenHard {
		return 0, ErrPayloadTooLarge
	}

	span := recordSpan(uint64(payloadLen))

	if p.writeOffset+span > p.opts.SegmentSize {
		if err := p.rollSegment(); err != nil {
			return 0, err
		}

		if p.writeOffset+span > p.opts.SegmentSize {
			return 0, ErrQueueFull
		}
	}

	area := p.seg.recordArea()
	localOff := p.writeOffset - segmentDataOffset
	slot := area[localOff : localOff+span]

	seq := p.nextSeq
	now := time.Now().UnixNano()

	writeHeaderUncommitted(slot, typeID, seq, now, payloadLen, 0)
	fill(slot[recordHeaderSize : recordHeaderSize+uint64(payloadLen)])

	crc := crc32c(slot[recordHeaderSize : recordHeaderSize+uint64(payloadLen)])
	binary.LittleEndian.PutUint32(slot[recOffCRC32:], crc)

	publishCommit(slot, payloadLen)

	p.writeOffset += span
	p.nextSeq++

	p.ctl.storeHead(p.seg.id, p.writeOffset)
	notifyWaiters(p.ctl)

	if p.opts.FlushPolicy.Kind == FlushPerAppend {
		if err := p.flushSyncLocked(); err != nil {
			return seq, err
		}
	}

	return seq, nil
}

// rollSegment pads the remaining slack in the current segment, seals it,
// and opens the next one.
func (p *Publisher) rollSegment() error {
	area := p.seg.recordArea()
	localOff := p.writeOffset - segmentDataOffset
	slack := uint64(len(area)) - localOff

	if slack >= recordHeaderSize {
		writePad(area[localOff:], p.nextSeq, time.Now().UnixNano(), slack)
	}

	if err := p.seg.seal(); err != nil {
		return fmt.Errorf("chronq: seal segment %d: %w", p.seg.id, err)
	}

	if err := p.seg.close(); err != nil {
		return fmt.Errorf("chronq: close sealed segment %d: %w", p.seg.id, err)
	}

	nextID := p.seg.id + 1

	next, err := createSegment(segmentPath(p.dir, nextID), nextID, p.opts.SegmentSize, time.Now().UnixNano())
	if err != nil {
		return err
	}

	p.seg = next
	p.writeOffset = segmentDataOffset
	p.ctl.storeHead(nextID, p.writeOffset)

	return nil
}

// FlushAsync issues an async msync of the current segment. Not required
// for correctness (committed records are already visible via MAP_SHARED);
// it only bounds how far writeback can lag.
func (p *Publisher) FlushAsync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	return unix.Msync(p.seg.data, unix.MS_ASYNC)
}

// FlushSync durably syncs the current segment and the control block.
func (p *Publisher) FlushSync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	return p.flushSyncLocked()
}

func (p *Publisher) flushSyncLocked() error {
	if err := p.seg.file.Sync(); err != nil {
		return fmt.Errorf("chronq: fsync segment %d: %w", p.seg.id, err)
	}

	return p.ctl.syncSync()
}

// Close releases the writer lock and unmaps the control block and current
// segment. It does not flush; call FlushSync first if durability is
// required.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	err := p.seg.close()
	if cerr := p.ctl.close(); err == nil {
		err = cerr
	}

	if lerr := p.lock.release(); err == nil {
		err = lerr
	}

	return err
}
