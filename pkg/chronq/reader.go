package chronq

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chronq-io/chronq/internal/fsx"
)

// Subscriber is one independent, durable-cursor reader of a queue. Any
// number of Subscriber handles, in any number of processes, may read the
// same queue concurrently.
type Subscriber struct {
	mu sync.Mutex

	dir  string
	name string
	opts Options
	fs   fsx.FS

	ctl *control
	seg *segment

	segmentID   uint64
	offset      uint64
	expectSeq   uint64
	lastView    []byte // backing slice for the last returned MessageView
	metaSlots   []byte // raw two-slot content, kept to pick the commit target
	generation  uint64
	heartbeatNs int64

	closed bool
}

// OpenSubscriber opens (or creates, per Options.MissingCursorPolicy) the
// named reader's durable cursor against the queue at dir.
func OpenSubscriber(dir, name string, opts Options) (*Subscriber, error) {
	return openSubscriber(dir, name, opts, fsx.NewReal())
}

// openSubscriber is OpenSubscriber with the filesystem seam used by the
// reader cursor's commit path made explicit, so tests can inject
// [fsx.FaultFS] to simulate a reader dying mid-commit.
func openSubscriber(dir, name string, opts Options, fs fsx.FS) (*Subscriber, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	ctl, err := createOrOpenControl(controlPath(dir), opts.StrictControlRecovery)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{dir: dir, name: name, opts: opts, fs: fs, ctl: ctl}

	path := readerMetaPath(dir, name)

	cursor, found, err := loadReaderCursor(fs, path)
	if err != nil {
		_ = ctl.close()

		return nil, err
	}

	if !found {
		if opts.MissingCursorPolicy == FailClosed {
			_ = ctl.close()

			return nil, fmt.Errorf("chronq: no cursor for reader %q: %w", name, ErrCorruptMetadata)
		}

		cursor = readerCursor{segmentID: 0, offset: segmentDataOffset}
	} else {
		s.generation = cursor.generation
		s.heartbeatNs = cursor.heartbeatNs
		s.expectSeq = cursor.nextSeq

		if data, rerr := fs.ReadFile(path); rerr == nil && len(data) == readerMetaFileSize {
			s.metaSlots = data
		}
	}

	s.segmentID = cursor.segmentID
	s.offset = cursor.offset

	if s.offset == 0 {
		s.offset = segmentDataOffset
	}

	seg, err := openSegment(segmentPath(dir, s.segmentID))
	if err != nil {
		_ = ctl.close()

		return nil, err
	}

	s.seg = seg

	return s, nil
}

// osFS adapts plain os.ReadFile to the fsReader interface used by
// loadReaderCursor, for the common case of reading the real filesystem.
type osFS struct{}

func (osFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// Next returns the next committed record, if any. ok is false when the
// queue has no more data right now (not an error); callers should call
// Wait before retrying. The returned MessageView's Payload aliases mapped
// memory and is valid only until the next call to Next, Wait, Commit, or
// Close.
func (s *Subscriber) Next() (MessageView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return MessageView{}, false, ErrClosed
	}

	for {
		if err := s.ensureSegmentMapped(); err != nil {
			return MessageView{}, false, err
		}

		area := s.seg.recordArea()
		localOff := s.offset - segmentDataOffset

		if localOff+recordHeaderSize > uint64(len(area)) {
			if s.seg.header().sealed() {
				s.segmentID++
				s.offset = segmentDataOffset

				continue
			}

			return MessageView{}, false, nil
		}

		slot := area[localOff:]
		commitLen := loadCommitLen(slot)

		if commitLen == 0 {
			return MessageView{}, false, nil
		}

		hdr := decodeHeader(slot, commitLen)

		if hdr.isPad() {
			s.offset += recordSpan(uint64(hdr.payloadLen()))

			continue
		}

		payload := slot[recordHeaderSize : recordHeaderSize+uint64(hdr.payloadLen())]

		if crc32c(payload) != hdr.crc32 {
			return MessageView{}, false, fmt.Errorf("chronq: reader %q at seg %d off %d: %w", s.name, s.segmentID, s.offset, ErrCorruptHeader)
		}

		if hdr.seq != s.expectSeq {
			return MessageView{}, false, fmt.Errorf("chronq: reader %q expected seq %d, got %d: %w", s.name, s.expectSeq, hdr.seq, ErrCorruptSequence)
		}

		s.offset += recordSpan(uint64(hdr.payloadLen()))
		s.expectSeq++

		return MessageView{
			Seq:         hdr.seq,
			TimestampNs: hdr.timestampNs,
			TypeID:      hdr.typeID,
			Payload:     payload,
		}, true, nil
	}
}

func (s *Subscriber) ensureSegmentMapped() error {
	if s.seg.id == s.segmentID {
		return nil
	}

	next, err := openSegment(segmentPath(s.dir, s.segmentID))
	if err != nil {
		return err
	}

	_ = s.seg.close()
	s.seg = next

	return nil
}

// Wait blocks until a new record becomes visible at the reader's current
// cursor, or timeout elapses. It never advances the cursor; call Next
// afterward.
func (s *Subscriber) Wait(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	strategy := s.opts.WaitStrategy
	spinBudget := time.Duration(s.opts.SpinMicros) * time.Microsecond
	s.mu.Unlock()

	pred := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.closed {
			return true
		}

		if err := s.ensureSegmentMapped(); err != nil {
			return true
		}

		area := s.seg.recordArea()
		localOff := s.offset - segmentDataOffset

		if localOff+recordHeaderSize > uint64(len(area)) {
			return s.seg.header().sealed()
		}

		return loadCommitLen(area[localOff:]) > 0
	}

	ok := spinThenWait(s.ctl, strategy, spinBudget, timeout, pred)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return false, ErrClosed
	}

	return ok, nil
}

// Commit durably persists the reader's current position. Readers may call
// this less often than they consume, at the cost of replaying already-seen
// records after a restart.
func (s *Subscriber) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.generation++
	s.heartbeatNs = time.Now().UnixNano()

	cur := readerCursor{
		segmentID:   s.segmentID,
		offset:      s.offset,
		heartbeatNs: s.heartbeatNs,
		generation:  s.generation,
		nextSeq:     s.expectSeq,
	}

	next, err := commitReaderCursor(s.fs, readerMetaPath(s.dir, s.name), s.metaSlots, cur)
	if err != nil {
		return err
	}

	s.metaSlots = next

	return nil
}

// MaybeHeartbeat records a fresh heartbeat timestamp so retention does not
// classify an idle-but-alive reader as dead. It is the same write as
// Commit: it also persists the reader's current position, bumps the
// generation and writes the slot opposite the latest one; there is no
// heartbeat-only write that leaves the committed position untouched.
func (s *Subscriber) MaybeHeartbeat() error {
	return s.Commit()
}

// SeekToHead resets the cursor to the start of the queue.
func (s *Subscriber) SeekToHead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segmentID = 0
	s.offset = segmentDataOffset
	s.expectSeq = 0
}

// SeekToTail moves the cursor to the control block's current write head,
// skipping every record already on disk.
func (s *Subscriber) SeekToTail() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	segID, off := s.ctl.loadHead()
	s.segmentID = segID
	s.offset = off

	// expectSeq can only be recovered by scanning; seek_to_tail is a
	// best-effort jump used by monitoring tools, not by cursors that need
	// sequence continuity, so this value is left for the caller to treat
	// as advisory until the next successful Next().
	return nil
}

// Status reports the reader's current in-memory position, which is ahead
// of the durable cursor if Next has returned records since the last
// Commit, together with the heartbeat and generation of the last Commit
// (or of the cursor loaded at open).
func (s *Subscriber) Status() ReaderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ReaderStatus{
		Name:        s.name,
		SegmentID:   s.segmentID,
		Offset:      s.offset,
		HeartbeatNs: s.heartbeatNs,
		Generation:  s.generation,
	}
}

// Close unmaps the reader's segment and control block. It does not commit;
// call Commit first if the current position should survive a restart.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	err := s.seg.close()
	if cerr := s.ctl.close(); err == nil {
		err = cerr
	}

	return err
}
