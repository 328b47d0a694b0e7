package chronq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func Test_OpenPublisher_Second_Caller_Fails_When_First_Still_Holds_The_Lock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("first OpenPublisher: %v", err)
	}
	defer func() { _ = first.Close() }()

	_, err = OpenPublisher(dir, Options{SegmentSize: 4096})
	if !errors.Is(err, ErrWriterAlreadyActive) {
		t.Fatalf("second OpenPublisher err = %v, want ErrWriterAlreadyActive", err)
	}
}

func Test_Append_Assigns_Sequential_Seq_Numbers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	for want := uint64(0); want < 5; want++ {
		got, err := pub.Append(1, []byte("payload"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}

		if got != want {
			t.Fatalf("Append seq = %d, want %d", got, want)
		}
	}
}

func Test_Append_Rejects_Payload_Larger_Than_A_Fresh_Segment_Could_Ever_Hold(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	_, err = pub.Append(1, make([]byte, 8192))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Append err = %v, want ErrPayloadTooLarge", err)
	}
}

func Test_Append_Rolls_Into_A_New_Segment_When_Current_One_Fills_Up(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// A small segment and small payloads so a handful of appends force at
	// least one roll.
	const segmentSize = 512

	pub, err := OpenPublisher(dir, Options{SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	payload := make([]byte, 50)

	for i := 0; i < 20; i++ {
		if _, err := pub.Append(1, payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	segments := 0

	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".q" {
			segments++
		}
	}

	if segments < 2 {
		t.Fatalf("found %d segment files, want at least 2 after rolling", segments)
	}
}

func Test_OpenPublisher_Recovers_A_Torn_Write_And_Reclaims_Its_Seq(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	opts := Options{SegmentSize: 4096}

	pub1, err := OpenPublisher(dir, opts)
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}

	if _, err := pub1.Append(1, []byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate a writer that reserved the next slot, wrote its header, and
	// died before publishing the commit: write an uncommitted header
	// straight into the mapped segment at the current write offset, without
	// going through appendInPlace so the control block's write_offset and
	// the writer's nextSeq are left exactly where they were before this
	// record.
	tornSeq := pub1.nextSeq
	tornPayloadLen := uint32(10)

	area := pub1.seg.recordArea()
	localOff := pub1.writeOffset - segmentDataOffset
	slot := area[localOff : localOff+recordSpan(uint64(tornPayloadLen))]
	writeHeaderUncommitted(slot, 2, tornSeq, time.Now().UnixNano(), tornPayloadLen, 0)

	if err := pub1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The crashed writer's lock file still names this (very much alive)
	// test process, which would otherwise make the next OpenPublisher see
	// a live holder. Remove it to simulate the lock being free again, the
	// way it would be had the real process actually exited.
	if err := os.Remove(lockPath(dir)); err != nil {
		t.Fatalf("remove lock: %v", err)
	}

	pub2, err := OpenPublisher(dir, opts)
	if err != nil {
		t.Fatalf("reopen OpenPublisher: %v", err)
	}
	defer func() { _ = pub2.Close() }()

	got, err := pub2.Append(3, []byte("world"))
	if err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}

	if got != tornSeq {
		t.Fatalf("seq after recovery = %d, want the torn record's reclaimed seq %d", got, tornSeq)
	}
}

func Test_FlushSync_Succeeds_On_A_Fresh_Queue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	if _, err := pub.Append(1, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := pub.FlushSync(); err != nil {
		t.Fatalf("FlushSync: %v", err)
	}
}

func Test_Append_After_Close_Returns_ErrClosed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := pub.Append(1, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close err = %v, want ErrClosed", err)
	}
}
