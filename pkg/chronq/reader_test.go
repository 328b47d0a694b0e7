package chronq

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func Test_Subscriber_Reads_Back_Everything_A_Publisher_Appended_In_Order(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}

	for _, p := range payloads {
		if _, err := pub.Append(7, p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := OpenSubscriber(dir, "r1", Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}
	defer func() { _ = sub.Close() }()

	for i, want := range payloads {
		view, ok, err := sub.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}

		if !ok {
			t.Fatalf("Next %d: ok = false, want a record", i)
		}

		if view.Seq != uint64(i) {
			t.Errorf("Next %d: Seq = %d, want %d", i, view.Seq, i)
		}

		if view.TypeID != 7 {
			t.Errorf("Next %d: TypeID = %d, want 7", i, view.TypeID)
		}

		if string(view.Payload) != string(want) {
			t.Errorf("Next %d: Payload = %q, want %q", i, view.Payload, want)
		}
	}

	_, ok, err := sub.Next()
	if err != nil {
		t.Fatalf("Next past tail: %v", err)
	}

	if ok {
		t.Fatal("Next past tail: ok = true, want false")
	}
}

func Test_Subscriber_Skips_Pad_Records_Across_A_Segment_Roll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	const segmentSize = 512

	pub, err := OpenPublisher(dir, Options{SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	payload := make([]byte, 50)

	const n = 20

	for i := 0; i < n; i++ {
		if _, err := pub.Append(1, payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	sub, err := OpenSubscriber(dir, "r1", Options{SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}
	defer func() { _ = sub.Close() }()

	seen := 0

	for {
		view, ok, err := sub.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}

		if !ok {
			break
		}

		if view.Seq != uint64(seen) {
			t.Fatalf("Next: Seq = %d, want %d (pad not skipped cleanly?)", view.Seq, seen)
		}

		seen++
	}

	if seen != n {
		t.Fatalf("read %d records, want %d", seen, n)
	}
}

func Test_Subscriber_Reports_Corrupt_Sequence_When_A_Record_Is_Overwritten(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	for i := 0; i < 3; i++ {
		if _, err := pub.Append(1, []byte("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := OpenSubscriber(dir, "r1", Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}
	defer func() { _ = sub.Close() }()

	if _, _, err := sub.Next(); err != nil {
		t.Fatalf("Next 0: %v", err)
	}

	// Corrupt the second record's seq field in place: the CRC covers only
	// the payload, so this trips sequence validation rather than the
	// checksum.
	area := sub.seg.recordArea()
	span := recordSpan(1)
	binary.LittleEndian.PutUint64(area[span+recOffSeq:], 99)

	_, _, err = sub.Next()
	if !errors.Is(err, ErrCorruptSequence) {
		t.Fatalf("Next 1 err = %v, want ErrCorruptSequence", err)
	}
}

func Test_Subscriber_Wait_Returns_True_When_Publisher_Appends_Concurrently(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	sub, err := OpenSubscriber(dir, "r1", Options{SegmentSize: 4096, SpinMicros: 100})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}
	defer func() { _ = sub.Close() }()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = pub.Append(1, []byte("late"))
	}()

	ok, err := sub.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !ok {
		t.Fatal("Wait returned false though the publisher appended in time")
	}

	view, ok, err := sub.Next()
	if err != nil || !ok {
		t.Fatalf("Next after Wait: ok=%v err=%v", ok, err)
	}

	if string(view.Payload) != "late" {
		t.Fatalf("Payload = %q, want %q", view.Payload, "late")
	}
}

func Test_Subscriber_Commit_Then_Reopen_Resumes_From_Saved_Position(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	for i := 0; i < 3; i++ {
		if _, err := pub.Append(1, []byte("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	sub, err := OpenSubscriber(dir, "r1", Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenSubscriber: %v", err)
	}

	if _, _, err := sub.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}

	if err := sub.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	want := ReaderStatus{Name: "r1", SegmentID: 0, Offset: segmentDataOffset + recordSpan(1), Generation: 1}
	got := sub.Status()

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(ReaderStatus{}, "HeartbeatNs")); diff != "" {
		t.Fatalf("Status() mismatch (-want +got):\n%s", diff)
	}

	if got.HeartbeatNs == 0 {
		t.Fatal("Status().HeartbeatNs is zero after a Commit")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sub2, err := OpenSubscriber(dir, "r1", Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("reopen OpenSubscriber: %v", err)
	}
	defer func() { _ = sub2.Close() }()

	view, ok, err := sub2.Next()
	if err != nil || !ok {
		t.Fatalf("Next after reopen: ok=%v err=%v", ok, err)
	}

	if view.Seq != 1 {
		t.Fatalf("Seq after reopen = %d, want 1 (resume after the committed record)", view.Seq)
	}
}

func Test_OpenSubscriber_FailClosed_Errors_When_No_Cursor_Exists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	_, err = OpenSubscriber(dir, "never-seen", Options{SegmentSize: 4096, MissingCursorPolicy: FailClosed})
	if !errors.Is(err, ErrCorruptMetadata) {
		t.Fatalf("OpenSubscriber err = %v, want ErrCorruptMetadata", err)
	}
}
