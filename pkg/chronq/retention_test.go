package chronq

import (
	"os"
	"testing"
	"time"

	"github.com/chronq-io/chronq/internal/fsx"
	"github.com/stretchr/testify/require"
)

func Test_ReaderLagBytes_Is_Zero_When_Reader_Is_At_Or_Ahead_Of_Head(t *testing.T) {
	t.Parallel()

	if got := readerLagBytes(5, 1000, 5, 1000, 4096); got != 0 {
		t.Errorf("same position: lag = %d, want 0", got)
	}

	// An earlier segment is behind the head even when the reader's offset
	// is numerically larger: (4096-4096) bytes left in segment 4 plus the
	// head's 1000 bytes into segment 5.
	if got := readerLagBytes(5, 1000, 4, 4096, 4096); got != 1000 {
		t.Errorf("reader at the end of an earlier segment: lag = %d, want 1000", got)
	}

	if got := readerLagBytes(5, 1000, 6, 64, 4096); got != 0 {
		t.Errorf("reader ahead of head's segment: lag = %d, want 0", got)
	}
}

func Test_ReaderLagBytes_Accounts_For_Full_Segments_Between_Reader_And_Head(t *testing.T) {
	t.Parallel()

	// Reader sits at the very start of segment 0; head is at offset 1000 of
	// segment 2. The reader must cross all of segment 0, all of segment 1,
	// and 1000 bytes of segment 2.
	const segmentSize = 4096

	got := readerLagBytes(2, 1000, 0, 64, segmentSize)
	want := (segmentSize - 64) + segmentSize + 1000

	if got != want {
		t.Errorf("lag = %d, want %d", got, want)
	}
}

func Test_Cleanup_Classifies_A_Stale_Heartbeat_As_Dead_And_Removes_Its_Metadata(t *testing.T) {
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

	staleCursor := readerCursor{
		segmentID:   0,
		offset:      segmentDataOffset,
		heartbeatNs: time.Now().Add(-time.Hour).UnixNano(),
		generation:  1,
	}

	metaPath := readerMetaPath(dir, "ghost")
	if _, err := commitReaderCursor(fsx.NewReal(), metaPath, nil, staleCursor); err != nil {
		t.Fatalf("commitReaderCursor: %v", err)
	}

	report, err := Cleanup(dir, Options{SegmentSize: 4096, RetentionTTL: time.Minute})
	require.NoError(t, err, "Cleanup should succeed against a healthy queue")
	require.Equal(t, []string{"ghost"}, report.DeadReaders)

	_, statErr := os.Stat(metaPath)
	require.ErrorIs(t, statErr, os.ErrNotExist, "ghost's metadata file should have been removed")
}

func Test_Cleanup_Keeps_Dead_Reader_Metadata_When_Configured_To(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pub, err := OpenPublisher(dir, Options{SegmentSize: 4096})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	staleCursor := readerCursor{
		segmentID:   0,
		offset:      segmentDataOffset,
		heartbeatNs: time.Now().Add(-time.Hour).UnixNano(),
		generation:  1,
	}

	metaPath := readerMetaPath(dir, "ghost")
	if _, err := commitReaderCursor(fsx.NewReal(), metaPath, nil, staleCursor); err != nil {
		t.Fatalf("commitReaderCursor: %v", err)
	}

	_, err = Cleanup(dir, Options{SegmentSize: 4096, RetentionTTL: time.Minute, KeepDeadReaderMeta: true})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if _, err := os.Stat(metaPath); err != nil {
		t.Fatalf("ghost's metadata file should have been kept: %v", err)
	}
}

func Test_Cleanup_Unlinks_Sealed_Segments_Below_The_Slowest_Non_Lagging_Reader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// One record roughly fills a segment this small, so a handful of
	// appends produces several distinct sealed segments to reclaim.
	const segmentSize = 256

	pub, err := OpenPublisher(dir, Options{SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	slow, err := OpenSubscriber(dir, "slow", Options{SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("OpenSubscriber slow: %v", err)
	}
	defer func() { _ = slow.Close() }()

	// Pin slow's durable cursor at the very start, before anything is
	// appended, so it stays far behind once the publisher moves on.
	if err := slow.Commit(); err != nil {
		t.Fatalf("slow.Commit: %v", err)
	}

	payload := make([]byte, 5)

	const n = 10

	for i := 0; i < n; i++ {
		if _, err := pub.Append(1, payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	fast, err := OpenSubscriber(dir, "fast", Options{SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("OpenSubscriber fast: %v", err)
	}
	defer func() { _ = fast.Close() }()

	// A fresh reader starts at the start of the queue; move fast to the
	// write head so it is the current, non-lagging reader.
	if err := fast.SeekToTail(); err != nil {
		t.Fatalf("fast.SeekToTail: %v", err)
	}

	if err := fast.Commit(); err != nil {
		t.Fatalf("fast.Commit: %v", err)
	}

	report, err := Cleanup(dir, Options{
		SegmentSize:          segmentSize,
		RetentionTTL:         time.Hour,
		MaxRetentionLagBytes: segmentSize, // smaller than slow's actual lag
	})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	foundSlow := false

	for _, name := range report.LaggingReaders {
		if name == "slow" {
			foundSlow = true
		}
	}

	if !foundSlow {
		t.Fatalf("LaggingReaders = %v, want it to include slow", report.LaggingReaders)
	}

	if len(report.Unlinked) == 0 {
		t.Fatal("Unlinked is empty, want at least the earliest segments reclaimed")
	}

	for _, id := range report.Unlinked {
		if id >= report.MinLiveSegment {
			t.Errorf("unlinked segment %d is not below MinLiveSegment %d", id, report.MinLiveSegment)
		}

		if _, err := os.Stat(segmentPath(dir, id)); !os.IsNotExist(err) {
			t.Errorf("segment %d still present on disk after being reported unlinked", id)
		}
	}

	if _, err := os.Stat(segmentPath(dir, report.MinLiveSegment)); err != nil {
		t.Errorf("fast's live segment %d was removed: %v", report.MinLiveSegment, err)
	}
}

func Test_ListSealedSegmentIDs_Ignores_The_Open_Current_Segment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	const segmentSize = 256

	pub, err := OpenPublisher(dir, Options{SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("OpenPublisher: %v", err)
	}
	defer func() { _ = pub.Close() }()

	payload := make([]byte, 5)

	for i := 0; i < 5; i++ {
		if _, err := pub.Append(1, payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	ids, err := listSealedSegmentIDs(dir)
	if err != nil {
		t.Fatalf("listSealedSegmentIDs: %v", err)
	}

	currentSeg, _ := pub.ctl.loadHead()

	for _, id := range ids {
		if id == currentSeg {
			t.Errorf("listSealedSegmentIDs reported the writer's open current segment %d as sealed", id)
		}
	}

	if len(ids) == 0 {
		t.Fatal("expected at least one sealed segment after rolling past several")
	}
}
