package chronq

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chronq-io/chronq/internal/obs"
)

// CleanupReport summarizes one Cleanup run, for callers that want to log
// or assert on its outcome beyond the side effect of unlinked files.
type CleanupReport struct {
	MinLiveSegment uint64
	Unlinked       []uint64
	DeadReaders    []string
	LaggingReaders []string
}

// Cleanup removes sealed segments strictly below the minimum segment id
// any live reader still needs. It is safe to call concurrently with the
// writer and with any reader: unlink is safe against already-mapped
// readers on POSIX, since a file stays accessible to a process that has
// it mapped until that mapping is dropped.
//
// Cleanup never returns an error for a failed unlink; those are logged and
// the segment is simply retried on the next call. It does return an error
// if the queue's own control block or reader directory cannot be read at
// all.
func Cleanup(dir string, opts Options) (CleanupReport, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return CleanupReport{}, err
	}

	log := obs.Logger("retention")

	ctl, err := createOrOpenControl(controlPath(dir), opts.StrictControlRecovery)
	if err != nil {
		return CleanupReport{}, err
	}
	defer func() { _ = ctl.close() }()

	currentSeg, headOffset := ctl.loadHead()

	entries, err := os.ReadDir(readersDir(dir))
	if err != nil && !os.IsNotExist(err) {
		return CleanupReport{}, err
	}

	now := time.Now().UnixNano()

	var report CleanupReport
	minLive := currentSeg
	anyLive := false

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".meta") {
			continue
		}

		name := strings.TrimSuffix(ent.Name(), ".meta")
		path := filepath.Join(readersDir(dir), ent.Name())

		cursor, found, err := loadReaderCursor(osFS{}, path)
		if err != nil || !found {
			log.Warn().Str("reader", name).Err(err).Msg("skipping unreadable reader meta")

			continue
		}

		age := time.Duration(now-cursor.heartbeatNs) * time.Nanosecond
		if age > opts.RetentionTTL {
			report.DeadReaders = append(report.DeadReaders, name)

			if !opts.KeepDeadReaderMeta {
				if err := os.Remove(path); err != nil {
					log.Warn().Str("reader", name).Err(err).Msg("failed to remove dead reader metadata")
				}
			}

			continue
		}

		lag := readerLagBytes(currentSeg, headOffset, cursor.segmentID, cursor.offset, opts.SegmentSize)
		if lag > opts.MaxRetentionLagBytes {
			report.LaggingReaders = append(report.LaggingReaders, name)

			continue
		}

		if !anyLive || cursor.segmentID < minLive {
			minLive = cursor.segmentID
		}

		anyLive = true
	}

	if !anyLive {
		minLive = currentSeg
	}

	report.MinLiveSegment = minLive

	sealed, err := listSealedSegmentIDs(dir)
	if err != nil {
		return report, err
	}

	for _, id := range sealed {
		if id >= minLive {
			continue
		}

		if err := os.Remove(segmentPath(dir, id)); err != nil {
			log.Warn().Uint64("segment", id).Err(err).Msg("failed to unlink reclaimed segment")

			continue
		}

		report.Unlinked = append(report.Unlinked, id)
	}

	return report, nil
}

// readerLagBytes computes how many bytes behind the write head a reader
// is, accounting for any full segments between the reader and the head.
func readerLagBytes(headSeg, headOff, readerSeg, readerOff, segmentSize uint64) uint64 {
	if readerSeg > headSeg || (readerSeg == headSeg && readerOff >= headOff) {
		return 0
	}

	segsBetween := headSeg - readerSeg
	if segsBetween == 0 {
		return headOff - readerOff
	}

	return (segsBetween-1)*segmentSize + (segmentSize - readerOff) + headOff
}

func listSealedSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []uint64

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".q") {
			continue
		}

		seg, err := openSegment(filepath.Join(dir, ent.Name()))
		if err != nil {
			continue
		}

		hdr := seg.header()
		_ = seg.close()

		if hdr.sealed() {
			ids = append(ids, hdr.id)
		}
	}

	return ids, nil
}
