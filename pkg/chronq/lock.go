package chronq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/chronq-io/chronq/internal/fsx"
)

// writerLock is the held writer.lock file. Its content identifies the
// holder as {pid, start_time_ticks} so a later opener can tell a live
// writer from one whose process has since died or been replaced by an
// unrelated process reusing the same pid.
type writerLock struct {
	file *os.File
	path string
}

const lockRecordSize = 24 // pid(8) start_time_ticks(8) crc32c(4) pad(4)

// acquireWriterLock implements the writer.lock exclusivity and staleness
// protocol: create the file exclusively; on EEXIST, inspect the recorded
// holder and steal the lock if it is provably dead, otherwise fail with
// ErrWriterAlreadyActive.
//
// fs carries only the write path (writeLockRecord's durable write-temp,
// fsync, rename-over) through an [fsx.FS], so tests can substitute
// [fsx.FaultFS] to simulate a writer that died mid-write to its own lock
// record; opening and reading the file always go through the real os
// package, since a torn open/read is not a fault this protocol needs to
// reason about.
func acquireWriterLock(fs fsx.FS, path string) (*writerLock, error) {
	self := lockRecord{pid: int64(os.Getpid())}

	ticks, err := processStartTicks(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("chronq: read own start time: %w", err)
	}

	self.startTicks = ticks

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		if werr := writeLockRecord(fs, path, self); werr != nil {
			_ = f.Close()
			_ = os.Remove(path)

			return nil, werr
		}

		return &writerLock{file: f, path: path}, nil
	}

	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("chronq: create %s: %w", path, err)
	}

	return stealOrFail(fs, path, self)
}

func stealOrFail(fs fsx.FS, path string, self lockRecord) (*writerLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chronq: open %s: %w", path, err)
	}

	prior, ok := readLockRecord(f)
	if !ok {
		// Unreadable or torn content from a writer that died mid-write to
		// the lock file itself; treat as stale and take it over.
		if werr := writeLockRecord(fs, path, self); werr != nil {
			_ = f.Close()

			return nil, werr
		}

		return &writerLock{file: f, path: path}, nil
	}

	if lockHolderAlive(prior) {
		_ = f.Close()

		return nil, ErrWriterAlreadyActive
	}

	if err := writeLockRecord(fs, path, self); err != nil {
		_ = f.Close()

		return nil, err
	}

	return &writerLock{file: f, path: path}, nil
}

// lockHolderAlive reports whether the process recorded in rec is still the
// same live process that wrote it: the pid must resolve to a running
// process whose own start time still matches the recorded one. A pid reuse
// (dead writer, new unrelated process with the same pid) shows up as a
// start-time mismatch.
func lockHolderAlive(rec lockRecord) bool {
	if !processAlive(int(rec.pid)) {
		return false
	}

	ticks, err := processStartTicks(int(rec.pid))
	if err != nil {
		// Can't confirm identity; assume alive rather than risk a double
		// writer.
		return true
	}

	return ticks == rec.startTicks
}

func (l *writerLock) release() error {
	// The content is left in place deliberately: it still accurately
	// records the last holder, which is exactly what the next opener needs
	// to make its steal decision. Only the fd is released.
	return l.file.Close()
}

type lockRecord struct {
	pid        int64
	startTicks int64
}

func encodeLockRecord(rec lockRecord) []byte {
	buf := make([]byte, lockRecordSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(rec.pid))
	binary.LittleEndian.PutUint64(buf[8:], uint64(rec.startTicks))
	binary.LittleEndian.PutUint32(buf[16:], crc32c(buf[:16]))

	return buf
}

func writeLockRecord(fs fsx.FS, path string, rec lockRecord) error {
	return fs.WriteFileAtomic(path, encodeLockRecord(rec), 0o644)
}

func readLockRecord(f *os.File) (lockRecord, bool) {
	buf := make([]byte, lockRecordSize)

	if _, err := f.ReadAt(buf, 0); err != nil {
		return lockRecord{}, false
	}

	want := binary.LittleEndian.Uint32(buf[16:20])
	if crc32c(buf[:16]) != want {
		return lockRecord{}, false
	}

	return lockRecord{
		pid:        int64(binary.LittleEndian.Uint64(buf[0:])),
		startTicks: int64(binary.LittleEndian.Uint64(buf[8:])),
	}, true
}

// processAlive reports whether pid names a running process, via the
// signal-0 probe idiom: sending signal 0 performs error checking without
// actually delivering a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}

// processStartTicks returns pid's start time in clock ticks since boot,
// field 22 of /proc/<pid>/stat. This value is stable for the lifetime of a
// pid and changes (or vanishes, if the pid is reused) when the process
// exits, which is exactly the identity check the writer.lock steal
// protocol needs.
func processStartTicks(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	// Field 2 (comm) is parenthesized and may itself contain spaces or
	// closing parens, so split on the last ')' before counting fields.
	line := string(data)

	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 || closeParen+2 >= len(line) {
		return 0, fmt.Errorf("chronq: malformed /proc/%d/stat", pid)
	}

	fields := strings.Fields(line[closeParen+2:])
	// After comm, field 3 is state (index 0 here); starttime is field 22
	// overall, i.e. index 22-3 = 19 in this suffix slice.
	const startTimeIndex = 19
	if len(fields) <= startTimeIndex {
		return 0, fmt.Errorf("chronq: short /proc/%d/stat", pid)
	}

	ticks, err := strconv.ParseInt(fields[startTimeIndex], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chronq: parse starttime for pid %d: %w", pid, err)
	}

	return ticks, nil
}
