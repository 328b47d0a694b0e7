package chronq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Control block layout, little-endian. Each logical group sits on its own
// 64-byte cache line so the writer's hot-path stores (head, notify) never
// false-share with the cold init fields.
//
//	cache line 0 [0,64):    magic(4) version(4) init_state(4) reserved(52)
//	cache line 1 [64,128):  current_segment(8) write_offset(8) reserved(48)
//	cache line 2 [128,192): notify_seq(4) waiter_count(4) reserved(56)
const (
	controlSize = 192

	ctlOffMagic       = 0
	ctlOffVersion     = 4
	ctlOffInitState   = 8
	ctlOffCurrentSeg  = 64
	ctlOffWriteOffset = 72
	ctlOffNotifySeq   = 128
	ctlOffWaiterCount = 132
	ctlVersion1       = 1
)

var ctlMagic = [4]byte{'C', 'H', 'Q', 'C'}

// init_state values.
const (
	initStateUninit       uint32 = 0
	initStateInitializing uint32 = 1
	initStateReady        uint32 = 2
)

// initSpinBudget bounds how long create_or_open waits for a concurrent
// initializer to finish before treating the control block as stuck.
const initSpinBudget = 2 * time.Second

// control is the mapped control.meta file shared by the writer and every
// reader of a queue.
type control struct {
	file *os.File
	data []byte
}

// createOrOpenControl implements the create_or_open protocol: exactly one
// caller across the whole machine wins the O_CREAT|O_EXCL race and
// initializes the block; every other caller (including ones racing right
// now, or opening an already-initialized queue) spins for init_state to
// reach ready.
func createOrOpenControl(path string, strict bool) (*control, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case err == nil:
		return initControl(f, path)
	case errors.Is(err, os.ErrExist):
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("chronq: open control %s: %w", path, err)
		}

		return waitControlReady(f, path, strict)
	default:
		return nil, fmt.Errorf("chronq: create control %s: %w", path, err)
	}
}

func mapControlFile(f *os.File) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, controlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("chronq: mmap control: %w", err)
	}

	return data, nil
}

func initControl(f *os.File, path string) (*control, error) {
	if err := f.Truncate(controlSize); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("chronq: truncate control %s: %w", path, err)
	}

	data, err := mapControlFile(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, err
	}

	clear(data)
	copy(data[ctlOffMagic:], ctlMagic[:])
	binary.LittleEndian.PutUint32(data[ctlOffVersion:], ctlVersion1)

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&data[ctlOffInitState])), initStateInitializing)

	binary.LittleEndian.PutUint64(data[ctlOffCurrentSeg:], 0)
	binary.LittleEndian.PutUint64(data[ctlOffWriteOffset:], segmentDataOffset)
	binary.LittleEndian.PutUint32(data[ctlOffNotifySeq:], 0)
	binary.LittleEndian.PutUint32(data[ctlOffWaiterCount:], 0)

	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		_ = unix.Munmap(data)
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("chronq: msync control init %s: %w", path, err)
	}

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&data[ctlOffInitState])), initStateReady)

	return &control{file: f, data: data}, nil
}

func waitControlReady(f *os.File, path string, strict bool) (*control, error) {
	deadline := time.Now().Add(initSpinBudget)

	// The file is created at size 0 and only truncated to controlSize by
	// its initializer afterward; mmap'ing it before that truncate lands
	// would map pages past EOF and fault on first touch. Wait for the
	// size to catch up first.
	for {
		fi, statErr := f.Stat()
		if statErr != nil {
			_ = f.Close()

			return nil, fmt.Errorf("chronq: stat control %s: %w", path, statErr)
		}

		if fi.Size() >= controlSize {
			break
		}

		if time.Now().After(deadline) {
			_ = f.Close()

			return nil, fmt.Errorf("chronq: control %s never reached full size: %w", path, ErrCorruptMetadata)
		}

		time.Sleep(time.Millisecond)
	}

	data, err := mapControlFile(f)
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	statePtr := (*uint32)(unsafe.Pointer(&data[ctlOffInitState]))

	for {
		state := atomic.LoadUint32(statePtr)
		if state == initStateReady {
			break
		}

		if time.Now().After(deadline) {
			_ = unix.Munmap(data)
			_ = f.Close()

			if strict {
				return nil, fmt.Errorf("chronq: control %s stuck in init_state %d: %w", path, state, ErrCorruptMetadata)
			}

			return nil, fmt.Errorf("chronq: control %s stuck in init_state %d, re-create by hand: %w", path, state, ErrCorruptMetadata)
		}

		time.Sleep(time.Millisecond)
	}

	if !bytesEqual(data[ctlOffMagic:ctlOffMagic+4], ctlMagic[:]) {
		_ = unix.Munmap(data)
		_ = f.Close()

		return nil, fmt.Errorf("chronq: control %s bad magic: %w", path, ErrCorruptMetadata)
	}

	version := binary.LittleEndian.Uint32(data[ctlOffVersion:])
	if version != ctlVersion1 {
		_ = unix.Munmap(data)
		_ = f.Close()

		return nil, fmt.Errorf("chronq: control %s version %d: %w", path, version, ErrUnsupportedVersion)
	}

	return &control{file: f, data: data}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func (c *control) close() error {
	err := unix.Munmap(c.data)
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}

	return err
}

// loadHead reads (current_segment, write_offset) with acquire ordering.
// The two fields are not updated as a single atomic unit; storeHead always
// writes write_offset before current_segment is allowed to move again, and
// readers only ever observe a head written by the sole writer, so tearing
// across the two fields cannot produce a position that was never valid.
func (c *control) loadHead() (segment uint64, offset uint64) {
	segPtr := (*uint64)(unsafe.Pointer(&c.data[ctlOffCurrentSeg]))
	offPtr := (*uint64)(unsafe.Pointer(&c.data[ctlOffWriteOffset]))

	return atomic.LoadUint64(segPtr), atomic.LoadUint64(offPtr)
}

// storeHead publishes (current_segment, write_offset) with release
// ordering. Only the writer calls this.
func (c *control) storeHead(segment, offset uint64) {
	segPtr := (*uint64)(unsafe.Pointer(&c.data[ctlOffCurrentSeg]))
	offPtr := (*uint64)(unsafe.Pointer(&c.data[ctlOffWriteOffset]))

	atomic.StoreUint64(offPtr, offset)
	atomic.StoreUint64(segPtr, segment)
}

func (c *control) notifyAddr() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.data[ctlOffNotifySeq]))
}

func (c *control) waiterAddr() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.data[ctlOffWaiterCount]))
}

// fetchIncNotify increments notify_seq with release ordering and returns
// the new value. Only the writer calls this.
func (c *control) fetchIncNotify() uint32 {
	return atomic.AddUint32(c.notifyAddr(), 1)
}

// loadNotify reads notify_seq with acquire ordering.
func (c *control) loadNotify() uint32 {
	return atomic.LoadUint32(c.notifyAddr())
}

func (c *control) incWaiters() uint32 {
	return atomic.AddUint32(c.waiterAddr(), 1)
}

func (c *control) decWaiters() uint32 {
	return atomic.AddUint32(c.waiterAddr(), ^uint32(0))
}

func (c *control) loadWaiters() uint32 {
	return atomic.LoadUint32(c.waiterAddr())
}

func (c *control) syncSync() error {
	if err := unix.Msync(c.data, unix.MS_SYNC); err != nil {
		return err
	}

	return c.file.Sync()
}
