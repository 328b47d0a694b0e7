package chronq

import (
	"fmt"
	"time"
)

const (
	// DefaultSegmentSize is the default segment file capacity.
	DefaultSegmentSize uint64 = 128 << 20 // 128 MiB

	// DefaultSpinMicros is the default reader spin budget before falling
	// back to the futex wait.
	DefaultSpinMicros uint32 = 10

	// DefaultRetentionTTL is the default reader liveness window.
	DefaultRetentionTTL = 5 * time.Minute

	// DefaultMaxRetentionLagBytes is the default per-reader lag cap.
	DefaultMaxRetentionLagBytes uint64 = 1 << 30 // 1 GiB
)

// WaitStrategy selects how Subscriber.Wait blocks when the queue is idle.
type WaitStrategy int

const (
	// WaitHybrid spins for SpinMicros, then parks in a futex wait. The
	// default: low latency while the producer is active, no burned core
	// while idle.
	WaitHybrid WaitStrategy = iota

	// WaitBusyPoll never parks; it spins continuously until data appears or
	// the timeout elapses. Lower worst-case latency at the cost of a fully
	// pinned core; for readers on an isolated core with no other tenants.
	WaitBusyPoll
)

func (w WaitStrategy) String() string {
	switch w {
	case WaitHybrid:
		return "hybrid"
	case WaitBusyPoll:
		return "busy-poll"
	default:
		return fmt.Sprintf("WaitStrategy(%d)", int(w))
	}
}

// FlushPolicyKind selects when Publisher.Append durability syncs happen.
type FlushPolicyKind int

const (
	// FlushAsync never syncs on the hot path; callers invoke FlushSync
	// explicitly, or rely on the OS page cache / periodic external sync.
	FlushAsync FlushPolicyKind = iota

	// FlushPerAppend calls FlushSync after every Append. Durable, slow.
	FlushPerAppend

	// FlushInterval is accepted and validated (FlushPolicy.Interval must be
	// positive), but Publisher starts no timer for it: with this kind,
	// Append does not sync, the same as FlushAsync.
	FlushInterval
)

// FlushPolicy configures when Publisher.Append syncs to disk: never on the
// hot path, or after every append. FlushInterval carries an interval but
// no timer acts on it.
type FlushPolicy struct {
	Kind FlushPolicyKind
	// Interval is used only when Kind == FlushInterval.
	Interval time.Duration
}

// MissingCursorPolicy controls what OpenSubscriber does when a reader name
// has no readers/<name>.meta file yet.
type MissingCursorPolicy int

const (
	// FreshFromHead starts the new reader at the start of the queue
	// (segment 0, first record, expected seq 0), like SeekToHead.
	FreshFromHead MissingCursorPolicy = iota

	// FailClosed returns ErrCorruptMetadata instead of silently starting a
	// reader whose name was expected to already have a cursor.
	FailClosed
)

// Options configures opening a queue for publishing or subscribing.
//
// The zero value is valid and applies every default in this file.
type Options struct {
	// SegmentSize is the fixed capacity of each segment file. Must be a
	// multiple of 64. Zero selects DefaultSegmentSize.
	SegmentSize uint64

	// SpinMicros is the reader spin budget before parking in a futex wait,
	// used only when WaitStrategy == WaitHybrid. Zero selects
	// DefaultSpinMicros.
	SpinMicros uint32

	// WaitStrategy selects the reader's idle-wait behavior.
	WaitStrategy WaitStrategy

	// FlushPolicy selects when Publisher syncs to disk. The zero value is
	// FlushAsync.
	FlushPolicy FlushPolicy

	// RetentionTTL is the reader liveness window used by Cleanup. Zero
	// selects DefaultRetentionTTL.
	RetentionTTL time.Duration

	// MaxRetentionLagBytes is the per-reader lag cap used by Cleanup. Zero
	// selects DefaultMaxRetentionLagBytes.
	MaxRetentionLagBytes uint64

	// MissingCursorPolicy controls OpenSubscriber behavior for a reader
	// name with no persisted cursor yet. The zero value is FreshFromHead.
	MissingCursorPolicy MissingCursorPolicy

	// StrictControlRecovery is passed to the control-block open. A control
	// block that has not reached the ready state by the init deadline is
	// reported as ErrCorruptMetadata whether this is true or false; it is
	// never re-initialized automatically, and the two settings differ only
	// in the error message.
	StrictControlRecovery bool

	// KeepDeadReaderMeta, if true, makes Cleanup leave a dead reader's
	// readers/<name>.meta file in place instead of removing it.
	KeepDeadReaderMeta bool
}

// withDefaults returns a copy of o with every zero-valued knob replaced by
// its default, and validates the result.
func (o Options) withDefaults() (Options, error) {
	out := o

	if out.SegmentSize == 0 {
		out.SegmentSize = DefaultSegmentSize
	}

	if out.SpinMicros == 0 {
		out.SpinMicros = DefaultSpinMicros
	}

	if out.RetentionTTL == 0 {
		out.RetentionTTL = DefaultRetentionTTL
	}

	if out.MaxRetentionLagBytes == 0 {
		out.MaxRetentionLagBytes = DefaultMaxRetentionLagBytes
	}

	if out.FlushPolicy.Kind == FlushInterval && out.FlushPolicy.Interval <= 0 {
		return Options{}, fmt.Errorf("%w: FlushInterval requires a positive Interval", ErrInvalidOptions)
	}

	if out.SegmentSize%64 != 0 {
		return Options{}, fmt.Errorf("%w: SegmentSize %d is not a multiple of 64", ErrInvalidOptions, out.SegmentSize)
	}

	if out.SegmentSize <= segmentDataOffset {
		return Options{}, fmt.Errorf("%w: SegmentSize %d too small to hold the segment header", ErrInvalidOptions, out.SegmentSize)
	}

	return out, nil
}

// maxPayloadLen returns the largest payload this queue's segment size can
// ever hold in an otherwise-empty segment.
func (o Options) maxPayloadLen() uint64 {
	usable := o.SegmentSize - segmentDataOffset
	if usable < recordHeaderSize {
		return 0
	}

	return usable - recordHeaderSize
}
