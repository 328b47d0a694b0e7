package chronq

// MessageView is a zero-copy view onto one committed record. Payload aliases
// the underlying mapped segment directly: it is valid only until the next
// call to Next, Wait, Commit, or Close on the Subscriber that produced it.
// Callers that need to retain a message past that point must copy Payload.
type MessageView struct {
	// Seq is the record's queue-wide sequence number, starting at 0.
	Seq uint64

	// TimestampNs is the writer's wall-clock timestamp at Append time, in
	// nanoseconds since the Unix epoch.
	TimestampNs int64

	// TypeID is the caller-supplied type tag passed to Publisher.Append.
	TypeID uint16

	// Payload is the record's application data.
	Payload []byte
}

// ReaderStatus reports a Subscriber's position as returned by
// Subscriber.Status: the current in-memory position, with the heartbeat and
// generation of its last commit to readers/<name>.meta.
type ReaderStatus struct {
	// Name is the reader's identity, as passed to OpenSubscriber.
	Name string

	// SegmentID is the id of the segment the reader is currently positioned
	// in.
	SegmentID uint64

	// Offset is the byte offset of the reader's next record within
	// SegmentID.
	Offset uint64

	// HeartbeatNs is the last time the reader recorded liveness, in
	// nanoseconds since the Unix epoch.
	HeartbeatNs int64

	// Generation counts how many times this cursor has been committed,
	// for diagnostic use; it has no bearing on correctness.
	Generation uint64
}

// lagWithin returns how many bytes behind headOffset this status's Offset
// is, or 0 if Offset is at or past it. Both offsets must be in the same
// segment for the subtraction to be meaningful; it takes no segment id and
// does not account for segments in between (see readerLagBytes for that).
func (s ReaderStatus) lagWithin(headOffset uint64) uint64 {
	if headOffset < s.Offset {
		return 0
	}

	return headOffset - s.Offset
}
