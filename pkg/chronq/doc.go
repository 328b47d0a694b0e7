// Package chronq implements a single-host, persisted, low-latency message
// bus for high-frequency trading pipelines.
//
// Producer and consumer processes communicate through append-only,
// memory-mapped segment files on a local filesystem (ideally NVMe). One
// writer owns a queue; many independent readers consume it, each persisting
// its own progress so it can restart without data loss.
//
// chronq is a throughput/latency primitive, not a durable database: a
// corrupted queue (bad magic, failed CRC, a sequence gap) is an operator
// event, not something the library silently papers over. See the error
// sentinels in errors.go for the fatal-vs-retryable classification.
//
// # Basic usage
//
//	pub, err := chronq.OpenPublisher("/mnt/nvme/orders", chronq.Options{})
//	if err != nil {
//	    // handle
//	}
//	defer pub.Close()
//
//	seq, err := pub.Append(1, []byte("hello"))
//
//	sub, err := chronq.OpenSubscriber("/mnt/nvme/orders", "strategy-a", chronq.Options{})
//	defer sub.Close()
//
//	for {
//	    msg, ok, err := sub.Next()
//	    if ok {
//	        handle(msg)
//	        continue
//	    }
//	    sub.Wait(100 * time.Millisecond)
//	}
//
// # Concurrency
//
// chronq is single-writer, multi-reader per queue:
//   - At most one [Publisher] may be open against a queue directory at a
//     time; a second OpenPublisher call fails with [ErrWriterAlreadyActive]
//     unless the prior writer's process has died (see [OpenPublisher]).
//   - Any number of [Subscriber] handles, in any number of processes, may
//     read concurrently. Each tracks its own durable cursor under
//     readers/<name>.meta.
//
// # Scope
//
// This package is the data plane only: record codec, segment files, the
// shared control block, the writer/reader protocols, and retention.
// Directory-layout helpers, readiness markers, and service discovery are
// control-plane concerns external to this package; fan-in merge, pub/sub
// sugar, and venue-specific parsers build on top of it.
package chronq
