package commitlog

import (
	"sync"
	"sync/atomic"

	keel "github.com/keeldb/keel"
)

// Sink receives the committed batches a buffer publishes. The log manager's
// loggers implement it.
type Sink interface {
	appendBatch(threadID keel.ThreadID, commitEpoch keel.Epoch, records []*Record)
}

// Buffer is the per-worker log buffer. The worker appends records while its
// transaction runs; at commit the tail is either published to the worker's
// logger (with the commit epoch) or discarded. Offsets count records.
//
// Only the owning worker touches the tail, but offsets are read by tests and
// loggers, so the slice is guarded by a small mutex; the in-commit epoch
// guard is a bare atomic because loggers poll it on their hot path.
type Buffer struct {
	threadID keel.ThreadID
	sink     Sink

	mu        sync.Mutex
	records   []*Record
	committed int

	inCommitEpoch uint32
}

// NewBuffer returns a buffer draining into sink. The engine creates one per
// worker context.
func NewBuffer(threadID keel.ThreadID, sink Sink) *Buffer {
	return &Buffer{threadID: threadID, sink: sink}
}

func (b *Buffer) ThreadID() keel.ThreadID { return b.threadID }

// Add appends a record to the uncommitted tail.
func (b *Buffer) Add(rec *Record) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

// OffsetTail is the offset one past the last appended record.
func (b *Buffer) OffsetTail() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// OffsetCommitted is the offset one past the last published record.
func (b *Buffer) OffsetCommitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

// PublishCommittedLog hands every record between committed and tail to the
// logger, tagged with the transaction's commit epoch.
func (b *Buffer) PublishCommittedLog(commitEpoch keel.Epoch) {
	b.mu.Lock()
	batch := b.records[b.committed:]
	b.committed = len(b.records)
	b.mu.Unlock()
	if len(batch) > 0 {
		b.sink.appendBatch(b.threadID, commitEpoch, batch)
	}
}

// DiscardCurrentXctLog drops the uncommitted tail. Called on abort.
func (b *Buffer) DiscardCurrentXctLog() {
	b.mu.Lock()
	b.records = b.records[:b.committed]
	b.mu.Unlock()
}

// SetInCommitEpoch installs the in-commit epoch guard. A worker sets it just
// before the serialization point of a read-write commit and clears it after
// log publication; loggers refuse to declare an epoch durable while any
// worker's guard is at or below it.
func (b *Buffer) SetInCommitEpoch(e keel.Epoch) {
	atomic.StoreUint32(&b.inCommitEpoch, uint32(e))
}

// ClearInCommitEpoch removes the guard.
func (b *Buffer) ClearInCommitEpoch() {
	atomic.StoreUint32(&b.inCommitEpoch, uint32(keel.EpochInvalid))
}

// InCommitEpoch reads the guard; invalid means no commit is in flight.
func (b *Buffer) InCommitEpoch() keel.Epoch {
	return keel.Epoch(atomic.LoadUint32(&b.inCommitEpoch))
}
