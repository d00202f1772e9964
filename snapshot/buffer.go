package snapshot

import (
	"sync"
	"sync/atomic"

	"github.com/cznic/mathutil"
	"github.com/ngaut/log"
)

// nonrecordBuffer accumulates serialized engine/storage logs from all
// mappers. Reservation is a fetch-add on the position cursor; the copy into
// the reserved region is uncontended. The buffer grows rather than truncate:
// appenders hold the read side of the growth lock while copying, so a grower
// never rips the backing array out from under an in-flight copy.
type nonrecordBuffer struct {
	mu  sync.RWMutex
	buf []byte
	pos int64
}

func newNonrecordBuffer(size int64) *nonrecordBuffer {
	return &nonrecordBuffer{buf: make([]byte, size)}
}

// append reserves space, copies data, and returns the offset it landed at.
func (b *nonrecordBuffer) append(data []byte) int64 {
	n := int64(len(data))
	pos := atomic.AddInt64(&b.pos, n) - n

	b.mu.RLock()
	if pos+n <= int64(len(b.buf)) {
		copy(b.buf[pos:], data)
		b.mu.RUnlock()
		return pos
	}
	b.mu.RUnlock()

	b.mu.Lock()
	if pos+n > int64(len(b.buf)) {
		newSize := mathutil.Max(len(b.buf)*2, int(pos+n))
		log.Warnf("growing nonrecord log buffer %d -> %d bytes", len(b.buf), newSize)
		grown := make([]byte, newSize)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.mu.Unlock()

	b.mu.RLock()
	copy(b.buf[pos:], data)
	b.mu.RUnlock()
	return pos
}

// length is the number of appended bytes.
func (b *nonrecordBuffer) length() int64 { return atomic.LoadInt64(&b.pos) }

// bytes returns the filled region. Only safe once appenders have stopped;
// the gleaner reads it after joining every mapper.
func (b *nonrecordBuffer) bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf[:b.length()]
}
