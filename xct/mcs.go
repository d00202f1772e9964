package xct

import (
	"runtime"
	"sync/atomic"

	keel "github.com/keeldb/keel"
)

// The MCS queue lock keeps one spin block per acquisition in the acquiring
// worker's local block array, so contending workers spin on their own cache
// lines and hand the lock over in strict FIFO order. A lock's tail word
// names the last waiter as (thread id << 16 | block index); block index 0 is
// reserved for "no block" so a zero tail means unlocked.

const mcsBlocksPerThread = 1 << 16

type mcsBlock struct {
	waiting   uint32
	successor uint32
}

func mcsTag(id keel.ThreadID, block uint32) uint32 {
	return uint32(id)<<16 | block
}

func (p *Pool) blockOf(tag uint32) *mcsBlock {
	return &p.contexts[tag>>16].mcsBlocks[tag&0xFFFF]
}

// mcsAcquireLock joins the lock's queue and spins until this worker owns it.
// It returns the non-zero block index to pass to mcsReleaseLock.
func (c *Context) mcsAcquireLock(lock *keel.TIDWord) uint32 {
	c.mcsBlockCurrent++
	idx := c.mcsBlockCurrent
	if idx >= mcsBlocksPerThread {
		// a single transaction cannot hold this many acquisitions; the
		// write-set size limit trips long before
		panic("mcs block pool exhausted")
	}
	b := &c.mcsBlocks[idx]
	atomic.StoreUint32(&b.waiting, 1)
	atomic.StoreUint32(&b.successor, 0)

	me := mcsTag(c.id, idx)
	pred := lock.SwapTail(me)
	if pred == 0 {
		// uncontended
		atomic.StoreUint32(&b.waiting, 0)
		return idx
	}
	atomic.StoreUint32(&c.pool.blockOf(pred).successor, me)
	for atomic.LoadUint32(&b.waiting) != 0 {
		runtime.Gosched()
	}
	return idx
}

// mcsReleaseLock passes the lock to the next waiter, or frees it when the
// queue is empty.
func (c *Context) mcsReleaseLock(lock *keel.TIDWord, idx uint32) {
	b := &c.mcsBlocks[idx]
	me := mcsTag(c.id, idx)
	if lock.CasTail(me, 0) {
		return
	}
	// a successor swapped itself in but may not have linked yet
	var succ uint32
	for {
		succ = atomic.LoadUint32(&b.successor)
		if succ != 0 {
			break
		}
		runtime.Gosched()
	}
	atomic.StoreUint32(&c.pool.blockOf(succ).waiting, 0)
}
