// Package xct implements the transaction core: per-worker contexts and their
// access sets, the MCS record lock protocol, and the manager that advances
// the global epoch and runs the optimistic commit protocol.
package xct

import (
	"runtime"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/config"
)

// IsolationLevel selects how much a transaction observes and verifies.
type IsolationLevel int

const (
	// Serializable verifies the full read footprint at commit.
	Serializable IsolationLevel = iota
	// DirtyRead skips read-set tracking; reads may observe uncommitted
	// state and precommit verifies nothing for them.
	DirtyRead
)

// Xct is one worker's transaction state. It cycles Idle -> Active ->
// (committed|aborted) -> Idle; the access-set buffers stay allocated across
// cycles.
type Xct struct {
	active    bool
	isolation IsolationLevel
	id        keel.XctID

	reads          []ReadAccess
	writes         []WriteAccess
	lockFreeWrites []LockFreeWriteAccess
	pointers       []PointerAccess
	pageVersions   []PageVersionAccess
}

func (x *Xct) IsActive() bool            { return x.active }
func (x *Xct) Isolation() IsolationLevel { return x.isolation }
func (x *Xct) ID() keel.XctID            { return x.id }
func (x *Xct) ReadSetSize() int          { return len(x.reads) }
func (x *Xct) WriteSetSize() int         { return len(x.writes) }
func (x *Xct) LockFreeWriteSetSize() int { return len(x.lockFreeWrites) }
func (x *Xct) PointerSetSize() int       { return len(x.pointers) }
func (x *Xct) PageVersionSetSize() int   { return len(x.pageVersions) }

// IsReadOnly reports whether the transaction wrote nothing.
func (x *Xct) IsReadOnly() bool {
	return len(x.writes) == 0 && len(x.lockFreeWrites) == 0
}

func (x *Xct) activate(isolation IsolationLevel) {
	x.active = true
	x.isolation = isolation
	x.reads = x.reads[:0]
	x.writes = x.writes[:0]
	x.lockFreeWrites = x.lockFreeWrites[:0]
	x.pointers = x.pointers[:0]
	x.pageVersions = x.pageVersions[:0]
}

func (x *Xct) deactivate() { x.active = false }

// issueNextID assigns this transaction its commit XctID: the ordinal is one
// past every ordinal it must serialize after within the commit epoch.
func (x *Xct) issueNextID(maxObserved keel.XctID, commitEpoch keel.Epoch) {
	var ordinal uint32
	if x.id.Valid() && x.id.Epoch() == commitEpoch {
		ordinal = x.id.Ordinal()
	}
	if maxObserved.Valid() && maxObserved.Epoch() == commitEpoch &&
		maxObserved.Ordinal() > ordinal {
		ordinal = maxObserved.Ordinal()
	}
	x.id = keel.NewXctID(commitEpoch, ordinal+1)
}

// Context is one worker's handle on the engine: its transaction state, its
// log buffer, and its MCS blocks. A Context is not safe for concurrent use;
// each worker thread owns exactly one.
type Context struct {
	id    keel.ThreadID
	group int
	pool  *Pool

	xct       Xct
	logBuffer *commitlog.Buffer

	mcsBlocks       []mcsBlock
	mcsBlockCurrent uint32

	maxReadSet  int
	maxWriteSet int
}

func (c *Context) ThreadID() keel.ThreadID      { return c.id }
func (c *Context) Group() int                   { return c.group }
func (c *Context) Xct() *Xct                    { return &c.xct }
func (c *Context) LogBuffer() *commitlog.Buffer { return c.logBuffer }

// ObserveOwner reads a record's XctID for the read protocol: it spins past
// in-flight applies so the returned ID never has the being-written bit.
func (c *Context) ObserveOwner(owner *keel.TIDWord) keel.XctID {
	for {
		xid := owner.Xid()
		if !xid.IsBeingWritten() {
			return xid
		}
		runtime.Gosched()
	}
}

// AddToReadSet records an observation for commit-time verification. DirtyRead
// transactions track nothing.
func (c *Context) AddToReadSet(sid keel.StorageID, owner *keel.TIDWord, observed keel.XctID) error {
	if c.xct.isolation == DirtyRead {
		return nil
	}
	if len(c.xct.reads) >= c.maxReadSet {
		return keel.ErrAccessSetOverflow
	}
	c.xct.reads = append(c.xct.reads, ReadAccess{StorageID: sid, Owner: owner, Observed: observed})
	return nil
}

// AddToWriteSet queues a record mutation for the commit protocol.
func (c *Context) AddToWriteSet(sid keel.StorageID, owner *keel.TIDWord, payload []byte, entry *commitlog.Record) error {
	if len(c.xct.writes) >= c.maxWriteSet {
		return keel.ErrAccessSetOverflow
	}
	c.logBuffer.Add(entry)
	c.xct.writes = append(c.xct.writes, WriteAccess{
		StorageID: sid, Owner: owner, Payload: payload, Entry: entry})
	return nil
}

// AddToLockFreeWriteSet queues an append that needs no record lock.
func (c *Context) AddToLockFreeWriteSet(sid keel.StorageID, entry *commitlog.Record) error {
	if len(c.xct.lockFreeWrites) >= c.maxWriteSet {
		return keel.ErrAccessSetOverflow
	}
	c.logBuffer.Add(entry)
	c.xct.lockFreeWrites = append(c.xct.lockFreeWrites, LockFreeWriteAccess{StorageID: sid, Entry: entry})
	return nil
}

// AddToPointerSet records a pointer observation.
func (c *Context) AddToPointerSet(address *uint64, observed uint64) {
	c.xct.pointers = append(c.xct.pointers, PointerAccess{Address: address, Observed: observed})
}

// AddToPageVersionSet records a page version observation.
func (c *Context) AddToPageVersionSet(address *keel.PageVersion, observed uint64) {
	c.xct.pageVersions = append(c.xct.pageVersions, PageVersionAccess{Address: address, Observed: observed})
}

// Pool holds every worker context. MCS lock handoff resolves peer blocks
// through it.
type Pool struct {
	contexts []*Context
}

// NewPool builds the worker contexts, one per configured thread, wiring each
// to its log buffer.
func NewPool(cfg *config.Config, logMgr *commitlog.Manager) *Pool {
	p := &Pool{}
	total := cfg.TotalWorkers()
	p.contexts = make([]*Context, total)
	for i := 0; i < total; i++ {
		p.contexts[i] = &Context{
			id:          keel.ThreadID(i),
			group:       i / cfg.Thread.ThreadsPerGroup,
			pool:        p,
			logBuffer:   logMgr.Buffer(i),
			mcsBlocks:   make([]mcsBlock, mcsBlocksPerThread),
			maxReadSet:  cfg.Xct.MaxReadSetSize,
			maxWriteSet: cfg.Xct.MaxWriteSetSize,
		}
	}
	return p
}

// Context returns worker i's context.
func (p *Pool) Context(i int) *Context { return p.contexts[i] }

// Size is the number of worker contexts.
func (p *Pool) Size() int { return len(p.contexts) }
