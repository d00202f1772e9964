package xct

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/ngaut/log"

	keel "github.com/keeldb/keel"
)

// The read-write commit is the SILO protocol with two twists inherited from
// the record-lock design: write-sets may carry multiple entries per record
// (only the run's last entry owns the lock), and records may be concurrently
// relocated by the storage layer (the moved bit), which the lock phase
// resolves before locking and re-checks after.

func ownerAddr(w *WriteAccess) uintptr {
	return uintptr(unsafe.Pointer(w.Owner))
}

func loadPointerWord(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

func (m *Manager) precommitReadWrite(ctx *Context, commitEpoch *keel.Epoch) bool {
	maxXctID := keel.NewXctID(keel.EpochInitialDurable, 1)
	if !m.precommitLock(ctx, &maxXctID) {
		// physical records went too far away; rare
		log.Debugf("worker-%d write-set records moved too far", ctx.id)
		return false
	}

	// Serialization point. The in-commit guard goes up before the epoch
	// read so loggers cannot close the commit epoch under us; the atomic
	// loads and stores around it give the release-acquire bracketing.
	ctx.logBuffer.SetInCommitEpoch(m.CurrentGlobalEpochWeak())
	*commitEpoch = m.CurrentGlobalEpochWeak()
	defer ctx.logBuffer.ClearInCommitEpoch()

	verified := m.precommitVerifyReadWrite(ctx, &maxXctID)
	if !verified {
		m.precommitUnlock(ctx)
		return false
	}

	m.precommitApply(ctx, maxXctID, *commitEpoch)
	ctx.logBuffer.PublishCommittedLog(*commitEpoch)
	return true
}

func (m *Manager) precommitReadOnly(ctx *Context, commitEpoch *keel.Epoch) bool {
	*commitEpoch = keel.EpochInvalid
	if !m.precommitVerifyReadSet(ctx, nil, commitEpoch) {
		return false
	}
	if !commitEpoch.Valid() {
		// no reads at all; any durable epoch bounds the wait
		*commitEpoch = m.logOps.GetDurableGlobalEpochWeak()
	}
	return m.precommitVerifyPointerSet(ctx) && m.precommitVerifyPageVersionSet(ctx)
}

// precommitLock resolves moved records, sorts the write-set by record
// address, and locks each distinct record in that order. Any moved bit
// observed after its lock is taken releases everything and restarts.
func (m *Manager) precommitLock(ctx *Context, maxXctID *keel.XctID) bool {
	writes := ctx.xct.writes
	for {
		for i := range writes {
			if writes[i].Owner.IsMoved() {
				if !m.storage.TrackMovedWrite(&writes[i]) {
					return false
				}
			}
		}

		// ascending record address, program order within a record
		sort.SliceStable(writes, func(i, j int) bool {
			return ownerAddr(&writes[i]) < ownerAddr(&writes[j])
		})

		needsRetry := false
		for i := range writes {
			w := &writes[i]
			if i < len(writes)-1 && w.Owner == writes[i+1].Owner {
				// run of writes to one record: the last entry locks
				continue
			}
			w.McsBlock = ctx.mcsAcquireLock(w.Owner)
			if w.Owner.IsMoved() {
				log.Debugf("worker-%d hit moved bit under lock on %s, retrying",
					ctx.id, m.storage.Name(w.StorageID))
				m.precommitUnlock(ctx)
				needsRetry = true
				break
			}
			maxXctID.StoreMax(w.Owner.Xid())
		}
		if !needsRetry {
			return true
		}
	}
}

// precommitVerifyReadSet checks every read-set observation. With maxXctID
// non-nil (read-write commits) it also folds observed IDs into the ordinal
// bound; with commitEpoch non-nil (read-only) it accumulates the highest
// observed epoch.
func (m *Manager) precommitVerifyReadSet(ctx *Context, maxXctID *keel.XctID, commitEpoch *keel.Epoch) bool {
	reads := ctx.xct.reads
	for i := range reads {
		access := &reads[i]
		if access.Owner.IsMoved() {
			// unlike the lock phase there is no retry loop; a re-split
			// during verification is an abort
			resolved := m.storage.TrackMovedRead(access.StorageID, access.Owner)
			if resolved == nil {
				return false
			}
			access.Owner = resolved
		}
		if access.Observed != access.Owner.Xid() {
			log.Debugf("worker-%d read set changed on %s, will abort",
				ctx.id, m.storage.Name(access.StorageID))
			return false
		}
		if maxXctID != nil {
			maxXctID.StoreMax(access.Observed)
		}
		if commitEpoch != nil {
			*commitEpoch = keel.MaxEpoch(*commitEpoch, access.Observed.Epoch())
		}
	}
	return true
}

func (m *Manager) precommitVerifyReadWrite(ctx *Context, maxXctID *keel.XctID) bool {
	if !m.precommitVerifyReadSet(ctx, maxXctID, nil) {
		return false
	}
	return m.precommitVerifyPointerSet(ctx) && m.precommitVerifyPageVersionSet(ctx)
}

func (m *Manager) precommitVerifyPointerSet(ctx *Context) bool {
	for i := range ctx.xct.pointers {
		access := &ctx.xct.pointers[i]
		if loadPointerWord(access.Address) != access.Observed {
			log.Debugf("worker-%d pointer set changed, will abort", ctx.id)
			return false
		}
	}
	return true
}

func (m *Manager) precommitVerifyPageVersionSet(ctx *Context) bool {
	for i := range ctx.xct.pageVersions {
		access := &ctx.xct.pageVersions[i]
		if access.Address.Load() != access.Observed {
			log.Debugf("worker-%d page version set changed, will abort", ctx.id)
			return false
		}
	}
	return true
}

// precommitApply stamps the fresh XctID onto every log record, applies the
// write-set in sorted order, and unlocks. Records written multiple times
// keep being-written set and the lock held until the run's last entry.
func (m *Manager) precommitApply(ctx *Context, maxXctID keel.XctID, commitEpoch keel.Epoch) {
	ctx.xct.issueNextID(maxXctID, commitEpoch)
	newXctID := ctx.xct.ID().ClearStatus()
	newDeletedXctID := newXctID.WithDeleted()

	writes := ctx.xct.writes
	for i := range writes {
		w := &writes[i]
		w.Entry.Header.Xid = newXctID
		if i > 0 && w.Owner == writes[i-1].Owner {
			// previous entry of the run already set being-written
		} else {
			w.Owner.SetBeingWritten()
		}
		m.storage.ApplyRecord(w.Entry, ctx.id, w.Owner, w.Payload)
		if i < len(writes)-1 && w.Owner == writes[i+1].Owner {
			// keep the lock for the run's next entry
			continue
		}
		// the payload writes above happen-before this release store
		if w.Owner.Xid().IsDeleted() {
			w.Owner.SetXid(newDeletedXctID)
		} else {
			w.Owner.SetXid(newXctID)
		}
		ctx.mcsReleaseLock(w.Owner, w.McsBlock)
		w.McsBlock = 0
	}

	// lock-free writes have no record lock and no ordering beyond log order
	for i := range ctx.xct.lockFreeWrites {
		w := &ctx.xct.lockFreeWrites[i]
		w.Entry.Header.Xid = newXctID
		m.storage.ApplyRecord(w.Entry, ctx.id, nil, nil)
	}
}

// precommitUnlock releases whatever the lock phase acquired, without
// applying. Called on verify failure and on lock-phase restarts.
func (m *Manager) precommitUnlock(ctx *Context) {
	writes := ctx.xct.writes
	for i := range writes {
		w := &writes[i]
		if w.McsBlock != 0 {
			ctx.mcsReleaseLock(w.Owner, w.McsBlock)
			w.McsBlock = 0
		}
	}
}
