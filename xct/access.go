package xct

import (
	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
)

// ReadAccess records one read-set entry: the XctID observed when the record
// was read. Commit verifies the record still carries it.
type ReadAccess struct {
	StorageID keel.StorageID
	Owner     *keel.TIDWord
	Observed  keel.XctID
}

// WriteAccess records one write-set entry. Payload is the record's payload
// slot the apply phase writes into; Entry is the log record carrying the
// after-image. McsBlock is zero until the lock phase acquires the record's
// lock through this entry.
type WriteAccess struct {
	StorageID keel.StorageID
	Owner     *keel.TIDWord
	Payload   []byte
	Entry     *commitlog.Record
	McsBlock  uint32
}

// LockFreeWriteAccess is a write that needs no record lock: append-only
// storages serialize by log order alone.
type LockFreeWriteAccess struct {
	StorageID keel.StorageID
	Entry     *commitlog.Record
}

// PointerAccess is a pointer slot whose observed value must be intact at
// commit.
type PointerAccess struct {
	Address  *uint64
	Observed uint64
}

// PageVersionAccess is a page header version observed during the
// transaction.
type PageVersionAccess struct {
	Address  *keel.PageVersion
	Observed uint64
}
