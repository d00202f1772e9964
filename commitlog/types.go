// Package commitlog implements the engine's redo log plumbing: the typed log
// records storages emit, the per-worker log buffer that holds them until
// commit, and the log manager whose logger threads drain published records
// and advance the global durable epoch.
package commitlog

import (
	keel "github.com/keeldb/keel"
)

// RecordType tags a log record with the operation it encodes.
type RecordType uint16

const (
	TypeInvalid RecordType = iota

	// record logs: applied to individual records at commit
	TypeOverwrite
	TypeInsert
	TypeDelete
	TypeAppend

	// storage logs: metadata changes outside any transaction
	TypeStorageCreate RecordType = 0x100 + iota
	TypeStorageDrop

	// engine logs
	TypeEngineMark RecordType = 0x200 + iota
)

// RecordKind groups record types by how the gleaner routes them.
type RecordKind int

const (
	KindInvalid RecordKind = iota
	// KindRecord logs are partitioned by storage and key.
	KindRecord
	// KindStorage and KindEngine logs bypass partitioning and land in the
	// gleaner's shared nonrecord buffer.
	KindStorage
	KindEngine
)

// Kind derives the routing kind from the type code.
func (t RecordType) Kind() RecordKind {
	switch {
	case t >= TypeOverwrite && t <= TypeAppend:
		return KindRecord
	case t >= TypeStorageCreate && t <= TypeStorageDrop:
		return KindStorage
	case t == TypeEngineMark:
		return KindEngine
	}
	return KindInvalid
}

// Header is the fixed part of every log record. The XctID is stamped during
// the apply phase of commit, after which the header is immutable.
type Header struct {
	Type      RecordType
	StorageID keel.StorageID
	Xid       keel.XctID
}

// Record is one log record. Key is the storage-specific record key (for
// array storages, the big-endian offset); Payload is the after-image.
type Record struct {
	Header  Header
	Key     []byte
	Payload []byte
}

// Length is the record's wire size; the gleaner's nonrecord buffer reserves
// this many bytes per record.
func (r *Record) Length() int {
	return headerWireSize + len(r.Key) + len(r.Payload)
}

// IsDelete reports whether the record is a delete. The reducers use it to
// drop keys whose newest version is a delete; the commit path takes the
// deleted-bit variant from the owner word, which the storage apply sets.
func (r *Record) IsDelete() bool { return r.Header.Type == TypeDelete }
