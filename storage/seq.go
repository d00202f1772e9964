package storage

import (
	"sync"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/xct"
)

// SeqStorage is an append-only storage. Appends go through the lock-free
// write set: no record lock, no verification, serialized by log order alone.
type SeqStorage struct {
	id   keel.StorageID
	name string

	mu      sync.Mutex
	entries [][]byte
}

func newSeqStorage(id keel.StorageID, name string) *SeqStorage {
	return &SeqStorage{id: id, name: name}
}

func (s *SeqStorage) ID() keel.StorageID { return s.id }
func (s *SeqStorage) Name() string       { return s.name }
func (s *SeqStorage) Kind() Kind         { return SequentialKind }

// Append queues a payload for the transaction's lock-free write set.
func (s *SeqStorage) Append(ctx *xct.Context, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	entry := &commitlog.Record{
		Header:  commitlog.Header{Type: commitlog.TypeAppend, StorageID: s.id},
		Payload: cp,
	}
	return ctx.AddToLockFreeWriteSet(s.id, entry)
}

// Len is the number of committed appends.
func (s *SeqStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns committed append i.
func (s *SeqStorage) Get(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[i]
}

// ApplyRecord implements the storage contract; owner and payload are nil for
// this storage kind.
func (s *SeqStorage) ApplyRecord(rec *commitlog.Record, _ keel.ThreadID, _ *keel.TIDWord, _ []byte) {
	s.mu.Lock()
	s.entries = append(s.entries, rec.Payload)
	s.mu.Unlock()
}

// TrackMovedWrite implements the storage contract; sequential records never
// move.
func (s *SeqStorage) TrackMovedWrite(*xct.WriteAccess) bool { return false }

// TrackMovedRead implements the storage contract.
func (s *SeqStorage) TrackMovedRead(*keel.TIDWord) *keel.TIDWord { return nil }

// NewPartitioner hash-partitions appends by payload.
func (s *SeqStorage) NewPartitioner(numNodes int) Partitioner {
	return newHashPartitioner(s.id, numNodes)
}
