package storage

import (
	"encoding/binary"
	"sync"

	"github.com/pingcap/errors"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/xct"
)

// arrayRecord is one record slot: the TID word and its payload. Payload
// bytes are only written during the apply phase, under the record lock,
// between the being-written store and the owner-word release store.
type arrayRecord struct {
	owner   keel.TIDWord
	payload []byte
}

// ArrayStorage is a fixed-size array of records addressed by offset. It also
// supports record relocation, which is how the moved-bit machinery of the
// commit protocol gets exercised: Relocate gives a record a new home and
// leaves a forwarding entry behind.
type ArrayStorage struct {
	id          keel.StorageID
	name        string
	payloadSize int

	slotMu  sync.RWMutex
	slots   []*arrayRecord
	pageVer keel.PageVersion

	forwardMu sync.Mutex
	forwards  map[*keel.TIDWord]*arrayRecord
}

func newArrayStorage(id keel.StorageID, name string, records int, payloadSize int) *ArrayStorage {
	s := &ArrayStorage{
		id:          id,
		name:        name,
		payloadSize: payloadSize,
		slots:       make([]*arrayRecord, records),
		forwards:    make(map[*keel.TIDWord]*arrayRecord),
	}
	for i := range s.slots {
		rec := &arrayRecord{payload: make([]byte, payloadSize)}
		rec.owner.SetXid(keel.NewXctID(keel.EpochInitialDurable, 1))
		s.slots[i] = rec
	}
	return s
}

func (s *ArrayStorage) ID() keel.StorageID { return s.id }
func (s *ArrayStorage) Name() string       { return s.name }
func (s *ArrayStorage) Kind() Kind         { return ArrayKind }
func (s *ArrayStorage) Size() int          { return len(s.slots) }

func offsetKey(offset int) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(offset))
	return key[:]
}

func (s *ArrayStorage) slot(offset int) (*arrayRecord, error) {
	if offset < 0 || offset >= len(s.slots) {
		return nil, errors.Errorf("offset %d out of range in %q", offset, s.name)
	}
	s.slotMu.RLock()
	rec := s.slots[offset]
	s.slotMu.RUnlock()
	return rec, nil
}

// Read observes a record and returns a copy of its payload. The observation
// lands in the read set so precommit verifies it.
func (s *ArrayStorage) Read(ctx *xct.Context, offset int) ([]byte, error) {
	rec, err := s.slot(offset)
	if err != nil {
		return nil, err
	}
	observed := ctx.ObserveOwner(&rec.owner)
	// the observation happens-before this copy; verification catches any
	// concurrent overwrite
	out := make([]byte, len(rec.payload))
	copy(out, rec.payload)
	if err := ctx.AddToReadSet(s.id, &rec.owner, observed); err != nil {
		return nil, err
	}
	if observed.IsDeleted() {
		return nil, nil
	}
	return out, nil
}

// Overwrite queues a full-payload overwrite of one record.
func (s *ArrayStorage) Overwrite(ctx *xct.Context, offset int, payload []byte) error {
	if len(payload) > s.payloadSize {
		return errors.Errorf("payload %d exceeds record size %d", len(payload), s.payloadSize)
	}
	rec, err := s.slot(offset)
	if err != nil {
		return err
	}
	after := make([]byte, s.payloadSize)
	copy(after, payload)
	entry := &commitlog.Record{
		Header:  commitlog.Header{Type: commitlog.TypeOverwrite, StorageID: s.id},
		Key:     offsetKey(offset),
		Payload: after,
	}
	return ctx.AddToWriteSet(s.id, &rec.owner, rec.payload, entry)
}

// Insert queues a write that also clears the deleted state.
func (s *ArrayStorage) Insert(ctx *xct.Context, offset int, payload []byte) error {
	if len(payload) > s.payloadSize {
		return errors.Errorf("payload %d exceeds record size %d", len(payload), s.payloadSize)
	}
	rec, err := s.slot(offset)
	if err != nil {
		return err
	}
	after := make([]byte, s.payloadSize)
	copy(after, payload)
	entry := &commitlog.Record{
		Header:  commitlog.Header{Type: commitlog.TypeInsert, StorageID: s.id},
		Key:     offsetKey(offset),
		Payload: after,
	}
	return ctx.AddToWriteSet(s.id, &rec.owner, rec.payload, entry)
}

// Delete queues a logical delete of one record.
func (s *ArrayStorage) Delete(ctx *xct.Context, offset int) error {
	rec, err := s.slot(offset)
	if err != nil {
		return err
	}
	entry := &commitlog.Record{
		Header: commitlog.Header{Type: commitlog.TypeDelete, StorageID: s.id},
		Key:    offsetKey(offset),
	}
	return ctx.AddToWriteSet(s.id, &rec.owner, rec.payload, entry)
}

// ObservePageVersion records the storage's structural version in the page
// version set; any later relocation aborts the transaction.
func (s *ArrayStorage) ObservePageVersion(ctx *xct.Context) {
	ctx.AddToPageVersionSet(&s.pageVer, s.pageVer.Load())
}

// ApplyRecord implements the storage contract.
func (s *ArrayStorage) ApplyRecord(rec *commitlog.Record, _ keel.ThreadID, owner *keel.TIDWord, payload []byte) {
	switch rec.Header.Type {
	case commitlog.TypeOverwrite:
		copy(payload, rec.Payload)
	case commitlog.TypeInsert:
		copy(payload, rec.Payload)
		owner.SetXid(owner.Xid().WithoutDeleted())
	case commitlog.TypeDelete:
		owner.SetXid(owner.Xid().WithDeleted())
	}
}

// Relocate moves a record to a fresh slot, marking the old home moved and
// leaving a forwarding entry. This stands in for the structural changes
// (splits, layer migrations) real storages perform.
func (s *ArrayStorage) Relocate(offset int) error {
	rec, err := s.slot(offset)
	if err != nil {
		return err
	}
	newRec := &arrayRecord{payload: make([]byte, s.payloadSize)}
	copy(newRec.payload, rec.payload)
	// the new home inherits the version (and deleted state) but never the
	// moved bit; the old home gets it below, once the forward exists
	newRec.owner.SetXid(rec.owner.Xid())

	s.forwardMu.Lock()
	s.forwards[&rec.owner] = newRec
	s.forwardMu.Unlock()

	s.slotMu.Lock()
	s.slots[offset] = newRec
	s.slotMu.Unlock()

	rec.owner.SetMoved()
	s.pageVer.Bump()
	return nil
}

// breakForwarding severs a forwarding entry so tracking fails; test hook for
// the records-moved-too-far path.
func (s *ArrayStorage) breakForwarding(owner *keel.TIDWord) {
	s.forwardMu.Lock()
	delete(s.forwards, owner)
	s.forwardMu.Unlock()
}

func (s *ArrayStorage) resolve(owner *keel.TIDWord) (*arrayRecord, bool) {
	s.forwardMu.Lock()
	defer s.forwardMu.Unlock()
	cur := owner
	for hops := 0; hops < 16; hops++ {
		next, ok := s.forwards[cur]
		if !ok {
			return nil, false
		}
		if !next.owner.IsMoved() {
			return next, true
		}
		cur = &next.owner
	}
	return nil, false
}

// TrackMovedWrite implements the storage contract.
func (s *ArrayStorage) TrackMovedWrite(w *xct.WriteAccess) bool {
	rec, ok := s.resolve(w.Owner)
	if !ok {
		return false
	}
	w.Owner = &rec.owner
	w.Payload = rec.payload
	return true
}

// TrackMovedRead implements the storage contract.
func (s *ArrayStorage) TrackMovedRead(owner *keel.TIDWord) *keel.TIDWord {
	rec, ok := s.resolve(owner)
	if !ok {
		return nil
	}
	return &rec.owner
}

// NewPartitioner range-partitions offsets across nodes.
func (s *ArrayStorage) NewPartitioner(numNodes int) Partitioner {
	return newRangePartitioner(s.id, len(s.slots), numNodes)
}
