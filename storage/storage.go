// Package storage implements the storage contract the commit protocol and
// the log gleaner consume, together with two in-memory storage kinds: array
// (fixed records behind TID words) and sequential (lock-free appends).
package storage

import (
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/xct"
)

// Kind distinguishes storage families. The commit path never branches on it;
// dispatch goes through the manager's side table.
type Kind int

const (
	ArrayKind Kind = iota
	SequentialKind
)

func (k Kind) String() string {
	switch k {
	case ArrayKind:
		return "array"
	case SequentialKind:
		return "sequential"
	}
	return "unknown"
}

// Storage is one storage instance. Implementations are internally
// synchronized; the commit protocol calls them from many workers at once.
type Storage interface {
	ID() keel.StorageID
	Name() string
	Kind() Kind

	// ApplyRecord performs the payload mutation of one log record. For
	// lock-free records owner and payload are nil. The caller holds the
	// record lock for locked records.
	ApplyRecord(rec *commitlog.Record, tid keel.ThreadID, owner *keel.TIDWord, payload []byte)

	// TrackMovedWrite rewrites w to the record's new home, or reports that
	// the record is unreachable.
	TrackMovedWrite(w *xct.WriteAccess) bool

	// TrackMovedRead resolves a bare owner address to the record's new
	// home, or nil when unreachable.
	TrackMovedRead(owner *keel.TIDWord) *keel.TIDWord

	// NewPartitioner builds this storage's key-to-node routing function.
	// Construction may be expensive; the gleaner caches the result.
	NewPartitioner(numNodes int) Partitioner
}

// Manager owns every storage and dispatches the commit protocol's hooks by
// StorageID through a side table.
type Manager struct {
	logMgr *commitlog.Manager

	mu       sync.RWMutex
	storages []Storage // index == StorageID; slot 0 unused
	byName   map[string]Storage

	initialized bool
}

// NewManager returns an empty manager. Storage create/drop records go to
// logMgr so snapshots can reconstruct the catalog.
func NewManager(logMgr *commitlog.Manager) *Manager {
	return &Manager{
		logMgr:   logMgr,
		storages: make([]Storage, 1),
		byName:   make(map[string]Storage),
	}
}

func (m *Manager) Init() error {
	log.Info("initializing storage manager")
	m.initialized = true
	return nil
}

func (m *Manager) Uninit() error {
	if !m.initialized {
		return nil
	}
	log.Info("uninitializing storage manager")
	m.initialized = false
	return nil
}

// IsInitialized gates dependent-module init ordering.
func (m *Manager) IsInitialized() bool { return m.initialized }

func (m *Manager) register(s Storage, name string) {
	m.storages = append(m.storages, s)
	m.byName[name] = s
	if m.logMgr != nil {
		m.logMgr.AppendSystemRecord(&commitlog.Record{
			Header:  commitlog.Header{Type: commitlog.TypeStorageCreate, StorageID: s.ID()},
			Payload: []byte(name),
		})
	}
	log.Infof("created %s storage %q as storage-%d", s.Kind(), name, s.ID())
}

// CreateArray creates an array storage of records fixed-size payload slots.
func (m *Manager) CreateArray(name string, records int, payloadSize int) (*ArrayStorage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return nil, errors.Errorf("storage %q already exists", name)
	}
	s := newArrayStorage(keel.StorageID(len(m.storages)), name, records, payloadSize)
	m.register(s, name)
	return s, nil
}

// CreateSequential creates an append-only storage.
func (m *Manager) CreateSequential(name string) (*SeqStorage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return nil, errors.Errorf("storage %q already exists", name)
	}
	s := newSeqStorage(keel.StorageID(len(m.storages)), name)
	m.register(s, name)
	return s, nil
}

// Drop removes a storage from the catalog. Records already logged against it
// remain; the gleaner skips storages that no longer resolve.
func (m *Manager) Drop(id keel.StorageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookup(id)
	if s == nil {
		return errors.Errorf("no storage-%d", id)
	}
	delete(m.byName, s.Name())
	m.storages[id] = nil
	if m.logMgr != nil {
		m.logMgr.AppendSystemRecord(&commitlog.Record{
			Header: commitlog.Header{Type: commitlog.TypeStorageDrop, StorageID: id},
		})
	}
	log.Infof("dropped storage-%d", id)
	return nil
}

func (m *Manager) lookup(id keel.StorageID) Storage {
	if int(id) >= len(m.storages) {
		return nil
	}
	return m.storages[id]
}

// Get returns the storage or nil.
func (m *Manager) Get(id keel.StorageID) Storage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(id)
}

// GetByName returns the storage or nil.
func (m *Manager) GetByName(name string) Storage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// LargestStorageID is the highest id ever allocated.
func (m *Manager) LargestStorageID() keel.StorageID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keel.StorageID(len(m.storages) - 1)
}

// Name implements xct.StorageOps; diagnostics only.
func (m *Manager) Name(id keel.StorageID) string {
	if s := m.Get(id); s != nil {
		return s.Name()
	}
	return "<dropped>"
}

// TrackMovedWrite implements xct.StorageOps.
func (m *Manager) TrackMovedWrite(w *xct.WriteAccess) bool {
	s := m.Get(w.StorageID)
	if s == nil {
		return false
	}
	return s.TrackMovedWrite(w)
}

// TrackMovedRead implements xct.StorageOps.
func (m *Manager) TrackMovedRead(id keel.StorageID, owner *keel.TIDWord) *keel.TIDWord {
	s := m.Get(id)
	if s == nil {
		return nil
	}
	return s.TrackMovedRead(owner)
}

// ApplyRecord implements xct.StorageOps.
func (m *Manager) ApplyRecord(rec *commitlog.Record, tid keel.ThreadID, owner *keel.TIDWord, payload []byte) {
	s := m.Get(rec.Header.StorageID)
	if s == nil {
		log.Errorf("apply against dropped storage-%d", rec.Header.StorageID)
		return
	}
	s.ApplyRecord(rec, tid, owner, payload)
}

// NewPartitionerFor builds a partitioner for one storage; nil when the
// storage is gone.
func (m *Manager) NewPartitionerFor(id keel.StorageID, numNodes int) Partitioner {
	s := m.Get(id)
	if s == nil {
		return nil
	}
	return s.NewPartitioner(numNodes)
}
