package xct

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/config"
)

// fakeRecord is a record slot for commit-protocol tests: a TID word plus a
// payload the fake storage applies into.
type fakeRecord struct {
	owner   keel.TIDWord
	payload []byte
}

func newFakeRecord(xid keel.XctID, size int) *fakeRecord {
	r := &fakeRecord{payload: make([]byte, size)}
	r.owner.SetXid(xid)
	return r
}

// fakeStorageOps implements StorageOps with single-hop moved forwarding.
type fakeStorageOps struct {
	mu       sync.Mutex
	forwards map[*keel.TIDWord]*fakeRecord
	applied  int
}

func newFakeStorageOps() *fakeStorageOps {
	return &fakeStorageOps{forwards: make(map[*keel.TIDWord]*fakeRecord)}
}

func (f *fakeStorageOps) forward(from *keel.TIDWord, to *fakeRecord) {
	f.mu.Lock()
	f.forwards[from] = to
	f.mu.Unlock()
}

func (f *fakeStorageOps) TrackMovedWrite(w *WriteAccess) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.forwards[w.Owner]
	if !ok {
		return false
	}
	w.Owner = &rec.owner
	w.Payload = rec.payload
	return true
}

func (f *fakeStorageOps) TrackMovedRead(_ keel.StorageID, owner *keel.TIDWord) *keel.TIDWord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.forwards[owner]
	if !ok {
		return nil
	}
	return &rec.owner
}

func (f *fakeStorageOps) ApplyRecord(rec *commitlog.Record, _ keel.ThreadID, owner *keel.TIDWord, payload []byte) {
	f.mu.Lock()
	f.applied++
	f.mu.Unlock()
	if payload != nil {
		copy(payload, rec.Payload)
	}
	if rec.Header.Type == commitlog.TypeDelete && owner != nil {
		owner.SetXid(owner.Xid().WithDeleted())
	}
}

func (f *fakeStorageOps) Name(keel.StorageID) string { return "fake" }
func (f *fakeStorageOps) IsInitialized() bool        { return true }

// fakeLogOps implements LogOps with an immediately-durable view.
type fakeLogOps struct {
	durable   uint32
	wakeups   int
	mu        sync.Mutex
	neverWait bool
}

func (f *fakeLogOps) WaitUntilDurable(epoch keel.Epoch, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverWait {
		return keel.ErrTimeout
	}
	return nil
}

func (f *fakeLogOps) GetDurableGlobalEpochWeak() keel.Epoch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return keel.Epoch(f.durable)
}

func (f *fakeLogOps) WakeupLoggers() {
	f.mu.Lock()
	f.wakeups++
	f.mu.Unlock()
}

type testRig struct {
	mgr     *Manager
	pool    *Pool
	storage *fakeStorageOps
	logOps  *fakeLogOps
}

// newTestRig builds a manager over fakes. The epoch advance interval is long
// so tests see a stable epoch unless they advance it themselves.
func newTestRig(t *testing.T, workers int) *testRig {
	cfg := config.NewDefaultConfig()
	cfg.Thread.ThreadsPerGroup = workers
	cfg.Xct.EpochAdvanceIntervalMs = 60 * 1000
	require.Nil(t, cfg.Validate())

	storage := newFakeStorageOps()
	logOps := &fakeLogOps{durable: uint32(keel.EpochInitialDurable)}
	logMgr := commitlog.NewManager(cfg)
	mgr := NewManager(cfg, storage, logOps)
	pool := NewPool(cfg, logMgr)
	require.Nil(t, mgr.Init())
	t.Cleanup(func() { require.Nil(t, mgr.Uninit()) })
	return &testRig{mgr: mgr, pool: pool, storage: storage, logOps: logOps}
}

func overwriteEntry(sid keel.StorageID, payload string) *commitlog.Record {
	return &commitlog.Record{
		Header:  commitlog.Header{Type: commitlog.TypeOverwrite, StorageID: sid},
		Payload: []byte(payload),
	}
}

func deleteEntry(sid keel.StorageID) *commitlog.Record {
	return &commitlog.Record{Header: commitlog.Header{Type: commitlog.TypeDelete, StorageID: sid}}
}
