package commitlog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngaut/log"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/metrics"
	"github.com/keeldb/keel/util/stoppable"
)

// EpochSource exposes the global epoch to loggers. The transaction manager
// implements it; the indirection keeps this package below xct in the import
// graph.
type EpochSource interface {
	CurrentGlobalEpochWeak() keel.Epoch
}

// loggerTick bounds how stale a logger's durable mark can get when nobody
// wakes it explicitly.
const loggerTick = 10 * time.Millisecond

type publishedBatch struct {
	epoch    keel.Epoch
	threadID keel.ThreadID
	records  []*Record
}

// logger is one durable log stream. It owns a subset of the worker buffers:
// their published batches land here, and the logger's thread advances a
// durable mark over them.
type logger struct {
	id  int
	mgr *Manager
	th  *stoppable.Thread

	mu      sync.Mutex
	batches []publishedBatch

	buffers     []*Buffer
	durableMark uint32 // atomic keel.Epoch
}

func (l *logger) appendBatch(threadID keel.ThreadID, commitEpoch keel.Epoch, records []*Record) {
	l.mu.Lock()
	l.batches = append(l.batches, publishedBatch{epoch: commitEpoch, threadID: threadID, records: records})
	l.mu.Unlock()
}

func (l *logger) mark() keel.Epoch {
	return keel.Epoch(atomic.LoadUint32(&l.durableMark))
}

func (l *logger) run() {
	l.th.MarkStarted()
	defer l.th.MarkDone()
	log.Debugf("logger-%d started", l.id)
	for !l.th.Sleep(loggerTick) {
		l.advanceDurable()
	}
	// one final advance so a clean shutdown drains everything published
	l.advanceDurable()
	log.Debugf("logger-%d ended", l.id)
}

// advanceDurable moves this logger's durable mark to one epoch behind the
// current global epoch, held back by any worker whose in-commit guard shows
// a commit straddling the boundary.
func (l *logger) advanceDurable() {
	src := l.mgr.epochSource()
	if src == nil {
		return
	}
	cur := src.CurrentGlobalEpochWeak()
	if !cur.Valid() {
		return
	}
	safe := predecessor(cur)
	if !safe.Valid() {
		return
	}
	for _, buf := range l.buffers {
		if g := buf.InCommitEpoch(); g.Valid() {
			if gp := predecessor(g); !gp.Valid() || gp.Before(safe) {
				if !gp.Valid() {
					return
				}
				safe = gp
			}
		}
	}
	old := l.mark()
	if old.Valid() && !old.Before(safe) {
		return
	}
	atomic.StoreUint32(&l.durableMark, uint32(safe))
	l.mgr.recomputeDurable()
}

func predecessor(e keel.Epoch) keel.Epoch {
	prev := keel.Epoch(uint32(e) - 1)
	if prev == keel.EpochInvalid {
		return keel.EpochInvalid
	}
	return prev
}

// Manager owns the logger streams and the global durable epoch.
type Manager struct {
	loggers []*logger
	buffers []*Buffer

	src atomic.Value // EpochSource

	durableEpoch uint32
	durableMu    sync.Mutex
	durableCond  *sync.Cond

	initialized bool
}

// NewManager lays out buffers and loggers per the thread/log config: each
// NUMA group gets loggers-per-node streams, and every worker buffer of the
// group is pinned to one of them.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{durableEpoch: uint32(keel.EpochInitialDurable)}
	m.durableCond = sync.NewCond(&m.durableMu)

	total := cfg.TotalLoggers()
	m.loggers = make([]*logger, total)
	for i := range m.loggers {
		m.loggers[i] = &logger{
			id:          i,
			mgr:         m,
			th:          stoppable.New("logger"),
			durableMark: uint32(keel.EpochInitialDurable),
		}
	}

	workers := cfg.TotalWorkers()
	m.buffers = make([]*Buffer, workers)
	for i := 0; i < workers; i++ {
		group := i / cfg.Thread.ThreadsPerGroup
		ordinal := i % cfg.Thread.ThreadsPerGroup
		lg := m.loggers[group*cfg.Log.LoggersPerNode+ordinal%cfg.Log.LoggersPerNode]
		buf := NewBuffer(keel.ThreadID(i), lg)
		lg.buffers = append(lg.buffers, buf)
		m.buffers[i] = buf
	}
	return m
}

// SetEpochSource wires the transaction manager in. Must happen before Init.
func (m *Manager) SetEpochSource(src EpochSource) { m.src.Store(&src) }

func (m *Manager) epochSource() EpochSource {
	v := m.src.Load()
	if v == nil {
		return nil
	}
	return *v.(*EpochSource)
}

// Buffer returns worker i's log buffer.
func (m *Manager) Buffer(i int) *Buffer { return m.buffers[i] }

// LoggerCount is the number of logger streams (the snapshot mapper fan-out).
func (m *Manager) LoggerCount() int { return len(m.loggers) }

// Init starts the logger threads.
func (m *Manager) Init() error {
	log.Infof("initializing log manager with %d loggers, %d buffers",
		len(m.loggers), len(m.buffers))
	for _, l := range m.loggers {
		go l.run()
	}
	m.initialized = true
	return nil
}

// IsInitialized reports whether Init completed.
func (m *Manager) IsInitialized() bool { return m.initialized }

// Uninit stops the logger threads.
func (m *Manager) Uninit() error {
	if !m.initialized {
		return nil
	}
	log.Info("uninitializing log manager")
	for _, l := range m.loggers {
		l.th.RequestStop()
	}
	for _, l := range m.loggers {
		l.th.WaitForStop()
	}
	m.initialized = false
	return nil
}

// WakeupLoggers pokes every logger thread. The epoch advancer calls this
// after each bump.
func (m *Manager) WakeupLoggers() {
	for _, l := range m.loggers {
		l.th.Wakeup()
	}
}

// recomputeDurable folds the loggers' marks into the global durable epoch.
func (m *Manager) recomputeDurable() {
	min := keel.EpochInvalid
	for _, l := range m.loggers {
		mark := l.mark()
		if !mark.Valid() {
			return
		}
		if !min.Valid() || mark.Before(min) {
			min = mark
		}
	}
	if !min.Valid() {
		return
	}
	m.durableMu.Lock()
	old := keel.Epoch(atomic.LoadUint32(&m.durableEpoch))
	if old.Before(min) {
		atomic.StoreUint32(&m.durableEpoch, uint32(min))
		metrics.DurableEpochGauge.Set(float64(min))
		m.durableCond.Broadcast()
	}
	m.durableMu.Unlock()
}

// GetDurableGlobalEpochWeak reads the durable epoch without ordering
// guarantees beyond the load itself.
func (m *Manager) GetDurableGlobalEpochWeak() keel.Epoch {
	return keel.Epoch(atomic.LoadUint32(&m.durableEpoch))
}

// WaitUntilDurable blocks until the durable epoch reaches epoch or the
// timeout passes. A timeout is not an abort; it only means durability has
// not caught up yet.
func (m *Manager) WaitUntilDurable(epoch keel.Epoch, timeout time.Duration) error {
	if !epoch.Valid() {
		return nil
	}
	if cur := m.GetDurableGlobalEpochWeak(); !cur.Before(epoch) {
		return nil
	}
	m.WakeupLoggers()

	deadline := time.Now().Add(timeout)
	expired := false
	timer := time.AfterFunc(timeout, func() {
		m.durableMu.Lock()
		expired = true
		m.durableMu.Unlock()
		m.durableCond.Broadcast()
	})
	defer timer.Stop()

	m.durableMu.Lock()
	defer m.durableMu.Unlock()
	for {
		cur := keel.Epoch(atomic.LoadUint32(&m.durableEpoch))
		if !cur.Before(epoch) {
			return nil
		}
		if expired || !time.Now().Before(deadline) {
			return keel.ErrTimeout
		}
		m.durableCond.Wait()
	}
}

// AppendSystemRecord adds a non-transactional record (storage create/drop,
// engine marks) to logger 0's stream, stamped with the durable epoch so that
// the next snapshot always carries it.
func (m *Manager) AppendSystemRecord(rec *Record) {
	rec.Header.Xid = keel.NewXctID(m.GetDurableGlobalEpochWeak(), 0)
	m.loggers[0].appendBatch(0, rec.Header.Xid.Epoch(), []*Record{rec})
}

// EntriesUpTo returns logger loggerID's records with commit epoch at or
// before epoch, in publication order. This is the gleaner's input.
func (m *Manager) EntriesUpTo(loggerID int, epoch keel.Epoch) []*Record {
	l := m.loggers[loggerID]
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Record
	for _, b := range l.batches {
		if b.epoch.After(epoch) {
			continue
		}
		out = append(out, b.records...)
	}
	return out
}

// TruncateUpTo drops batches consumed by a published snapshot.
func (m *Manager) TruncateUpTo(loggerID int, epoch keel.Epoch) {
	l := m.loggers[loggerID]
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.batches[:0]
	for _, b := range l.batches {
		if b.epoch.After(epoch) {
			kept = append(kept, b)
		}
	}
	l.batches = kept
}
