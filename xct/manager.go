package xct

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngaut/log"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/metrics"
	"github.com/keeldb/keel/util/stoppable"
)

// StorageOps is the slice of the storage layer the commit protocol consumes:
// moved-record tracking and the per-record apply hook.
type StorageOps interface {
	// TrackMovedWrite rewrites w's owner/payload to the record's new home.
	// False means the record went too far to track; the whole transaction
	// retries.
	TrackMovedWrite(w *WriteAccess) bool
	// TrackMovedRead resolves a bare owner address, or nil when unreachable.
	TrackMovedRead(sid keel.StorageID, owner *keel.TIDWord) *keel.TIDWord
	// ApplyRecord performs the payload mutation for one log record. owner
	// and payload are nil for lock-free entries.
	ApplyRecord(rec *commitlog.Record, tid keel.ThreadID, owner *keel.TIDWord, payload []byte)
	// Name is for diagnostics only.
	Name(sid keel.StorageID) string
	// IsInitialized gates manager init ordering.
	IsInitialized() bool
}

// LogOps is the slice of the log subsystem the manager consumes.
type LogOps interface {
	WaitUntilDurable(epoch keel.Epoch, timeout time.Duration) error
	GetDurableGlobalEpochWeak() keel.Epoch
	WakeupLoggers()
}

// Manager owns the global epoch and runs the commit protocol. One per
// engine.
type Manager struct {
	cfg     *config.Config
	storage StorageOps
	logOps  LogOps

	currentGlobalEpoch uint32

	advancerThread  *stoppable.Thread
	advanceInterval time.Duration

	advancedMu   sync.Mutex
	advancedCond *sync.Cond

	initialized bool
}

// NewManager wires the manager to its collaborators. Init starts the epoch
// advancer.
func NewManager(cfg *config.Config, storage StorageOps, logOps LogOps) *Manager {
	m := &Manager{
		cfg:             cfg,
		storage:         storage,
		logOps:          logOps,
		advancerThread:  stoppable.New("epoch-advancer"),
		advanceInterval: time.Duration(cfg.Xct.EpochAdvanceIntervalMs) * time.Millisecond,
	}
	m.advancedCond = sync.NewCond(&m.advancedMu)
	return m
}

// Init validates dependencies, installs the initial epoch, and starts the
// epoch advance thread.
func (m *Manager) Init() error {
	log.Info("initializing xct manager")
	if m.storage == nil || !m.storage.IsInitialized() {
		return keel.ErrDependentModule
	}
	atomic.StoreUint32(&m.currentGlobalEpoch, uint32(keel.EpochInitialCurrent))
	metrics.CurrentEpochGauge.Set(float64(keel.EpochInitialCurrent))
	go m.handleEpochAdvance()
	m.initialized = true
	return nil
}

// IsInitialized reports whether Init completed.
func (m *Manager) IsInitialized() bool { return m.initialized }

// Uninit joins the epoch advance thread.
func (m *Manager) Uninit() error {
	if !m.initialized {
		return nil
	}
	log.Info("uninitializing xct manager")
	m.advancerThread.StopAndJoin()
	m.initialized = false
	if m.storage == nil || !m.storage.IsInitialized() {
		return keel.ErrDependentModule
	}
	return nil
}

// handleEpochAdvance is the epoch advance thread: every interval (or sooner
// when poked) it moves the global epoch forward by exactly one and wakes the
// loggers.
func (m *Manager) handleEpochAdvance() {
	m.advancerThread.MarkStarted()
	defer m.advancerThread.MarkDone()
	log.Infof("epoch advance thread started, interval=%s", m.advanceInterval)
	for !m.advancerThread.Sleep(m.advanceInterval) {
		m.advancedMu.Lock()
		next := m.CurrentGlobalEpoch().OneMore()
		atomic.StoreUint32(&m.currentGlobalEpoch, uint32(next))
		m.advancedCond.Broadcast()
		m.advancedMu.Unlock()
		metrics.CurrentEpochGauge.Set(float64(next))
		log.Debugf("advanced global epoch to %s", next)
		m.logOps.WakeupLoggers()
	}
	log.Info("epoch advance thread ended")
}

// CurrentGlobalEpoch reads the global epoch with full ordering.
func (m *Manager) CurrentGlobalEpoch() keel.Epoch {
	return keel.Epoch(atomic.LoadUint32(&m.currentGlobalEpoch))
}

// CurrentGlobalEpochWeak is the relaxed read used where a slightly stale
// epoch is fine, such as the serialization point.
func (m *Manager) CurrentGlobalEpochWeak() keel.Epoch {
	return keel.Epoch(atomic.LoadUint32(&m.currentGlobalEpoch))
}

func (m *Manager) wakeupEpochAdvanceThread() { m.advancerThread.Wakeup() }

// AdvanceCurrentGlobalEpoch pokes the advancer and blocks until the epoch
// actually moved. The re-check after taking the mutex closes the window
// where the advance lands between the read and the wait.
func (m *Manager) AdvanceCurrentGlobalEpoch() {
	now := m.CurrentGlobalEpoch()
	log.Debugf("requesting immediate epoch advance from %s", now)
	for now == m.CurrentGlobalEpoch() {
		m.wakeupEpochAdvanceThread()
		m.advancedMu.Lock()
		if now != m.CurrentGlobalEpoch() {
			m.advancedMu.Unlock()
			break
		}
		m.advancedCond.Wait()
		m.advancedMu.Unlock()
	}
}

// WaitForCommit waits until commitEpoch is durable. It pokes the advancer
// when commitEpoch is already before the current global epoch; otherwise the
// advancer's own interval moves the epoch on. ErrTimeout is not an abort.
func (m *Manager) WaitForCommit(commitEpoch keel.Epoch, timeout time.Duration) error {
	if commitEpoch.Before(m.CurrentGlobalEpoch()) {
		m.wakeupEpochAdvanceThread()
	}
	return m.logOps.WaitUntilDurable(commitEpoch, timeout)
}

// BeginXct moves an idle worker to Active.
func (m *Manager) BeginXct(ctx *Context, isolation IsolationLevel) error {
	if ctx.xct.IsActive() {
		return keel.ErrXctAlreadyRunning
	}
	ctx.xct.activate(isolation)
	ctx.mcsBlockCurrent = 0
	return nil
}

// AbortXct abandons the running transaction and truncates its log tail.
func (m *Manager) AbortXct(ctx *Context) error {
	if !ctx.xct.IsActive() {
		return keel.ErrNoXct
	}
	ctx.xct.deactivate()
	ctx.logBuffer.DiscardCurrentXctLog()
	metrics.AbortCounter.Inc()
	return nil
}

// PrecommitXct runs the commit protocol and returns the commit epoch on
// success. ErrRaceAbort means the transaction lost a race and should be
// retried from the top; the log tail is already discarded.
func (m *Manager) PrecommitXct(ctx *Context) (keel.Epoch, error) {
	if !ctx.xct.IsActive() {
		metrics.PrecommitCounter.WithLabelValues("misuse").Inc()
		return keel.EpochInvalid, keel.ErrNoXct
	}

	var commitEpoch keel.Epoch
	var success bool
	if ctx.xct.IsReadOnly() {
		success = m.precommitReadOnly(ctx, &commitEpoch)
	} else {
		success = m.precommitReadWrite(ctx, &commitEpoch)
	}

	ctx.xct.deactivate()
	if !success {
		log.Debugf("worker-%d aborting due to contention", ctx.id)
		ctx.logBuffer.DiscardCurrentXctLog()
		metrics.PrecommitCounter.WithLabelValues("race_abort").Inc()
		return keel.EpochInvalid, keel.ErrRaceAbort
	}
	metrics.PrecommitCounter.WithLabelValues("ok").Inc()
	return commitEpoch, nil
}
