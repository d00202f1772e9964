package snapshot

import (
	"os"
	"strconv"

	"github.com/ngaut/log"
	lz4 "github.com/pierrec/lz4"
	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/metrics"
)

// TruncatableLogSource extends LogSource with the durability view and the
// truncation the manager performs after publishing.
type TruncatableLogSource interface {
	LogSource
	GetDurableGlobalEpochWeak() keel.Epoch
	TruncateUpTo(loggerID int, epoch keel.Epoch)
}

// Manager triggers gleaner runs. One snapshot at a time; a second TakeSnapshot
// while one runs is refused rather than queued.
type Manager struct {
	cfg      *config.Config
	logs     TruncatableLogSource
	storages StorageSource

	running     uatomic.Bool
	lastID      uatomic.Uint64
	prevValid   uatomic.Uint32 // keel.Epoch of the previous snapshot
	initialized bool
}

// NewManager wires the snapshot subsystem.
func NewManager(cfg *config.Config, logs TruncatableLogSource, storages StorageSource) *Manager {
	return &Manager{cfg: cfg, logs: logs, storages: storages}
}

func (m *Manager) Init() error {
	log.Info("initializing snapshot manager")
	if m.cfg.Memory.UseNumaAlloc {
		// the runtime offers no NUMA placement; record the requested policy
		// so operators know the gleaner buffers are plain heap allocations
		log.Infof("numa alloc requested (interleave=%v); gleaner buffers use heap allocation",
			m.cfg.Memory.InterleaveNumaAlloc)
	}
	if err := os.MkdirAll(m.cfg.Snapshot.Dir, 0755); err != nil {
		return errors.WithStack(err)
	}
	m.prevValid.Store(uint32(keel.EpochInvalid))
	m.initialized = true
	return nil
}

func (m *Manager) Uninit() error {
	if !m.initialized {
		return nil
	}
	log.Info("uninitializing snapshot manager")
	m.initialized = false
	return nil
}

// IsInitialized gates dependent-module ordering.
func (m *Manager) IsInitialized() bool { return m.initialized }

// TakeSnapshot drains every logger stream up to the durable epoch into a new
// snapshot. On any worker failure the snapshot directory holds no metadata
// file and the logs remain untouched.
func (m *Manager) TakeSnapshot() (*Snapshot, error) {
	if !m.initialized {
		return nil, keel.ErrDependentModule
	}
	if !m.running.CAS(false, true) {
		return nil, errors.New("a snapshot is already running")
	}
	defer m.running.Store(false)

	validUntil := m.logs.GetDurableGlobalEpochWeak()
	if !validUntil.Valid() {
		return nil, errors.New("no durable epoch to snapshot")
	}

	snap := &Snapshot{
		ID:              m.lastID.Inc(),
		BaseEpoch:       keel.Epoch(m.prevValid.Load()),
		ValidUntilEpoch: validUntil,
	}
	snap.Dir = m.cfg.Snapshot.Dir + "/snapshot-" + strconv.FormatUint(snap.ID, 10)
	if err := os.MkdirAll(snap.Dir, 0755); err != nil {
		return nil, errors.WithStack(err)
	}

	gleaner, err := newLogGleaner(m.cfg, m.logs, m.storages, snap)
	if err != nil {
		return nil, err
	}
	if err := m.runGleaner(gleaner, snap); err != nil {
		metrics.GleanerRunCounter.WithLabelValues("failed").Inc()
		// leave the directory for post-mortem; without metadata it is not
		// a snapshot
		return nil, err
	}

	for i := 0; i < m.logs.LoggerCount(); i++ {
		m.logs.TruncateUpTo(i, validUntil)
	}
	m.prevValid.Store(uint32(validUntil))
	metrics.GleanerRunCounter.WithLabelValues("ok").Inc()
	log.Infof("snapshot-%d published: epochs (%s, %s], largest storage id %d",
		snap.ID, snap.BaseEpoch, snap.ValidUntilEpoch, snap.LargestStorageID)
	return snap, nil
}

func (m *Manager) runGleaner(g *LogGleaner, snap *Snapshot) error {
	if err := g.execute(); err != nil {
		return err
	}
	if err := m.writeNonrecordLog(g, snap); err != nil {
		return err
	}
	return g.metadata().WriteMetadata(snap)
}

// writeNonrecordLog persists the accumulated engine/storage logs,
// lz4-compressed.
func (m *Manager) writeNonrecordLog(g *LogGleaner, snap *Snapshot) error {
	f, err := os.Create(snap.NonrecordLogPath())
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	zw := lz4.NewWriter(f)
	if _, err := zw.Write(g.nonrecordLogs.bytes()); err != nil {
		return errors.WithStack(err)
	}
	if err := zw.Close(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
