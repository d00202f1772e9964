package snapshot

import (
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	uatomic "go.uber.org/atomic"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/storage"
	"github.com/keeldb/keel/util/stoppable"
)

// LogSource is the slice of the log subsystem the gleaner consumes.
type LogSource interface {
	LoggerCount() int
	EntriesUpTo(loggerID int, epoch keel.Epoch) []*commitlog.Record
}

// StorageSource supplies partitioners and catalog info.
type StorageSource interface {
	NewPartitionerFor(id keel.StorageID, numNodes int) storage.Partitioner
	LargestStorageID() keel.StorageID
	Name(id keel.StorageID) string
}

// gleanerState tracks the run for diagnostics.
type gleanerState = uint32

const (
	gleanerIdle gleanerState = iota
	gleanerInitializing
	gleanerRunning
	gleanerCompleting
	gleanerCancelling
	gleanerDone
)

// LogGleaner runs one snapshot: it fans the durable logs of every logger
// stream through per-node reducers and assembles root metadata. All mappers
// and reducers start together (the start barrier) so neither side publishes
// into a peer that is not draining yet.
type LogGleaner struct {
	cfg      *config.Config
	logs     LogSource
	storages StorageSource
	snapshot *Snapshot

	th       *stoppable.Thread
	startCh  chan struct{}
	mappers  []*logMapper
	reducers []*logReducer

	readyToStartCount    uatomic.Uint32
	completedCount       uatomic.Uint32
	completedMapperCount uatomic.Uint32
	errorCount           uatomic.Uint32
	exitCount            uatomic.Uint32

	state uatomic.Uint32

	partitionersMu sync.Mutex
	partitioners   map[keel.StorageID]storage.Partitioner

	nonrecordLogs *nonrecordBuffer

	metaMu      sync.Mutex
	storageMeta map[keel.StorageID]*StorageMeta
}

// newLogGleaner lays out mappers and reducers for the snapshot: one mapper
// per logger stream, one reducer per NUMA node.
func newLogGleaner(cfg *config.Config, logs LogSource, storages StorageSource, snap *Snapshot) (*LogGleaner, error) {
	bufSize, err := cfg.NonrecordLogBufferBytes()
	if err != nil {
		return nil, err
	}
	g := &LogGleaner{
		cfg:           cfg,
		logs:          logs,
		storages:      storages,
		snapshot:      snap,
		th:            stoppable.New("log-gleaner"),
		startCh:       make(chan struct{}),
		partitioners:  make(map[keel.StorageID]storage.Partitioner),
		nonrecordLogs: newNonrecordBuffer(bufSize),
		storageMeta:   make(map[keel.StorageID]*StorageMeta),
	}

	numNodes := cfg.Thread.GroupCount
	for node := 0; node < numNodes; node++ {
		g.reducers = append(g.reducers, newLogReducer(g, node))
	}
	for node := 0; node < numNodes; node++ {
		for ordinal := 0; ordinal < cfg.Log.LoggersPerNode; ordinal++ {
			loggerID := cfg.Log.LoggersPerNode*node + ordinal
			g.mappers = append(g.mappers, newLogMapper(g, loggerID, node))
		}
	}
	if len(g.mappers) != logs.LoggerCount() {
		return nil, errors.Errorf("mapper layout mismatch: %d mappers, %d loggers",
			len(g.mappers), logs.LoggerCount())
	}
	return g, nil
}

func (g *LogGleaner) actorCount() uint32 {
	return uint32(len(g.mappers) + len(g.reducers))
}

func (g *LogGleaner) isAllReadyToStart() bool {
	return g.readyToStartCount.Load() == g.actorCount()
}

func (g *LogGleaner) isAllCompleted() bool {
	return g.completedCount.Load() == g.actorCount()
}

func (g *LogGleaner) isAllMappersCompleted() bool {
	return g.completedMapperCount.Load() == uint32(len(g.mappers))
}

func (g *LogGleaner) wakeup() { g.th.Wakeup() }

// State reports the run's lifecycle stage for diagnostics.
func (g *LogGleaner) State() uint32 { return g.state.Load() }

// execute runs the gleaner to completion or failure. It always leaves every
// actor joined; it returns an error when any actor failed or the run was
// cancelled before completion.
func (g *LogGleaner) execute() error {
	log.Infof("log gleaner starting for snapshot-%d valid until %s: %d mappers, %d reducers",
		g.snapshot.ID, g.snapshot.ValidUntilEpoch, len(g.mappers), len(g.reducers))
	g.state.Store(gleanerInitializing)
	g.th.MarkStarted()
	defer g.th.MarkDone()
	defer g.state.Store(gleanerDone)

	// launch everyone; they hold at the start barrier
	for _, r := range g.reducers {
		go r.run()
	}
	for _, m := range g.mappers {
		go m.run()
	}

	// start barrier: the last actor to become ready wakes us
	for !g.th.Sleep(10 * time.Millisecond) {
		if g.isAllReadyToStart() {
			break
		}
	}
	if g.th.IsStopRequested() {
		g.state.Store(gleanerCancelling)
		g.cancelAll(false)
		return errors.New("gleaner cancelled during start barrier")
	}

	log.Infof("all mappers and reducers ready; releasing start barrier")
	g.state.Store(gleanerRunning)
	close(g.startCh)

	// main wait: completion, failure, or cancellation
	mappersTorndown := false
	for !g.th.Sleep(10*time.Millisecond) && g.errorCount.Load() == 0 {
		if g.isAllCompleted() {
			break
		}
		if !mappersTorndown && g.isAllMappersCompleted() {
			// release mapper resources before the reducers' heaviest phase
			log.Info("all mappers done; tearing them down early")
			g.cancelMappers()
			g.closeReducerInputs()
			mappersTorndown = true
		}
	}

	var err error
	switch {
	case g.errorCount.Load() > 0:
		log.Errorf("gleaner worker failed (error_count=%d); aborting snapshot", g.errorCount.Load())
		g.state.Store(gleanerCancelling)
		err = keel.ErrGleanerFailed
	case !g.isAllCompleted():
		log.Warnf("gleaner stopped before completion; cancelled?")
		g.state.Store(gleanerCancelling)
		err = errors.New("gleaner cancelled")
	default:
		g.state.Store(gleanerCompleting)
		g.constructRootPages()
	}

	g.cancelAll(mappersTorndown)
	if got := g.exitCount.Load(); got != g.actorCount() {
		log.Errorf("gleaner actor accounting broken: exit_count=%d, actors=%d", got, g.actorCount())
	}
	log.Infof("log gleaner ended for snapshot-%d (err=%v)", g.snapshot.ID, err)
	return err
}

// cancelMappers requests stop on every mapper first, then joins each; the
// two passes let them wind down in parallel.
func (g *LogGleaner) cancelMappers() {
	for _, m := range g.mappers {
		m.th.RequestStop()
	}
	for _, m := range g.mappers {
		m.th.WaitForStop()
	}
}

func (g *LogGleaner) cancelReducers() {
	for _, r := range g.reducers {
		r.th.RequestStop()
	}
	for _, r := range g.reducers {
		r.th.WaitForStop()
	}
}

// closeReducerInputs ends the reducers' drain loops. Only legal once no
// mapper can publish anymore.
func (g *LogGleaner) closeReducerInputs() {
	for _, r := range g.reducers {
		r.closeInput()
	}
}

func (g *LogGleaner) cancelAll(mappersTorndown bool) {
	if !mappersTorndown {
		g.cancelMappers()
		g.closeReducerInputs()
	}
	g.cancelReducers()
}

// getOrCreatePartitioner returns the stable partitioner for a storage,
// creating it outside the lock since construction may be expensive. At most
// one partitioner per storage is ever observable.
func (g *LogGleaner) getOrCreatePartitioner(id keel.StorageID) storage.Partitioner {
	g.partitionersMu.Lock()
	if p, ok := g.partitioners[id]; ok {
		g.partitionersMu.Unlock()
		return p
	}
	g.partitionersMu.Unlock()

	created := g.storages.NewPartitionerFor(id, len(g.reducers))

	g.partitionersMu.Lock()
	defer g.partitionersMu.Unlock()
	if p, ok := g.partitioners[id]; ok {
		// lost the creation race; discard ours
		return p
	}
	if created != nil {
		g.partitioners[id] = created
	}
	return created
}

func (g *LogGleaner) partitionerCount() int {
	g.partitionersMu.Lock()
	defer g.partitionersMu.Unlock()
	return len(g.partitioners)
}

// addNonrecordLog routes an engine/storage log into the shared buffer.
func (g *LogGleaner) addNonrecordLog(rec *commitlog.Record) {
	kind := rec.Header.Type.Kind()
	if kind != commitlog.KindEngine && kind != commitlog.KindStorage {
		log.Errorf("record-kind log routed to nonrecord buffer: type=%d", rec.Header.Type)
		return
	}
	g.nonrecordLogs.append(rec.Encode())
}

// mergeStorageMeta folds one reducer's per-storage stats into the root
// metadata.
func (g *LogGleaner) mergeStorageMeta(stats map[keel.StorageID]*StorageMeta) {
	g.metaMu.Lock()
	defer g.metaMu.Unlock()
	for id, in := range stats {
		cur, ok := g.storageMeta[id]
		if !ok {
			cp := *in
			g.storageMeta[id] = &cp
			continue
		}
		cur.Records += in.Records
		if in.FirstKey < cur.FirstKey {
			cur.FirstKey = in.FirstKey
		}
		if in.LastKey > cur.LastKey {
			cur.LastKey = in.LastKey
		}
	}
}

// constructRootPages assembles the per-storage root metadata from reducer
// outputs. The page-level layout belongs to the storage layer; here the
// roots are the metadata entries the snapshot file lists.
func (g *LogGleaner) constructRootPages() {
	g.metaMu.Lock()
	defer g.metaMu.Unlock()
	g.snapshot.LargestStorageID = g.storages.LargestStorageID()
	for id, meta := range g.storageMeta {
		meta.Name = g.storages.Name(id)
	}
	log.Infof("constructed root metadata for %d storages, largest id %d",
		len(g.storageMeta), g.snapshot.LargestStorageID)
}

// metadata returns the assembled snapshot metadata, sorted by storage id.
func (g *LogGleaner) metadata() *Metadata {
	g.metaMu.Lock()
	defer g.metaMu.Unlock()
	m := &Metadata{Snapshot: *g.snapshot}
	for id := keel.StorageID(1); id <= g.snapshot.LargestStorageID; id++ {
		if meta, ok := g.storageMeta[id]; ok {
			m.Storages = append(m.Storages, *meta)
		}
	}
	return m
}
