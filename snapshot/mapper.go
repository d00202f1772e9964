package snapshot

import (
	"context"

	"github.com/ngaut/log"
	"golang.org/x/time/rate"

	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/util/stoppable"
)

// mapperBatchSize is how many records a mapper groups per reducer dispatch.
const mapperBatchSize = 256

// logMapper consumes one logger stream: it partitions record logs by storage
// key and ships them to the owning node's reducer; engine/storage logs go to
// the gleaner's shared nonrecord buffer.
type logMapper struct {
	gleaner  *LogGleaner
	loggerID int
	node     int
	th       *stoppable.Thread
	limiter  *rate.Limiter

	pending [][]*commitlog.Record // per reducer
}

func newLogMapper(g *LogGleaner, loggerID, node int) *logMapper {
	m := &logMapper{
		gleaner:  g,
		loggerID: loggerID,
		node:     node,
		th:       stoppable.New("log-mapper"),
		pending:  make([][]*commitlog.Record, len(g.reducers)),
	}
	if limit := g.cfg.Snapshot.MapperRateLimit; limit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(limit), limit)
	} else {
		m.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return m
}

func (m *logMapper) run() {
	m.th.MarkStarted()
	defer func() {
		m.gleaner.exitCount.Inc()
		m.th.MarkDone()
		m.gleaner.wakeup()
	}()

	m.gleaner.readyToStartCount.Inc()
	m.gleaner.wakeup()
	select {
	case <-m.gleaner.startCh:
	case <-m.th.StopChan():
		log.Debugf("mapper-%d cancelled at start barrier", m.loggerID)
		return
	}

	if err := m.process(); err != nil {
		if err == errCancelled {
			log.Debugf("mapper-%d cancelled mid-run", m.loggerID)
			return
		}
		log.Errorf("mapper-%d failed: %v", m.loggerID, err)
		m.gleaner.errorCount.Inc()
		m.gleaner.wakeup()
		return
	}
	m.gleaner.completedMapperCount.Inc()
	m.gleaner.completedCount.Inc()
	m.gleaner.wakeup()
	log.Debugf("mapper-%d completed", m.loggerID)
}

func (m *logMapper) process() error {
	entries := m.gleaner.logs.EntriesUpTo(m.loggerID, m.gleaner.snapshot.ValidUntilEpoch)
	log.Debugf("mapper-%d draining %d records from logger-%d", m.loggerID, len(entries), m.loggerID)
	dispatched := 0
	for _, rec := range entries {
		if m.th.IsStopRequested() {
			return errCancelled
		}
		if rec.Header.Type.Kind() != commitlog.KindRecord {
			m.gleaner.addNonrecordLog(rec)
			continue
		}
		p := m.gleaner.getOrCreatePartitioner(rec.Header.StorageID)
		if p == nil {
			// storage dropped after the log was written; nothing to place
			continue
		}
		node := p.Locate(partitionKey(rec))
		m.pending[node] = append(m.pending[node], rec)
		if len(m.pending[node]) >= mapperBatchSize {
			if !m.flush(node) {
				return errCancelled
			}
			dispatched += mapperBatchSize
		}
	}
	for node := range m.pending {
		if len(m.pending[node]) > 0 {
			dispatched += len(m.pending[node])
			if !m.flush(node) {
				return errCancelled
			}
		}
	}
	log.Debugf("mapper-%d dispatched %d records", m.loggerID, dispatched)
	return nil
}

// flush ships one reducer's pending batch; false means stop was requested.
func (m *logMapper) flush(node int) bool {
	if err := m.limiter.Wait(context.Background()); err != nil {
		return false
	}
	batch := m.pending[node]
	m.pending[node] = nil
	select {
	case m.gleaner.reducers[node].input <- batch:
		return true
	case <-m.th.StopChan():
		return false
	}
}

func partitionKey(rec *commitlog.Record) []byte {
	if len(rec.Key) > 0 {
		return rec.Key
	}
	return rec.Payload
}
