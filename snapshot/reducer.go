package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"os"
	"sync"

	"github.com/coocood/badger"
	"github.com/google/btree"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/util/stoppable"
)

var errCancelled = errors.New("cancelled")

// reducerItem is one consolidated record version in the reducer's sort
// buffer, ordered by (storage, key).
type reducerItem struct {
	storageID keel.StorageID
	key       []byte
	rec       *commitlog.Record
}

func (a *reducerItem) Less(b btree.Item) bool {
	o := b.(*reducerItem)
	if a.storageID != o.storageID {
		return a.storageID < o.storageID
	}
	return bytes.Compare(a.key, o.key) < 0
}

// logReducer consolidates the record logs of one NUMA node: mappers feed it
// partitioned batches, it keeps only the newest version per (storage, key),
// and once every mapper is done it dumps the survivors into the node's
// snapshot store.
type logReducer struct {
	gleaner *LogGleaner
	node    int
	th      *stoppable.Thread

	input     chan []*commitlog.Record
	closeOnce sync.Once

	tree *btree.BTree

	// failDump is a test seam: when set, dump fails as if the node's store
	// directory were unavailable.
	failDump bool
}

func newLogReducer(g *LogGleaner, node int) *logReducer {
	return &logReducer{
		gleaner: g,
		node:    node,
		th:      stoppable.New("log-reducer"),
		input:   make(chan []*commitlog.Record, 64),
		tree:    btree.New(16),
	}
}

func (r *logReducer) closeInput() {
	r.closeOnce.Do(func() { close(r.input) })
}

func (r *logReducer) run() {
	r.th.MarkStarted()
	defer func() {
		r.gleaner.exitCount.Inc()
		r.th.MarkDone()
		r.gleaner.wakeup()
	}()

	r.gleaner.readyToStartCount.Inc()
	r.gleaner.wakeup()
	select {
	case <-r.gleaner.startCh:
	case <-r.th.StopChan():
		log.Debugf("reducer-%d cancelled at start barrier", r.node)
		// drain so mappers never block on a dead reducer
		for range r.input {
		}
		return
	}

	consumed := 0
	for batch := range r.input {
		for _, rec := range batch {
			r.consolidate(rec)
		}
		consumed += len(batch)
	}
	if r.th.IsStopRequested() {
		log.Debugf("reducer-%d cancelled after %d records", r.node, consumed)
		return
	}

	if err := r.dump(); err != nil {
		log.Errorf("reducer-%d failed to dump: %v", r.node, err)
		r.gleaner.errorCount.Inc()
		r.gleaner.wakeup()
		return
	}
	r.gleaner.completedCount.Inc()
	r.gleaner.wakeup()
	log.Debugf("reducer-%d completed with %d records consolidated", r.node, r.tree.Len())
}

// consolidate keeps the newest version per (storage, key) in serial order.
func (r *logReducer) consolidate(rec *commitlog.Record) {
	item := &reducerItem{storageID: rec.Header.StorageID, key: rec.Key, rec: rec}
	if cur := r.tree.Get(item); cur != nil {
		if rec.Header.Xid.Before(cur.(*reducerItem).rec.Header.Xid) {
			return
		}
	}
	r.tree.ReplaceOrInsert(item)
}

// dump writes the consolidated records into the node's snapshot store.
// Records whose newest version is a delete are dropped; the snapshot holds
// live records only.
func (r *logReducer) dump() error {
	dir := r.gleaner.snapshot.NodeStoreDir(r.node)
	if r.failDump {
		return errors.Errorf("dump directory %s unavailable", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.WithStack(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close()

	stats := make(map[keel.StorageID]*StorageMeta)
	err = db.Update(func(txn *badger.Txn) error {
		var innerErr error
		r.tree.Ascend(func(i btree.Item) bool {
			item := i.(*reducerItem)
			if item.rec.IsDelete() {
				return true
			}
			if innerErr = txn.Set(storeKey(item.storageID, item.key), item.rec.Payload); innerErr != nil {
				return false
			}
			meta, ok := stats[item.storageID]
			if !ok {
				meta = &StorageMeta{
					ID:       item.storageID,
					FirstKey: hex.EncodeToString(item.key),
				}
				stats[item.storageID] = meta
			}
			meta.Records++
			meta.LastKey = hex.EncodeToString(item.key)
			return true
		})
		return innerErr
	})
	if err != nil {
		return errors.WithStack(err)
	}
	r.gleaner.mergeStorageMeta(stats)
	return nil
}

func storeKey(id keel.StorageID, key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out, uint32(id))
	copy(out[4:], key)
	return out
}
