package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/xct"
)

type rig struct {
	cfg    *config.Config
	logMgr *commitlog.Manager
	mgr    *Manager
	xctMgr *xct.Manager
	pool   *xct.Pool
}

func newRig(t *testing.T) *rig {
	cfg := config.NewDefaultConfig()
	cfg.Xct.EpochAdvanceIntervalMs = 60 * 1000
	require.Nil(t, cfg.Validate())

	logMgr := commitlog.NewManager(cfg)
	mgr := NewManager(logMgr)
	require.Nil(t, mgr.Init())
	xctMgr := xct.NewManager(cfg, mgr, logMgr)
	logMgr.SetEpochSource(xctMgr)
	require.Nil(t, xctMgr.Init())
	pool := xct.NewPool(cfg, logMgr)
	t.Cleanup(func() {
		require.Nil(t, xctMgr.Uninit())
		require.Nil(t, mgr.Uninit())
	})
	return &rig{cfg: cfg, logMgr: logMgr, mgr: mgr, xctMgr: xctMgr, pool: pool}
}

func (r *rig) commit(t *testing.T, ctx *xct.Context) keel.Epoch {
	epoch, err := r.xctMgr.PrecommitXct(ctx)
	require.Nil(t, err)
	return epoch
}

func TestCreateAndLookup(t *testing.T) {
	r := newRig(t)
	arr, err := r.mgr.CreateArray("accounts", 16, 32)
	require.Nil(t, err)
	seq, err := r.mgr.CreateSequential("audit")
	require.Nil(t, err)

	assert.Equal(t, keel.StorageID(1), arr.ID())
	assert.Equal(t, keel.StorageID(2), seq.ID())
	assert.Equal(t, keel.StorageID(2), r.mgr.LargestStorageID())
	assert.Equal(t, arr, r.mgr.GetByName("accounts").(*ArrayStorage))
	assert.Equal(t, "accounts", r.mgr.Name(arr.ID()))
	assert.Equal(t, "<dropped>", r.mgr.Name(keel.StorageID(99)))

	_, err = r.mgr.CreateArray("accounts", 4, 8)
	assert.NotNil(t, err)
}

func TestCreateEmitsSystemRecords(t *testing.T) {
	r := newRig(t)
	_, err := r.mgr.CreateArray("accounts", 4, 8)
	require.Nil(t, err)

	recs := r.logMgr.EntriesUpTo(0, r.logMgr.GetDurableGlobalEpochWeak())
	require.Len(t, recs, 1)
	assert.Equal(t, commitlog.TypeStorageCreate, recs[0].Header.Type)
	assert.Equal(t, []byte("accounts"), recs[0].Payload)

	require.Nil(t, r.mgr.Drop(keel.StorageID(1)))
	recs = r.logMgr.EntriesUpTo(0, r.logMgr.GetDurableGlobalEpochWeak())
	require.Len(t, recs, 2)
	assert.Equal(t, commitlog.TypeStorageDrop, recs[1].Header.Type)
	assert.Nil(t, r.mgr.Get(keel.StorageID(1)))
}

func TestArrayReadWriteDelete(t *testing.T) {
	r := newRig(t)
	arr, err := r.mgr.CreateArray("accounts", 8, 16)
	require.Nil(t, err)
	ctx := r.pool.Context(0)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Overwrite(ctx, 3, []byte("balance=100")))
	r.commit(t, ctx)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	got, err := arr.Read(ctx, 3)
	require.Nil(t, err)
	assert.Equal(t, []byte("balance=100"), got[:11])
	r.commit(t, ctx)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Delete(ctx, 3))
	r.commit(t, ctx)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	got, err = r.mgr.GetByName("accounts").(*ArrayStorage).Read(ctx, 3)
	require.Nil(t, err)
	assert.Nil(t, got)
	r.commit(t, ctx)

	// insert revives the deleted record
	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Insert(ctx, 3, []byte("balance=7")))
	r.commit(t, ctx)
	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	got, err = arr.Read(ctx, 3)
	require.Nil(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("balance=7"), got[:9])
	r.commit(t, ctx)
}

func TestArrayBounds(t *testing.T) {
	r := newRig(t)
	arr, err := r.mgr.CreateArray("a", 2, 4)
	require.Nil(t, err)
	ctx := r.pool.Context(0)
	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	_, err = arr.Read(ctx, 5)
	assert.NotNil(t, err)
	assert.NotNil(t, arr.Overwrite(ctx, -1, []byte("x")))
	assert.NotNil(t, arr.Overwrite(ctx, 0, []byte("toolong")))
	require.Nil(t, r.xctMgr.AbortXct(ctx))
}

func TestRelocateMovedRetry(t *testing.T) {
	r := newRig(t)
	arr, err := r.mgr.CreateArray("accounts", 4, 8)
	require.Nil(t, err)
	ctx := r.pool.Context(0)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Overwrite(ctx, 1, []byte("v1")))
	r.commit(t, ctx)

	// capture the write target, then relocate the record underneath it
	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Overwrite(ctx, 1, []byte("v2")))
	require.Nil(t, arr.Relocate(1))
	r.commit(t, ctx)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	got, err := arr.Read(ctx, 1)
	require.Nil(t, err)
	assert.Equal(t, []byte("v2"), got[:2])
	r.commit(t, ctx)
}

func TestRelocateChainRetry(t *testing.T) {
	r := newRig(t)
	arr, err := r.mgr.CreateArray("accounts", 4, 8)
	require.Nil(t, err)
	ctx := r.pool.Context(0)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Overwrite(ctx, 2, []byte("w")))
	// two relocations: tracking follows the forwarding chain to the
	// stable home
	require.Nil(t, arr.Relocate(2))
	require.Nil(t, arr.Relocate(2))
	r.commit(t, ctx)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	got, err := arr.Read(ctx, 2)
	require.Nil(t, err)
	assert.Equal(t, byte('w'), got[0])
	r.commit(t, ctx)
}

func TestBrokenForwardingAborts(t *testing.T) {
	r := newRig(t)
	arr, err := r.mgr.CreateArray("accounts", 4, 8)
	require.Nil(t, err)
	ctx := r.pool.Context(0)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Overwrite(ctx, 0, []byte("x")))

	// relocate and sever the forward: the record is now too far away
	rec, err := arr.slot(0)
	require.Nil(t, err)
	require.Nil(t, arr.Relocate(0))
	arr.breakForwarding(&rec.owner)

	_, err = r.xctMgr.PrecommitXct(ctx)
	assert.Equal(t, keel.ErrRaceAbort, err)
}

func TestPageVersionObservation(t *testing.T) {
	r := newRig(t)
	arr, err := r.mgr.CreateArray("accounts", 4, 8)
	require.Nil(t, err)
	ctx := r.pool.Context(0)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	arr.ObservePageVersion(ctx)
	require.Nil(t, arr.Relocate(2))
	_, err = r.xctMgr.PrecommitXct(ctx)
	assert.Equal(t, keel.ErrRaceAbort, err)
}

func TestSequentialAppend(t *testing.T) {
	r := newRig(t)
	seq, err := r.mgr.CreateSequential("audit")
	require.Nil(t, err)
	ctx := r.pool.Context(0)

	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, seq.Append(ctx, []byte("one")))
	require.Nil(t, seq.Append(ctx, []byte("two")))
	r.commit(t, ctx)

	assert.Equal(t, 2, seq.Len())
	assert.Equal(t, []byte("one"), seq.Get(0))
	assert.Equal(t, []byte("two"), seq.Get(1))

	// aborted appends never apply
	require.Nil(t, r.xctMgr.BeginXct(ctx, xct.Serializable))
	require.Nil(t, seq.Append(ctx, []byte("three")))
	require.Nil(t, r.xctMgr.AbortXct(ctx))
	assert.Equal(t, 2, seq.Len())
}

func TestRangePartitioner(t *testing.T) {
	p := newRangePartitioner(1, 100, 4)
	assert.Equal(t, keel.StorageID(1), p.StorageID())
	assert.Equal(t, 0, p.Locate(offsetKey(0)))
	assert.Equal(t, 0, p.Locate(offsetKey(24)))
	assert.Equal(t, 1, p.Locate(offsetKey(25)))
	assert.Equal(t, 3, p.Locate(offsetKey(99)))
	// out-of-range offsets clamp to the last node
	assert.Equal(t, 3, p.Locate(offsetKey(1000)))
}

func TestHashPartitionerSpreads(t *testing.T) {
	p := newHashPartitioner(2, 4)
	seen := make(map[int]int)
	for i := 0; i < 256; i++ {
		node := p.Locate([]byte{byte(i), byte(i >> 4)})
		require.True(t, node >= 0 && node < 4)
		seen[node]++
	}
	assert.Len(t, seen, 4)
}
