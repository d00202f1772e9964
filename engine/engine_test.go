package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/xct"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	cfg := config.NewDefaultConfig()
	cfg.Xct.EpochAdvanceIntervalMs = 5
	cfg.Snapshot.Dir = t.TempDir()
	cfg.LogLevel = "warn"
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg)
	require.Nil(t, err)
	require.Nil(t, e.Init())
	t.Cleanup(func() {
		if e.IsInitialized() {
			require.Nil(t, e.Uninit())
		}
	})
	return e
}

func TestEngineLifecycle(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.True(t, e.IsInitialized())
	assert.Equal(t, 4, e.Workers())
	require.Nil(t, e.Uninit())
	assert.False(t, e.IsInitialized())
	assert.Equal(t, keel.ErrDependentModule, e.Uninit())
}

func TestEngineRejectsBadConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Thread.GroupCount = 0
	_, err := New(cfg)
	require.NotNil(t, err)
}

func TestCommitBecomesDurable(t *testing.T) {
	e := newTestEngine(t, nil)
	arr, err := e.StorageManager().CreateArray("accounts", 8, 16)
	require.Nil(t, err)
	ctx := e.Context(0)

	require.Nil(t, e.XctManager().BeginXct(ctx, xct.Serializable))
	require.Nil(t, arr.Overwrite(ctx, 0, []byte("hello")))
	epoch, err := e.XctManager().PrecommitXct(ctx)
	require.Nil(t, err)

	// the commit epoch becomes durable once the advancer moves past it
	require.Nil(t, e.XctManager().WaitForCommit(epoch, 2*time.Second))
	assert.False(t, e.LogManager().GetDurableGlobalEpochWeak().Before(epoch))
}

func TestEndToEndSnapshot(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Thread.GroupCount = 2
		cfg.Thread.ThreadsPerGroup = 2
		cfg.Log.LoggersPerNode = 2
	})
	arr, err := e.StorageManager().CreateArray("accounts", 64, 16)
	require.Nil(t, err)

	var lastEpoch keel.Epoch
	for i := 0; i < 8; i++ {
		ctx := e.Context(i % e.Workers())
		require.Nil(t, e.XctManager().BeginXct(ctx, xct.Serializable))
		require.Nil(t, arr.Overwrite(ctx, i*8, []byte{byte('a' + i)}))
		epoch, err := e.XctManager().PrecommitXct(ctx)
		require.Nil(t, err)
		lastEpoch = epoch
	}
	require.Nil(t, e.XctManager().WaitForCommit(lastEpoch, 2*time.Second))

	snap, err := e.SnapshotManager().TakeSnapshot()
	require.Nil(t, err)
	assert.False(t, snap.ValidUntilEpoch.Before(lastEpoch))
	assert.Equal(t, arr.ID(), snap.LargestStorageID)
}

// TestConcurrentTransferInvariant moves value between two records under
// contention; serializability keeps the sum constant.
func TestConcurrentTransferInvariant(t *testing.T) {
	e := newTestEngine(t, nil)
	arr, err := e.StorageManager().CreateArray("accounts", 2, 8)
	require.Nil(t, err)
	xm := e.XctManager()

	// seed both balances with 100
	seed := e.Context(0)
	require.Nil(t, xm.BeginXct(seed, xct.Serializable))
	require.Nil(t, arr.Overwrite(seed, 0, []byte{100}))
	require.Nil(t, arr.Overwrite(seed, 1, []byte{100}))
	_, err = xm.PrecommitXct(seed)
	require.Nil(t, err)

	const workers = 4
	const transfers = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(ctx *xct.Context, from, to int) {
			defer wg.Done()
			for i := 0; i < transfers; i++ {
				for {
					if err := xm.BeginXct(ctx, xct.Serializable); err != nil {
						t.Error(err)
						return
					}
					a, err := arr.Read(ctx, from)
					if err != nil {
						t.Error(err)
						return
					}
					b, err := arr.Read(ctx, to)
					if err != nil {
						t.Error(err)
						return
					}
					if err := arr.Overwrite(ctx, from, []byte{a[0] - 1}); err != nil {
						t.Error(err)
						return
					}
					if err := arr.Overwrite(ctx, to, []byte{b[0] + 1}); err != nil {
						t.Error(err)
						return
					}
					_, err = xm.PrecommitXct(ctx)
					if err == nil {
						break
					}
					if err != keel.ErrRaceAbort {
						t.Error(err)
						return
					}
				}
			}
		}(e.Context(w), w%2, 1-w%2)
	}
	wg.Wait()

	check := e.Context(0)
	require.Nil(t, xm.BeginXct(check, xct.Serializable))
	a, err := arr.Read(check, 0)
	require.Nil(t, err)
	b, err := arr.Read(check, 1)
	require.Nil(t, err)
	_, err = xm.PrecommitXct(check)
	require.Nil(t, err)
	// transfers are balanced: half the workers push each way
	assert.Equal(t, byte(200), a[0]+b[0])
}
