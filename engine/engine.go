// Package engine wires the managers into a runnable engine instance and owns
// their init/uninit ordering.
package engine

import (
	"github.com/ngaut/log"

	keel "github.com/keeldb/keel"
	"github.com/keeldb/keel/commitlog"
	"github.com/keeldb/keel/config"
	"github.com/keeldb/keel/snapshot"
	"github.com/keeldb/keel/storage"
	"github.com/keeldb/keel/util/errbatch"
	"github.com/keeldb/keel/xct"
)

// Engine owns every manager. Workers hold Contexts borrowed from it; the
// managers hold narrow interfaces on each other, never the engine itself.
type Engine struct {
	cfg *config.Config

	storageMgr  *storage.Manager
	logMgr      *commitlog.Manager
	xctMgr      *xct.Manager
	snapshotMgr *snapshot.Manager
	pool        *xct.Pool

	initialized bool
}

// New builds an engine from a validated config. Nothing runs until Init.
func New(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.SetLevelByString(cfg.LogLevel)

	e := &Engine{cfg: cfg}
	e.logMgr = commitlog.NewManager(cfg)
	e.storageMgr = storage.NewManager(e.logMgr)
	e.xctMgr = xct.NewManager(cfg, e.storageMgr, e.logMgr)
	e.logMgr.SetEpochSource(e.xctMgr)
	e.pool = xct.NewPool(cfg, e.logMgr)
	e.snapshotMgr = snapshot.NewManager(cfg, e.logMgr, e.storageMgr)
	return e, nil
}

// Init brings the managers up in dependency order: storage, log, xct,
// snapshot.
func (e *Engine) Init() error {
	log.Infof("initializing engine: %d groups, %d workers",
		e.cfg.Thread.GroupCount, e.cfg.TotalWorkers())
	if err := e.storageMgr.Init(); err != nil {
		return err
	}
	if err := e.logMgr.Init(); err != nil {
		return err
	}
	if err := e.xctMgr.Init(); err != nil {
		return err
	}
	if err := e.snapshotMgr.Init(); err != nil {
		return err
	}
	e.initialized = true
	log.Info("engine initialized")
	return nil
}

// Uninit tears the managers down in reverse order, giving each its chance
// even when an earlier one fails.
func (e *Engine) Uninit() error {
	if !e.initialized {
		return keel.ErrDependentModule
	}
	log.Info("uninitializing engine")
	var batch errbatch.Batch
	batch.Add(e.snapshotMgr.Uninit())
	batch.Add(e.xctMgr.Uninit())
	batch.Add(e.logMgr.Uninit())
	batch.Add(e.storageMgr.Uninit())
	e.initialized = false
	return batch.Summarize()
}

// IsInitialized reports whether Init completed and Uninit has not run.
func (e *Engine) IsInitialized() bool { return e.initialized }

// Context returns worker i's context. Each OS worker thread uses exactly
// one.
func (e *Engine) Context(i int) *xct.Context { return e.pool.Context(i) }

// Workers is the number of worker contexts.
func (e *Engine) Workers() int { return e.pool.Size() }

func (e *Engine) Config() *config.Config             { return e.cfg }
func (e *Engine) XctManager() *xct.Manager           { return e.xctMgr }
func (e *Engine) StorageManager() *storage.Manager   { return e.storageMgr }
func (e *Engine) LogManager() *commitlog.Manager     { return e.logMgr }
func (e *Engine) SnapshotManager() *snapshot.Manager { return e.snapshotMgr }
