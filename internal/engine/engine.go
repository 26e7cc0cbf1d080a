// Package engine is the top-level facade wiring the disk manager, buffer
// pool, catalog, lock manager, and recovery log behind the programmatic API
// surface a SQL executor would sit on top of.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/catalog"
	"github.com/tuannm99/novasql/internal/config"
	"github.com/tuannm99/novasql/internal/lock"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/recovery"
	"github.com/tuannm99/novasql/internal/storage"
	"github.com/tuannm99/novasql/internal/txn"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine owns every subsystem instance for one open database.
type Engine struct {
	cfg  config.Config
	disk *storage.DiskManager
	pool *bufferpool.Pool
	cat  *catalog.Catalog

	txnMgr  *txn.Manager
	lockMgr *lock.Manager
	wal     *recovery.Log

	log *logging.Logger
	met *metrics.Metrics

	cancelDetector context.CancelFunc
}

// Open creates (init=true) or reopens (init=false) a database rooted at
// dataDir, using cfg for tunables. A nil cfg loads config.Default().
func Open(dataDir string, init bool, cfg *config.Config) (*Engine, error) {
	c := config.Default()
	if cfg != nil {
		c = *cfg
	}
	c.DataDir = dataDir

	log := logging.New(logging.Config{Level: c.LogLevel})
	met := metrics.New(prometheus.NewRegistry())

	disk, err := storage.OpenDiskManager(filepath.Join(dataDir, "data.db"), log, met)
	if err != nil {
		return nil, fmt.Errorf("engine: open disk manager: %w", err)
	}

	replacerKind := bufferpool.KindClock
	if c.Replacer == config.ReplacerLRU {
		replacerKind = bufferpool.KindLRU
	}
	pool := bufferpool.New(disk, c.BufferPoolCapacity, replacerKind, log, met)

	cat, err := catalog.Open(pool, log, met, init)
	if err != nil {
		_ = disk.Close()
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}

	wal, err := recovery.Open(filepath.Join(dataDir, "recovery.log"), log, met)
	if err != nil {
		_ = disk.Close()
		return nil, fmt.Errorf("engine: open recovery log: %w", err)
	}

	txnMgr := txn.NewManager(c.DefaultIsolation)
	lockMgr := lock.New(txnMgr, time.Duration(c.DeadlockIntervalMS)*time.Millisecond, log, met)

	ctx, cancel := context.WithCancel(context.Background())
	go lockMgr.Run(ctx)

	e := &Engine{
		cfg: c, disk: disk, pool: pool, cat: cat,
		txnMgr: txnMgr, lockMgr: lockMgr, wal: wal,
		log: log.WithComponent("engine"), met: met,
		cancelDetector: cancel,
	}
	return e, nil
}

// Catalog returns the engine's table/index registry.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Begin starts a new transaction at the engine's default isolation level
// and opens its recovery-log chain.
func (e *Engine) Begin() (*txn.Transaction, error) {
	t := e.txnMgr.Begin()
	if _, err := e.wal.Begin(t.ID()); err != nil {
		return nil, err
	}
	return t, nil
}

// Commit releases every lock t holds, appends a commit record, and moves
// t to its terminal committed state.
func (e *Engine) Commit(t *txn.Transaction) error {
	for _, rid := range t.ExclusiveLockSet() {
		if err := e.lockMgr.Unlock(t, rid); err != nil {
			return err
		}
	}
	for _, rid := range t.SharedLockSet() {
		if err := e.lockMgr.Unlock(t, rid); err != nil {
			return err
		}
	}
	if _, err := e.wal.Commit(t.ID()); err != nil {
		return err
	}
	e.txnMgr.Commit(t)
	return nil
}

// Abort force-releases every lock t holds or is waiting on and appends an
// abort record, moving t to its terminal aborted state.
func (e *Engine) Abort(t *txn.Transaction) error {
	if _, err := e.wal.Abort(t.ID()); err != nil {
		return err
	}
	return e.lockMgr.ForceAbort(t)
}

// Close flushes every dirty page and the catalog meta page, and stops the
// background deadlock detector. Best-effort: a flush failure is logged,
// not returned, matching the documented shutdown-path error policy.
func (e *Engine) Close() error {
	e.cancelDetector()
	if err := e.cat.FlushCatalogMetaPage(); err != nil {
		e.log.Warn().Err(err).Msg("flush catalog meta page on close")
	}
	if err := e.pool.FlushAll(); err != nil {
		e.log.Warn().Err(err).Msg("flush buffer pool on close")
	}
	if err := e.wal.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close recovery log on close")
	}
	return e.disk.Close()
}
