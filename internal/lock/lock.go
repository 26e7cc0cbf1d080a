// Package lock implements strict two-phase row-level locking with shared,
// exclusive, and upgrade modes, plus a background waits-for-graph deadlock
// detector.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tuannm99/novasql/internal/config"
	"github.com/tuannm99/novasql/internal/dberr"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
	"github.com/tuannm99/novasql/internal/txn"
)

type mode int

const (
	modeShared mode = iota
	modeExclusive
)

type request struct {
	txnID     int64
	mode      mode
	granted   bool
	upgrading bool
}

// queue holds every granted or waiting request against one row, plus the
// condition variable requests block on.
type queue struct {
	cond         *sync.Cond
	requests     []*request
	sharingCount int
	isWriting    bool
	upgrading    bool
	upgrader     int64 // txn id currently upgrading, 0 if none (ids start at 1)
}

func newQueue(mu *sync.Mutex) *queue {
	return &queue{cond: sync.NewCond(mu)}
}

// Manager is the lock table: one mutex guards every row's queue plus the
// waits-for graph, matching the "single lock-table mutex" scheduling rule.
type Manager struct {
	mu       sync.Mutex
	table    map[heap.RowID]*queue
	waitsFor map[int64]map[int64]struct{}
	txnMgr   *txn.Manager
	log      *logging.Logger
	met      *metrics.Metrics

	detectorInterval time.Duration
	visited          map[int64]bool
	onStack          map[int64]bool
}

func New(txnMgr *txn.Manager, detectorInterval time.Duration, log *logging.Logger, met *metrics.Metrics) *Manager {
	if log == nil {
		log = logging.Get()
	}
	if met == nil {
		met = metrics.Noop()
	}
	if detectorInterval <= 0 {
		detectorInterval = 50 * time.Millisecond
	}
	return &Manager{
		table:            make(map[heap.RowID]*queue),
		waitsFor:         make(map[int64]map[int64]struct{}),
		txnMgr:           txnMgr,
		log:              log.WithComponent("lock"),
		met:              met,
		detectorInterval: detectorInterval,
		visited:          make(map[int64]bool),
		onStack:          make(map[int64]bool),
	}
}

func (m *Manager) queueFor(rid heap.RowID) *queue {
	q, ok := m.table[rid]
	if !ok {
		q = newQueue(&m.mu)
		m.table[rid] = q
	}
	return q
}

func (m *Manager) checkAbort(t *txn.Transaction) error {
	if t.State() == txn.Aborted {
		return dberr.NewTxnAborted(dberr.Deadlock)
	}
	return nil
}

func (m *Manager) addEdge(waiter, holder int64) {
	if m.waitsFor[waiter] == nil {
		m.waitsFor[waiter] = make(map[int64]struct{})
	}
	m.waitsFor[waiter][holder] = struct{}{}
}

// addWaitEdges records an edge from waiter to every transaction ahead of it
// in q holding a grant that conflicts with the requested mode.
func (m *Manager) addWaitEdges(q *queue, waiterID int64, want mode) {
	for _, r := range q.requests {
		if !r.granted || r.txnID == waiterID {
			continue
		}
		if want == modeExclusive || r.mode == modeExclusive {
			m.addEdge(waiterID, r.txnID)
		}
	}
}

func (m *Manager) removeAllEdgesFrom(waiterID int64) {
	delete(m.waitsFor, waiterID)
}

// abortAndRelease transitions t to aborted and immediately drops every lock
// it currently holds or is waiting on, per the invariant that a victim's
// locks are released before any unlock-caller observes the aborted state.
// Must be called with m.mu held.
func (m *Manager) abortAndRelease(t *txn.Transaction) {
	m.txnMgr.Abort(t)
	m.forceReleaseLocks(t)
}

// ForceAbort aborts t and immediately releases every lock it holds or is
// waiting on. Unlike the internal call sites, this is the entry point for
// a caller outside the lock table (the engine's own Abort) and takes the
// lock itself.
func (m *Manager) ForceAbort(t *txn.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortAndRelease(t)
	return nil
}

// LockShared blocks until a shared lock on rid is granted or the caller is
// aborted.
func (m *Manager) LockShared(t *txn.Transaction, rid heap.RowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.Isolation() == config.ReadUncommitted {
		m.abortAndRelease(t)
		return dberr.NewTxnAborted(dberr.LockSharedOnReadUncommitted)
	}
	if t.State() == txn.Shrinking {
		m.abortAndRelease(t)
		return dberr.NewTxnAborted(dberr.LockOnShrinking)
	}
	if err := m.checkAbort(t); err != nil {
		return err
	}

	q := m.queueFor(rid)
	req := &request{txnID: t.ID(), mode: modeShared}
	q.requests = append(q.requests, req)

	for q.isWriting || q.upgrading {
		m.addWaitEdges(q, t.ID(), modeShared)
		m.met.LockWaits.Inc()
		q.cond.Wait()
		m.removeAllEdgesFrom(t.ID())
		if err := m.checkAbort(t); err != nil {
			m.pruneRequest(q, req)
			q.cond.Broadcast()
			return err
		}
	}

	req.granted = true
	q.sharingCount++
	t.AddShared(rid)
	return nil
}

// LockExclusive blocks until an exclusive lock on rid is granted or the
// caller is aborted.
func (m *Manager) LockExclusive(t *txn.Transaction, rid heap.RowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.State() == txn.Shrinking {
		m.abortAndRelease(t)
		return dberr.NewTxnAborted(dberr.LockOnShrinking)
	}
	if err := m.checkAbort(t); err != nil {
		return err
	}

	q := m.queueFor(rid)
	req := &request{txnID: t.ID(), mode: modeExclusive}
	q.requests = append(q.requests, req)

	for q.isWriting || q.sharingCount > 0 {
		m.addWaitEdges(q, t.ID(), modeExclusive)
		m.met.LockWaits.Inc()
		q.cond.Wait()
		m.removeAllEdgesFrom(t.ID())
		if err := m.checkAbort(t); err != nil {
			m.pruneRequest(q, req)
			q.cond.Broadcast()
			return err
		}
	}

	req.granted = true
	q.isWriting = true
	t.AddExclusive(rid)
	return nil
}

// LockUpgrade promotes the caller's existing shared lock on rid to
// exclusive. Returns UpgradeConflict if another upgrade is already pending.
func (m *Manager) LockUpgrade(t *txn.Transaction, rid heap.RowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueFor(rid)
	if q.upgrading {
		m.abortAndRelease(t)
		return dberr.NewTxnAborted(dberr.UpgradeConflict)
	}
	if !t.HoldsShared(rid) {
		m.abortAndRelease(t)
		return dberr.NewTxnAborted(dberr.LockOnShrinking)
	}

	q.upgrading = true
	q.upgrader = t.ID()
	for !(q.sharingCount == 1 && !q.isWriting) {
		m.addWaitEdges(q, t.ID(), modeExclusive)
		m.met.LockWaits.Inc()
		q.cond.Wait()
		m.removeAllEdgesFrom(t.ID())
		if err := m.checkAbort(t); err != nil {
			q.upgrading = false
			q.upgrader = 0
			q.cond.Broadcast()
			return err
		}
	}

	for _, r := range q.requests {
		if r.txnID == t.ID() && r.mode == modeShared {
			r.mode = modeExclusive
		}
	}
	q.sharingCount = 0
	q.isWriting = true
	q.upgrading = false
	q.upgrader = 0
	t.RemoveShared(rid)
	t.AddExclusive(rid)
	return nil
}

// Unlock releases the caller's lock on rid, transitioning growing -> shrinking
// on first release.
func (m *Manager) Unlock(t *txn.Transaction, rid heap.RowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.State() == txn.Growing {
		t.SetShrinking()
	}

	q, ok := m.table[rid]
	if !ok {
		return dberr.ErrNotFound
	}

	var found *request
	for _, r := range q.requests {
		if r.txnID == t.ID() && r.granted {
			found = r
			break
		}
	}
	if found == nil {
		m.abortAndRelease(t)
		return dberr.NewTxnAborted(dberr.UnlockOnShrinking)
	}

	if found.mode == modeShared {
		q.sharingCount--
		t.RemoveShared(rid)
	} else {
		q.isWriting = false
		t.RemoveExclusive(rid)
	}
	m.pruneRequest(q, found)
	q.cond.Broadcast()
	return nil
}

func (m *Manager) pruneRequest(q *queue, target *request) {
	out := q.requests[:0]
	for _, r := range q.requests {
		if r != target {
			out = append(out, r)
		}
	}
	q.requests = out
}

// Run starts the periodic deadlock detector; it returns when ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.detectorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.detectOnce()
		}
	}
}

// detectOnce runs one pass of the cycle detector: clear visitation state,
// walk transactions in ascending id order, DFS for a back edge, abort the
// numerically largest id on any cycle found, then restart to look for the
// next one.
func (m *Manager) detectOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		ids := make([]int64, 0, len(m.waitsFor))
		for id := range m.waitsFor {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		victim, found := m.findCycleVictim(ids)
		if !found {
			return
		}
		m.met.DeadlocksSeen.Inc()
		m.met.VictimsAbort.Inc()
		t := m.txnMgr.GetTransaction(victim)
		if t != nil {
			m.abortAndRelease(t)
		}
		m.removeAllEdgesFrom(victim)
		m.pruneEdgesTo(victim)
	}
}

func (m *Manager) findCycleVictim(ids []int64) (int64, bool) {
	for k := range m.visited {
		delete(m.visited, k)
	}
	for k := range m.onStack {
		delete(m.onStack, k)
	}
	for _, id := range ids {
		if cycleIDs, ok := m.dfs(id); ok {
			youngest := cycleIDs[0]
			for _, c := range cycleIDs {
				if c > youngest {
					youngest = c
				}
			}
			return youngest, true
		}
	}
	return 0, false
}

// dfs returns the set of transaction ids on a cycle reachable from start,
// if one exists.
func (m *Manager) dfs(start int64) ([]int64, bool) {
	var path []int64
	var visit func(id int64) ([]int64, bool)
	visit = func(id int64) ([]int64, bool) {
		if m.onStack[id] {
			// id closes a cycle; return the suffix of path from id onward.
			for i, p := range path {
				if p == id {
					return append([]int64(nil), path[i:]...), true
				}
			}
			return nil, true
		}
		if m.visited[id] {
			return nil, false
		}
		m.visited[id] = true
		m.onStack[id] = true
		path = append(path, id)
		for next := range m.waitsFor[id] {
			if cyc, ok := visit(next); ok {
				return cyc, true
			}
		}
		path = path[:len(path)-1]
		m.onStack[id] = false
		return nil, false
	}
	return visit(start)
}

func (m *Manager) pruneEdgesTo(victim int64) {
	for _, edges := range m.waitsFor {
		delete(edges, victim)
	}
}

// forceReleaseLocks drops every lock the victim currently holds or is
// waiting on, across every row, and wakes anyone who might now be
// unblocked. The victim's own blocked lock call may never otherwise wake
// (the row it wants might be held by a transaction that itself is stuck
// waiting on the victim), so the detector clears it directly rather than
// relying on the usual unlock-driven wakeup. Must be called with m.mu held.
func (m *Manager) forceReleaseLocks(t *txn.Transaction) {
	id := t.ID()
	for _, q := range m.table {
		var mine []*request
		for _, r := range q.requests {
			if r.txnID != id {
				continue
			}
			if r.granted {
				if r.mode == modeShared {
					q.sharingCount--
				} else {
					q.isWriting = false
				}
			}
			if q.upgrading && q.upgrader == id {
				q.upgrading = false
				q.upgrader = 0
			}
			mine = append(mine, r)
		}
		if len(mine) == 0 {
			continue
		}
		for _, r := range mine {
			m.pruneRequest(q, r)
		}
		q.cond.Broadcast()
	}
	for _, rid := range t.SharedLockSet() {
		t.RemoveShared(rid)
	}
	for _, rid := range t.ExclusiveLockSet() {
		t.RemoveExclusive(rid)
	}
}
