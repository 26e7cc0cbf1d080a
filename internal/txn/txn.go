// Package txn tracks in-flight transaction state shared by the lock
// manager and the recovery manager: identity, isolation level, 2PL phase,
// and the exact set of rows each transaction currently holds locked.
package txn

import (
	"sync"

	"github.com/tuannm99/novasql/internal/config"
	"github.com/tuannm99/novasql/internal/heap"
)

// State is a transaction's two-phase-locking phase, plus the two terminal
// states it ends in.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "growing"
	case Shrinking:
		return "shrinking"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction is one worker's unit of execution. ID order doubles as start
// order: the deadlock detector relies on numerically larger ids being
// younger transactions.
type Transaction struct {
	mu sync.Mutex

	id        int64
	isolation config.IsolationLevel
	state     State
	prevLSN   int64

	sharedLockSet    map[heap.RowID]struct{}
	exclusiveLockSet map[heap.RowID]struct{}
}

func newTransaction(id int64, isolation config.IsolationLevel) *Transaction {
	return &Transaction{
		id:               id,
		isolation:        isolation,
		state:            Growing,
		prevLSN:          -1,
		sharedLockSet:    make(map[heap.RowID]struct{}),
		exclusiveLockSet: make(map[heap.RowID]struct{}),
	}
}

func (t *Transaction) ID() int64                        { return t.id }
func (t *Transaction) Isolation() config.IsolationLevel { return t.isolation }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// PrevLSN / SetPrevLSN track the tail of this transaction's log chain, for
// the recovery manager.
func (t *Transaction) PrevLSN() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prevLSN
}

func (t *Transaction) SetPrevLSN(lsn int64) {
	t.mu.Lock()
	t.prevLSN = lsn
	t.mu.Unlock()
}

// AddShared, RemoveShared, AddExclusive and RemoveExclusive keep this
// transaction's lock sets exactly equal to the rows it is recorded as
// granted on, per the lock manager's invariant.
func (t *Transaction) AddShared(rid heap.RowID) {
	t.mu.Lock()
	t.sharedLockSet[rid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) RemoveShared(rid heap.RowID) {
	t.mu.Lock()
	delete(t.sharedLockSet, rid)
	t.mu.Unlock()
}

func (t *Transaction) AddExclusive(rid heap.RowID) {
	t.mu.Lock()
	t.exclusiveLockSet[rid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) RemoveExclusive(rid heap.RowID) {
	t.mu.Lock()
	delete(t.exclusiveLockSet, rid)
	t.mu.Unlock()
}

func (t *Transaction) HoldsShared(rid heap.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedLockSet[rid]
	return ok
}

// SetShrinking transitions a growing transaction to shrinking; a no-op if
// already shrinking or terminal.
func (t *Transaction) SetShrinking() {
	t.mu.Lock()
	if t.state == Growing {
		t.state = Shrinking
	}
	t.mu.Unlock()
}

// SharedLockSet and ExclusiveLockSet snapshot the rows this transaction
// currently holds, used by Engine.Commit to unlock each row and by the
// lock manager to clear a force-aborted transaction's sets.
func (t *Transaction) SharedLockSet() []heap.RowID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]heap.RowID, 0, len(t.sharedLockSet))
	for rid := range t.sharedLockSet {
		out = append(out, rid)
	}
	return out
}

func (t *Transaction) ExclusiveLockSet() []heap.RowID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]heap.RowID, 0, len(t.exclusiveLockSet))
	for rid := range t.exclusiveLockSet {
		out = append(out, rid)
	}
	return out
}

// Manager owns every live transaction and hands out strictly increasing ids.
type Manager struct {
	mu       sync.Mutex
	nextID   int64
	txns     map[int64]*Transaction
	isolation config.IsolationLevel
}

func NewManager(defaultIsolation config.IsolationLevel) *Manager {
	return &Manager{
		txns:      make(map[int64]*Transaction),
		isolation: defaultIsolation,
	}
}

// Begin starts a new transaction at the manager's default isolation level.
func (m *Manager) Begin() *Transaction {
	return m.BeginWithIsolation(m.isolation)
}

func (m *Manager) BeginWithIsolation(isolation config.IsolationLevel) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := newTransaction(m.nextID, isolation)
	m.txns[t.id] = t
	return t
}

func (m *Manager) GetTransaction(id int64) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns[id]
}

// Commit transitions t to the committed terminal state. The caller is
// responsible for having released every lock beforehand.
func (m *Manager) Commit(t *Transaction) {
	t.setState(Committed)
}

// Abort transitions t to the aborted terminal state; callers observe this
// via check_abort and unwind.
func (m *Manager) Abort(t *Transaction) {
	t.setState(Aborted)
}

func (m *Manager) Forget(id int64) {
	m.mu.Lock()
	delete(m.txns, id)
	m.mu.Unlock()
}
