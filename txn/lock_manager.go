package txn

import (
	"fmt"
	"sync"
)

// LockMode is one of the five hierarchical lock modes (§4.6). Ordered to
// match the compatibility matrix's row/column order.
type LockMode int

const (
	IS LockMode = iota
	IX
	S
	SIX
	X
)

func (m LockMode) String() string {
	return [...]string{"IS", "IX", "S", "SIX", "X"}[m]
}

// compatible[held][requested] reports whether a requested mode may be
// granted while held is already granted to some other transaction.
var compatible = [5][5]bool{
	IS:  {true, true, true, true, false},
	IX:  {true, true, false, false, false},
	S:   {true, false, true, false, false},
	SIX: {true, false, false, false, false},
	X:   {false, false, false, false, false},
}

// upgradePaths enumerates the permitted upgrade transitions (§4.6).
var upgradePaths = map[LockMode]map[LockMode]bool{
	IS:  {S: true, X: true, IX: true, SIX: true},
	S:   {X: true, SIX: true},
	IX:  {X: true, SIX: true},
	SIX: {X: true},
}

// AbortReason names why LockTable/LockRow/UnlockTable/UnlockRow aborted
// a transaction (§4.6.1, plus Deadlock for the background detector).
type AbortReason int

const (
	LockSharedOnReadUncommitted AbortReason = iota
	LockOnShrinking
	AttemptedIntentionLockOnRow
	TableLockNotPresent
	IncompatibleUpgrade
	UpgradeConflict
	AttemptedUnlockButNoLockHeld
	TableUnlockedBeforeUnlockingRows
	Deadlock
)

func (r AbortReason) String() string {
	names := [...]string{
		"LOCK_SHARED_ON_READ_UNCOMMITTED",
		"LOCK_ON_SHRINKING",
		"ATTEMPTED_INTENTION_LOCK_ON_ROW",
		"TABLE_LOCK_NOT_PRESENT",
		"INCOMPATIBLE_UPGRADE",
		"UPGRADE_CONFLICT",
		"ATTEMPTED_UNLOCK_BUT_NO_LOCK_HELD",
		"TABLE_UNLOCKED_BEFORE_UNLOCKING_ROWS",
		"DEADLOCK",
	}
	return names[r]
}

// TransactionAbortedError is raised synchronously by a lock operation
// that aborted its own transaction.
type TransactionAbortedError struct {
	TxnID  int64
	Reason AbortReason
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

type resourceKey struct {
	oid   TableOID
	rid   RID
	isRow bool
}

type lockRequest struct {
	txn     *Transaction
	mode    LockMode
	granted bool
}

// lockRequestQueue is one resource's FIFO request list plus the
// condition variable waiters sleep on.
type lockRequestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading int64 // txn id currently upgrading, 0 if none
}

func newLockRequestQueue() *lockRequestQueue {
	q := &lockRequestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// LockManager grants/releases table and row locks under 2PL and detects
// deadlocks via a background wait-for-graph scan (§4.6).
type LockManager struct {
	mapMu        sync.Mutex
	tableLockMap map[TableOID]*lockRequestQueue
	rowLockMap   map[RID]*lockRequestQueue

	graphMu sync.Mutex
	waitFor map[int64]map[int64]bool

	detector *deadlockDetector
}

// NewLockManager creates an empty lock manager. Call StartDeadlockDetection
// to run the background cycle-detection loop.
func NewLockManager() *LockManager {
	lm := &LockManager{
		tableLockMap: make(map[TableOID]*lockRequestQueue),
		rowLockMap:   make(map[RID]*lockRequestQueue),
		waitFor:      make(map[int64]map[int64]bool),
	}
	lm.detector = newDeadlockDetector(lm)
	return lm
}

func (lm *LockManager) tableQueue(oid TableOID) *lockRequestQueue {
	lm.mapMu.Lock()
	defer lm.mapMu.Unlock()

	q, ok := lm.tableLockMap[oid]
	if !ok {
		q = newLockRequestQueue()
		lm.tableLockMap[oid] = q
	}
	return q
}

func (lm *LockManager) rowQueue(rid RID) *lockRequestQueue {
	lm.mapMu.Lock()
	defer lm.mapMu.Unlock()

	q, ok := lm.rowLockMap[rid]
	if !ok {
		q = newLockRequestQueue()
		lm.rowLockMap[rid] = q
	}
	return q
}

func abortf(txn *Transaction, reason AbortReason) error {
	txn.setState(Aborted)
	return &TransactionAbortedError{TxnID: txn.ID, Reason: reason}
}

// checkAdmission applies §4.6.1's isolation-aware rules before a lock
// request is even enqueued.
func checkAdmission(txn *Transaction, mode LockMode, isRow bool) error {
	if isRow && (mode == IS || mode == IX || mode == SIX) {
		return abortf(txn, AttemptedIntentionLockOnRow)
	}

	state := txn.State()

	switch txn.IsolationLevel {
	case ReadUncommitted:
		if mode == S || mode == IS || mode == SIX {
			return abortf(txn, LockSharedOnReadUncommitted)
		}
		if state != Growing {
			return abortf(txn, LockOnShrinking)
		}
	case ReadCommitted:
		if state == Shrinking && mode != IS && mode != S {
			return abortf(txn, LockOnShrinking)
		}
	case RepeatableRead:
		if state == Shrinking {
			return abortf(txn, LockOnShrinking)
		}
	}

	return nil
}

// LockTable acquires or upgrades a table lock for txn.
func (lm *LockManager) LockTable(txn *Transaction, mode LockMode, oid TableOID) error {
	if err := checkAdmission(txn, mode, false); err != nil {
		return err
	}

	queue := lm.tableQueue(oid)

	if held, ok := txn.heldTableMode(oid); ok {
		if held == mode {
			return nil
		}
		if err := lm.upgrade(txn, queue, held, mode); err != nil {
			return err
		}
		delete(txn.tableLockSet(held), oid)
		txn.tableLockSet(mode)[oid] = struct{}{}
		return nil
	}

	if err := lm.acquire(txn, queue, mode, resourceKey{oid: oid}); err != nil {
		return err
	}
	txn.tableLockSet(mode)[oid] = struct{}{}
	return nil
}

// LockRow acquires or upgrades a row lock for txn. An X row lock
// requires txn already hold X/IX/SIX on the row's table.
func (lm *LockManager) LockRow(txn *Transaction, mode LockMode, oid TableOID, rid RID) error {
	if err := checkAdmission(txn, mode, true); err != nil {
		return err
	}

	if mode == X {
		held, ok := txn.heldTableMode(oid)
		if !ok || (held != X && held != IX && held != SIX) {
			return abortf(txn, TableLockNotPresent)
		}
	}

	queue := lm.rowQueue(rid)

	if held, ok := txn.heldRowMode(oid, rid); ok {
		if held == mode {
			return nil
		}
		if err := lm.upgrade(txn, queue, held, mode); err != nil {
			return err
		}
		delete(rowSet(txn, held, oid), rid)
		ensureRowSet(txn, mode, oid)[rid] = struct{}{}
		return nil
	}

	if err := lm.acquire(txn, queue, mode, resourceKey{oid: oid, rid: rid, isRow: true}); err != nil {
		return err
	}
	ensureRowSet(txn, mode, oid)[rid] = struct{}{}
	return nil
}

func rowSet(txn *Transaction, mode LockMode, oid TableOID) map[RID]struct{} {
	if mode == X {
		return txn.exclusiveRowLocks[oid]
	}
	return txn.sharedRowLocks[oid]
}

func ensureRowSet(txn *Transaction, mode LockMode, oid TableOID) map[RID]struct{} {
	m := txn.sharedRowLocks
	if mode == X {
		m = txn.exclusiveRowLocks
	}
	if m[oid] == nil {
		m[oid] = make(map[RID]struct{})
	}
	return m[oid]
}

// acquire enqueues a fresh request and waits until it is granted or the
// transaction is aborted.
func (lm *LockManager) acquire(txn *Transaction, queue *lockRequestQueue, mode LockMode, key resourceKey) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	req := &lockRequest{txn: txn, mode: mode}
	queue.requests = append(queue.requests, req)
	lm.grantLocked(queue)

	for !req.granted {
		if txn.State() == Aborted {
			lm.removeRequestLocked(queue, req)
			return abortf(txn, Deadlock)
		}
		queue.cond.Wait()
	}
	return nil
}

// upgrade replaces txn's existing request with a higher-mode one, given
// priority over every other ungranted request (§4.6.3).
func (lm *LockManager) upgrade(txn *Transaction, queue *lockRequestQueue, from, to LockMode) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if queue.upgrading != 0 && queue.upgrading != txn.ID {
		return abortf(txn, UpgradeConflict)
	}
	if !upgradePaths[from][to] {
		return abortf(txn, IncompatibleUpgrade)
	}

	var old *lockRequest
	for _, r := range queue.requests {
		if r.txn.ID == txn.ID && r.granted {
			old = r
			break
		}
	}
	if old != nil {
		lm.removeRequestLocked(queue, old)
	}

	req := &lockRequest{txn: txn, mode: to}
	insertAt := 0
	for i, r := range queue.requests {
		if !r.granted {
			break
		}
		insertAt = i + 1
	}
	queue.requests = append(queue.requests, nil)
	copy(queue.requests[insertAt+1:], queue.requests[insertAt:])
	queue.requests[insertAt] = req
	queue.upgrading = txn.ID

	lm.grantLocked(queue)

	for !req.granted {
		if txn.State() == Aborted {
			lm.removeRequestLocked(queue, req)
			queue.upgrading = 0
			return abortf(txn, Deadlock)
		}
		queue.cond.Wait()
	}
	queue.upgrading = 0
	return nil
}

// grantLocked grants every ungranted request it can, in FIFO order,
// stopping at the first request that is not yet compatible with what is
// currently granted. Caller holds queue.mu.
func (lm *LockManager) grantLocked(queue *lockRequestQueue) {
	changed := false

	for _, req := range queue.requests {
		if req.granted {
			continue
		}
		if !compatibleWithGranted(queue, req) {
			break
		}
		req.granted = true
		changed = true
	}

	if changed {
		queue.cond.Broadcast()
	}
}

func compatibleWithGranted(queue *lockRequestQueue, req *lockRequest) bool {
	for _, other := range queue.requests {
		if other == req {
			break
		}
		if !other.granted {
			return false // an earlier request is still waiting: FIFO fairness
		}
	}

	for _, other := range queue.requests {
		if !other.granted || other.txn.ID == req.txn.ID {
			continue
		}
		if !compatible[other.mode][req.mode] {
			return false
		}
	}
	return true
}

func (lm *LockManager) removeRequestLocked(queue *lockRequestQueue, req *lockRequest) {
	for i, r := range queue.requests {
		if r == req {
			queue.requests = append(queue.requests[:i], queue.requests[i+1:]...)
			break
		}
	}
}

// UnlockTable releases txn's lock on oid.
func (lm *LockManager) UnlockTable(txn *Transaction, oid TableOID) error {
	mode, ok := txn.heldTableMode(oid)
	if !ok {
		return abortf(txn, AttemptedUnlockButNoLockHeld)
	}
	if txn.rowLockCountOnTable(oid) > 0 {
		return abortf(txn, TableUnlockedBeforeUnlockingRows)
	}

	queue := lm.tableQueue(oid)
	lm.releaseOne(queue, txn)
	delete(txn.tableLockSet(mode), oid)
	lm.maybeTransitionToShrinking(txn, mode)
	return nil
}

// UnlockRow releases txn's row lock on (oid, rid).
func (lm *LockManager) UnlockRow(txn *Transaction, oid TableOID, rid RID) error {
	mode, ok := txn.heldRowMode(oid, rid)
	if !ok {
		return abortf(txn, AttemptedUnlockButNoLockHeld)
	}

	queue := lm.rowQueue(rid)
	lm.releaseOne(queue, txn)
	delete(rowSet(txn, mode, oid), rid)
	lm.maybeTransitionToShrinking(txn, mode)
	return nil
}

func (lm *LockManager) releaseOne(queue *lockRequestQueue, txn *Transaction) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	for i, r := range queue.requests {
		if r.txn.ID == txn.ID && r.granted {
			queue.requests = append(queue.requests[:i], queue.requests[i+1:]...)
			break
		}
	}
	lm.grantLocked(queue)
	queue.cond.Broadcast()
}

// maybeTransitionToShrinking applies the isolation-level rule for which
// released modes push a transaction from GROWING to SHRINKING (§4.6.4).
func (lm *LockManager) maybeTransitionToShrinking(txn *Transaction, released LockMode) {
	consequential := false
	switch txn.IsolationLevel {
	case RepeatableRead:
		consequential = released == S || released == X
	case ReadCommitted, ReadUncommitted:
		consequential = released == X
	}

	if consequential {
		txn.setState(Shrinking)
	}
}

// releaseAll drops every lock txn holds, across every table and row
// queue, used by TransactionManager on commit/abort.
func (lm *LockManager) releaseAll(txn *Transaction) {
	for _, mode := range []LockMode{IS, IX, S, SIX, X} {
		set := txn.tableLockSet(mode)
		oids := make([]TableOID, 0, len(set))
		for oid := range set {
			oids = append(oids, oid)
		}
		for _, oid := range oids {
			lm.releaseOne(lm.tableQueue(oid), txn)
			delete(set, oid)
		}
	}

	for oid, rows := range txn.sharedRowLocks {
		rids := make([]RID, 0, len(rows))
		for rid := range rows {
			rids = append(rids, rid)
		}
		for _, rid := range rids {
			lm.releaseOne(lm.rowQueue(rid), txn)
			delete(rows, rid)
		}
		delete(txn.sharedRowLocks, oid)
	}
	for oid, rows := range txn.exclusiveRowLocks {
		rids := make([]RID, 0, len(rows))
		for rid := range rows {
			rids = append(rids, rid)
		}
		for _, rid := range rids {
			lm.releaseOne(lm.rowQueue(rid), txn)
			delete(rows, rid)
		}
		delete(txn.exclusiveRowLocks, oid)
	}

	lm.graphMu.Lock()
	delete(lm.waitFor, txn.ID)
	for _, edges := range lm.waitFor {
		delete(edges, txn.ID)
	}
	lm.graphMu.Unlock()
}
