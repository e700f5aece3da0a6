package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableBasicCompatibility(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	t2 := tm.Begin(ReadCommitted)

	require.NoError(t, lm.LockTable(t1, IS, 1))
	require.NoError(t, lm.LockTable(t2, IS, 1))
}

func TestLockUpgradeScenario(t *testing.T) {
	// S5: T1 LockTable(IS,t); T2 LockTable(IS,t); T1 LockTable(S,t) upgrades.
	// T1 LockTable(X,t) blocks on T2's IS; T2 unlocks; T1's upgrade completes.
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	t2 := tm.Begin(ReadCommitted)

	require.NoError(t, lm.LockTable(t1, IS, 1))
	require.NoError(t, lm.LockTable(t2, IS, 1))
	require.NoError(t, lm.LockTable(t1, S, 1))

	done := make(chan error, 1)
	go func() {
		done <- lm.LockTable(t1, X, 1)
	}()

	select {
	case <-done:
		t.Fatal("T1's upgrade to X should block while T2 holds IS")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(t2, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("T1's upgrade never completed after T2 released")
	}

	mode, ok := t1.heldTableMode(1)
	assert.True(t, ok)
	assert.Equal(t, X, mode)
}

func TestIncompatibleUpgradeRejected(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t1, X, 1))

	err := lm.LockTable(t1, S, 1)
	require.Error(t, err)

	abortErr, ok := err.(*TransactionAbortedError)
	require.True(t, ok)
	assert.Equal(t, IncompatibleUpgrade, abortErr.Reason)
	assert.Equal(t, Aborted, t1.State())
}

func TestRowLockRequiresTableIntentLock(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	err := lm.LockRow(t1, X, 1, RID{PageID: 1, SlotNum: 0})
	require.Error(t, err)

	abortErr, ok := err.(*TransactionAbortedError)
	require.True(t, ok)
	assert.Equal(t, TableLockNotPresent, abortErr.Reason)
}

func TestIntentionLockOnRowRejected(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	err := lm.LockRow(t1, IS, 1, RID{PageID: 1, SlotNum: 0})
	require.Error(t, err)

	abortErr, ok := err.(*TransactionAbortedError)
	require.True(t, ok)
	assert.Equal(t, AttemptedIntentionLockOnRow, abortErr.Reason)
}

func TestReadUncommittedForbidsSharedModes(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadUncommitted)
	err := lm.LockTable(t1, S, 1)
	require.Error(t, err)

	abortErr, ok := err.(*TransactionAbortedError)
	require.True(t, ok)
	assert.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)
}

func TestRepeatableReadForbidsLocksWhileShrinking(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(RepeatableRead)
	require.NoError(t, lm.LockTable(t1, S, 1))
	require.NoError(t, lm.UnlockTable(t1, 1))
	assert.Equal(t, Shrinking, t1.State())

	err := lm.LockTable(t1, S, 2)
	require.Error(t, err)
	abortErr, ok := err.(*TransactionAbortedError)
	require.True(t, ok)
	assert.Equal(t, LockOnShrinking, abortErr.Reason)
}

func TestUnlockTableWithoutHoldingFails(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	err := lm.UnlockTable(t1, 1)
	require.Error(t, err)
	abortErr, ok := err.(*TransactionAbortedError)
	require.True(t, ok)
	assert.Equal(t, AttemptedUnlockButNoLockHeld, abortErr.Reason)
}

func TestUnlockTableBeforeRowsFails(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	require.NoError(t, lm.LockTable(t1, X, 1))
	require.NoError(t, lm.LockRow(t1, X, 1, RID{PageID: 1, SlotNum: 0}))

	err := lm.UnlockTable(t1, 1)
	require.Error(t, err)
	abortErr, ok := err.(*TransactionAbortedError)
	require.True(t, ok)
	assert.Equal(t, TableUnlockedBeforeUnlockingRows, abortErr.Reason)
}

func TestDeadlockDetectionScenario(t *testing.T) {
	// S6: T1 X(a), T2 X(b), T1 X(b) blocks, T2 X(a) blocks; detector
	// aborts the larger txn-id and wakes the other.
	lm := NewLockManager()
	tm := NewTransactionManager(lm)

	t1 := tm.Begin(ReadCommitted)
	t2 := tm.Begin(ReadCommitted)

	require.NoError(t, lm.LockTable(t1, X, 1))
	require.NoError(t, lm.LockTable(t2, X, 2))

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)

	go func() { errCh1 <- lm.LockTable(t1, X, 2) }()
	go func() { errCh2 <- lm.LockTable(t2, X, 1) }()

	time.Sleep(20 * time.Millisecond)
	lm.RunCycleDetection()

	// T2 has the larger id, so it is the victim. A real caller reacts to
	// its own aborted lock call by releasing whatever it already holds;
	// that release is what unblocks T1's request on table 2.
	select {
	case err := <-errCh2:
		abortErr, ok := err.(*TransactionAbortedError)
		require.True(t, ok)
		assert.Equal(t, Deadlock, abortErr.Reason)
		assert.Equal(t, t2.ID, abortErr.TxnID)
		tm.Abort(t2)
	case <-time.After(2 * time.Second):
		t.Fatal("T2 (the victim) was never unblocked")
	}

	select {
	case err := <-errCh1:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("T1 was never unblocked after T2's release")
	}
}

func TestHasCycleViaManualGraph(t *testing.T) {
	lm := NewLockManager()

	lm.AddEdge(1, 2)
	lm.AddEdge(2, 3)
	_, found := lm.HasCycle()
	assert.False(t, found)

	lm.AddEdge(3, 1)
	victim, found := lm.HasCycle()
	assert.True(t, found)
	assert.Equal(t, int64(3), victim)

	lm.RemoveEdge(3, 1)
	_, found = lm.HasCycle()
	assert.False(t, found)
}

func TestGetEdgeList(t *testing.T) {
	lm := NewLockManager()
	lm.AddEdge(2, 1)
	lm.AddEdge(1, 3)

	edges := lm.GetEdgeList()
	assert.Equal(t, []Edge{{T1: 1, T2: 3}, {T1: 2, T2: 1}}, edges)
}

func TestBackgroundDeadlockDetectionLoop(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	lm.StartDeadlockDetection(10 * time.Millisecond)
	defer lm.StopDeadlockDetection()

	t1 := tm.Begin(ReadCommitted)
	t2 := tm.Begin(ReadCommitted)

	require.NoError(t, lm.LockTable(t1, X, 1))
	require.NoError(t, lm.LockTable(t2, X, 2))

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)
	go func() { errCh1 <- lm.LockTable(t1, X, 2) }()
	go func() { errCh2 <- lm.LockTable(t2, X, 1) }()

	timeout := time.After(2 * time.Second)
	var victimErr error
	select {
	case victimErr = <-errCh2:
	case victimErr = <-errCh1:
	case <-timeout:
		t.Fatal("background detector never resolved the deadlock")
	}
	require.Error(t, victimErr)
	abortErr := victimErr.(*TransactionAbortedError)
	if abortErr.TxnID == t1.ID {
		tm.Abort(t1)
	} else {
		tm.Abort(t2)
	}

	select {
	case <-errCh1:
	case <-errCh2:
	case <-timeout:
		t.Fatal("the surviving transaction was never unblocked")
	}
}
