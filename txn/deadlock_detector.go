package txn

import (
	"sort"
	"sync"
	"time"
)

// deadlockDetector drives LockManager.RunCycleDetection on a background
// ticker (§4.6.5).
type deadlockDetector struct {
	lm       *LockManager
	interval time.Duration
	stopCh   chan struct{}
	once     sync.Once
}

func newDeadlockDetector(lm *LockManager) *deadlockDetector {
	return &deadlockDetector{lm: lm, interval: 50 * time.Millisecond}
}

func (d *deadlockDetector) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.lm.RunCycleDetection()
		}
	}
}

// StartDeadlockDetection launches the background detector, sleeping
// interval between rounds.
func (lm *LockManager) StartDeadlockDetection(interval time.Duration) {
	lm.detector.interval = interval
	lm.detector.stopCh = make(chan struct{})
	lm.detector.once = sync.Once{}
	go lm.detector.run()
}

// StopDeadlockDetection stops the background detector. Safe to call more
// than once.
func (lm *LockManager) StopDeadlockDetection() {
	lm.detector.once.Do(func() {
		close(lm.detector.stopCh)
	})
}

// RunCycleDetection performs one detection round: rebuild the wait-for
// graph from every queue, then repeatedly find a cycle and abort the
// victim HasCycle names until no cycle remains (§4.6.5).
func (lm *LockManager) RunCycleDetection() {
	graph := lm.buildWaitForGraph()

	lm.graphMu.Lock()
	lm.waitFor = graph
	lm.graphMu.Unlock()

	for {
		victim, found := lm.HasCycle()
		if !found {
			break
		}
		lm.abortVictim(victim)
	}
}

// buildWaitForGraph scans every table and row queue: every ungranted
// request adds an edge to every granted request on the same resource.
func (lm *LockManager) buildWaitForGraph() map[int64]map[int64]bool {
	graph := make(map[int64]map[int64]bool)

	lm.mapMu.Lock()
	queues := make([]*lockRequestQueue, 0, len(lm.tableLockMap)+len(lm.rowLockMap))
	for _, q := range lm.tableLockMap {
		queues = append(queues, q)
	}
	for _, q := range lm.rowLockMap {
		queues = append(queues, q)
	}
	lm.mapMu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		var granted []int64
		for _, r := range q.requests {
			if r.granted {
				granted = append(granted, r.txn.ID)
			}
		}
		for _, r := range q.requests {
			if r.granted {
				continue
			}
			for _, g := range granted {
				if g == r.txn.ID {
					continue
				}
				if graph[r.txn.ID] == nil {
					graph[r.txn.ID] = make(map[int64]bool)
				}
				graph[r.txn.ID][g] = true
			}
		}
		q.mu.Unlock()
	}

	return graph
}

// abortVictim marks txnID's transaction ABORTED, wakes every queue it is
// waiting in, and removes it from the wait-for graph.
func (lm *LockManager) abortVictim(txnID int64) {
	lm.graphMu.Lock()
	delete(lm.waitFor, txnID)
	for _, edges := range lm.waitFor {
		delete(edges, txnID)
	}
	lm.graphMu.Unlock()

	lm.mapMu.Lock()
	queues := make([]*lockRequestQueue, 0, len(lm.tableLockMap)+len(lm.rowLockMap))
	for _, q := range lm.tableLockMap {
		queues = append(queues, q)
	}
	for _, q := range lm.rowLockMap {
		queues = append(queues, q)
	}
	lm.mapMu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		for _, r := range q.requests {
			if r.txn.ID == txnID {
				r.txn.setState(Aborted)
			}
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// HasCycle runs DFS from every known txn-id in ascending order,
// descending into neighbors in ascending-id order for deterministic tie
// breaks. On the first back edge it returns the largest (youngest) txn-id
// on the current DFS stack, which may include transactions that lead
// into the cycle without being part of it.
func (lm *LockManager) HasCycle() (int64, bool) {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()

	visited := make(map[int64]bool)
	onStack := make(map[int64]bool)

	for _, id := range graphKeys(lm.waitFor) {
		if visited[id] {
			continue
		}
		if victim, found := lm.dfsDeadlock(id, visited, onStack); found {
			return victim, true
		}
	}
	return 0, false
}

func (lm *LockManager) dfsDeadlock(id int64, visited, onStack map[int64]bool) (int64, bool) {
	visited[id] = true
	onStack[id] = true

	for _, n := range sortedKeys(lm.waitFor[id]) {
		if onStack[n] {
			return maxOnStack(onStack), true
		}
		if !visited[n] {
			if victim, found := lm.dfsDeadlock(n, visited, onStack); found {
				return victim, true
			}
		}
	}

	onStack[id] = false
	return 0, false
}

func maxOnStack(onStack map[int64]bool) int64 {
	var max int64 = -1
	for id, onStk := range onStack {
		if onStk && id > max {
			max = id
		}
	}
	return max
}

func sortedKeys(m map[int64]bool) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func graphKeys(m map[int64]map[int64]bool) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Edge is one wait-for-graph edge: T1 waits for T2.
type Edge struct {
	T1, T2 int64
}

// AddEdge inserts an edge into the wait-for graph directly, for tests
// that exercise HasCycle without driving real lock queues (§12).
func (lm *LockManager) AddEdge(t1, t2 int64) {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()

	if lm.waitFor[t1] == nil {
		lm.waitFor[t1] = make(map[int64]bool)
	}
	lm.waitFor[t1][t2] = true
}

// RemoveEdge removes an edge from the wait-for graph.
func (lm *LockManager) RemoveEdge(t1, t2 int64) {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()

	delete(lm.waitFor[t1], t2)
}

// GetEdgeList returns every edge in the wait-for graph, sorted for
// deterministic test assertions.
func (lm *LockManager) GetEdgeList() []Edge {
	lm.graphMu.Lock()
	defer lm.graphMu.Unlock()

	edges := make([]Edge, 0)
	for _, t1 := range graphKeys(lm.waitFor) {
		for _, t2 := range sortedKeys(lm.waitFor[t1]) {
			edges = append(edges, Edge{T1: t1, T2: t2})
		}
	}
	return edges
}
