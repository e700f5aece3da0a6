package bplus

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratadb/buffer"
	"stratadb/disk"
)

func createBpm(t *testing.T, poolSize int) *buffer.BufferPoolManager {
	t.Helper()
	dbFile := path.Join(t.TempDir(), "test.db")

	file, err := os.OpenFile(dbFile, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		panic(fmt.Sprintf("failed creating db file: %v", err))
	}
	t.Cleanup(func() { _ = os.Remove(file.Name()) })

	diskMgr := disk.NewManager(file)
	diskScheduler := disk.NewScheduler(diskMgr)
	return buffer.NewBufferPoolManager(poolSize, 2, diskMgr, diskScheduler)
}

func TestBPlusTreeStoredValuesRetrievable(t *testing.T) {
	bpm := createBpm(t, 20)
	tree, err := NewBPlusTree[string, int]("people", bpm, 4, 4)
	require.NoError(t, err)

	register := map[string]int{
		"john": 25,
		"doe":  45,
		"jane": 40,
	}

	for k, v := range register {
		inserted, err := tree.Insert(k, v)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	for k, v := range register {
		val, err := tree.GetValue(k)
		require.NoError(t, err)
		assert.Equal(t, v, val[0])
	}

	// Duplicate insert is rejected without altering the stored value.
	inserted, err := tree.Insert("john", 99)
	require.NoError(t, err)
	assert.False(t, inserted)
	val, err := tree.GetValue("john")
	require.NoError(t, err)
	assert.Equal(t, 25, val[0])
}

func TestBPlusTreeSplitsAndStaysBalanced(t *testing.T) {
	// S3-style: leaf_max=3, internal_max=3. Inserting keys 1..5 forces a
	// leaf split and a new root; the tree remains searchable and ordered.
	bpm := createBpm(t, 20)
	tree, err := NewBPlusTree[int, int]("s3", bpm, 3, 3)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		inserted, err := tree.Insert(i, i*10)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	for i := 1; i <= 5; i++ {
		val, err := tree.GetValue(i)
		require.NoError(t, err)
		assert.Equal(t, i*10, val[0])
	}

	assert.NotEqual(t, InvalidPageID, tree.GetRootPageId())

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	keys := []int{}
	for !it.IsEnd() {
		keys = append(keys, it.Key())
		require.NoError(t, it.Next())
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, keys)
}

func TestBPlusTreeRemoveTriggersRedistributeAndCoalesce(t *testing.T) {
	bpm := createBpm(t, 20)
	tree, err := NewBPlusTree[int, int]("remove", bpm, 3, 3)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := tree.Insert(i, i*10)
		require.NoError(t, err)
	}

	require.NoError(t, tree.Remove(3))

	_, err = tree.GetValue(3)
	assert.Error(t, err)

	remaining := []int{1, 2, 4, 5}
	for _, k := range remaining {
		val, err := tree.GetValue(k)
		require.NoError(t, err)
		assert.Equal(t, k*10, val[0])
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	keys := []int{}
	for !it.IsEnd() {
		keys = append(keys, it.Key())
		require.NoError(t, it.Next())
	}
	assert.Equal(t, remaining, keys)

	for _, k := range remaining {
		require.NoError(t, tree.Remove(k))
	}
	assert.Equal(t, InvalidPageID, tree.GetRootPageId())
}

func TestBPlusTreeLargerThanOnePage(t *testing.T) {
	bpm := createBpm(t, 50)
	tree, err := NewBPlusTree[int, int]("large", bpm, 4, 4)
	require.NoError(t, err)

	for i := 100; i >= 0; i-- {
		inserted, err := tree.Insert(i, i)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	for i := range 101 {
		val, err := tree.GetValue(i)
		require.NoError(t, err)
		assert.Equal(t, i, val[0])
	}
}

func TestBPlusTreeIterationOrder(t *testing.T) {
	// S4-style: insert 1..10 out of order, iterate from Begin() to End().
	bpm := createBpm(t, 30)
	tree, err := NewBPlusTree[int, int]("s4", bpm, 4, 4)
	require.NoError(t, err)

	for i := 10; i >= 1; i-- {
		_, err := tree.Insert(i, i*i)
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	end, err := tree.End()
	require.NoError(t, err)
	defer end.Close()

	got := []int{}
	for !it.IsEnd() {
		got = append(got, it.Key())
		assert.Equal(t, it.Key()*it.Key(), it.Value())
		require.NoError(t, it.Next())
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
	assert.True(t, it.Equal(end))
}

func TestBPlusTreeBeginAtAndKeyRange(t *testing.T) {
	bpm := createBpm(t, 30)
	tree, err := NewBPlusTree[int, int]("range", bpm, 4, 4)
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		_, err := tree.Insert(i, i)
		require.NoError(t, err)
	}

	res, err := tree.GetKeyRange(5, 9)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7, 8, 9}, res)

	it, err := tree.BeginAt(15)
	require.NoError(t, err)
	defer it.Close()
	assert.Equal(t, 15, it.Key())
}

func TestBPlusTreePersistsRootAcrossReopen(t *testing.T) {
	bpm := createBpm(t, 30)
	tree, err := NewBPlusTree[int, int]("persist", bpm, 3, 3)
	require.NoError(t, err)

	for i := 1; i <= 8; i++ {
		_, err := tree.Insert(i, i)
		require.NoError(t, err)
	}

	reopened, err := NewBPlusTree[int, int]("persist", bpm, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, tree.GetRootPageId(), reopened.GetRootPageId())

	val, err := reopened.GetValue(4)
	require.NoError(t, err)
	assert.Equal(t, 4, val[0])
}

func TestBPlusTreeInsertOutOfMemory(t *testing.T) {
	// A pool too small to ever hold a split's new sibling page must
	// surface ErrOutOfMemory rather than hang or panic.
	bpm := createBpm(t, 1)
	tree, err := NewBPlusTree[int, int]("oom", bpm, 2, 2)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 10; i++ {
		if _, err := tree.Insert(i, i); err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, ErrOutOfMemory)
}

func TestBPlusTreeDeepRemovalExercisesInternalRedistribute(t *testing.T) {
	// Small page sizes and a wide key range force a multi-level tree
	// (internal nodes with internal-node siblings, not just leaf
	// siblings), and the scattered deletions below are chosen to drive
	// both Redistribute and Coalesce at the internal level, not only
	// at the leaf level (§4.5.4).
	bpm := createBpm(t, 80)
	tree, err := NewBPlusTree[int, int]("deep", bpm, 3, 3)
	require.NoError(t, err)

	const n = 60
	for i := 1; i <= n; i++ {
		inserted, err := tree.Insert(i, i*100)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	removed := map[int]bool{}
	for i := 2; i <= n; i += 2 {
		require.NoError(t, tree.Remove(i))
		removed[i] = true
	}
	for i := 1; i <= n; i += 7 {
		if !removed[i] {
			require.NoError(t, tree.Remove(i))
			removed[i] = true
		}
	}

	remaining := []int{}
	for i := 1; i <= n; i++ {
		if !removed[i] {
			remaining = append(remaining, i)
		}
	}

	for _, k := range remaining {
		val, err := tree.GetValue(k)
		require.NoError(t, err, "key %d should still be reachable after cascading removals", k)
		assert.Equal(t, k*100, val[0])
	}
	for k := range removed {
		_, err := tree.GetValue(k)
		assert.Error(t, err, "key %d should have been fully removed", k)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	got := []int{}
	for !it.IsEnd() {
		got = append(got, it.Key())
		require.NoError(t, it.Next())
	}
	assert.Equal(t, remaining, got)
}

func TestBPlusTreeBatchInsertAndFromFile(t *testing.T) {
	bpm := createBpm(t, 30)
	tree, err := NewBPlusTree[int, int]("batch", bpm, 4, 4)
	require.NoError(t, err)

	require.NoError(t, tree.BatchInsert(map[int]int{1: 10, 2: 20, 3: 30}))

	for k, v := range map[int]int{1: 10, 2: 20, 3: 30} {
		val, err := tree.GetValue(k)
		require.NoError(t, err)
		assert.Equal(t, v, val[0])
	}
}
