package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kate-wakatime/wakatime-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLiteStore(Options{Path: filepath.Join(t.TempDir(), "wakatime.db")})
	t.Cleanup(func() { s.Close() })
	return s
}

func testRow(i int) types.Row {
	return types.Row{
		ID:      fmt.Sprintf("%d-file-coding-kate-master-/src/f%d.cpp-false", 1000+i, i),
		Payload: fmt.Sprintf(`{"entity":"/src/f%d.cpp","time":%d}`, i, 1000+i),
	}
}

func TestStore_PushPop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.Push(ctx, testRow(1)))
	assert.Equal(t, 1, s.Count(ctx))

	row, ok := s.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, testRow(1), row)
	assert.Equal(t, 0, s.Count(ctx))
	assert.False(t, s.Failed())
}

func TestStore_PopEmpty(t *testing.T) {
	s := newTestStore(t)

	row, ok := s.Pop(context.Background())
	assert.False(t, ok)
	assert.True(t, row.IsZero())
}

func TestStore_PopRemovesOneRowPerCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// duplicates share an id; pop must still take only one of them
	require.True(t, s.Push(ctx, testRow(1)))
	require.True(t, s.Push(ctx, testRow(1)))

	_, ok := s.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, s.Count(ctx))
}

func TestStore_PopManyBatchCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		require.True(t, s.Push(ctx, testRow(i)))
	}

	rows := s.PopMany(ctx, 25)
	assert.Len(t, rows, 25)
	assert.Equal(t, 15, s.Count(ctx))
}

func TestStore_PopManyUnbounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.True(t, s.Push(ctx, testRow(i)))
	}

	assert.Len(t, s.PopMany(ctx, -1), 7)
	assert.Empty(t, s.PopMany(ctx, -1))
	assert.Empty(t, s.PopMany(ctx, 0))
}

func TestStore_PopManyStopsWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, s.Push(ctx, testRow(i)))
	}
	assert.Len(t, s.PopMany(ctx, 25), 3)
}

func TestStore_RemoveByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.Push(ctx, testRow(1)))
	require.True(t, s.Push(ctx, testRow(1)))
	require.True(t, s.Push(ctx, testRow(2)))

	assert.Equal(t, 2, s.Remove(ctx, testRow(1).ID))
	assert.Equal(t, 0, s.Remove(ctx, "missing"))
	assert.Equal(t, 1, s.Count(ctx))
}

func TestStore_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wakatime.db")
	ctx := context.Background()

	first := NewSQLiteStore(Options{Path: path})
	require.True(t, first.Push(ctx, testRow(1)))
	require.NoError(t, first.Close())

	second := NewSQLiteStore(Options{Path: path})
	defer second.Close()
	assert.Equal(t, 1, second.Count(ctx))
	assert.False(t, second.Failed())
}

func TestStore_OpenFailureIsolation(t *testing.T) {
	s := NewSQLiteStore(Options{Path: filepath.Join(t.TempDir(), "missing", "dir", "wakatime.db")})
	defer s.Close()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		assert.False(t, s.Push(ctx, testRow(1)))
		_, ok := s.Pop(ctx)
		assert.False(t, ok)
		assert.Empty(t, s.PopMany(ctx, 25))
		assert.Equal(t, 0, s.Remove(ctx, testRow(1).ID))
		assert.Equal(t, 0, s.Count(ctx))
	})
	assert.True(t, s.Failed())
}

func TestStore_ClosedIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.True(t, s.Push(ctx, testRow(1)))
	require.NoError(t, s.Close())

	assert.False(t, s.Push(ctx, testRow(2)))
	_, ok := s.Pop(ctx)
	assert.False(t, ok)
	assert.False(t, s.Failed())
}

func TestStore_ConcurrentPopNeverDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wakatime.db")
	ctx := context.Background()

	seed := NewSQLiteStore(Options{Path: path})
	const n = 60
	for i := 0; i < n; i++ {
		require.True(t, seed.Push(ctx, testRow(i)))
	}

	// two stores on one file behave like two editor processes
	other := NewSQLiteStore(Options{Path: path})
	defer seed.Close()
	defer other.Close()

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		store := seed
		if w%2 == 1 {
			store = other
		}
		wg.Add(1)
		go func(st *SQLiteStore) {
			defer wg.Done()
			for {
				row, ok := st.Pop(ctx)
				if !ok {
					return
				}
				mu.Lock()
				seen[row.ID]++
				mu.Unlock()
			}
		}(store)
	}
	wg.Wait()

	// drain anything a worker gave up on
	for _, row := range seed.PopMany(ctx, -1) {
		seen[row.ID]++
	}

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "row %s popped more than once", id)
	}
}
