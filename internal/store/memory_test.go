package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got, "missing key yields nil, not an error")

	require.NoError(t, s.Set(ctx, "o1", Record{"id": "o1", "status": "open"}))
	got, err = s.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "open", got["status"])

	// Set replaces wholesale.
	require.NoError(t, s.Set(ctx, "o1", Record{"id": "o1"}))
	got, _ = s.Get(ctx, "o1")
	assert.NotContains(t, got, "status")

	// Update merges, and upserts missing keys.
	require.NoError(t, s.Update(ctx, "o1", Record{"status": "closed"}))
	got, _ = s.Get(ctx, "o1")
	assert.Equal(t, "o1", got["id"])
	assert.Equal(t, "closed", got["status"])

	require.NoError(t, s.Update(ctx, "o2", Record{"id": "o2"}))
	got, _ = s.Get(ctx, "o2")
	assert.Equal(t, "o2", got["id"])

	// Delete is idempotent.
	require.NoError(t, s.Delete(ctx, "o1"))
	require.NoError(t, s.Delete(ctx, "o1"))
	got, _ = s.Get(ctx, "o1")
	assert.Nil(t, got)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "k", Record{"n": 1}))

	got, _ := s.Get(ctx, "k")
	got["n"] = 99

	again, _ := s.Get(ctx, "k")
	assert.Equal(t, 1, again["n"], "caller mutation must not leak into the store")
}

func TestMemoryStoreListAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.BulkSet(ctx, map[string]Record{
		"a": {"id": "a", "status": "open", "customer": map[string]any{"tier": "gold"}},
		"b": {"id": "b", "status": "open", "customer": map[string]any{"tier": "free"}},
		"c": {"id": "c", "status": "closed"},
	}))

	all, err := s.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0]["id"], "list is key-ordered")

	open, err := s.List(ctx, &Filter{Where: map[string]any{"status": "open"}})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	gold, err := s.List(ctx, &Filter{Where: map[string]any{"customer.tier": "gold"}})
	require.NoError(t, err)
	require.Len(t, gold, 1)
	assert.Equal(t, "a", gold[0]["id"])

	windowed, err := s.List(ctx, &Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "b", windowed[0]["id"])

	n, err := s.Count(ctx, &Filter{Where: map[string]any{"status": "open"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryStoreBulkUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "a", Record{"id": "a", "seen": 1}))

	require.NoError(t, s.BulkUpsert(ctx, map[string]Record{
		"a": {"status": "open"},
		"b": {"id": "b"},
	}))

	a, _ := s.Get(ctx, "a")
	assert.Equal(t, 1, a["seen"], "upsert preserves untouched fields")
	assert.Equal(t, "open", a["status"])

	b, _ := s.Get(ctx, "b")
	assert.Equal(t, "b", b["id"])
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := string(rune('a' + n))
				_ = s.Set(ctx, key, Record{"n": j})
				_, _ = s.Get(ctx, key)
				_, _ = s.List(ctx, nil)
			}
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}
