package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "cache")),
	}
}

func record(fp, node string, created time.Time) *Record {
	return &Record{
		Fingerprint: fp,
		ProjectID:   "demo",
		FlowID:      "nightly",
		NodeID:      node,
		RunID:       "run-1",
		Status:      StatusSuccess,
		Outputs:     map[string]string{"tag": "v1"},
		CreatedAt:   created,
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, record("aa11", "build", now)))
			require.NoError(t, store.Put(ctx, record("bb22", "build", now.Add(-48*time.Hour))))
			require.NoError(t, store.Put(ctx, record("cc33", "test", now)))

			got, err := store.Get(ctx, "aa11")
			require.NoError(t, err)
			assert.Equal(t, "build", got.NodeID)
			assert.Equal(t, "v1", got.Outputs["tag"])
			assert.True(t, now.Equal(got.CreatedAt))

			// last writer wins
			updated := record("aa11", "build", now)
			updated.Outputs = map[string]string{"tag": "v2"}
			require.NoError(t, store.Put(ctx, updated))
			got, err = store.Get(ctx, "aa11")
			require.NoError(t, err)
			assert.Equal(t, "v2", got.Outputs["tag"])

			n, err := store.Delete(ctx, Filter{Before: now.Add(-time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = store.Delete(ctx, Filter{NodeID: "test"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = store.Delete(ctx, Filter{})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = store.Get(ctx, "aa11")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Put(context.Background(), record("abcdef", "build", time.Now())))

	_, err := os.Stat(filepath.Join(dir, "ab", "abcdef.json"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "ab"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStoreConcurrentWriters(t *testing.T) {
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record("ffee", "build", time.Now())
			rec.Outputs = map[string]string{"n": fmt.Sprint(i)}
			assert.NoError(t, store.Put(ctx, rec))
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "ffee")
	require.NoError(t, err)
	assert.Contains(t, got.Outputs, "n")
}

func TestCacheOnlyServesSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(store)

	failed := record("f1", "build", time.Now())
	failed.Status = StatusFailed
	require.NoError(t, c.Store(ctx, failed))
	assert.Equal(t, 0, store.Len(), "failures are never stored")

	// A foreign writer may still have put one there; lookup ignores it
	require.NoError(t, store.Put(ctx, failed))
	_, ok, err := c.Lookup(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, record("s1", "build", time.Time{})))
	rec, ok, err := c.Lookup(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.CreatedAt.IsZero())

	rec.Outputs["tag"] = "mutated"
	again, _, err := c.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v1", again.Outputs["tag"])
}

func TestCacheMaxAge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c := New(NewMemoryStore(), WithClock(func() time.Time { return now }))

	old := record("old", "build", now.Add(-15*24*time.Hour))
	fresh := record("fresh", "build", now.Add(-13*24*time.Hour))
	short := record("short", "build", now.Add(-2*time.Hour))
	short.LifeSpan = time.Hour
	for _, r := range []*Record{old, fresh, short} {
		require.NoError(t, c.Store(ctx, r))
	}

	_, ok, err := c.Lookup(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = c.Lookup(ctx, "fresh")
	assert.True(t, ok)
	_, ok, _ = c.Lookup(ctx, "short")
	assert.False(t, ok)

	n, err := c.Prune(ctx, Filter{}, 14*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCacheInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore())
	for i, node := range []string{"a", "a", "b"} {
		require.NoError(t, c.Store(ctx, record(fmt.Sprintf("fp%d", i), node, time.Now())))
	}

	n, err := c.Invalidate(ctx, Filter{NodeID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok, _ := c.Lookup(ctx, "fp0")
	assert.False(t, ok)

	n, err = c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreDeleteIsScopedToFlow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			nightly := record("n1", "build", now)
			release := record("r1", "build", now)
			release.FlowID = "release"
			other := record("o1", "build", now)
			other.ProjectID = "other"
			for _, r := range []*Record{nightly, release, other} {
				require.NoError(t, store.Put(ctx, r))
			}

			n, err := store.Delete(ctx, Filter{ProjectID: "demo", FlowID: "nightly", NodeID: "build"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, err = store.Get(ctx, "r1")
			assert.NoError(t, err)

			n, err = store.Delete(ctx, Filter{ProjectID: "demo"})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, err = store.Get(ctx, "o1")
			assert.NoError(t, err)
		})
	}
}

func TestFingerprintCoversFlowIdentity(t *testing.T) {
	in := Input{ProjectID: "demo", FlowID: "nightly", NodeID: "build", TemplateID: "build", DefinitionHash: "h"}
	a, err := Fingerprint(in)
	require.NoError(t, err)

	in.FlowID = "release"
	b, err := Fingerprint(in)
	require.NoError(t, err)

	in.FlowID, in.ProjectID = "nightly", "other"
	c, err := Fingerprint(in)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestBakeHistory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			bakes := store.(BakeStore)
			_, err := bakes.GetBake(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			for i, flow := range []string{"nightly", "nightly", "release"} {
				require.NoError(t, bakes.PutBake(ctx, &Bake{
					ID:        fmt.Sprintf("bake-%d", i),
					ProjectID: "demo",
					FlowID:    flow,
					Status:    "success",
					Started:   now.Add(time.Duration(i) * time.Hour),
					Nodes:     []BakeNode{{ID: "build", State: "succeeded"}},
				}))
			}

			got, err := bakes.GetBake(ctx, "bake-1")
			require.NoError(t, err)
			assert.Equal(t, "nightly", got.FlowID)
			require.Len(t, got.Nodes, 1)
			assert.Equal(t, "succeeded", got.Nodes[0].State)

			list, err := bakes.ListBakes(ctx, Filter{ProjectID: "demo", FlowID: "nightly"})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "bake-1", list[0].ID, "newest first")
			assert.Equal(t, "bake-0", list[1].ID)

			all, err := bakes.ListBakes(ctx, Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			// Clearing cache records keeps the history
			_, err = store.Delete(ctx, Filter{})
			require.NoError(t, err)
			all, err = bakes.ListBakes(ctx, Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

type countingStore struct {
	*MemoryStore
	mu    sync.Mutex
	gets  int
	block chan struct{}
}

func (s *countingStore) Get(ctx context.Context, fp string) (*Record, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	<-s.block
	return s.MemoryStore.Get(ctx, fp)
}

func TestCacheCollapsesConcurrentLookups(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore(), block: make(chan struct{})}
	require.NoError(t, store.MemoryStore.Put(ctx, record("hot", "build", time.Now())))
	c := New(store)

	var wg sync.WaitGroup
	started := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			_, ok, err := c.Lookup(ctx, "hot")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	for i := 0; i < 8; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)
	close(store.block)
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Less(t, store.gets, 8)
}
