package pcache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spillFunc adapts a function to the Spiller interface for tests.
type spillFunc func(*Page) error

func (f spillFunc) SpillPage(p *Page) error { return f(p) }

func newTestCache(t *testing.T, maxPages int, sp Spiller) *Cache {
	t.Helper()
	g := NewGroup(false)
	c := NewCache(g, Options{
		PageSize:  512,
		ExtraSize: 16,
		Purgeable: true,
		MaxPages:  maxPages,
		Spiller:   sp,
	})
	t.Cleanup(c.Close)
	return c
}

func TestFetchMissAndHit(t *testing.T) {
	c := newTestCache(t, 10, nil)

	p, err := c.Fetch(1, NoCreate)
	require.NoError(t, err)
	assert.Nil(t, p, "NoCreate on a miss must return nil")

	p, err = c.Fetch(1, CreateHard)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, Pgno(1), p.Pgno)
	assert.Equal(t, 512, len(p.Data))
	assert.Equal(t, 16, len(p.Extra))
	assert.Equal(t, 1, p.Refs())
	for _, b := range p.Data {
		require.Zero(t, b, "fresh slot must be zeroed")
	}

	q, err := c.Fetch(1, NoCreate)
	require.NoError(t, err)
	assert.Same(t, p, q, "hit must return the same slot")
	assert.Equal(t, 2, p.Refs())

	c.Release(q)
	c.Release(p)
	assert.Equal(t, 0, c.RefSum())
	assert.Equal(t, 1, c.PageCount())
}

func TestDirtyListOrder(t *testing.T) {
	c := newTestCache(t, 10, nil)

	var pages []*Page
	for pgno := Pgno(1); pgno <= 3; pgno++ {
		p, err := c.Fetch(pgno, CreateHard)
		require.NoError(t, err)
		c.MakeDirty(p)
		pages = append(pages, p)
	}
	assert.Equal(t, 3, c.DirtyCount())

	got := c.DirtyAll()
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, Pgno(i+1), p.Pgno, "DirtyAll must be oldest first")
	}

	c.MakeClean(pages[1])
	assert.Equal(t, 2, c.DirtyCount())
	assert.False(t, pages[1].IsDirty())

	c.CleanAll()
	assert.Equal(t, 0, c.DirtyCount())
	for _, p := range pages {
		c.Release(p)
	}
}

func TestSyncedPointer(t *testing.T) {
	c := newTestCache(t, 10, nil)

	p1, err := c.Fetch(1, CreateHard)
	require.NoError(t, err)
	p2, err := c.Fetch(2, CreateHard)
	require.NoError(t, err)

	c.MakeDirty(p1)
	p1.SetFlags(FlagNeedSync)
	c.MakeDirty(p2)

	// p2 is the only dirty page not needing a sync.
	require.NotNil(t, c.Synced())
	assert.Equal(t, Pgno(2), c.Synced().Pgno)

	c.ClearSyncFlags()
	require.NotNil(t, c.Synced())
	assert.Equal(t, Pgno(1), c.Synced().Pgno, "after a sync the oldest dirty page qualifies")

	c.CleanAll()
	assert.Nil(t, c.Synced())
	c.Release(p1)
	c.Release(p2)
}

func TestPinnedPagesOverrunBudget(t *testing.T) {
	c := newTestCache(t, 4, nil)

	var pages []*Page
	for pgno := Pgno(1); pgno <= 6; pgno++ {
		p, err := c.Fetch(pgno, CreateHard)
		require.NoError(t, err, "pinned pages must be able to exceed the budget")
		pages = append(pages, p)
	}
	assert.Equal(t, 6, c.PageCount())

	// Once references drop, later fetches recycle instead of growing.
	for _, p := range pages {
		c.Release(p)
	}
	p, err := c.Fetch(7, CreateHard)
	require.NoError(t, err)
	assert.LessOrEqual(t, c.PageCount(), 6)
	c.Release(p)
}

func TestSoftCreateDeclinesUnderPressure(t *testing.T) {
	c := newTestCache(t, 10, nil)

	var pages []*Page
	for pgno := Pgno(1); pgno <= 9; pgno++ {
		p, err := c.Fetch(pgno, CreateHard)
		require.NoError(t, err)
		pages = append(pages, p)
	}

	p, err := c.Fetch(100, CreateSoft)
	require.NoError(t, err)
	assert.Nil(t, p, "soft create must decline near the budget")

	p, err = c.Fetch(100, CreateHard)
	require.NoError(t, err)
	require.NotNil(t, p)
	c.Release(p)
	for _, p := range pages {
		c.Release(p)
	}
}

func TestEvictionPrefersCleanPages(t *testing.T) {
	spilled := []Pgno{}
	var c *Cache
	c = newTestCache(t, 2, spillFunc(func(p *Page) error {
		spilled = append(spilled, p.Pgno)
		c.MakeClean(p)
		return nil
	}))

	dirty, err := c.Fetch(1, CreateHard)
	require.NoError(t, err)
	c.MakeDirty(dirty)
	c.Release(dirty)

	clean, err := c.Fetch(2, CreateHard)
	require.NoError(t, err)
	c.Release(clean)

	// Budget reached; page 2 is clean and newer, page 1 dirty and older.
	p, err := c.Fetch(3, CreateHard)
	require.NoError(t, err)
	assert.Empty(t, spilled, "a clean victim must be taken without spilling")
	assert.Equal(t, 1, c.DirtyCount())
	c.Release(p)
}

func TestEvictionPrefersNonSyncDirtyPage(t *testing.T) {
	spilled := []Pgno{}
	var c *Cache
	c = newTestCache(t, 2, spillFunc(func(p *Page) error {
		spilled = append(spilled, p.Pgno)
		c.MakeClean(p)
		return nil
	}))

	needSync, err := c.Fetch(1, CreateHard)
	require.NoError(t, err)
	c.MakeDirty(needSync)
	needSync.SetFlags(FlagNeedSync)
	c.Release(needSync)

	noSync, err := c.Fetch(2, CreateHard)
	require.NoError(t, err)
	c.MakeDirty(noSync)
	c.Release(noSync)

	// Page 1 is older but needs a journal sync; page 2 must spill first.
	p, err := c.Fetch(3, CreateHard)
	require.NoError(t, err)
	require.Equal(t, []Pgno{2}, spilled)
	c.Release(p)
}

func TestSpillFailureIsOutOfMemory(t *testing.T) {
	boom := errors.New("disk unhappy")
	c := newTestCache(t, 1, spillFunc(func(p *Page) error { return boom }))

	p, err := c.Fetch(1, CreateHard)
	require.NoError(t, err)
	c.MakeDirty(p)
	c.Release(p)

	_, err = c.Fetch(2, CreateHard)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMem)
}

func TestTruncateTo(t *testing.T) {
	c := newTestCache(t, 10, nil)

	var pages []*Page
	for pgno := Pgno(1); pgno <= 5; pgno++ {
		p, err := c.Fetch(pgno, CreateHard)
		require.NoError(t, err)
		c.MakeDirty(p)
		pages = append(pages, p)
	}
	// Release pages 4 and 5; keep 3 pinned across the truncate.
	c.Release(pages[3])
	c.Release(pages[4])

	c.TruncateTo(3)

	assert.Equal(t, 3, c.PageCount(), "unpinned pages past the limit are discarded")
	assert.True(t, pages[2].Has(FlagDontWrite), "pinned page past the limit is kept but marked do-not-write")
	assert.False(t, pages[2].IsDirty())

	got, err := c.Fetch(4, NoCreate)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, p := range pages[:3] {
		c.Release(p)
	}
}

func TestRekey(t *testing.T) {
	c := newTestCache(t, 10, nil)

	p, err := c.Fetch(1, CreateHard)
	require.NoError(t, err)
	old, err := c.Fetch(7, CreateHard)
	require.NoError(t, err)
	c.Release(old)

	c.Rekey(p, 7)
	assert.Equal(t, Pgno(7), p.Pgno)

	got, err := c.Fetch(7, NoCreate)
	require.NoError(t, err)
	assert.Same(t, p, got)
	c.Release(got)

	gone, err := c.Fetch(1, NoCreate)
	require.NoError(t, err)
	assert.Nil(t, gone)
	c.Release(p)
}

func TestSharedGroupRecyclesAcrossCaches(t *testing.T) {
	g := NewGroup(true)
	a := NewCache(g, Options{PageSize: 512, Purgeable: true, MaxPages: 4})
	b := NewCache(g, Options{PageSize: 512, Purgeable: true, MaxPages: 1})
	defer a.Close()
	defer b.Close()

	// Fill cache a with clean unpinned pages.
	for pgno := Pgno(1); pgno <= 4; pgno++ {
		p, err := a.Fetch(pgno, CreateHard)
		require.NoError(t, err)
		a.Release(p)
	}
	require.Equal(t, 4, a.PageCount())

	// Pressure in cache b recycles a's coldest slot.
	p1, err := b.Fetch(1, CreateHard)
	require.NoError(t, err)
	b.Release(p1)
	p2, err := b.Fetch(2, CreateHard)
	require.NoError(t, err)
	assert.Less(t, a.PageCount(), 4)
	b.Release(p2)
}

func TestSetCacheSizeTrims(t *testing.T) {
	c := newTestCache(t, 10, nil)

	for pgno := Pgno(1); pgno <= 8; pgno++ {
		p, err := c.Fetch(pgno, CreateHard)
		require.NoError(t, err)
		c.Release(p)
	}
	require.Equal(t, 8, c.PageCount())

	c.SetCacheSize(3)
	assert.LessOrEqual(t, c.PageCount(), 3)
}

func TestRoundup(t *testing.T) {
	assert.Equal(t, 512, Roundup(1))
	assert.Equal(t, 512, Roundup(512))
	assert.Equal(t, 1024, Roundup(513))
	assert.Equal(t, 65536, Roundup(65536))

	// Monotonic and idempotent over a sweep of sizes.
	prev := 0
	for n := 1; n < 70000; n += 37 {
		r := Roundup(n)
		assert.GreaterOrEqual(t, r, n)
		assert.GreaterOrEqual(t, r, prev)
		assert.Equal(t, r, Roundup(r))
		prev = r
	}
}
