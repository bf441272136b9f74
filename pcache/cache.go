package pcache

import "fmt"

// Spiller is the flush hook a cache consumer installs so that the group can
// clean dirty pages under memory pressure. SpillPage must either write the
// page out and mark it clean, or return an error, in which case the admission
// that triggered the spill fails.
type Spiller interface {
	SpillPage(p *Page) error
}

// CreatePolicy selects how Fetch behaves on a cache miss.
type CreatePolicy int

const (
	// NoCreate returns nil on a miss.
	NoCreate CreatePolicy = iota

	// CreateSoft allocates a slot unless the cache is nearly full of pinned
	// pages, in which case it returns nil so the caller can spill first.
	CreateSoft

	// CreateHard always allocates, recycling or spilling as needed, and only
	// fails when no victim can be made clean.
	CreateHard
)

// Options configure a cache.
type Options struct {
	// PageSize is the content size of every page. Fixed for the cache's
	// lifetime.
	PageSize int

	// ExtraSize is the size of the per-page Extra region.
	ExtraSize int

	// Purgeable caches participate in group eviction. A non-purgeable cache
	// (an in-memory database) keeps every page until it is dropped
	// explicitly.
	Purgeable bool

	// MaxPages is the cache's share of the group budget. Defaults to 2000.
	MaxPages int

	// BulkPages is how many page lines to reserve up front in one
	// allocation. Defaults to MaxPages, capped at 100.
	BulkPages int

	// Spiller cleans dirty pages under memory pressure. Required for any
	// cache that dirties pages.
	Spiller Spiller
}

// Cache is the per-file page cache. It is driven by a single connection; only
// the group-level structures are safe for concurrent use, and only in shared
// groups.
type Cache struct {
	group     *Group
	table     map[Pgno]*Page
	spiller   Spiller
	pageSize  int
	extraSize int
	lineSize  int
	purgeable bool

	nMax    int // budget
	nMin    int
	n90pct  int // soft ceiling for CreateSoft
	nPage   int
	nRefSum int // sum of reference counts across live pages

	// Dirty list, newest at head. synced is the oldest dirty slot without
	// FlagNeedSync, the preferred flush candidate; nilSlot when every dirty
	// page needs a sync first.
	dirtyHead, dirtyTail int
	synced               int

	bulk     []byte
	bulkFree [][]byte
}

// NewCache creates a cache in the given group.
func NewCache(g *Group, opts Options) *Cache {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 2000
	}
	if opts.BulkPages <= 0 {
		opts.BulkPages = opts.MaxPages
		if opts.BulkPages > 100 {
			opts.BulkPages = 100
		}
	}
	c := &Cache{
		group:     g,
		table:     make(map[Pgno]*Page),
		spiller:   opts.Spiller,
		pageSize:  opts.PageSize,
		extraSize: opts.ExtraSize,
		lineSize:  Roundup(opts.PageSize + opts.ExtraSize),
		purgeable: opts.Purgeable,
		nMin:      10,
		dirtyHead: nilSlot,
		dirtyTail: nilSlot,
		synced:    nilSlot,
	}
	g.lock()
	c.setBudget(opts.MaxPages)
	g.nCaches++
	g.minPages += c.nMin
	g.unlock()

	if opts.BulkPages > 0 {
		c.bulk = make([]byte, opts.BulkPages*c.lineSize)
		for i := 0; i < opts.BulkPages; i++ {
			c.bulkFree = append(c.bulkFree, c.bulk[i*c.lineSize:(i+1)*c.lineSize])
		}
	}
	return c
}

func (c *Cache) setBudget(n int) {
	c.group.maxPages += n - c.nMax
	c.nMax = n
	c.n90pct = n * 9 / 10
	c.group.maxPinned = c.group.maxPages + 10 - c.group.minPages
}

// SetCacheSize changes the cache's page budget and trims the group if it is
// now over.
func (c *Cache) SetCacheSize(n int) {
	if n <= 0 {
		n = 10
	}
	c.group.lock()
	c.setBudget(n)
	c.group.enforceBudget()
	c.group.unlock()
}

// PageSize returns the content size of pages in this cache.
func (c *Cache) PageSize() int { return c.pageSize }

// PageCount returns the number of pages currently held.
func (c *Cache) PageCount() int { return c.nPage }

// RefSum returns the total of all page reference counts. The pager uses a
// zero ref sum as the trigger to leave the error state.
func (c *Cache) RefSum() int { return c.nRefSum }

// Fetch returns the page numbered pgno, pinned, creating a slot according to
// policy. A nil page with a nil error means the policy declined to create.
// New and recycled slots come back zeroed with no flags set.
//
// When the group is over budget and the best eviction candidate is dirty,
// Fetch invokes the owning cache's spiller with the group mutex released; in
// shared groups the spiller must therefore tolerate being called from
// another connection's fetch. A spill failure fails the fetch with an
// ErrNoMem-class error.
func (c *Cache) Fetch(pgno Pgno, policy CreatePolicy) (*Page, error) {
	g := c.group
	g.lock()
	defer g.unlock()

	if p := c.table[pgno]; p != nil {
		c.pin(p)
		return p, nil
	}
	if policy == NoCreate {
		return nil, nil
	}
	if policy == CreateSoft {
		// Leave headroom so a burst of pinned pages cannot wedge the group.
		if c.nPage >= c.n90pct || (c.purgeable && g.nPage >= g.maxPinned) {
			return nil, nil
		}
	}

	p, err := c.allocPage()
	if err != nil {
		return nil, err
	}
	p.cache = c
	p.Pgno = pgno
	p.flags = 0
	p.nRef = 1
	c.nRefSum++
	c.table[pgno] = p
	c.nPage++
	if c.purgeable {
		g.nPage++
	}
	return p, nil
}

// allocPage produces a zeroed slot: from the bulk reservation, by recycling
// under pressure, or by a fresh allocation. Caller holds the group lock; it
// is released around spiller calls.
func (c *Cache) allocPage() (*Page, error) {
	g := c.group

	for c.purgeable && g.underPressure(c) {
		p, spill := g.recycle()
		if p != nil {
			if len(p.Data) != c.pageSize || len(p.Extra) != c.extraSize {
				g.freeLine(p)
				c.attachLine(p)
			}
			zero(p.Data)
			zero(p.Extra)
			p.resetLinks()
			return p, nil
		}
		if spill == nil {
			// Every slot is pinned; grow past the budget.
			break
		}
		owner := spill.cache
		if owner.spiller == nil {
			return nil, fmt.Errorf("%w: dirty page %d has no spiller", ErrNoMem, spill.Pgno)
		}
		g.unlock()
		err := owner.spiller.SpillPage(spill)
		g.lock()
		if err != nil {
			return nil, fmt.Errorf("%w: spill page %d: %v", ErrNoMem, spill.Pgno, err)
		}
		if spill.cache == owner && spill.IsDirty() {
			// The spiller declined (e.g. mid-rollback); grow past the
			// budget rather than fail.
			break
		}
	}

	p := &Page{}
	p.resetLinks()
	c.attachLine(p)
	p.slot = g.allocSlot(p)
	return p, nil
}

// attachLine gives p a content buffer, preferring the bulk reservation.
func (c *Cache) attachLine(p *Page) {
	if n := len(c.bulkFree); n > 0 {
		line := c.bulkFree[n-1]
		c.bulkFree = c.bulkFree[:n-1]
		zero(line)
		p.line = line
		p.owner = c
	} else {
		p.line = make([]byte, c.pageSize+c.extraSize)
		p.owner = nil
	}
	p.Data = p.line[:c.pageSize:c.pageSize]
	p.Extra = p.line[c.pageSize : c.pageSize+c.extraSize]
}

// freeLine returns p's buffer to its bulk owner, if it has one.
func (g *Group) freeLine(p *Page) {
	if p.owner != nil {
		p.owner.bulkFree = append(p.owner.bulkFree, p.line)
		p.owner = nil
	}
	p.line = nil
	p.Data = nil
	p.Extra = nil
}

// pin raises the reference count, removing the page from the LRU if it was
// evictable. Caller holds the group lock.
func (c *Cache) pin(p *Page) {
	if p.nRef == 0 {
		c.group.lruRemove(p)
	}
	p.nRef++
	c.nRefSum++
}

// Ref pins an already-fetched page again.
func (c *Cache) Ref(p *Page) {
	c.group.lock()
	c.pin(p)
	c.group.unlock()
}

// Release drops one reference. At zero references the page becomes an
// eviction candidate; a clean page that is past the current image size is
// simply discarded.
func (c *Cache) Release(p *Page) {
	g := c.group
	g.lock()
	p.nRef--
	c.nRefSum--
	if p.nRef == 0 {
		if p.IsDirty() {
			// Keep the page hot on the dirty list and evictable. Recently
			// released dirty pages move to the head so the flush order
			// stays oldest-last.
			c.dirtyRemove(p)
			c.dirtyAdd(p)
		}
		g.lruPush(p)
	}
	g.unlock()
}

// Drop removes a page from the cache entirely, pinned or not.
func (c *Cache) Drop(p *Page) {
	g := c.group
	g.lock()
	c.discard(p)
	g.unlock()
}

// discard frees a page unconditionally. Caller holds the group lock.
func (c *Cache) discard(p *Page) {
	g := c.group
	c.nRefSum -= p.nRef
	p.nRef = 0
	if p.IsDirty() {
		c.dirtyRemove(p)
	}
	g.lruRemove(p)
	delete(c.table, p.Pgno)
	c.nPage--
	if c.purgeable {
		g.nPage--
	}
	g.freeLine(p)
	g.releaseSlot(p.slot)
}

// MakeDirty puts a pinned page on the dirty list. Clears FlagDontWrite, since
// fresh content supersedes any earlier decision to skip the page.
func (c *Cache) MakeDirty(p *Page) {
	p.ClearFlags(FlagDontWrite)
	if p.IsDirty() {
		return
	}
	g := c.group
	g.lock()
	p.SetFlags(FlagDirty)
	c.dirtyAdd(p)
	g.unlock()
}

// MakeClean removes a page from the dirty list and clears its write-related
// flags. Safe to call on a page that is already clean.
func (c *Cache) MakeClean(p *Page) {
	if !p.IsDirty() {
		return
	}
	g := c.group
	g.lock()
	c.dirtyRemove(p)
	p.ClearFlags(FlagDirty | FlagNeedSync | FlagWriteable)
	g.unlock()
}

// CleanAll marks every dirty page clean, as after a successful commit.
func (c *Cache) CleanAll() {
	for c.dirtyHead != nilSlot {
		c.MakeClean(c.group.slots[c.dirtyHead])
	}
}

// ClearWriteableFlags drops FlagWriteable and FlagNeedSync from every page,
// used when the pager's write transaction ends without a flush.
func (c *Cache) ClearWriteableFlags() {
	g := c.group
	g.lock()
	for _, p := range c.table {
		p.ClearFlags(FlagWriteable | FlagNeedSync)
	}
	c.synced = c.dirtyTail
	g.unlock()
}

// ClearSyncFlags clears FlagNeedSync on every dirty page after the journal
// has been synced, making the whole dirty list flushable.
func (c *Cache) ClearSyncFlags() {
	g := c.group
	g.lock()
	for i := c.dirtyHead; i != nilSlot; i = g.slots[i].dirtyNext {
		g.slots[i].ClearFlags(FlagNeedSync)
	}
	c.synced = c.dirtyTail
	g.unlock()
}

// DirtyHead returns the most recently dirtied page, or nil.
func (c *Cache) DirtyHead() *Page {
	if c.dirtyHead == nilSlot {
		return nil
	}
	return c.group.slots[c.dirtyHead]
}

// DirtyNext returns the next older page on the dirty list.
func (c *Cache) DirtyNext(p *Page) *Page {
	if p.dirtyNext == nilSlot {
		return nil
	}
	return c.group.slots[p.dirtyNext]
}

// Synced returns the oldest dirty page that does not need a journal sync
// before writing, or nil when every dirty page does. The stored pointer can
// go stale when FlagNeedSync is set after the page was dirtied, so it is
// re-validated here, sliding toward newer pages.
func (c *Cache) Synced() *Page {
	g := c.group
	g.lock()
	s := c.synced
	for s != nilSlot && g.slots[s].Has(FlagNeedSync) {
		s = g.slots[s].dirtyPrev
	}
	c.synced = s
	g.unlock()
	if s == nilSlot {
		return nil
	}
	return g.slots[s]
}

// DirtyAll returns the dirty pages ordered oldest first, the order the
// pager writes them to the database file.
func (c *Cache) DirtyAll() []*Page {
	g := c.group
	g.lock()
	var out []*Page
	for i := c.dirtyTail; i != nilSlot; i = g.slots[i].dirtyPrev {
		out = append(out, g.slots[i])
	}
	g.unlock()
	return out
}

// DirtyCount returns the number of dirty pages.
func (c *Cache) DirtyCount() int {
	n := 0
	g := c.group
	g.lock()
	for i := c.dirtyHead; i != nilSlot; i = g.slots[i].dirtyNext {
		n++
	}
	g.unlock()
	return n
}

// Rekey moves a pinned page to a new page number, displacing any existing
// entry at the destination.
func (c *Cache) Rekey(p *Page, newPgno Pgno) {
	g := c.group
	g.lock()
	if old := c.table[newPgno]; old != nil && old != p {
		c.discard(old)
	}
	delete(c.table, p.Pgno)
	p.Pgno = newPgno
	c.table[newPgno] = p
	g.unlock()
}

// TruncateTo discards every page numbered limit or higher. Pinned pages past
// the limit keep their slot but are marked do-not-write and cleaned, matching
// the rule that truncated pages never reach the file.
func (c *Cache) TruncateTo(limit Pgno) {
	var doomed []*Page
	g := c.group
	g.lock()
	for pgno, p := range c.table {
		if pgno < limit {
			continue
		}
		if p.nRef > 0 {
			if p.IsDirty() {
				c.dirtyRemove(p)
				p.ClearFlags(FlagDirty | FlagNeedSync)
			}
			p.SetFlags(FlagDontWrite)
			continue
		}
		doomed = append(doomed, p)
	}
	for _, p := range doomed {
		c.discard(p)
	}
	g.unlock()
}

// Close discards every page and leaves the group.
func (c *Cache) Close() {
	g := c.group
	g.lock()
	for _, p := range c.table {
		if p.inLru {
			g.lruRemove(p)
		}
		g.freeLine(p)
		g.releaseSlot(p.slot)
	}
	c.table = make(map[Pgno]*Page)
	if c.purgeable {
		g.nPage -= c.nPage
	}
	c.nPage = 0
	c.nRefSum = 0
	c.dirtyHead, c.dirtyTail, c.synced = nilSlot, nilSlot, nilSlot
	c.setBudget(0)
	g.minPages -= c.nMin
	g.nCaches--
	g.unlock()
	c.bulk = nil
	c.bulkFree = nil
}

// dirtyAdd inserts p at the head (newest end) of the dirty list. Caller
// holds the group lock.
func (c *Cache) dirtyAdd(p *Page) {
	g := c.group
	p.dirtyPrev = nilSlot
	p.dirtyNext = c.dirtyHead
	if c.dirtyHead != nilSlot {
		g.slots[c.dirtyHead].dirtyPrev = p.slot
	}
	c.dirtyHead = p.slot
	if c.dirtyTail == nilSlot {
		c.dirtyTail = p.slot
	}
	if c.synced == nilSlot && !p.Has(FlagNeedSync) {
		c.synced = p.slot
	}
}

// dirtyRemove unlinks p from the dirty list, sliding the synced pointer to a
// newer page if it pointed here. Caller holds the group lock.
func (c *Cache) dirtyRemove(p *Page) {
	g := c.group
	if c.synced == p.slot {
		s := p.dirtyPrev
		for s != nilSlot && g.slots[s].Has(FlagNeedSync) {
			s = g.slots[s].dirtyPrev
		}
		c.synced = s
	}
	if p.dirtyPrev != nilSlot {
		g.slots[p.dirtyPrev].dirtyNext = p.dirtyNext
	} else {
		c.dirtyHead = p.dirtyNext
	}
	if p.dirtyNext != nilSlot {
		g.slots[p.dirtyNext].dirtyPrev = p.dirtyPrev
	} else {
		c.dirtyTail = p.dirtyPrev
	}
	p.dirtyNext, p.dirtyPrev = nilSlot, nilSlot
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
