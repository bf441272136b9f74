package pcache

import (
	"errors"
	"sync"
)

// ErrNoMem is returned when a page slot cannot be admitted: the cache is at
// its budget and no victim could be made clean for recycling.
var ErrNoMem = errors.New("pcache: out of memory")

// Group is a set of caches that share an eviction domain. All member caches
// draw slots from one arena and compete for one page budget; when the budget
// is exceeded the group recycles the least recently used unpinned slot,
// regardless of which cache owns it.
//
// A group created with NewGroup(false) serves exactly one cache and performs
// no locking. A shared group guards its arena and lists with a mutex; page
// content and flags remain the business of each cache's single connection.
type Group struct {
	mu     sync.Mutex
	shared bool

	slots []*Page // arena; a page's slot index is stable for its lifetime
	free  []int   // arena indices with no page

	lruHead, lruTail int // unpinned slots, most recent at head

	maxPages  int // sum of member cache budgets
	minPages  int // sum of member cache floors
	nPage     int // purgeable pages currently held by member caches
	nCaches   int
	maxPinned int
}

// NewGroup returns a cache group. Pass shared=true when multiple caches
// (multiple connections) will join; each then pays a mutex acquisition per
// cache operation.
func NewGroup(shared bool) *Group {
	return &Group{
		shared:  shared,
		lruHead: nilSlot,
		lruTail: nilSlot,
	}
}

func (g *Group) lock() {
	if g.shared {
		g.mu.Lock()
	}
}

func (g *Group) unlock() {
	if g.shared {
		g.mu.Unlock()
	}
}

// allocSlot places p in the arena and returns its index.
func (g *Group) allocSlot(p *Page) int {
	if n := len(g.free); n > 0 {
		i := g.free[n-1]
		g.free = g.free[:n-1]
		g.slots[i] = p
		return i
	}
	g.slots = append(g.slots, p)
	return len(g.slots) - 1
}

func (g *Group) releaseSlot(i int) {
	g.slots[i] = nil
	g.free = append(g.free, i)
}

// lruPush adds slot i at the head of the LRU list.
func (g *Group) lruPush(p *Page) {
	p.inLru = true
	p.lruPrev = nilSlot
	p.lruNext = g.lruHead
	if g.lruHead != nilSlot {
		g.slots[g.lruHead].lruPrev = p.slot
	}
	g.lruHead = p.slot
	if g.lruTail == nilSlot {
		g.lruTail = p.slot
	}
}

func (g *Group) lruRemove(p *Page) {
	if !p.inLru {
		return
	}
	if p.lruPrev != nilSlot {
		g.slots[p.lruPrev].lruNext = p.lruNext
	} else {
		g.lruHead = p.lruNext
	}
	if p.lruNext != nilSlot {
		g.slots[p.lruNext].lruPrev = p.lruPrev
	} else {
		g.lruTail = p.lruPrev
	}
	p.lruNext, p.lruPrev = nilSlot, nilSlot
	p.inLru = false
}

// underPressure reports whether admitting one more page would put the group
// over budget.
func (g *Group) underPressure(c *Cache) bool {
	return g.nPage >= g.maxPages || c.nPage >= c.nMax
}

// selectVictim picks the slot to recycle. Clean pages win outright, oldest
// first. If every unpinned slot is dirty, a slot whose write does not first
// require a journal sync is preferred over one that does, again oldest
// first.
func (g *Group) selectVictim() *Page {
	var dirtyNoSync, dirtyAny *Page
	for i := g.lruTail; i != nilSlot; i = g.slots[i].lruPrev {
		p := g.slots[i]
		if !p.IsDirty() {
			return p
		}
		if dirtyNoSync == nil && !p.Has(FlagNeedSync) {
			dirtyNoSync = p
		}
		if dirtyAny == nil {
			dirtyAny = p
		}
	}
	if dirtyNoSync != nil {
		return dirtyNoSync
	}
	return dirtyAny
}

// recycle evicts one unpinned clean slot and returns it, detached from its
// old cache. If the best victim is dirty it is returned as spill instead;
// the caller must clean it with the owning cache's spiller, outside the
// group mutex, and retry. Both results nil means the LRU is empty.
func (g *Group) recycle() (p, spill *Page) {
	v := g.selectVictim()
	if v == nil {
		return nil, nil
	}
	if v.IsDirty() {
		return nil, v
	}
	g.detach(v)
	return v, nil
}

// detach removes an unpinned clean page from its cache entirely, leaving the
// Page struct and its buffers available for reuse.
func (g *Group) detach(p *Page) {
	g.lruRemove(p)
	c := p.cache
	delete(c.table, p.Pgno)
	c.nPage--
	if c.purgeable {
		g.nPage--
	}
	p.cache = nil
}

// enforceBudget evicts clean unpinned slots until the group is within its
// page budget. Dirty slots are left alone; the next admission under pressure
// will spill them.
func (g *Group) enforceBudget() {
	i := g.lruTail
	for g.nPage > g.maxPages && i != nilSlot {
		p := g.slots[i]
		i = p.lruPrev
		if p.IsDirty() {
			continue
		}
		slot := p.slot
		g.detach(p)
		g.freeLine(p)
		g.releaseSlot(slot)
	}
}

// Roundup returns the allocation size used for a requested line size n. The
// result is the smallest power of two not less than n, with a floor of 512.
// Roundup is monotonic and idempotent: Roundup(Roundup(n)) == Roundup(n).
func Roundup(n int) int {
	sz := 512
	for sz < n {
		sz *= 2
	}
	return sz
}
