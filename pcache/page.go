// Package pcache implements the page cache used by the pager: fixed-size
// page buffers with dirty tracking, reference-count pinning, and LRU
// eviction. Caches may share one Group so that cold pages can be recycled
// across database connections under memory pressure, or run isolated with no
// locking at all.
package pcache

// Pgno is a database page number. Page numbers start at 1; 0 is invalid.
type Pgno uint32

// Flags describe the state of a cached page.
type Flags uint16

const (
	// FlagDirty is set when the page content differs from disk.
	FlagDirty Flags = 0x001

	// FlagWriteable is set by the pager once the page's original content is
	// safely journaled and the page may be modified.
	FlagWriteable Flags = 0x002

	// FlagNeedSync is set when the rollback journal must be synced before
	// this page may be written to the database file.
	FlagNeedSync Flags = 0x004

	// FlagDontWrite marks a page that must not be written to the database
	// file, e.g. a page beyond a truncated image.
	FlagDontWrite Flags = 0x008
)

// nilSlot is the sentinel for "no slot" in the index-linked lists.
const nilSlot = -1

// Page is one cache slot. The content buffer and the extra region are owned
// by the slot for as long as the page lives in a cache; the consumer may keep
// per-page bookkeeping in Extra.
//
// Flags and the reference count are owned by the single connection driving
// the cache and need no locking. The list linkage (slot indices) belongs to
// the Group and is only touched under the group mutex in shared mode.
type Page struct {
	// Data is the page content, exactly the cache's page size.
	Data []byte

	// Extra is the consumer's per-page region, zeroed when the slot is
	// created or recycled.
	Extra []byte

	// Pgno is the page number this slot currently holds.
	Pgno Pgno

	flags Flags
	nRef  int

	cache *Cache
	line  []byte // backing allocation for Data+Extra, possibly from bulk
	owner *Cache // cache whose bulk reservation produced line, if any

	slot  int // stable arena index in the group
	inLru bool

	// Index links. lruNext/lruPrev thread the group's LRU list of unpinned
	// slots; dirtyNext/dirtyPrev thread the owning cache's dirty list
	// (newest at head, so dirtyNext points at the older neighbor).
	lruNext, lruPrev     int
	dirtyNext, dirtyPrev int
}

// Flags returns the page's current flag set.
func (p *Page) Flags() Flags { return p.flags }

// Has reports whether every flag in f is set.
func (p *Page) Has(f Flags) bool { return p.flags&f == f }

// SetFlags sets every flag in f.
func (p *Page) SetFlags(f Flags) { p.flags |= f }

// ClearFlags clears every flag in f.
func (p *Page) ClearFlags(f Flags) { p.flags &^= f }

// IsDirty reports whether the page is on its cache's dirty list.
func (p *Page) IsDirty() bool { return p.flags&FlagDirty != 0 }

// Refs returns the page's reference count. The page is evictable only at
// zero.
func (p *Page) Refs() int { return p.nRef }

// Cache returns the cache this page belongs to.
func (p *Page) Cache() *Cache { return p.cache }

func (p *Page) resetLinks() {
	p.lruNext, p.lruPrev = nilSlot, nilSlot
	p.dirtyNext, p.dirtyPrev = nilSlot, nilSlot
	p.inLru = false
}
