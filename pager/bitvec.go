package pager

// Bitvec is a set of page numbers in the range [1, size]. The pager keeps one
// per write transaction to record which pages are already in the rollback
// journal, and one per savepoint for the sub-journal.
type Bitvec struct {
	size  Pgno
	words []uint64
}

// NewBitvec returns an empty set covering pages 1 through size. Set calls
// beyond size grow the coverage, since a transaction may extend the database.
func NewBitvec(size Pgno) *Bitvec {
	return &Bitvec{
		size:  size,
		words: make([]uint64, int(size/64)+1),
	}
}

// Set adds pgno to the set.
func (b *Bitvec) Set(pgno Pgno) {
	if pgno == 0 {
		return
	}
	i := int(pgno / 64)
	if i >= len(b.words) {
		grown := make([]uint64, i+1)
		copy(grown, b.words)
		b.words = grown
	}
	if pgno > b.size {
		b.size = pgno
	}
	b.words[i] |= 1 << (pgno % 64)
}

// Test reports whether pgno is in the set.
func (b *Bitvec) Test(pgno Pgno) bool {
	if pgno == 0 {
		return false
	}
	i := int(pgno / 64)
	if i >= len(b.words) {
		return false
	}
	return b.words[i]&(1<<(pgno%64)) != 0
}

// Clear removes pgno from the set.
func (b *Bitvec) Clear(pgno Pgno) {
	if pgno == 0 {
		return
	}
	i := int(pgno / 64)
	if i < len(b.words) {
		b.words[i] &^= 1 << (pgno % 64)
	}
}

// Size returns the highest page number the set covers.
func (b *Bitvec) Size() Pgno { return b.size }
