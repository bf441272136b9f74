package pager

import (
	"encoding/binary"
	"fmt"
)

// CheckResult is the outcome of an integrity scan.
type CheckResult struct {
	Pages         Pgno     // image size scanned
	FreelistPages uint32   // freelist pages actually reached
	Faults        []string // findings, capped at the configured maximum
	Truncated     bool     // the fault budget ran out before the scan finished
}

// OK reports whether the scan found no damage.
func (r *CheckResult) OK() bool { return len(r.Faults) == 0 && !r.Truncated }

// fault records one finding. Returns false once the budget is exhausted.
func (r *CheckResult) fault(maxFaults int, format string, args ...any) bool {
	if len(r.Faults) >= maxFaults {
		r.Truncated = true
		return false
	}
	r.Faults = append(r.Faults, fmt.Sprintf(format, args...))
	return true
}

// CheckIntegrity scans the database image for structural damage the pager
// can see without understanding tree content: the freelist chain is walked
// and every page that claims to be a tree page gets its header validated.
// The scan stops after maxFaults findings. Requires an open read transaction.
func (p *Pager) CheckIntegrity(maxFaults int) (*CheckResult, error) {
	if err := p.latched(); err != nil {
		return nil, err
	}
	if p.state < StateReader {
		return nil, fmt.Errorf("%w: CheckIntegrity outside a transaction", ErrMisuse)
	}
	if maxFaults <= 0 {
		maxFaults = 100
	}

	res := &CheckResult{Pages: p.dbSize}
	if err := p.checkFreelist(res, maxFaults); err != nil {
		return nil, err
	}
	if err := p.checkPageHeaders(res, maxFaults); err != nil {
		return nil, err
	}
	return res, nil
}

// checkFreelist walks the trunk chain, counting trunk and leaf pages and
// flagging out-of-range or repeated page numbers.
func (p *Pager) checkFreelist(res *CheckResult, maxFaults int) error {
	visited := NewBitvec(p.dbSize)
	trunk := p.hdr.FreelistHead
	for trunk != 0 {
		if trunk > p.dbSize {
			res.fault(maxFaults, "freelist trunk %d past end of image (%d pages)", trunk, p.dbSize)
			break
		}
		if visited.Test(trunk) {
			res.fault(maxFaults, "freelist cycle at trunk %d", trunk)
			break
		}
		visited.Set(trunk)
		res.FreelistPages++

		pg, err := p.Get(trunk)
		if err != nil {
			return err
		}
		next := Pgno(binary.BigEndian.Uint32(pg.Data[0:4]))
		k := binary.BigEndian.Uint32(pg.Data[4:8])
		maxLeaves := uint32(p.pageSize-8) / 4
		if k > maxLeaves {
			res.fault(maxFaults, "freelist trunk %d claims %d leaves, page fits %d", trunk, k, maxLeaves)
			k = maxLeaves
		}
		for i := uint32(0); i < k; i++ {
			leaf := Pgno(binary.BigEndian.Uint32(pg.Data[8+4*i : 12+4*i]))
			switch {
			case leaf == 0 || leaf > p.dbSize:
				if !res.fault(maxFaults, "freelist leaf %d on trunk %d out of range", leaf, trunk) {
					p.Unref(pg)
					return nil
				}
			case visited.Test(leaf):
				if !res.fault(maxFaults, "page %d on freelist twice", leaf) {
					p.Unref(pg)
					return nil
				}
			default:
				visited.Set(leaf)
				res.FreelistPages++
			}
		}
		p.Unref(pg)
		trunk = next
	}

	if res.FreelistPages != p.hdr.FreelistCount {
		res.fault(maxFaults, "header says %d freelist pages, found %d",
			p.hdr.FreelistCount, res.FreelistPages)
	}
	return nil
}

// checkPageHeaders validates the header of every page whose first byte is a
// known tree page type. Pages with other content (overflow, raw) are skipped;
// the pager cannot tell them from damage without walking the trees.
func (p *Pager) checkPageHeaders(res *CheckResult, maxFaults int) error {
	for pgno := Pgno(1); pgno <= p.dbSize; pgno++ {
		pg, err := p.Get(pgno)
		if err != nil {
			return err
		}
		data := pg.Data
		if pgno == 1 {
			data = data[HeaderSize:]
		}
		ph, err := DecodePageHeader(data)
		if err == nil {
			top := ph.Size() + 2*int(ph.CellCount)
			switch {
			case ph.CellContentOffset > p.pageSize:
				res.fault(maxFaults, "page %d: cell content starts at %d, page size %d",
					pgno, ph.CellContentOffset, p.pageSize)
			case top > ph.CellContentOffset && ph.CellCount > 0:
				res.fault(maxFaults, "page %d: %d cell pointers overlap content area",
					pgno, ph.CellCount)
			case ph.Interior() && (ph.RightChild == 0 || ph.RightChild > p.dbSize):
				res.fault(maxFaults, "page %d: right child %d out of range", pgno, ph.RightChild)
			}
		}
		p.Unref(pg)
		if res.Truncated {
			return nil
		}
	}
	return nil
}
