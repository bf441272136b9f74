package pager

import (
	"encoding/binary"
	"fmt"
)

// On-disk layout constants. The first 100 bytes of page 1 hold the database
// header; all multi-byte fields are big-endian.
const (
	HeaderSize = 100

	// MagicString identifies a database file. 16 bytes including the NUL.
	MagicString = "Quarry format 1\x00"

	MinPageSize     = 512
	MaxPageSize     = 65536
	DefaultPageSize = 4096

	// MetaCount is the number of 32-bit meta slots after the freelist fields.
	MetaCount = 15

	changeCounterOffset = 24
)

// Header is the decoded 100-byte database header.
type Header struct {
	PageSize      int // bytes per page; stored as 1 when 65536
	WriteVersion  byte
	ReadVersion   byte
	ReservedSpace byte // unused bytes at the end of every page

	MaxPayloadFrac  byte
	MinPayloadFrac  byte
	LeafPayloadFrac byte

	ChangeCounter uint32 // bumped once per write transaction
	DBSize        Pgno   // database image size in pages

	FreelistHead  Pgno
	FreelistCount uint32

	Meta [MetaCount]uint32
}

// NewHeader returns the header written to a freshly created database.
func NewHeader(pageSize int) Header {
	return Header{
		PageSize:        pageSize,
		WriteVersion:    1,
		ReadVersion:     1,
		MaxPayloadFrac:  64,
		MinPayloadFrac:  32,
		LeafPayloadFrac: 32,
		DBSize:          1,
	}
}

// Encode writes the header into buf, which must be at least HeaderSize bytes
// (normally the start of page 1).
func (h Header) Encode(buf []byte) {
	copy(buf[0:16], MagicString)
	ps := h.PageSize
	if ps == MaxPageSize {
		ps = 1
	}
	binary.BigEndian.PutUint16(buf[16:18], uint16(ps))
	buf[18] = h.WriteVersion
	buf[19] = h.ReadVersion
	buf[20] = h.ReservedSpace
	buf[21] = h.MaxPayloadFrac
	buf[22] = h.MinPayloadFrac
	buf[23] = h.LeafPayloadFrac
	binary.BigEndian.PutUint32(buf[24:28], h.ChangeCounter)
	binary.BigEndian.PutUint32(buf[28:32], uint32(h.DBSize))
	binary.BigEndian.PutUint32(buf[32:36], uint32(h.FreelistHead))
	binary.BigEndian.PutUint32(buf[36:40], h.FreelistCount)
	for i, v := range h.Meta {
		binary.BigEndian.PutUint32(buf[40+4*i:44+4*i], v)
	}
}

// DecodeHeader parses the database header from the start of page 1.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: header truncated at %d bytes", ErrCorrupt, len(buf))
	}
	if string(buf[0:16]) != MagicString {
		return h, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	ps := int(binary.BigEndian.Uint16(buf[16:18]))
	if ps == 1 {
		ps = MaxPageSize
	}
	if !ValidPageSize(ps) {
		return h, fmt.Errorf("%w: page size %d", ErrCorrupt, ps)
	}
	h.PageSize = ps
	h.WriteVersion = buf[18]
	h.ReadVersion = buf[19]
	h.ReservedSpace = buf[20]
	h.MaxPayloadFrac = buf[21]
	h.MinPayloadFrac = buf[22]
	h.LeafPayloadFrac = buf[23]
	h.ChangeCounter = binary.BigEndian.Uint32(buf[24:28])
	h.DBSize = Pgno(binary.BigEndian.Uint32(buf[28:32]))
	h.FreelistHead = Pgno(binary.BigEndian.Uint32(buf[32:36]))
	h.FreelistCount = binary.BigEndian.Uint32(buf[36:40])
	for i := range h.Meta {
		h.Meta[i] = binary.BigEndian.Uint32(buf[40+4*i : 44+4*i])
	}
	return h, nil
}

// ValidPageSize reports whether n is a power of two in [MinPageSize,
// MaxPageSize].
func ValidPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}

// Page types as stored in the first byte of a page header.
const (
	PageTypeInteriorIndex = 2
	PageTypeInteriorTable = 5
	PageTypeLeafIndex     = 10
	PageTypeLeafTable     = 13
)

// PageHeader is the decoded 8- or 12-byte tree page header, used by the
// integrity scanner. Interior pages carry the extra right-child field.
type PageHeader struct {
	Type              byte
	FirstFreeblock    uint16
	CellCount         uint16
	CellContentOffset int // stored 0 means 65536
	FragmentedBytes   byte
	RightChild        Pgno // interior pages only
}

// Size returns the encoded header length for this page type.
func (ph PageHeader) Size() int {
	if ph.Interior() {
		return 12
	}
	return 8
}

// Interior reports whether the page has child pointers.
func (ph PageHeader) Interior() bool {
	return ph.Type == PageTypeInteriorIndex || ph.Type == PageTypeInteriorTable
}

// DecodePageHeader parses a tree page header starting at buf[0]. For page 1
// the caller passes the slice beginning after the database header.
func DecodePageHeader(buf []byte) (PageHeader, error) {
	var ph PageHeader
	if len(buf) < 8 {
		return ph, fmt.Errorf("%w: page header truncated", ErrCorrupt)
	}
	ph.Type = buf[0]
	switch ph.Type {
	case PageTypeInteriorIndex, PageTypeInteriorTable, PageTypeLeafIndex, PageTypeLeafTable:
	default:
		return ph, fmt.Errorf("%w: unknown page type %d", ErrCorrupt, ph.Type)
	}
	ph.FirstFreeblock = binary.BigEndian.Uint16(buf[1:3])
	ph.CellCount = binary.BigEndian.Uint16(buf[3:5])
	ph.CellContentOffset = int(binary.BigEndian.Uint16(buf[5:7]))
	if ph.CellContentOffset == 0 {
		ph.CellContentOffset = 65536
	}
	ph.FragmentedBytes = buf[7]
	if ph.Interior() {
		if len(buf) < 12 {
			return ph, fmt.Errorf("%w: interior page header truncated", ErrCorrupt)
		}
		ph.RightChild = Pgno(binary.BigEndian.Uint32(buf[8:12]))
	}
	return ph, nil
}

// PutVarint encodes v into buf using the 1- to 9-byte big-endian form: seven
// value bits per byte with the high bit as a continuation flag, except that a
// ninth byte carries eight value bits. Returns the encoded length.
func PutVarint(buf []byte, v uint64) int {
	if v <= 0x7f {
		buf[0] = byte(v)
		return 1
	}
	if v > 0x00ffffffffffffff {
		// Nine bytes: the last holds the low 8 bits.
		buf[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return 9
	}
	var tmp [8]byte
	n := 0
	for {
		tmp[n] = byte(v&0x7f) | 0x80
		n++
		v >>= 7
		if v == 0 {
			break
		}
	}
	tmp[0] &^= 0x80
	for i := 0; i < n; i++ {
		buf[i] = tmp[n-1-i]
	}
	return n
}

// GetVarint decodes a varint from buf, returning the value and the number of
// bytes consumed. A zero length means buf was too short.
func GetVarint(buf []byte) (uint64, int) {
	var v uint64
	for i := 0; i < len(buf) && i < 9; i++ {
		if i == 8 {
			return v<<8 | uint64(buf[8]), 9
		}
		v = v<<7 | uint64(buf[i]&0x7f)
		if buf[i] < 0x80 {
			return v, i + 1
		}
	}
	return 0, 0
}
