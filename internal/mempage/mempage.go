// Package mempage models page-granular memory for the integrity subsystem.
//
// Buffers handed to the mapper are windows into page-backed regions. Pages
// carry pin counts and dirty bits so callers can account for every pin the
// mapper takes, and contiguity is defined by adjacency within a single
// region, mirroring physical contiguity of a real allocator.
package mempage

import (
	"fmt"
	"sync/atomic"
)

const (
	// Shift is the base-2 logarithm of PageSize.
	Shift = 12
	// PageSize is the fixed size of a page in bytes.
	PageSize = 1 << Shift
)

var regionSeq atomic.Uint64

// Region is a contiguous page-backed allocation.
type Region struct {
	id    uint64
	buf   []byte
	pages []Page
}

// Page is one fixed-size page of a region.
type Page struct {
	region *Region
	index  int
	pins   atomic.Int32
	dirty  atomic.Bool
}

// AllocRegion allocates a region spanning the given number of pages.
func AllocRegion(pages int) *Region {
	if pages <= 0 {
		pages = 1
	}
	r := &Region{
		id:    regionSeq.Add(1),
		buf:   make([]byte, pages*PageSize),
		pages: make([]Page, pages),
	}
	for i := range r.pages {
		r.pages[i].region = r
		r.pages[i].index = i
	}
	return r
}

// AllocRegionBytes allocates the smallest region covering n bytes.
func AllocRegionBytes(n int) *Region {
	return AllocRegion((n + PageSize - 1) / PageSize)
}

// Pages reports the number of pages in the region.
func (r *Region) Pages() int {
	if r == nil {
		return 0
	}
	return len(r.pages)
}

// Page returns the page at the given index.
func (r *Region) Page(index int) *Page {
	if r == nil || index < 0 || index >= len(r.pages) {
		return nil
	}
	return &r.pages[index]
}

// Base returns the synthetic start address of the region. Region bases are
// always page aligned, matching a real page allocator.
func (r *Region) Base() uint64 {
	if r == nil {
		return 0
	}
	return r.id << 32
}

// bytes returns the region's backing slice from start for length bytes.
func (r *Region) bytes(start, length int) []byte {
	return r.buf[start : start+length : start+length]
}

// Buffer returns a window into the region starting at off for length bytes.
func (r *Region) Buffer(off, length int) Buffer {
	if r == nil || off < 0 || length < 0 || off+length > len(r.buf) {
		panic(fmt.Sprintf("mempage: buffer window [%d,%d) outside region", off, off+length))
	}
	return Buffer{region: r, off: off, length: length}
}

// Region returns the page's owning region.
func (p *Page) Region() *Region { return p.region }

// Index returns the page's position within its region.
func (p *Page) Index() int { return p.index }

// Address returns the synthetic physical address of the page.
func (p *Page) Address() uint64 {
	return p.region.Base() + uint64(p.index)<<Shift
}

// ContiguousWith reports whether p directly follows prev in memory.
func (p *Page) ContiguousWith(prev *Page) bool {
	if p == nil || prev == nil {
		return false
	}
	return p.region == prev.region && p.index == prev.index+1
}

// Pin takes a reference on the page.
func (p *Page) Pin() {
	p.pins.Add(1)
}

// Unpin drops a reference taken with Pin. Unpinning a page that holds no
// pins indicates an accounting bug in the caller.
func (p *Page) Unpin() {
	if p.pins.Add(-1) < 0 {
		panic("mempage: unpin of page with no pins")
	}
}

// PinCount reports the current number of outstanding pins.
func (p *Page) PinCount() int {
	return int(p.pins.Load())
}

// MarkDirty flags the page as modified.
func (p *Page) MarkDirty() {
	p.dirty.Store(true)
}

// Dirty reports whether the page has been flagged as modified.
func (p *Page) Dirty() bool {
	return p.dirty.Load()
}

// Bytes returns the page's backing memory, extended across following
// contiguous pages of the same region when length exceeds the page.
// The range must not run past the end of the region.
func (p *Page) Bytes(off, length int) []byte {
	start := p.index*PageSize + off
	if start+length > len(p.region.buf) {
		panic(fmt.Sprintf("mempage: range [%d,%d) outside region", start, start+length))
	}
	return p.region.bytes(start, length)
}

// Buffer is a byte window into a region, the caller-supplied memory handed
// to the user mapper.
type Buffer struct {
	region *Region
	off    int
	length int
}

// Len reports the window length in bytes.
func (b Buffer) Len() int { return b.length }

// Address returns the synthetic start address of the window.
func (b Buffer) Address() uint64 {
	if b.region == nil {
		return 0
	}
	return b.region.Base() + uint64(b.off)
}

// Aligned reports whether both the window's address and length satisfy the
// given alignment mask.
func (b Buffer) Aligned(mask uint64) bool {
	return b.Address()&mask == 0 && uint64(b.length)&mask == 0
}

// Bytes returns the window's backing memory.
func (b Buffer) Bytes() []byte {
	if b.region == nil {
		return nil
	}
	return b.region.bytes(b.off, b.length)
}

// NumPages reports how many pages the window spans.
func (b Buffer) NumPages() int {
	if b.region == nil || b.length == 0 {
		return 0
	}
	first := b.off >> Shift
	last := (b.off + b.length - 1) >> Shift
	return last - first + 1
}

// ExtractPages pins every page the window touches and returns the page list
// together with the window's offset into the first page.
func (b Buffer) ExtractPages() (pages []*Page, offset int) {
	n := b.NumPages()
	if n == 0 {
		return nil, 0
	}
	first := b.off >> Shift
	pages = make([]*Page, n)
	for i := 0; i < n; i++ {
		pages[i] = &b.region.pages[first+i]
		pages[i].Pin()
	}
	return pages, b.off & (PageSize - 1)
}

// UnpinPages drops one pin from each page, marking pages dirty first when
// requested.
func UnpinPages(pages []*Page, dirty bool) {
	for _, p := range pages {
		if dirty {
			p.MarkDirty()
		}
		p.Unpin()
	}
}
