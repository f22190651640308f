package bi

import (
	"github.com/rocketbitz/blkintegrity-go/internal/mempage"
)

// Page re-exports the page type for consumers of the bi package.
type Page = mempage.Page

// Region re-exports the page-backed region type.
type Region = mempage.Region

// Buffer re-exports the caller-buffer window type.
type Buffer = mempage.Buffer

// PageSize re-exports the fixed page size.
const PageSize = mempage.PageSize

// AllocRegion allocates a region spanning the given number of pages.
func AllocRegion(pages int) *Region {
	return mempage.AllocRegion(pages)
}

// AllocRegionBytes allocates the smallest region covering n bytes.
func AllocRegionBytes(n int) *Region {
	return mempage.AllocRegionBytes(n)
}
