package bi

import (
	"github.com/rocketbitz/blkintegrity-go/internal/mempage"
)

// Segment is one (page, length, offset) region of an integrity
// scatter-gather vector. A segment may span multiple pages when they are
// contiguous within one region.
type Segment struct {
	Page   *mempage.Page
	Len    uint32
	Offset uint32
}

// Bytes returns the segment's backing memory.
func (s Segment) Bytes() []byte {
	return s.Page.Bytes(int(s.Offset), int(s.Len))
}

func (s Segment) endAddress() uint64 {
	return s.Page.Address() + uint64(s.Offset) + uint64(s.Len)
}

// AddSegment appends protection bytes at (page, offset) to the payload's
// vector, merging into the previous segment when the memory is contiguous
// and the merged segment stays within device limits. It returns the number
// of bytes accepted: length on success, 0 when the vector is full or the
// segment would create a disallowed gap. A zero return is not an error; the
// caller splits the work. AddSegment never blocks and never allocates.
func (p *Payload) AddSegment(page *mempage.Page, length, offset uint32) uint32 {
	if p == nil || p.req == nil || page == nil {
		return 0
	}
	lim := &p.req.dev.Limits

	if p.vcnt > 0 {
		last := &p.vec[p.vcnt-1]

		if tryMergeHWSegment(lim, last, page, length, offset) {
			p.iter.Size += length
			return length
		}

		if p.vcnt >= min(p.maxVecs, lim.integritySegments()) {
			return 0
		}

		// A gap from the previous segment the hardware cannot express
		// forces the caller to split instead.
		if gapToPrev(lim, last, offset) {
			return 0
		}
	} else if p.maxVecs == 0 {
		return 0
	}

	p.vec[p.vcnt] = Segment{Page: page, Len: length, Offset: offset}
	p.vcnt++
	p.iter.Size += length
	return length
}

// tryMergeHWSegment extends prev in place when the new region directly
// follows it in memory and the merged length fits the device's segment
// size cap.
func tryMergeHWSegment(lim *Limits, prev *Segment, page *mempage.Page, length, offset uint32) bool {
	if page.Region() != prev.Page.Region() {
		return false
	}
	if prev.endAddress() != page.Address()+uint64(offset) {
		return false
	}
	if lim.MaxSegmentSize != 0 && prev.Len+length > lim.MaxSegmentSize {
		return false
	}
	prev.Len += length
	return true
}

// gapToPrev reports whether appending a segment at offset after prev would
// straddle the device's segment boundary.
func gapToPrev(lim *Limits, prev *Segment, offset uint32) bool {
	mask := lim.SegmentBoundaryMask
	if mask == 0 {
		return false
	}
	if uint64(offset)&mask != 0 {
		return true
	}
	return (uint64(prev.Offset)+uint64(prev.Len))&mask != 0
}

// integritySegments returns the device's integrity vector limit, treating
// an unset limit as the subsystem-wide cap.
func (l *Limits) integritySegments() int {
	if l.MaxIntegritySegments <= 0 {
		return MaxVecs
	}
	return l.MaxIntegritySegments
}

// hwSectors returns the device's data sector cap, treating an unset limit
// as unbounded.
func (l *Limits) hwSectors() uint64 {
	if l.MaxHWSectors == 0 {
		return ^uint64(0)
	}
	return l.MaxHWSectors
}
