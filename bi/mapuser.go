package bi

import (
	"errors"

	"github.com/rocketbitz/blkintegrity-go/internal/mempage"
)

// MapUserBuffer builds the request's integrity vector from a caller
// supplied buffer. Aligned buffers that fit the device's segment limits
// are mapped zero-copy with their pages pinned until unmap; otherwise the
// data is staged through a privately owned bounce buffer (copy mode). seed
// is the starting sector recorded in the payload cursor.
func MapUserBuffer(req *Request, buf mempage.Buffer, seed uint64) error {
	if req == nil {
		return ErrInvalidHandle{"request"}
	}
	if req.payload != nil {
		return ErrPayloadAttached
	}
	lim := &req.dev.Limits
	bytes := buf.Len()
	if bytes == 0 {
		return errors.New("blkintegrity: mapping requires a non-empty buffer")
	}

	if uint64(bytes)>>SectorShift > lim.hwSectors() {
		return ErrRequestTooLarge
	}
	if buf.NumPages() > MaxVecs {
		return ErrRequestTooLarge
	}

	copyMode := !buf.Aligned(lim.DMAAlignment)

	pages, offset := buf.ExtractPages()
	return mapSegments(req, segmentsFromPages(pages, bytes, offset), bytes, seed, copyMode)
}

// MapUserPages is the page-list form of MapUserBuffer, for caller memory
// that is not one contiguous window. Every page is pinned; runs of
// contiguous pages coalesce into single segments. The same zero-copy rules
// apply: a misaligned start or length, or a coalesced segment count above
// the device limit, forces copy mode. offset is the byte offset into the
// first page; intermediate pages are used in full.
func MapUserPages(req *Request, pages []*mempage.Page, offset, length int, seed uint64) error {
	if req == nil {
		return ErrInvalidHandle{"request"}
	}
	if req.payload != nil {
		return ErrPayloadAttached
	}
	if length == 0 || len(pages) == 0 {
		return errors.New("blkintegrity: mapping requires a non-empty page list")
	}
	if offset < 0 || offset >= mempage.PageSize {
		return ErrInvalidHandle{"page offset"}
	}
	lim := &req.dev.Limits
	if uint64(length)>>SectorShift > lim.hwSectors() {
		return ErrRequestTooLarge
	}
	if len(pages) > MaxVecs || length > len(pages)*mempage.PageSize-offset {
		return ErrRequestTooLarge
	}

	copyMode := (pages[0].Address()+uint64(offset))&lim.DMAAlignment != 0 ||
		uint64(length)&lim.DMAAlignment != 0

	for _, pg := range pages {
		pg.Pin()
	}
	return mapSegments(req, segmentsFromPages(pages, length, offset), length, seed, copyMode)
}

// mapSegments dispatches pinned segments to the zero-copy or copy-mode
// path, applying the device segment limit, and drops the pins on failure.
func mapSegments(req *Request, segs []Segment, bytes int, seed uint64, copyMode bool) error {
	if len(segs) > req.dev.Limits.integritySegments() {
		copyMode = true
	}

	var err error
	if copyMode {
		err = copyUserSegments(req, segs, bytes, seed)
	} else {
		err = initUserSegments(req, segs, bytes, seed)
	}
	if err != nil {
		unpinSegments(segs, false)
		return err
	}
	return nil
}

// UnmapUserBuffer reverses MapUserBuffer and frees the payload. Copy-mode
// reads copy the bounce buffer back into the caller's pinned pages, marking
// them dirty, before unpinning; zero-copy mappings unpin directly, marking
// pages dirty only for reads.
func UnmapUserBuffer(req *Request) error {
	if req == nil || req.payload == nil {
		return ErrInvalidHandle{"integrity payload"}
	}
	p := req.payload
	if p.flags&FlagUserMapped == 0 {
		return ErrInvalidHandle{"user mapping"}
	}

	if p.flags&FlagCopyBuffer != 0 {
		var err error
		if req.dir == DirRead {
			err = p.copyBackUser()
		}
		p.Free()
		return err
	}

	unpinSegments(p.vec[:p.vcnt], req.dir == DirRead)
	p.Free()
	return nil
}

// initUserSegments adopts the pinned segments as the payload vector
// directly (zero-copy).
func initUserSegments(req *Request, segs []Segment, bytes int, seed uint64) error {
	p, err := AllocPayload(req, AllocWait, len(segs))
	if err != nil {
		return err
	}
	copy(p.vec, segs)
	p.vcnt = len(segs)
	p.flags |= FlagUserMapped
	p.iter = Iter{Sector: seed, Size: uint32(bytes)}
	return nil
}

// copyUserSegments stages the protection bytes through a bounce buffer at
// vector index 0. Writes copy the caller data in and drop the pins
// immediately; reads keep the caller's segments recorded at index 1..n for
// copy-back on unmap. Fresh regions are zeroed, so a read bounce never
// carries stale memory.
func copyUserSegments(req *Request, segs []Segment, bytes int, seed uint64) error {
	write := req.dir == DirWrite
	scratch := mempage.AllocRegionBytes(bytes)

	var p *Payload
	var err error
	if write {
		bounce := scratch.Buffer(0, bytes).Bytes()
		pos := 0
		for _, s := range segs {
			pos += copy(bounce[pos:], s.Bytes())
		}
		if pos != bytes {
			return ErrCopyFault
		}
		p, err = AllocPayload(req, AllocWait, 1)
	} else {
		p, err = AllocPayload(req, AllocWait, len(segs)+1)
	}
	if err != nil {
		return err
	}

	if p.AddSegment(scratch.Page(0), uint32(bytes), 0) != uint32(bytes) {
		p.Free()
		return ErrResourceExhausted
	}

	if write {
		unpinSegments(segs, false)
	} else {
		copy(p.vec[1:], segs)
		p.origVecs = len(segs)
	}

	p.flags |= FlagCopyBuffer | FlagUserMapped
	p.iter.Sector = seed
	p.scratch = scratch
	return nil
}

// copyBackUser copies the bounce buffer into the caller's recorded
// segments, marking touched pages dirty and dropping their pins.
func (p *Payload) copyBackUser() error {
	bounce := p.vec[0]
	src := bounce.Bytes()
	pos := 0
	for i := 0; i < p.origVecs; i++ {
		seg := p.vec[1+i]
		end := pos + int(seg.Len)
		if end > len(src) {
			end = len(src)
		}
		pos += copy(seg.Bytes()[:end-pos], src[pos:end])
		seg.Page.MarkDirty()
		seg.Page.Unpin()
	}
	if pos != len(src) {
		return ErrCopyFault
	}
	return nil
}

// segmentsFromPages coalesces runs of contiguous pinned pages into
// segments, dropping the extra pins of merged pages so each resulting
// segment holds exactly one pin.
func segmentsFromPages(pages []*mempage.Page, bytes, offset int) []Segment {
	segs := make([]Segment, 0, len(pages))
	for i := 0; i < len(pages); {
		size := min(bytes, mempage.PageSize-offset)
		bytes -= size

		j := i + 1
		for j < len(pages) {
			if !pages[j].ContiguousWith(pages[j-1]) {
				break
			}
			next := min(mempage.PageSize, bytes)
			pages[j].Unpin()
			size += next
			bytes -= next
			j++
		}

		segs = append(segs, Segment{Page: pages[i], Len: uint32(size), Offset: uint32(offset)})
		offset = 0
		i = j
	}
	return segs
}

func unpinSegments(segs []Segment, dirty bool) {
	for _, s := range segs {
		if dirty {
			s.Page.MarkDirty()
		}
		s.Page.Unpin()
	}
}
