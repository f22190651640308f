package bi

// AdvancePayload converts completed data bytes into an integrity interval
// count and byte length and advances the payload cursor accordingly.
func AdvancePayload(req *Request, bytesDone uint32) {
	if req == nil || req.payload == nil {
		return
	}
	prof := req.dev.Integrity
	if prof == nil {
		return
	}
	p := req.payload
	sectors := uint64(bytesDone >> SectorShift)
	p.iter.Sector += prof.Intervals(sectors)
	p.iter.advance(p.vec[:p.vcnt], prof.MetaBytes(sectors))
}

// TrimPayload recomputes the payload's remaining bytes to match the
// request's current, shorter sector count after a split. It never grows
// the payload.
func TrimPayload(req *Request) {
	if req == nil || req.payload == nil {
		return
	}
	prof := req.dev.Integrity
	if prof == nil {
		return
	}
	size := prof.MetaBytes(req.Sectors())
	if size < req.payload.iter.Size {
		req.payload.iter.Size = size
	}
}

// ClonePayload attaches a payload to dst that shares src's segment vector
// and cursor without duplicating the backing memory. The clone's vector is
// borrowed: releasing the clone never frees it, and only the source
// performs the underlying release. The auto-generated and user-mapped
// flags are not carried over: the clone neither allocated the buffer nor
// holds the caller's pins, so it must not trigger a second retirement.
func ClonePayload(dst, src *Request, mode AllocMode) error {
	if src == nil || src.payload == nil {
		return ErrInvalidHandle{"integrity payload"}
	}
	sp := src.payload

	p, err := AllocPayload(dst, mode, 0)
	if err != nil {
		return err
	}
	p.vec = sp.vec
	p.vcnt = sp.vcnt
	p.iter = sp.iter
	p.flags = sp.flags &^ (FlagAutoGenerated | FlagUserMapped)
	p.csum = sp.csum
	p.shared = true
	return nil
}

// advance walks the cursor forward over vec by the given byte count,
// dropping fully consumed segments.
func (it *Iter) advance(vec []Segment, bytes uint32) {
	if bytes > it.Size {
		bytes = it.Size
	}
	it.Size -= bytes
	for bytes > 0 && it.Idx < len(vec) {
		rem := vec[it.Idx].Len - it.Done
		if bytes < rem {
			it.Done += bytes
			return
		}
		bytes -= rem
		it.Idx++
		it.Done = 0
	}
}
