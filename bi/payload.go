package bi

import (
	"github.com/rocketbitz/blkintegrity-go/internal/mempage"
)

const (
	// InlineSegments is the segment capacity payload shells carry inline.
	InlineSegments = 4
	// MaxVecs caps the length of any integrity scatter-gather vector.
	MaxVecs = 64
)

// PayloadFlag records per-payload state bits.
type PayloadFlag uint8

const (
	// FlagCopyBuffer marks a payload staging through a privately owned
	// bounce buffer instead of the caller's memory.
	FlagCopyBuffer PayloadFlag = 1 << iota
	// FlagAutoGenerated marks a payload whose buffer was allocated and
	// filled by the preparation stage rather than a caller.
	FlagAutoGenerated
	// FlagUserMapped marks a payload built from caller memory by the user
	// mapper. Mapped payloads hold caller pins and possibly a pending
	// copy-back; only UnmapUserBuffer may retire them.
	FlagUserMapped
)

// Payload is the integrity metadata container attached to one request.
// It is owned by exactly one in-flight request at a time and never
// outlives it.
type Payload struct {
	req *Request
	set *RequestSet

	inline  [InlineSegments]Segment
	vec     []Segment
	vcnt    int
	maxVecs int

	iter      Iter
	savedData Iter

	flags PayloadFlag
	csum  ChecksumKind

	// shared marks the vector as borrowed from a clone source; a shared
	// vector is never released by this payload.
	shared   bool
	spilled  bool
	fromPool bool

	// scratch is the privately owned working buffer backing either a
	// generated payload or a copy-mode bounce segment.
	scratch *mempage.Region

	// origVecs counts the caller's pinned segments recorded at vec[1..]
	// for copy-mode reads.
	origVecs int
}

// AllocPayload allocates an integrity payload sized for nrVecs segments and
// attaches it to the request. Shells and spill segment arrays come from the
// request's bound set when one carries a pool; otherwise the general
// allocator is used. Under AllocNoWait, pool exhaustion fails fast with
// ErrResourceExhausted instead of falling back.
func AllocPayload(req *Request, mode AllocMode, nrVecs int) (*Payload, error) {
	if req == nil {
		return nil, ErrInvalidHandle{"request"}
	}
	if nrVecs > MaxVecs {
		return nil, ErrRequestTooLarge
	}

	set := req.set
	p, err := set.allocShell(mode)
	if err != nil {
		return nil, err
	}
	p.set = set
	p.maxVecs = nrVecs

	switch {
	case nrVecs == 0:
		// Clone shells adopt the source's vector later.
	case nrVecs <= InlineSegments:
		p.vec = p.inline[:]
	default:
		vec, err := set.allocSegvec(mode)
		if err != nil {
			p.release()
			return nil, err
		}
		if vec == nil {
			vec = make([]Segment, nrVecs)
		} else {
			p.spilled = true
		}
		p.vec = vec[:nrVecs]
	}

	req.attach(p)
	return p, nil
}

// Free detaches the payload from its request and returns the shell and any
// spilled segment array to their pools. Borrowed vectors and buffers are
// left to the clone source. Free is idempotent.
func (p *Payload) Free() {
	if p == nil || p.req == nil {
		return
	}
	p.req.detach(p)
	p.release()
}

func (p *Payload) release() {
	set := p.set
	if !p.shared && p.spilled && set != nil {
		set.releaseSegvec(p.vec)
	}
	p.scratch = nil
	p.vec = nil
	if p.fromPool && set != nil {
		set.releaseShell(p)
		return
	}
	*p = Payload{}
}

// Segments returns the populated portion of the scatter-gather vector.
func (p *Payload) Segments() []Segment { return p.vec[:p.vcnt] }

// SegmentCount reports the number of populated segments.
func (p *Payload) SegmentCount() int { return p.vcnt }

// MaxSegments reports the vector capacity the payload was allocated with.
func (p *Payload) MaxSegments() int { return p.maxVecs }

// BytesRemaining reports the protection bytes not yet completed.
func (p *Payload) BytesRemaining() uint32 { return p.iter.Size }

// CurrentSector reports the payload cursor's current interval seed.
func (p *Payload) CurrentSector() uint64 { return p.iter.Sector }

// Iter returns a snapshot of the payload's cursor.
func (p *Payload) Iter() Iter { return p.iter }

// Flags returns the payload's state bits.
func (p *Payload) Flags() PayloadFlag { return p.flags }

// Csum returns the checksum kind tagged onto the payload.
func (p *Payload) Csum() ChecksumKind { return p.csum }

// Shared reports whether the vector is borrowed from a clone source.
func (p *Payload) Shared() bool { return p.shared }

// Request returns the owning request.
func (p *Payload) Request() *Request { return p.req }

// SavedDataIter returns the request data cursor captured during read
// preparation, for restoration before verification.
func (p *Payload) SavedDataIter() Iter { return p.savedData }

// SetSeed positions the payload cursor at the given starting sector.
func (p *Payload) SetSeed(sector uint64) { p.iter.Sector = sector }

// SetCsum tags the payload with the profile's checksum kind.
func (p *Payload) SetCsum(k ChecksumKind) { p.csum = k }

// SetFlags merges the given state bits into the payload.
func (p *Payload) SetFlags(f PayloadFlag) { p.flags |= f }

// SaveDataIter captures the request's data cursor for later restoration.
func (p *Payload) SaveDataIter(it Iter) { p.savedData = it }
