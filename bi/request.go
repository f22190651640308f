package bi

import (
	"sync"
	"sync/atomic"
)

// Direction distinguishes read and write requests.
type Direction uint8

const (
	// DirRead transfers data (and protection bytes) from the device.
	DirRead Direction = iota
	// DirWrite transfers data (and protection bytes) to the device.
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// Status is the terminal state a request completes with.
type Status uint8

const (
	// StatusOK indicates the request completed without error.
	StatusOK Status = iota
	// StatusResource indicates an allocation failure terminated the request.
	StatusResource
	// StatusProtection indicates an integrity verification failure.
	StatusProtection
	// StatusFault indicates a partial copy to or from a caller buffer.
	StatusFault
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusResource:
		return "resource"
	case StatusProtection:
		return "protection"
	case StatusFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Iter is a sector/byte cursor over a scatter-gather vector.
type Iter struct {
	// Sector is the cursor's current device sector (for payload iterators,
	// the current integrity interval seed).
	Sector uint64
	// Size is the number of bytes remaining.
	Size uint32
	// Idx is the index of the current segment.
	Idx int
	// Done is the number of bytes consumed within the current segment.
	Done uint32
}

// Request is one in-flight block I/O request. The integrity payload hangs
// off the request and never outlives it.
type Request struct {
	dev  *Device
	dir  Direction
	set  *RequestSet
	iter Iter

	payload *Payload

	status   atomic.Uint32
	done     chan struct{}
	complete sync.Once
}

// NewRequest builds a request targeting dev starting at the given sector
// and spanning the given number of data sectors.
func NewRequest(dev *Device, dir Direction, sector, sectors uint64) *Request {
	return &Request{
		dev:  dev,
		dir:  dir,
		iter: Iter{Sector: sector, Size: uint32(sectors << SectorShift)},
		done: make(chan struct{}),
	}
}

// Device returns the request's target device.
func (r *Request) Device() *Device { return r.dev }

// Direction returns the request's data direction.
func (r *Request) Direction() Direction { return r.dir }

// Sector returns the request's current starting sector.
func (r *Request) Sector() uint64 { return r.iter.Sector }

// Sectors returns the number of data sectors remaining.
func (r *Request) Sectors() uint64 { return uint64(r.iter.Size) >> SectorShift }

// DataIter returns a snapshot of the request's data cursor.
func (r *Request) DataIter() Iter { return r.iter }

// SetDataIter restores a previously captured data cursor.
func (r *Request) SetDataIter(it Iter) { r.iter = it }

// BindSet associates the request with the request-set whose pools payload
// allocations should draw from.
func (r *Request) BindSet(set *RequestSet) { r.set = set }

// Set returns the request-set the request is bound to, if any.
func (r *Request) Set() *RequestSet { return r.set }

// Payload returns the attached integrity payload, or nil.
func (r *Request) Payload() *Payload { return r.payload }

// attach wires a payload into the request's integrity slot. A second attach
// is an upper-layer bug, not a runtime condition.
func (r *Request) attach(p *Payload) {
	if r.payload != nil {
		panic("blkintegrity: integrity payload already attached to request")
	}
	r.payload = p
	p.req = r
}

func (r *Request) detach(p *Payload) {
	if r.payload == p {
		r.payload = nil
	}
	p.req = nil
}

// Advance moves the request's data cursor forward and keeps the attached
// integrity payload's cursor in step.
func (r *Request) Advance(bytesDone uint32) {
	if bytesDone > r.iter.Size {
		bytesDone = r.iter.Size
	}
	r.iter.Sector += uint64(bytesDone >> SectorShift)
	r.iter.Size -= bytesDone
	if r.payload != nil {
		AdvancePayload(r, bytesDone)
	}
}

// Fail records a terminal error status. The first failure wins; later
// failures do not overwrite it.
func (r *Request) Fail(s Status) {
	if s == StatusOK {
		return
	}
	r.status.CompareAndSwap(uint32(StatusOK), uint32(s))
}

// Status returns the request's terminal status.
func (r *Request) Status() Status {
	return Status(r.status.Load())
}

// Complete signals the request's completion exactly once.
func (r *Request) Complete() {
	r.complete.Do(func() {
		close(r.done)
	})
}

// Done exposes a channel that closes when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Completed reports whether Complete has been called.
func (r *Request) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
