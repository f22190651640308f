package bi

import "sync/atomic"

// AllocMode states whether an allocation may wait for memory.
type AllocMode uint8

const (
	// AllocWait permits blocking on the general allocator when pools are
	// exhausted or absent.
	AllocWait AllocMode = iota
	// AllocNoWait forbids waiting; pool exhaustion fails fast.
	AllocNoWait
)

// DefaultPoolSize is the payload and segment-array count provisioned when
// CreatePool is called without an explicit size.
const DefaultPoolSize = 16

type setPools struct {
	shells  chan *Payload
	segvecs chan []Segment
}

// RequestSet is the logical owner of a shared pool of payload shells and
// spill segment arrays. Requests bound to the set draw payload allocations
// from its pools; a set without a created pool falls through to the general
// allocator.
type RequestSet struct {
	pools atomic.Pointer[setPools]
}

// NewRequestSet returns a set with no pool created.
func NewRequestSet() *RequestSet {
	return &RequestSet{}
}

// CreatePool preallocates size payload shells and companion segment arrays.
// Calling CreatePool on a set that already has a pool is a no-op.
func (s *RequestSet) CreatePool(size int) error {
	if s == nil {
		return ErrInvalidHandle{"request set"}
	}
	if s.pools.Load() != nil {
		return nil
	}
	if size <= 0 {
		size = DefaultPoolSize
	}
	pools := &setPools{
		shells:  make(chan *Payload, size),
		segvecs: make(chan []Segment, size),
	}
	for i := 0; i < size; i++ {
		pools.shells <- &Payload{}
		pools.segvecs <- make([]Segment, MaxVecs)
	}
	// Lost races leave the winner's pool in place.
	s.pools.CompareAndSwap(nil, pools)
	return nil
}

// DestroyPool releases the pooled shells and segment arrays. Destroying a
// set without a pool is a no-op. Payloads still in flight keep working;
// their release after destruction falls through to the garbage collector.
func (s *RequestSet) DestroyPool() {
	if s == nil {
		return
	}
	s.pools.Store(nil)
}

// HasPool reports whether the set currently carries a created pool.
func (s *RequestSet) HasPool() bool {
	return s != nil && s.pools.Load() != nil
}

// allocShell hands out a payload shell. A nil set or a set without a pool
// uses the general allocator; an exhausted pool fails fast under
// AllocNoWait and falls back otherwise.
func (s *RequestSet) allocShell(mode AllocMode) (*Payload, error) {
	var pools *setPools
	if s != nil {
		pools = s.pools.Load()
	}
	if pools == nil {
		return &Payload{}, nil
	}
	select {
	case p := <-pools.shells:
		p.fromPool = true
		return p, nil
	default:
	}
	if mode == AllocNoWait {
		return nil, ErrResourceExhausted
	}
	return &Payload{}, nil
}

// allocSegvec hands out a spill segment array, or nil when the caller
// should use the general allocator.
func (s *RequestSet) allocSegvec(mode AllocMode) ([]Segment, error) {
	var pools *setPools
	if s != nil {
		pools = s.pools.Load()
	}
	if pools == nil {
		return nil, nil
	}
	select {
	case vec := <-pools.segvecs:
		return vec, nil
	default:
	}
	if mode == AllocNoWait {
		return nil, ErrResourceExhausted
	}
	return nil, nil
}

func (s *RequestSet) releaseShell(p *Payload) {
	var pools *setPools
	if s != nil {
		pools = s.pools.Load()
	}
	*p = Payload{}
	if pools == nil {
		return
	}
	select {
	case pools.shells <- p:
	default:
	}
}

func (s *RequestSet) releaseSegvec(vec []Segment) {
	var pools *setPools
	if s != nil {
		pools = s.pools.Load()
	}
	if pools == nil || cap(vec) != MaxVecs {
		return
	}
	vec = vec[:cap(vec)]
	for i := range vec {
		vec[i] = Segment{}
	}
	select {
	case pools.segvecs <- vec:
	default:
	}
}
