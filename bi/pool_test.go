package bi

import (
	"errors"
	"testing"
)

func testDevice() *Device {
	return &Device{
		Name: "blkit0",
		Integrity: &Profile{
			Csum:      CsumCRC,
			TupleSize: 8,
		},
		Limits: Limits{
			MaxHWSectors:         1 << 20,
			MaxIntegritySegments: MaxVecs,
			DMAAlignment:         511,
		},
	}
}

func newTestRequest(set *RequestSet, dir Direction) *Request {
	req := NewRequest(testDevice(), dir, 0, 8)
	req.BindSet(set)
	return req
}

func TestCreatePoolIdempotent(t *testing.T) {
	set := NewRequestSet()
	if set.HasPool() {
		t.Fatalf("fresh set should not carry a pool")
	}
	if err := set.CreatePool(2); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if !set.HasPool() {
		t.Fatalf("pool missing after CreatePool")
	}
	if err := set.CreatePool(8); err != nil {
		t.Fatalf("second CreatePool should be a no-op: %v", err)
	}
}

func TestAllocNoWaitExhaustion(t *testing.T) {
	set := NewRequestSet()
	if err := set.CreatePool(1); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	req1 := newTestRequest(set, DirWrite)
	p1, err := AllocPayload(req1, AllocNoWait, 1)
	if err != nil {
		t.Fatalf("AllocPayload failed: %v", err)
	}

	req2 := newTestRequest(set, DirWrite)
	if _, err := AllocPayload(req2, AllocNoWait, 1); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted from drained pool, got %v", err)
	}

	p1.Free()

	req3 := newTestRequest(set, DirWrite)
	p3, err := AllocPayload(req3, AllocNoWait, 1)
	if err != nil {
		t.Fatalf("AllocPayload after release failed: %v", err)
	}
	p3.Free()
}

func TestAllocWaitFallsBack(t *testing.T) {
	set := NewRequestSet()
	if err := set.CreatePool(1); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	req1 := newTestRequest(set, DirWrite)
	if _, err := AllocPayload(req1, AllocNoWait, 1); err != nil {
		t.Fatalf("AllocPayload failed: %v", err)
	}

	req2 := newTestRequest(set, DirWrite)
	p2, err := AllocPayload(req2, AllocWait, 1)
	if err != nil {
		t.Fatalf("AllocWait should fall back past a drained pool: %v", err)
	}
	p2.Free()
}

func TestAllocWithoutPool(t *testing.T) {
	req := NewRequest(testDevice(), DirRead, 0, 8)
	p, err := AllocPayload(req, AllocNoWait, InlineSegments)
	if err != nil {
		t.Fatalf("AllocPayload without a set failed: %v", err)
	}
	if p.MaxSegments() != InlineSegments {
		t.Fatalf("expected capacity %d, got %d", InlineSegments, p.MaxSegments())
	}
	p.Free()
}

func TestAllocSpilledVectorRecycles(t *testing.T) {
	set := NewRequestSet()
	if err := set.CreatePool(1); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	req1 := newTestRequest(set, DirWrite)
	p1, err := AllocPayload(req1, AllocNoWait, InlineSegments+2)
	if err != nil {
		t.Fatalf("AllocPayload failed: %v", err)
	}
	p1.Free()

	req2 := newTestRequest(set, DirWrite)
	p2, err := AllocPayload(req2, AllocNoWait, InlineSegments+2)
	if err != nil {
		t.Fatalf("AllocPayload after spill release failed: %v", err)
	}
	p2.Free()
}

func TestAllocPayloadTooManyVecs(t *testing.T) {
	req := NewRequest(testDevice(), DirWrite, 0, 8)
	if _, err := AllocPayload(req, AllocWait, MaxVecs+1); !errors.Is(err, ErrRequestTooLarge) {
		t.Fatalf("expected ErrRequestTooLarge, got %v", err)
	}
}

func TestDestroyPool(t *testing.T) {
	set := NewRequestSet()
	if err := set.CreatePool(2); err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	req := newTestRequest(set, DirWrite)
	p, err := AllocPayload(req, AllocNoWait, 1)
	if err != nil {
		t.Fatalf("AllocPayload failed: %v", err)
	}

	set.DestroyPool()
	if set.HasPool() {
		t.Fatalf("pool should be gone after DestroyPool")
	}

	p.Free() // release after destruction falls through to the collector

	req2 := newTestRequest(set, DirWrite)
	p2, err := AllocPayload(req2, AllocNoWait, 1)
	if err != nil {
		t.Fatalf("AllocPayload without a pool failed: %v", err)
	}
	p2.Free()
}

func TestFreeIdempotent(t *testing.T) {
	req := NewRequest(testDevice(), DirWrite, 0, 8)
	p, err := AllocPayload(req, AllocWait, 1)
	if err != nil {
		t.Fatalf("AllocPayload failed: %v", err)
	}
	p.Free()
	if req.Payload() != nil {
		t.Fatalf("payload still attached after Free")
	}
	p.Free() // second Free is a no-op
}

func TestDoubleAttachPanics(t *testing.T) {
	req := NewRequest(testDevice(), DirWrite, 0, 8)
	if _, err := AllocPayload(req, AllocWait, 1); err != nil {
		t.Fatalf("AllocPayload failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic attaching a second payload")
		}
	}()
	AllocPayload(req, AllocWait, 1)
}
