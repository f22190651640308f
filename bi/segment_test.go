package bi

import (
	"testing"

	"github.com/rocketbitz/blkintegrity-go/internal/mempage"
)

func segmentTestPayload(t *testing.T, dev *Device, nrVecs int) *Payload {
	t.Helper()
	req := NewRequest(dev, DirWrite, 0, 8)
	p, err := AllocPayload(req, AllocWait, nrVecs)
	if err != nil {
		t.Fatalf("AllocPayload failed: %v", err)
	}
	return p
}

func TestAddSegmentMergesContiguous(t *testing.T) {
	p := segmentTestPayload(t, testDevice(), 4)
	region := mempage.AllocRegion(2)

	if n := p.AddSegment(region.Page(0), 512, 0); n != 512 {
		t.Fatalf("first AddSegment accepted %d bytes", n)
	}
	if n := p.AddSegment(region.Page(0), 512, 512); n != 512 {
		t.Fatalf("contiguous AddSegment accepted %d bytes", n)
	}
	if p.SegmentCount() != 1 {
		t.Fatalf("contiguous bytes should merge into one segment, got %d", p.SegmentCount())
	}
	if p.Segments()[0].Len != 1024 {
		t.Fatalf("merged segment length %d, want 1024", p.Segments()[0].Len)
	}

	// A hole before the second page ends the run.
	if n := p.AddSegment(region.Page(1), 512, 8); n != 512 {
		t.Fatalf("gapped AddSegment accepted %d bytes", n)
	}
	if p.SegmentCount() != 2 {
		t.Fatalf("expected a second segment, got %d", p.SegmentCount())
	}
	if p.BytesRemaining() != 1536 {
		t.Fatalf("payload carries %d bytes, want 1536", p.BytesRemaining())
	}
}

func TestAddSegmentRespectsSegmentSizeCap(t *testing.T) {
	dev := testDevice()
	dev.Limits.MaxSegmentSize = 512
	p := segmentTestPayload(t, dev, 4)
	region := mempage.AllocRegion(1)

	if n := p.AddSegment(region.Page(0), 512, 0); n != 512 {
		t.Fatalf("first AddSegment accepted %d bytes", n)
	}
	if n := p.AddSegment(region.Page(0), 512, 512); n != 512 {
		t.Fatalf("capped AddSegment accepted %d bytes", n)
	}
	if p.SegmentCount() != 2 {
		t.Fatalf("merge past the size cap should split, got %d segments", p.SegmentCount())
	}
}

func TestAddSegmentVectorFull(t *testing.T) {
	p := segmentTestPayload(t, testDevice(), 1)
	a := mempage.AllocRegion(1)
	b := mempage.AllocRegion(1)

	if n := p.AddSegment(a.Page(0), 256, 0); n != 256 {
		t.Fatalf("first AddSegment accepted %d bytes", n)
	}
	if n := p.AddSegment(b.Page(0), 256, 0); n != 0 {
		t.Fatalf("full vector should accept 0 bytes, got %d", n)
	}
	if p.SegmentCount() != 1 || p.BytesRemaining() != 256 {
		t.Fatalf("rejected segment mutated the payload")
	}
}

func TestAddSegmentDeviceSegmentLimit(t *testing.T) {
	dev := testDevice()
	dev.Limits.MaxIntegritySegments = 1
	p := segmentTestPayload(t, dev, 4)
	a := mempage.AllocRegion(1)
	b := mempage.AllocRegion(1)

	if n := p.AddSegment(a.Page(0), 256, 0); n != 256 {
		t.Fatalf("first AddSegment accepted %d bytes", n)
	}
	if n := p.AddSegment(b.Page(0), 256, 0); n != 0 {
		t.Fatalf("device segment limit should reject, got %d", n)
	}
}

func TestAddSegmentBoundaryMask(t *testing.T) {
	dev := testDevice()
	dev.Limits.SegmentBoundaryMask = mempage.PageSize - 1
	p := segmentTestPayload(t, dev, 4)
	a := mempage.AllocRegion(1)
	b := mempage.AllocRegion(1)

	if n := p.AddSegment(a.Page(0), mempage.PageSize, 0); n != mempage.PageSize {
		t.Fatalf("first AddSegment accepted %d bytes", n)
	}
	if n := p.AddSegment(b.Page(0), 512, 100); n != 0 {
		t.Fatalf("offset inside the boundary should reject, got %d", n)
	}
	if n := p.AddSegment(b.Page(0), 512, 0); n != 512 {
		t.Fatalf("boundary-aligned segment accepted %d bytes", n)
	}
}

func TestAddSegmentCloneShell(t *testing.T) {
	p := segmentTestPayload(t, testDevice(), 0)
	region := mempage.AllocRegion(1)
	if n := p.AddSegment(region.Page(0), 512, 0); n != 0 {
		t.Fatalf("clone shell without capacity accepted %d bytes", n)
	}
}
