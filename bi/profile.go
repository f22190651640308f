package bi

const (
	// SectorShift is the base-2 logarithm of SectorSize.
	SectorShift = 9
	// SectorSize is the unit of the request-level sector counts.
	SectorSize = 1 << SectorShift
)

// ChecksumKind identifies the checksum carried in each integrity interval.
type ChecksumKind uint8

const (
	// CsumNone carries opaque, unchecked protection bytes.
	CsumNone ChecksumKind = iota
	// CsumIP is an IP-style ones-complement checksum.
	CsumIP
	// CsumCRC is a T10-style 16-bit CRC.
	CsumCRC
	// CsumCRC64 is a 64-bit CRC for larger intervals.
	CsumCRC64
)

func (k ChecksumKind) String() string {
	switch k {
	case CsumNone:
		return "none"
	case CsumIP:
		return "ip"
	case CsumCRC:
		return "crc"
	case CsumCRC64:
		return "crc64"
	default:
		return "unknown"
	}
}

// ProfileFlag holds capability bits of a device integrity profile.
type ProfileFlag uint8

const (
	// ProfileNoVerify disables read-side verification for the device.
	ProfileNoVerify ProfileFlag = 1 << iota
	// ProfileNoGenerate disables write-side generation for the device.
	ProfileNoGenerate
)

// Profile describes a device's integrity capabilities. It is read-only to
// this subsystem.
type Profile struct {
	Flags ProfileFlag
	Csum  ChecksumKind

	// TupleSize is the number of protection bytes per integrity interval.
	TupleSize uint32
	// IntervalSectors is the number of data sectors one interval covers.
	// Zero means one sector per interval.
	IntervalSectors uint32
}

// Intervals converts a data sector count into an integrity interval count.
func (p *Profile) Intervals(sectors uint64) uint64 {
	is := uint64(p.IntervalSectors)
	if is == 0 {
		is = 1
	}
	return sectors / is
}

// MetaBytes returns the protection bytes needed to cover the given number
// of data sectors.
func (p *Profile) MetaBytes(sectors uint64) uint32 {
	return uint32(p.Intervals(sectors)) * p.TupleSize
}

// Limits captures the hardware constraints the merge engine and the user
// mapper must respect.
type Limits struct {
	// MaxHWSectors bounds the data sectors a single request may carry.
	MaxHWSectors uint64
	// MaxIntegritySegments bounds the integrity scatter-gather vector length.
	MaxIntegritySegments int
	// MaxSegmentSize bounds a single merged segment. Zero means unlimited.
	MaxSegmentSize uint32
	// SegmentBoundaryMask disallows segments straddling the masked boundary.
	// Zero permits arbitrary gaps between segments.
	SegmentBoundaryMask uint64
	// DMAAlignment is the address and length alignment mask a caller buffer
	// must satisfy for zero-copy mapping.
	DMAAlignment uint64
}

// Device is the target of integrity-carrying requests. A nil Integrity
// profile means the device takes no protection information.
type Device struct {
	Name      string
	Integrity *Profile
	Limits    Limits
}
