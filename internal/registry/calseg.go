package registry

// CalSegDescriptor is the registry-level description of a calibration
// segment: its name, wire index, byte size, and the addresses of its two
// pages. The live, lockable two-page memory for a segment is owned by
// package calseg; the registry only tracks the bookkeeping needed to
// resolve addresses and to emit the description.
type CalSegDescriptor struct {
	Name            Identifier
	Index           uint16
	Size            uint32
	DefaultPageAddr uint32
	WorkingPageAddr uint32
	LockCount       int32

	// ExternalAddr and ExternalExt are set when the segment was added via
	// AddCalSegByAddr (an externally described, absolute-addressed
	// segment) rather than AddCalSeg.
	ExternalAddr uint32
	ExternalExt  uint8
	IsExternal   bool
}

// Contains reports whether the byte range [offset, offset+size) lies
// entirely within this segment.
func (d CalSegDescriptor) Contains(offset uint32, size uint32) bool {
	end := offset + size
	return size > 0 && end >= offset && end <= d.Size
}
