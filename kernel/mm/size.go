package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := Size(PageSize - 1)
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}
