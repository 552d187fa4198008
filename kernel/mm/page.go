// Package mm contains the address, page and frame arithmetic shared by the
// memory management code.
package mm

import (
	"math"

	"frameos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// higher level memory subsystems when new physical frames need to be
// allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}
