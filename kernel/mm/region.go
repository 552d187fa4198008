package mm

// Region describes a contiguous range of addresses. A Region is a value
// type; all of its methods are pure.
//
// A Region must not wrap around the end of the address space: Addr+Size-1
// must be representable as a uintptr.
type Region struct {
	// Addr is the address of the first byte in the region.
	Addr uintptr

	// Size is the region length in bytes.
	Size uintptr
}

// EndAddr returns the address of the last byte in the region.
func (r Region) EndAddr() uintptr {
	return r.Addr + r.Size - 1
}

// NextAddrAfter returns the address immediately after the end of the region.
func (r Region) NextAddrAfter() uintptr {
	return r.Addr + r.Size
}

// NextAdjacent returns a region of the requested size that starts right
// after the end of this region.
func (r Region) NextAdjacent(size uintptr) Region {
	return Region{Addr: r.NextAddrAfter(), Size: size}
}

// Contains returns true if addr falls inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Addr && addr-r.Addr < r.Size
}

// PageAlign returns the smallest region that contains r and whose start and
// end boundaries are both multiples of pageSize. An empty region is aligned
// down to the page that contains its address.
func (r Region) PageAlign(pageSize uintptr) Region {
	startAddr := PageAddr(r.Addr, pageSize)
	if r.Size == 0 {
		return Region{Addr: startAddr}
	}

	return Region{
		Addr: startAddr,
		Size: NextPageAddr(r.EndAddr(), pageSize) - startAddr,
	}
}

// RegionVisitor is invoked for each region produced by an iterator. The
// visitor must return true to continue or false to abort the scan.
type RegionVisitor func(region Region) bool

// VisitPages invokes visitor for every pageSize-aligned page that lies
// entirely inside the region, in ascending order. Partially covered pages at
// either end are skipped.
func (r Region) VisitPages(pageSize uintptr, visitor RegionVisitor) {
	if r.Size < pageSize {
		return
	}

	endAddr := r.NextAddrAfter()
	for page := AlignUp(r.Addr, pageSize); page >= r.Addr && endAddr-page >= pageSize; page += pageSize {
		if !visitor(Region{Addr: page, Size: pageSize}) {
			return
		}
	}
}

// PageAddr returns the address of the page that addr belongs to. The
// pageSize argument must be a power of 2.
func PageAddr(addr, pageSize uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

// NextPageAddr returns the address of the page following the page that addr
// belongs to.
func NextPageAddr(addr, pageSize uintptr) uintptr {
	return PageAddr(addr, pageSize) + pageSize
}

// AlignUp rounds addr up to the next multiple of pageSize. Addresses that
// are already aligned are returned unchanged.
func AlignUp(addr, pageSize uintptr) uintptr {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}
