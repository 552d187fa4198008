package pmm

import "frameos/kernel/mm"

// BootMemoryMap is implemented by sources that describe which physical
// memory regions are available for use, typically the memory map handed to
// the kernel by the boot loader.
//
// Implementations must be re-iterable: every call to VisitAvailableRegions
// must yield the same regions. Regions should be listed in ascending address
// order and must not be empty. The Manager tolerates unsorted maps.
type BootMemoryMap interface {
	// VisitAvailableRegions invokes visitor for each available region
	// until the visitor returns false.
	VisitAvailableRegions(visitor mm.RegionVisitor)
}

// TotalAvailable returns the sum of the sizes of all available regions in
// bootMap.
func TotalAvailable(bootMap BootMemoryMap) mm.Size {
	var total mm.Size
	bootMap.VisitAvailableRegions(func(region mm.Region) bool {
		total += mm.Size(region.Size)
		return true
	})
	return total
}

// highestAvailableAddr returns the address of the last byte of the available
// region that ends highest in bootMap. It also reports whether the regions
// were listed in ascending address order. If bootMap contains no regions,
// found is false.
func highestAvailableAddr(bootMap BootMemoryMap) (endAddr uintptr, sorted, found bool) {
	var prevAddr uintptr

	sorted = true
	bootMap.VisitAvailableRegions(func(region mm.Region) bool {
		if region.Size == 0 {
			return true
		}

		if found && region.Addr < prevAddr {
			sorted = false
		}

		if !found || region.EndAddr() > endAddr {
			endAddr = region.EndAddr()
		}

		prevAddr = region.Addr
		found = true
		return true
	})

	return endAddr, sorted, found
}

// pageAvailable returns true if the page starting at pageAddr lies entirely
// inside one of the available regions in bootMap.
func pageAvailable(bootMap BootMemoryMap, pageAddr uintptr) bool {
	var available bool
	bootMap.VisitAvailableRegions(func(region mm.Region) bool {
		available = region.Contains(pageAddr) && region.Contains(pageAddr+mm.PageSize-1)
		return !available
	})
	return available
}
