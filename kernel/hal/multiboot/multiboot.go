// Package multiboot extracts the physical memory map that a multiboot or
// multiboot2 compliant boot loader hands to the kernel.
package multiboot

import (
	"io"
	"unsafe"

	"frameos/kernel/kfmt"
	"frameos/kernel/mm"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader precedes the contents of every multiboot2 tag. Tags start at
// 8-byte aligned offsets; size covers the header but not the padding.
type tagHeader struct {
	tagType tagType
	size    uint32
}

// mmapHeader precedes the entries of the memory map tag.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown is reported as MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Region returns the entry as an mm.Region.
func (e *MemoryMapEntry) Region() mm.Region {
	return mm.Region{Addr: uintptr(e.PhysAddress), Size: uintptr(e.Length)}
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var infoData uintptr

// SetInfoPtr updates the internal multiboot2 information pointer to the
// given value. This function must be invoked before invoking any other
// multiboot2 function exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes the supplied visitor for each entry of the
// multiboot2 memory map, in the order the boot loader listed them. Entries
// with an unknown type are reported as MemReserved. The boot loader data is
// never modified; the visitor receives a copy of each entry.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size < uint32(unsafe.Sizeof(mmapHeader{})) {
		return
	}

	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	if hdr.entrySize == 0 {
		return
	}

	endPtr := curPtr + uintptr(size)
	curPtr += unsafe.Sizeof(mmapHeader{})

	var entry MemoryMapEntry
	for ; curPtr+uintptr(hdr.entrySize) <= endPtr; curPtr += uintptr(hdr.entrySize) {
		entry = *(*MemoryMapEntry)(unsafe.Pointer(curPtr))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// AvailableMemory exposes the available entries of the multiboot2 memory
// map installed with SetInfoPtr as a boot memory map.
type AvailableMemory struct{}

// VisitAvailableRegions invokes visitor for every non-empty region that the
// boot loader marked as available, in boot loader order.
func (AvailableMemory) VisitAvailableRegions(visitor mm.RegionVisitor) {
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type != MemAvailable || entry.Length == 0 {
			return true
		}
		return visitor(entry.Region())
	})
}

// TotalAvailable returns the number of bytes the boot loader marked as
// available.
func (m AvailableMemory) TotalAvailable() mm.Size {
	var total mm.Size
	m.VisitAvailableRegions(func(region mm.Region) bool {
		total += mm.Size(region.Size)
		return true
	})
	return total
}

// PrintMemoryMap writes every entry of the multiboot2 memory map and the
// total amount of available memory to w.
func PrintMemoryMap(w io.Writer) {
	var totalFree mm.Size

	kfmt.Fprintf(w, "[multiboot] system memory map:\n")
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length, entry.Length, entry.Type.String())

		if entry.Type == MemAvailable {
			totalFree += mm.Size(entry.Length)
		}
		return true
	})
	kfmt.Fprintf(w, "[multiboot] free memory: %dKb\n", uint64(totalFree/mm.Kb))
}

// findTagByType scans the multiboot2 info data for the first tag of the
// specified type. It returns a pointer to the tag contents and the content
// length excluding the tag header, or (0, 0) if the tag is not present. A
// malformed tag or one extending past the total info size ends the scan.
func findTagByType(tagType tagType) (uintptr, uint32) {
	totalSize := uint64(*(*uint32)(unsafe.Pointer(infoData)))

	for off := uint64(8); off+8 <= totalSize; {
		hdr := (*tagHeader)(unsafe.Pointer(infoData + uintptr(off)))
		if hdr.tagType == tagMbSectionEnd || hdr.size < 8 || uint64(hdr.size) > totalSize-off {
			break
		}

		if hdr.tagType == tagType {
			return infoData + uintptr(off) + 8, hdr.size - 8
		}

		off += (uint64(hdr.size) + 7) &^ 7
	}

	return 0, 0
}
