package multiboot

import (
	"encoding/binary"
	"unsafe"

	"frameos/kernel"
	"frameos/kernel/mm"
)

// Flag bits of the multiboot (v1) info structure.
const (
	legacyFlagMemInfo = 1 << 0
	legacyFlagMemMap  = 1 << 6
)

// Offsets into the multiboot (v1) info structure.
const (
	legacyOffFlags      = 0
	legacyOffMemLower   = 4
	legacyOffMemUpper   = 8
	legacyOffMmapLength = 44
	legacyOffMmapAddr   = 48

	// Size of the info structure up to and including mmap_addr.
	legacyInfoSize = 52

	// A v1 memory map entry is {size u32, addr u64, len u64, type u32}. The
	// size field does not count itself.
	legacyEntrySize = 24

	legacyEntryTypeAvailable = 1
)

var (
	errNoLegacyMemMap  = &kernel.Error{Module: "multiboot", Message: "boot loader did not provide a memory map"}
	errNoLegacyMemInfo = &kernel.Error{Module: "multiboot", Message: "boot loader did not provide basic memory info"}
)

// LegacyInfo provides access to the memory map of a multiboot (v1) info
// structure.
type LegacyInfo struct {
	flags      uint32
	memLower   uint32
	memUpper   uint32
	mmapLength uint32
	mmapAddr   uint32

	// physBase is added to the physical addresses stored in the info
	// structure to obtain an address the kernel can dereference.
	physBase uintptr
}

// NewLegacyInfo parses the multiboot (v1) info structure at infoPtr. The
// memory map address stored in the structure is physical; it is accessed at
// physBase plus that address. An error is returned if the boot loader did not
// supply a memory map.
func NewLegacyInfo(infoPtr, physBase uintptr) (LegacyInfo, *kernel.Error) {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(infoPtr)), legacyInfoSize)

	info := LegacyInfo{
		flags:    binary.LittleEndian.Uint32(raw[legacyOffFlags:]),
		physBase: physBase,
	}

	if info.flags&legacyFlagMemMap == 0 {
		return LegacyInfo{}, errNoLegacyMemMap
	}

	info.mmapLength = binary.LittleEndian.Uint32(raw[legacyOffMmapLength:])
	info.mmapAddr = binary.LittleEndian.Uint32(raw[legacyOffMmapAddr:])

	if info.flags&legacyFlagMemInfo != 0 {
		info.memLower = binary.LittleEndian.Uint32(raw[legacyOffMemLower:])
		info.memUpper = binary.LittleEndian.Uint32(raw[legacyOffMemUpper:])
	}

	return info, nil
}

// LowerMemory returns the amount of conventional memory below 1M in bytes.
func (i LegacyInfo) LowerMemory() (mm.Size, *kernel.Error) {
	if i.flags&legacyFlagMemInfo == 0 {
		return 0, errNoLegacyMemInfo
	}
	return mm.Size(i.memLower) * mm.Kb, nil
}

// UpperMemory returns the amount of memory starting at 1M in bytes.
func (i LegacyInfo) UpperMemory() (mm.Size, *kernel.Error) {
	if i.flags&legacyFlagMemInfo == 0 {
		return 0, errNoLegacyMemInfo
	}
	return mm.Size(i.memUpper) * mm.Kb, nil
}

// VisitMemRegions invokes visitor for each entry of the memory map. Entry
// types other than available are reported as MemReserved.
func (i LegacyInfo) VisitMemRegions(visitor MemRegionVisitor) {
	if i.mmapLength == 0 {
		return
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(i.physBase+uintptr(i.mmapAddr))), i.mmapLength)

	var (
		entry     MemoryMapEntry
		mapLength = uint64(i.mmapLength)
	)
	for off := uint64(0); off+legacyEntrySize <= mapLength; {
		// Entries that are too small or that would extend past the end of
		// the map terminate the walk.
		entrySize := uint64(binary.LittleEndian.Uint32(raw[off:])) + 4
		if entrySize < legacyEntrySize || entrySize > mapLength-off {
			return
		}

		entry.PhysAddress = binary.LittleEndian.Uint64(raw[off+4:])
		entry.Length = binary.LittleEndian.Uint64(raw[off+12:])
		entry.Type = MemReserved
		if binary.LittleEndian.Uint32(raw[off+20:]) == legacyEntryTypeAvailable {
			entry.Type = MemAvailable
		}

		if !visitor(&entry) {
			return
		}

		off += entrySize
	}
}

// VisitAvailableRegions invokes visitor for every non-empty region that the
// boot loader marked as available.
func (i LegacyInfo) VisitAvailableRegions(visitor mm.RegionVisitor) {
	i.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type != MemAvailable || entry.Length == 0 {
			return true
		}
		return visitor(entry.Region())
	})
}

// TotalAvailable returns the number of bytes the boot loader marked as
// available.
func (i LegacyInfo) TotalAvailable() mm.Size {
	var total mm.Size
	i.VisitAvailableRegions(func(region mm.Region) bool {
		total += mm.Size(region.Size)
		return true
	})
	return total
}
