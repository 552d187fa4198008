// Package layout describes where the kernel image lives in physical and
// virtual memory and how physical memory is reached from kernel code.
package layout

import (
	"unsafe"

	"frameos/kernel/mm"
)

// KernelVirtualBase is the virtual address that physical address 0 is mapped
// to by the rt0 code. The kernel image is linked at this address plus its
// physical load address; it must be kept in sync with the linker script.
const KernelVirtualBase = uintptr(0xFFFFFFFF80000000)

// Kernel describes the physical placement of the loaded kernel image. The rt0
// code computes both addresses from the linker symbols that delimit the
// image.
type Kernel struct {
	// PhysStart is the physical address of the first byte of the image.
	PhysStart uintptr

	// PhysEnd is the physical address right after the last byte of the image.
	PhysEnd uintptr
}

// Size returns the size of the kernel image in bytes.
func (k Kernel) Size() uintptr {
	return k.PhysEnd - k.PhysStart
}

// PhysicalPlacement returns the region occupied by the kernel image in
// physical memory.
func (k Kernel) PhysicalPlacement() mm.Region {
	return mm.Region{Addr: k.PhysStart, Size: k.Size()}
}

// VirtualPlacement returns the region occupied by the kernel image in the
// kernel's virtual address space.
func (k Kernel) VirtualPlacement() mm.Region {
	return mm.Region{Addr: k.PhysStart + KernelVirtualBase, Size: k.Size()}
}

// PhysicalAddr returns the physical address for a kernel virtual address.
// It is only valid for addresses inside the higher-half kernel mapping.
func PhysicalAddr(virtAddr uintptr) uintptr {
	return virtAddr - KernelVirtualBase
}

// PhysicalRegion returns the physical region backing a region of the
// higher-half kernel mapping.
func PhysicalRegion(virtRegion mm.Region) mm.Region {
	return mm.Region{Addr: PhysicalAddr(virtRegion.Addr), Size: virtRegion.Size}
}

// DirectMap provides access to physical memory through a linear mapping
// where physical address p is reachable at virtual address Base+p.
type DirectMap struct {
	Base uintptr
}

// Words returns a []uint64 view of count words starting at physical address
// physAddr. The returned slice aliases physical memory; no copy is made.
func (m DirectMap) Words(physAddr uintptr, count int) []uint64 {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(m.Base+physAddr)), count)
}
