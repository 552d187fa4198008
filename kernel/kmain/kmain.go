// Package kmain contains the kernel entrypoint that the rt0 code hands
// control to.
package kmain

import (
	"frameos/kernel"
	"frameos/kernel/hal/multiboot"
	"frameos/kernel/kfmt"
	"frameos/kernel/mm"
	"frameos/kernel/mm/layout"
	"frameos/kernel/mm/pmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// frameManager is the system-wide physical memory manager. Its zero
	// value is valid so it lives in the kernel's .bss section.
	frameManager pmm.Manager

	// physicalMemory provides access to the page bitmap storage. The rt0
	// code maps low physical memory at KernelVirtualBase.
	physicalMemory pmm.PhysicalMemory = layout.DirectMap{Base: layout.KernelVirtualBase}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to use
// the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot2 info payload provided by
// the boot loader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	multiboot.PrintMemoryMap(nil)

	kernelImage := layout.Kernel{PhysStart: kernelStart, PhysEnd: kernelEnd}
	if err := frameManager.Init(multiboot.AvailableMemory{}, kernelImage.PhysicalPlacement(), physicalMemory); err != nil {
		panicFn(err)
		return
	}

	mm.SetFrameAllocator(allocFrame)

	// Use panicFn instead of panic to prevent the compiler from treating
	// kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// allocFrame is passed to mm.SetFrameAllocator instead of
// frameManager.AllocFrame. The method value confuses the compiler's escape
// analysis into thinking that frameManager escapes to the heap.
func allocFrame() (mm.Frame, *kernel.Error) {
	return frameManager.AllocFrame()
}
