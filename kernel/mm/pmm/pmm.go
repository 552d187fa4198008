// Package pmm implements the physical memory manager: a bitmap based page
// frame allocator that is bootstrapped from the boot loader's memory map.
package pmm

import (
	"frameos/kernel"
	"frameos/kernel/kfmt"
	"frameos/kernel/mm"
	"frameos/kernel/mm/bitmap"
	"frameos/kernel/sync"
)

// ErrOutOfMemory is returned by AllocPage and AllocFrame when every managed
// page is in use. It is the only recoverable allocation error.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

var (
	// panicFn is invoked when an invariant is violated. Tests replace it to
	// observe the fatal path.
	panicFn = kfmt.Panic

	errNoAvailableMemory  = &kernel.Error{Module: "pmm", Message: "boot memory map contains no available memory"}
	errArenaNotAvailable  = &kernel.Error{Module: "pmm", Message: "page bitmap storage is not backed by available memory"}
	errKernelNotAvailable = &kernel.Error{Module: "pmm", Message: "kernel image is not backed by available memory"}
	errFreeCountMismatch  = &kernel.Error{Module: "pmm", Message: "free page count does not match the page bitmap"}
	errReservedPageFree   = &kernel.Error{Module: "pmm", Message: "reserved page is marked as free"}

	errNotInitialized     = &kernel.Error{Module: "pmm", Message: "manager used before Init"}
	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "manager already initialized"}
	errUnalignedAddress   = &kernel.Error{Module: "pmm", Message: "page address is not page-aligned"}
	errAddressOutOfRange  = &kernel.Error{Module: "pmm", Message: "page address is outside managed memory"}
	errReservedPage       = &kernel.Error{Module: "pmm", Message: "attempt to free a page owned by the kernel image or the page bitmap"}
	errDoubleAlloc        = &kernel.Error{Module: "pmm", Message: "page is already allocated"}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "page is already free"}
	errCorruptedBitmap    = &kernel.Error{Module: "pmm", Message: "page bitmap has no free page but the free count is not zero"}
)

// PhysicalMemory provides word-granular access to physical memory.
type PhysicalMemory interface {
	// Words returns a view of count 64-bit words starting at physical
	// address physAddr. Writes to the view update physical memory.
	Words(physAddr uintptr, count int) []uint64
}

type managerState uint8

const (
	stateUninitialized managerState = iota
	stateInitialized
)

// Manager tracks the allocation state of every physical page below the end
// of the highest available memory region. Bit i of its page bitmap is set
// when the page at physical address i*mm.PageSize is unavailable (reserved
// by the firmware, occupied by the kernel image or the bitmap itself, or
// handed out by AllocPage).
//
// Init only frees pages that lie entirely inside a single available region.
// A page that an available region covers partially stays occupied even when
// neighbouring available regions cover the rest of it, so for maps with
// unaligned boundaries (e.g. [0, 0x800) followed by [0x800, 0x100000)) the
// free count after Init is lower than the total page count minus the kernel
// and bitmap pages.
//
// The zero value is an uninitialized manager; Init must be called exactly
// once before any other method. All methods are serialized by a spinlock
// which is not reentrant: calling a Manager method while already holding its
// lock (e.g. from a nested call on the same CPU) deadlocks.
type Manager struct {
	lock  sync.Spinlock
	state managerState

	bitmap bitmap.Bitmap

	// arena is the physical region that stores the page bitmap.
	arena mm.Region

	// kernelImage is the page-aligned physical placement of the kernel.
	kernelImage mm.Region

	totalPages uint64
	freePages  uint64
}

// Init sets up the manager using the available regions reported by bootMap.
// The page bitmap is placed in physical memory at the first page boundary
// after kernelImage and accessed through mem.
//
// Init returns an error and leaves the manager uninitialized if bootMap
// reports no available memory or if the kernel image or the bitmap storage
// are not backed by available memory. Calling Init on an initialized manager
// is fatal.
func (m *Manager) Init(bootMap BootMemoryMap, kernelImage mm.Region, mem PhysicalMemory) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if m.state != stateUninitialized {
		panicFn(errAlreadyInitialized)
		return errAlreadyInitialized
	}

	endAddr, sorted, found := highestAvailableAddr(bootMap)
	if !found {
		return errNoAvailableMemory
	}

	if !sorted {
		kfmt.Printf("[pmm] warning: boot memory map regions are not in ascending address order\n")
	}

	totalPages := uint64(endAddr >> mm.PageShift)
	if endAddr&(mm.PageSize-1) == mm.PageSize-1 {
		totalPages++
	}
	if totalPages == 0 {
		return errNoAvailableMemory
	}
	managedEnd := uintptr(totalPages) << mm.PageShift

	kernelPages := kernelImage.PageAlign(mm.PageSize)
	bitmapWords := bitmap.WordsFor(totalPages)
	arena := mm.Region{Addr: kernelPages.NextAddrAfter(), Size: uintptr(bitmapWords) * 8}
	arenaPages := arena.PageAlign(mm.PageSize)

	// Validate everything before touching physical memory.
	if arenaPages.NextAddrAfter() > managedEnd || !regionAvailable(bootMap, arenaPages) {
		return errArenaNotAvailable
	}

	if kernelPages.NextAddrAfter() > managedEnd || !regionAvailable(bootMap, kernelPages) {
		return errKernelNotAvailable
	}

	m.bitmap = bitmap.New(mem.Words(arena.Addr, int(bitmapWords)), totalPages)
	m.bitmap.Clear()
	m.totalPages = totalPages
	m.freePages = totalPages

	// Start with every page occupied and free only the pages that lie
	// entirely inside an available region.
	for page := uint64(0); page < totalPages; page++ {
		m.markPage(page, true)
	}

	bootMap.VisitAvailableRegions(func(region mm.Region) bool {
		region.VisitPages(mm.PageSize, func(page mm.Region) bool {
			// Overlapping regions may report the same page twice.
			if index := uint64(page.Addr >> mm.PageShift); m.bitmap.IsBitSet(index) {
				m.markPage(index, false)
			}
			return true
		})
		return true
	})

	m.reserveRegion(kernelPages)
	m.reserveRegion(arenaPages)

	m.arena = arena
	m.kernelImage = kernelPages
	m.state = stateInitialized

	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", kernelImage.Addr, kernelImage.NextAddrAfter())
	kfmt.Printf("[pmm] size: %d bytes, reserved pages: %d\n", uint64(kernelImage.Size), uint64(kernelPages.Size>>mm.PageShift))
	kfmt.Printf("[pmm] page bitmap at 0x%x, size: %d bytes, tracking %d pages\n", arena.Addr, uint64(arena.Size), totalPages)
	kfmt.Printf("[pmm] free pages: %d/%d (%dKb)\n", m.freePages, m.totalPages, m.freePages*uint64(mm.PageSize/1024))

	return nil
}

// AllocPage reserves the lowest free physical page and returns its address.
// If no free pages remain, AllocPage returns ErrOutOfMemory and the manager
// is left unchanged.
func (m *Manager) AllocPage() (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.checkInitialized() {
		return 0, errNotInitialized
	}

	if m.freePages == 0 {
		return 0, ErrOutOfMemory
	}

	page, found := m.bitmap.FindFirstZero()
	if !found {
		panicFn(errCorruptedBitmap)
		return 0, errCorruptedBitmap
	}

	m.markPage(page, true)
	return uintptr(page) << mm.PageShift, nil
}

// FreePage returns the page at physical address addr to the free pool. The
// address must be page-aligned, must refer to a managed page and the page
// must currently be allocated; violating any of these conditions is fatal.
func (m *Manager) FreePage(addr uintptr) {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.checkInitialized() {
		return
	}

	switch {
	case addr&(mm.PageSize-1) != 0:
		panicFn(errUnalignedAddress)
		return
	case uint64(addr>>mm.PageShift) >= m.totalPages:
		panicFn(errAddressOutOfRange)
		return
	case m.kernelImage.Contains(addr), m.arena.PageAlign(mm.PageSize).Contains(addr):
		panicFn(errReservedPage)
		return
	}

	m.markPage(uint64(addr>>mm.PageShift), false)
}

// AllocFrame allocates a physical page and returns it as a mm.Frame. It has
// the signature expected by mm.SetFrameAllocator.
func (m *Manager) AllocFrame() (mm.Frame, *kernel.Error) {
	addr, err := m.AllocPage()
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(addr), nil
}

// FreeFrame releases a frame obtained via AllocFrame.
func (m *Manager) FreeFrame(frame mm.Frame) {
	m.FreePage(frame.Address())
}

// TotalPagesCount returns the number of pages tracked by the manager. This
// includes pages that were never available.
func (m *Manager) TotalPagesCount() uint64 {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.checkInitialized() {
		return 0
	}
	return m.totalPages
}

// FreePagesCount returns the number of pages that can currently be
// allocated.
func (m *Manager) FreePagesCount() uint64 {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.checkInitialized() {
		return 0
	}
	return m.freePages
}

// Audit cross-checks the free page counter against the page bitmap and
// verifies that the pages holding the kernel image and the bitmap are still
// reserved. It runs in time proportional to the number of tracked pages.
func (m *Manager) Audit() *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if !m.checkInitialized() {
		return errNotInitialized
	}

	if m.totalPages-m.bitmap.CountSet() != m.freePages {
		return errFreeCountMismatch
	}

	var err *kernel.Error
	checkReserved := func(page mm.Region) bool {
		if !m.bitmap.IsBitSet(uint64(page.Addr >> mm.PageShift)) {
			err = errReservedPageFree
			return false
		}
		return true
	}

	m.kernelImage.VisitPages(mm.PageSize, checkReserved)
	m.arena.PageAlign(mm.PageSize).VisitPages(mm.PageSize, checkReserved)
	return err
}

// markPage flags the page with the supplied index as occupied or free and
// keeps the free page counter in sync. The page must currently be in the
// opposite state.
func (m *Manager) markPage(page uint64, occupied bool) {
	if m.bitmap.IsBitSet(page) == occupied {
		if occupied {
			panicFn(errDoubleAlloc)
		} else {
			panicFn(errDoubleFree)
		}
		return
	}

	if occupied {
		m.bitmap.SetBit(page)
		m.freePages--
	} else {
		m.bitmap.ClearBit(page)
		m.freePages++
	}
}

// reserveRegion marks every page of the page-aligned region as occupied.
func (m *Manager) reserveRegion(region mm.Region) {
	region.VisitPages(mm.PageSize, func(page mm.Region) bool {
		m.markPage(uint64(page.Addr>>mm.PageShift), true)
		return true
	})
}

func (m *Manager) checkInitialized() bool {
	if m.state != stateInitialized {
		panicFn(errNotInitialized)
		return false
	}
	return true
}

// regionAvailable returns true if every page of the page-aligned region lies
// inside an available region of bootMap.
func regionAvailable(bootMap BootMemoryMap, region mm.Region) bool {
	available := true
	region.VisitPages(mm.PageSize, func(page mm.Region) bool {
		available = pageAvailable(bootMap, page.Addr)
		return available
	})
	return available
}
