package pmm

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
	"time"

	"frameos/kernel"
	"frameos/kernel/kfmt"
	"frameos/kernel/mm"
)

// fakeBootMap is a BootMemoryMap backed by a list of regions.
type fakeBootMap []mm.Region

func (m fakeBootMap) VisitAvailableRegions(visitor mm.RegionVisitor) {
	for _, region := range m {
		if !visitor(region) {
			return
		}
	}
}

// fakeMemory hands out junk-filled word slices in place of physical memory
// and records the requests it receives.
type fakeMemory struct {
	calls    int
	physAddr uintptr
	words    []uint64
}

func (m *fakeMemory) Words(physAddr uintptr, count int) []uint64 {
	m.calls++
	m.physAddr = physAddr
	m.words = make([]uint64, count)
	for i := range m.words {
		m.words[i] = 0xf0f0f0f0f0f0f0f0
	}
	return m.words
}

// mockPanic replaces panicFn with a function that records the errors it is
// invoked with. The returned func restores the original panicFn.
func mockPanic() (*[]*kernel.Error, func()) {
	var got []*kernel.Error
	panicFn = func(e interface{}) {
		err, _ := e.(*kernel.Error)
		got = append(got, err)
	}
	return &got, func() { panicFn = kfmt.Panic }
}

// oneMegMap describes a machine with 1M of RAM and the kernel image loaded
// at 64K. The bitmap for 256 pages fits in 4 words that are placed in the
// page following the kernel image.
var (
	oneMegMap    = fakeBootMap{{Addr: 0, Size: 0x100000}}
	oneMegKernel = mm.Region{Addr: 0x10000, Size: 0x4321}
)

func initManager(t *testing.T, bootMap BootMemoryMap, kernelImage mm.Region) (*Manager, *fakeMemory) {
	t.Helper()

	var (
		m   Manager
		mem fakeMemory
	)

	if err := m.Init(bootMap, kernelImage, &mem); err != nil {
		t.Fatalf("unexpected Init error: %v", err)
	}

	return &m, &mem
}

func TestManagerInit(t *testing.T) {
	m, mem := initManager(t, oneMegMap, oneMegKernel)

	if exp, got := uint64(256), m.TotalPagesCount(); got != exp {
		t.Fatalf("expected total page count to be %d; got %d", exp, got)
	}

	// 5 pages for the kernel image and 1 page for the bitmap.
	if exp, got := uint64(256-5-1), m.FreePagesCount(); got != exp {
		t.Fatalf("expected free page count to be %d; got %d", exp, got)
	}

	if mem.calls != 1 || mem.physAddr != 0x15000 || len(mem.words) != 4 {
		t.Fatalf("expected bitmap storage to be requested once at 0x15000 with 4 words; got %d calls, addr 0x%x, %d words", mem.calls, mem.physAddr, len(mem.words))
	}

	// Pages 16 to 21 are reserved; the junk in the storage must be gone.
	expWords := []uint64{0x3f << 16, 0, 0, 0}
	for i, exp := range expWords {
		if mem.words[i] != exp {
			t.Errorf("expected bitmap word %d to be 0x%x; got 0x%x", i, exp, mem.words[i])
		}
	}

	if err := m.Audit(); err != nil {
		t.Fatalf("unexpected Audit error: %v", err)
	}
}

func TestManagerInitPartialPages(t *testing.T) {
	specs := []struct {
		bootMap      fakeBootMap
		kernelImage  mm.Region
		expTotal     uint64
		expFree      uint64
		expArenaAddr uintptr
	}{
		// The first and last pages are only partially available.
		{
			fakeBootMap{{Addr: 0x800, Size: 0x100000 - 0x1000}},
			oneMegKernel,
			255, 255 - 1 - 6, 0x15000,
		},
		// Page 0 is split between two adjacent regions and stays occupied.
		{
			fakeBootMap{{Addr: 0, Size: 0x800}, {Addr: 0x800, Size: 0x100000 - 0x800}},
			oneMegKernel,
			256, 256 - 1 - 6, 0x15000,
		},
		// Overlapping regions
		{
			fakeBootMap{{Addr: 0, Size: 0x80000}, {Addr: 0x40000, Size: 0xc0000}},
			oneMegKernel,
			256, 256 - 6, 0x15000,
		},
		// Hole between two regions and an empty kernel image
		{
			fakeBootMap{{Addr: 0, Size: 0x9f000}, {Addr: 0x100000, Size: 0x100000}},
			mm.Region{Addr: 0x100000},
			512, 0x9f + 256 - 1, 0x100000,
		},
		// A region ending one byte short of a page boundary
		{
			fakeBootMap{{Addr: 0, Size: 0x10fff}},
			mm.Region{Addr: 0x1000, Size: 0x1000},
			16, 16 - 1 - 1, 0x2000,
		},
		// A region ending at the last byte of a page
		{
			fakeBootMap{{Addr: 0, Size: 0x11000}},
			mm.Region{Addr: 0x1000, Size: 0x1000},
			17, 17 - 1 - 1, 0x2000,
		},
	}

	for specIndex, spec := range specs {
		var (
			m   Manager
			mem fakeMemory
		)

		if err := m.Init(spec.bootMap, spec.kernelImage, &mem); err != nil {
			t.Errorf("[spec %d] unexpected Init error: %v", specIndex, err)
			continue
		}

		if got := m.TotalPagesCount(); got != spec.expTotal {
			t.Errorf("[spec %d] expected total page count to be %d; got %d", specIndex, spec.expTotal, got)
		}

		if got := m.FreePagesCount(); got != spec.expFree {
			t.Errorf("[spec %d] expected free page count to be %d; got %d", specIndex, spec.expFree, got)
		}

		if mem.physAddr != spec.expArenaAddr {
			t.Errorf("[spec %d] expected bitmap storage at 0x%x; got 0x%x", specIndex, spec.expArenaAddr, mem.physAddr)
		}

		if err := m.Audit(); err != nil {
			t.Errorf("[spec %d] unexpected Audit error: %v", specIndex, err)
		}
	}
}

func TestManagerInitUnsortedMap(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	bootMap := fakeBootMap{
		{Addr: 0x100000, Size: 0x100000},
		{Addr: 0, Size: 0x9f000},
	}

	m, _ := initManager(t, bootMap, mm.Region{Addr: 0x100000, Size: 0x10000})

	if exp, got := uint64(512), m.TotalPagesCount(); got != exp {
		t.Fatalf("expected total page count to be %d; got %d", exp, got)
	}

	// 16 kernel pages and 1 bitmap page are reserved.
	if exp, got := uint64(0x9f+256-17), m.FreePagesCount(); got != exp {
		t.Fatalf("expected free page count to be %d; got %d", exp, got)
	}

	if !strings.Contains(buf.String(), "[pmm] warning: boot memory map regions are not in ascending address order") {
		t.Fatalf("expected a warning about the unsorted memory map; got:\n%s", buf.String())
	}
}

func TestManagerInitErrors(t *testing.T) {
	specs := []struct {
		descr       string
		bootMap     fakeBootMap
		kernelImage mm.Region
		expErr      *kernel.Error
	}{
		{
			"empty map",
			nil,
			oneMegKernel,
			errNoAvailableMemory,
		},
		{
			"only empty regions",
			fakeBootMap{{Addr: 0x1000}},
			oneMegKernel,
			errNoAvailableMemory,
		},
		{
			"less than a page",
			fakeBootMap{{Addr: 0, Size: 0x800}},
			mm.Region{},
			errNoAvailableMemory,
		},
		{
			"bitmap past the end of memory",
			oneMegMap,
			mm.Region{Addr: 0xfe000, Size: 0x2000},
			errArenaNotAvailable,
		},
		{
			"bitmap inside a memory hole",
			fakeBootMap{{Addr: 0, Size: 0x9f000}, {Addr: 0x100000, Size: 0x100000}},
			mm.Region{Addr: 0x90000, Size: 0xf000},
			errArenaNotAvailable,
		},
		{
			"kernel inside a memory hole",
			fakeBootMap{{Addr: 0, Size: 0x10000}, {Addr: 0x20000, Size: 0xe0000}},
			mm.Region{Addr: 0x1f000, Size: 0x1000},
			errKernelNotAvailable,
		},
		{
			"kernel past the end of memory",
			oneMegMap,
			mm.Region{Addr: 0x200000, Size: 0x1000},
			errArenaNotAvailable,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var (
				m   Manager
				mem fakeMemory
			)

			if err := m.Init(spec.bootMap, spec.kernelImage, &mem); err != spec.expErr {
				t.Fatalf("expected to get error %v; got %v", spec.expErr, err)
			}

			if mem.calls != 0 {
				t.Fatal("expected Init not to touch physical memory when it fails")
			}

			if m.state != stateUninitialized {
				t.Fatal("expected the manager to remain uninitialized")
			}

			// The manager can still be initialized with a valid map.
			if err := m.Init(oneMegMap, oneMegKernel, &mem); err != nil {
				t.Fatalf("unexpected Init error: %v", err)
			}
		})
	}
}

func TestManagerAllocPage(t *testing.T) {
	m, _ := initManager(t, oneMegMap, oneMegKernel)

	// Pages are handed out lowest first, skipping the kernel image and the
	// bitmap storage.
	expAddrs := make([]uintptr, 0, 17)
	for page := uintptr(0); page < 16; page++ {
		expAddrs = append(expAddrs, page*mm.PageSize)
	}
	expAddrs = append(expAddrs, 0x16000)

	for i, exp := range expAddrs {
		got, err := m.AllocPage()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if got != exp {
			t.Errorf("[alloc %d] expected to get page 0x%x; got 0x%x", i, exp, got)
		}
	}

	if exp, got := uint64(250-17), m.FreePagesCount(); got != exp {
		t.Fatalf("expected free page count to be %d; got %d", exp, got)
	}
}

func TestManagerAllocUntilExhausted(t *testing.T) {
	m, _ := initManager(t, oneMegMap, oneMegKernel)

	var (
		initialFree = m.FreePagesCount()
		seen        = make(map[uintptr]bool)
		allocCount  uint64
	)

	for {
		addr, err := m.AllocPage()
		if err == ErrOutOfMemory {
			break
		}

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if seen[addr] {
			t.Fatalf("page 0x%x allocated twice", addr)
		}

		if oneMegKernel.PageAlign(mm.PageSize).Contains(addr) || addr == 0x15000 {
			t.Fatalf("allocated reserved page 0x%x", addr)
		}

		seen[addr] = true
		allocCount++
	}

	if allocCount != initialFree {
		t.Fatalf("expected %d successful allocations; got %d", initialFree, allocCount)
	}

	if got := m.FreePagesCount(); got != 0 {
		t.Fatalf("expected free page count to be 0; got %d", got)
	}

	// Exhaustion is not sticky state corruption.
	for i := 0; i < 3; i++ {
		if _, err := m.AllocPage(); err != ErrOutOfMemory {
			t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
		}
	}

	m.FreePage(0x42000)

	if got, err := m.AllocPage(); err != nil || got != 0x42000 {
		t.Fatalf("expected to allocate the freed page 0x42000; got 0x%x, %v", got, err)
	}

	if err := m.Audit(); err != nil {
		t.Fatalf("unexpected Audit error: %v", err)
	}
}

func TestManagerAllocFree(t *testing.T) {
	m, _ := initManager(t, oneMegMap, oneMegKernel)

	freeBefore := m.FreePagesCount()

	addr, err := m.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	if got := m.FreePagesCount(); got != freeBefore-1 {
		t.Fatalf("expected free page count to be %d after alloc; got %d", freeBefore-1, got)
	}

	m.FreePage(addr)

	if got := m.FreePagesCount(); got != freeBefore {
		t.Fatalf("expected free page count to be %d after free; got %d", freeBefore, got)
	}

	if got, _ := m.AllocPage(); got != addr {
		t.Fatalf("expected the freed page 0x%x to be handed out again; got 0x%x", addr, got)
	}
}

func TestManagerAllocFreeFrame(t *testing.T) {
	m, _ := initManager(t, fakeBootMap{{Addr: 0, Size: 0x4000}}, mm.Region{Addr: 0x1000, Size: 0x1000})

	// Pages 1 and 2 hold the kernel image and the bitmap.
	specs := []mm.Frame{0, 3}
	for i, exp := range specs {
		frame, err := m.AllocFrame()
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if frame != exp {
			t.Errorf("[alloc %d] expected frame %d; got %d", i, exp, frame)
		}
	}

	if frame, err := m.AllocFrame(); err != ErrOutOfMemory || frame.Valid() {
		t.Fatalf("expected to get an invalid frame and ErrOutOfMemory; got %d, %v", frame, err)
	}

	m.FreeFrame(3)

	if got := m.FreePagesCount(); got != 1 {
		t.Fatalf("expected free page count to be 1; got %d", got)
	}
}

func TestManagerFatalErrors(t *testing.T) {
	got, restore := mockPanic()
	defer restore()

	expectFatal := func(t *testing.T, exp *kernel.Error) {
		t.Helper()
		if len(*got) != 1 || (*got)[0] != exp {
			t.Fatalf("expected panicFn to be called once with %v; got %v", exp, *got)
		}
		*got = (*got)[:0]
	}

	t.Run("use before init", func(t *testing.T) {
		var m Manager

		if _, err := m.AllocPage(); err != errNotInitialized {
			t.Fatalf("expected AllocPage to return errNotInitialized; got %v", err)
		}
		expectFatal(t, errNotInitialized)

		m.FreePage(0x1000)
		expectFatal(t, errNotInitialized)

		if m.TotalPagesCount() != 0 {
			t.Fatal("expected TotalPagesCount to return 0")
		}
		expectFatal(t, errNotInitialized)

		if m.FreePagesCount() != 0 {
			t.Fatal("expected FreePagesCount to return 0")
		}
		expectFatal(t, errNotInitialized)

		if err := m.Audit(); err != errNotInitialized {
			t.Fatalf("expected Audit to return errNotInitialized; got %v", err)
		}
		expectFatal(t, errNotInitialized)
	})

	t.Run("init twice", func(t *testing.T) {
		m, mem := initManager(t, oneMegMap, oneMegKernel)

		if err := m.Init(oneMegMap, oneMegKernel, mem); err != errAlreadyInitialized {
			t.Fatalf("expected second Init to return errAlreadyInitialized; got %v", err)
		}
		expectFatal(t, errAlreadyInitialized)

		if mem.calls != 1 {
			t.Fatal("expected second Init not to touch physical memory")
		}
	})

	t.Run("invalid free", func(t *testing.T) {
		m, _ := initManager(t, oneMegMap, oneMegKernel)
		freeBefore := m.FreePagesCount()

		specs := []struct {
			addr   uintptr
			expErr *kernel.Error
		}{
			{0x20000, errDoubleFree},
			{0x20001, errUnalignedAddress},
			{0x100000, errAddressOutOfRange},
			{0xffffffff000, errAddressOutOfRange},
			{0x10000, errReservedPage},
			{0x14000, errReservedPage},
			{0x15000, errReservedPage},
		}

		for specIndex, spec := range specs {
			m.FreePage(spec.addr)
			if len(*got) != 1 || (*got)[0] != spec.expErr {
				t.Errorf("[spec %d] expected FreePage(0x%x) to be fatal with %v; got %v", specIndex, spec.addr, spec.expErr, *got)
			}
			*got = (*got)[:0]
		}

		if m.FreePagesCount() != freeBefore {
			t.Fatal("expected invalid frees to leave the free page count unchanged")
		}
	})

	t.Run("double free after alloc", func(t *testing.T) {
		m, _ := initManager(t, oneMegMap, oneMegKernel)

		addr, _ := m.AllocPage()
		m.FreePage(addr)
		if len(*got) != 0 {
			t.Fatalf("unexpected fatal error: %v", *got)
		}

		m.FreePage(addr)
		expectFatal(t, errDoubleFree)
	})

	t.Run("double alloc", func(t *testing.T) {
		m, _ := initManager(t, oneMegMap, oneMegKernel)

		addr, _ := m.AllocPage()
		m.markPage(uint64(addr>>mm.PageShift), true)
		expectFatal(t, errDoubleAlloc)
	})

	t.Run("corrupted free count", func(t *testing.T) {
		m, _ := initManager(t, fakeBootMap{{Addr: 0, Size: 0x4000}}, mm.Region{Addr: 0x1000, Size: 0x1000})

		m.AllocPage()
		m.AllocPage()
		m.freePages = 1

		if _, err := m.AllocPage(); err != errCorruptedBitmap {
			t.Fatalf("expected to get errCorruptedBitmap; got %v", err)
		}
		expectFatal(t, errCorruptedBitmap)
	})
}

func TestManagerAudit(t *testing.T) {
	m, _ := initManager(t, oneMegMap, oneMegKernel)

	if err := m.Audit(); err != nil {
		t.Fatalf("unexpected Audit error: %v", err)
	}

	m.freePages++
	if err := m.Audit(); err != errFreeCountMismatch {
		t.Fatalf("expected Audit to return errFreeCountMismatch; got %v", err)
	}
	m.freePages--

	// Flag a kernel page as free while keeping the counter consistent.
	m.bitmap.ClearBit(0x12)
	m.freePages++
	if err := m.Audit(); err != errReservedPageFree {
		t.Fatalf("expected Audit to return errReservedPageFree; got %v", err)
	}
}

func TestManagerRandomAllocFree(t *testing.T) {
	m, _ := initManager(t, oneMegMap, oneMegKernel)

	var (
		rng       = rand.New(rand.NewSource(42))
		allocated []uintptr
		reserved  = 6
	)

	for step := 0; step < 5000; step++ {
		if len(allocated) == 0 || rng.Intn(3) != 0 {
			addr, err := m.AllocPage()
			if err == ErrOutOfMemory {
				continue
			}
			if err != nil {
				t.Fatalf("[step %d] unexpected error: %v", step, err)
			}
			allocated = append(allocated, addr)
		} else {
			index := rng.Intn(len(allocated))
			m.FreePage(allocated[index])
			allocated[index] = allocated[len(allocated)-1]
			allocated = allocated[:len(allocated)-1]
		}

		if exp, got := m.TotalPagesCount()-uint64(reserved+len(allocated)), m.FreePagesCount(); got != exp {
			t.Fatalf("[step %d] expected free page count to be %d; got %d", step, exp, got)
		}
	}

	if err := m.Audit(); err != nil {
		t.Fatalf("unexpected Audit error: %v", err)
	}
}

func TestManagerLockIsNotReentrant(t *testing.T) {
	m, _ := initManager(t, oneMegMap, oneMegKernel)

	// Emulate a caller that already holds the lock.
	m.lock.Acquire()

	done := make(chan uint64)
	go func() {
		done <- m.FreePagesCount()
	}()

	select {
	case <-done:
		t.Fatal("expected FreePagesCount to block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	m.lock.Release()

	select {
	case got := <-done:
		if exp := uint64(250); got != exp {
			t.Fatalf("expected free page count to be %d; got %d", exp, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected FreePagesCount to complete once the lock is released")
	}
}

func TestManagerConcurrentAlloc(t *testing.T) {
	m, _ := initManager(t, oneMegMap, oneMegKernel)

	const workers = 4
	results := make(chan []uintptr, workers)
	for i := 0; i < workers; i++ {
		go func() {
			var addrs []uintptr
			for {
				addr, err := m.AllocPage()
				if err != nil {
					break
				}
				addrs = append(addrs, addr)
			}
			results <- addrs
		}()
	}

	seen := make(map[uintptr]bool)
	for i := 0; i < workers; i++ {
		for _, addr := range <-results {
			if seen[addr] {
				t.Fatalf("page 0x%x allocated twice", addr)
			}
			seen[addr] = true
		}
	}

	if exp := 250; len(seen) != exp {
		t.Fatalf("expected %d pages to be allocated; got %d", exp, len(seen))
	}
}

func TestTotalAvailable(t *testing.T) {
	specs := []struct {
		bootMap fakeBootMap
		exp     mm.Size
	}{
		{nil, 0},
		{oneMegMap, mm.Mb},
		{fakeBootMap{{Addr: 0, Size: 0x9fc00}, {Addr: 0x100000, Size: 0x7ee0000}}, 0x9fc00 + 0x7ee0000},
	}

	for specIndex, spec := range specs {
		if got := TotalAvailable(spec.bootMap); got != spec.exp {
			t.Errorf("[spec %d] expected TotalAvailable to return %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestHighestAvailableAddr(t *testing.T) {
	specs := []struct {
		bootMap   fakeBootMap
		expEnd    uintptr
		expSorted bool
		expFound  bool
	}{
		{nil, 0, true, false},
		{fakeBootMap{{Addr: 0x1000}}, 0, true, false},
		{oneMegMap, 0xfffff, true, true},
		{fakeBootMap{{Addr: 0x100000, Size: 0x1000}, {Addr: 0, Size: 0x1000}}, 0x100fff, false, true},
		{fakeBootMap{{Addr: 0, Size: 0x200000}, {Addr: 0x100000, Size: 0x1000}}, 0x1fffff, true, true},
	}

	for specIndex, spec := range specs {
		end, sorted, found := highestAvailableAddr(spec.bootMap)
		if end != spec.expEnd || sorted != spec.expSorted || found != spec.expFound {
			t.Errorf("[spec %d] expected (0x%x, %t, %t); got (0x%x, %t, %t)", specIndex, spec.expEnd, spec.expSorted, spec.expFound, end, sorted, found)
		}
	}
}
