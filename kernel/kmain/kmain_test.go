package kmain

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"frameos/kernel"
	"frameos/kernel/kfmt"
	"frameos/kernel/mm"
	"frameos/kernel/mm/layout"
	"frameos/kernel/mm/pmm"
)

// wordMemory emulates physical memory with a Go slice.
type wordMemory []uint64

func (m wordMemory) Words(physAddr uintptr, count int) []uint64 {
	start := int(physAddr / 8)
	return m[start : start+count]
}

// multibootMemoryMap returns a multiboot2 info payload containing a single
// memory map tag with the supplied {addr, len, type} entries.
func multibootMemoryMap(entries ...[3]uint64) []byte {
	const (
		entrySize = 24
		mmapTag   = 6
	)

	tagSize := 16 + entrySize*len(entries)
	buf := make([]byte, 8+tagSize+8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[8:], mmapTag)
	binary.LittleEndian.PutUint32(buf[12:], uint32(tagSize))
	binary.LittleEndian.PutUint32(buf[16:], entrySize)

	off := 24
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e[0])
		binary.LittleEndian.PutUint64(buf[off+8:], e[1])
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(e[2]))
		off += entrySize
	}

	// The trailing end tag is left zeroed.
	return buf
}

func TestKmain(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
		physicalMemory = layout.DirectMap{Base: layout.KernelVirtualBase}
		frameManager = pmm.Manager{}
		mm.SetFrameAllocator(nil)
	}()

	var panicErr *kernel.Error
	panicFn = func(e interface{}) {
		panicErr, _ = e.(*kernel.Error)
	}

	physicalMemory = make(wordMemory, mm.Mb/8)

	info := multibootMemoryMap(
		[3]uint64{0, 0x9fc00, 1},
		[3]uint64{0x9fc00, 0x400, 2},
		[3]uint64{0xf0000, 0x10000, 2},
	)

	Kmain(uintptr(unsafe.Pointer(&info[0])), 0x10000, 0x14321)

	if panicErr != errKmainReturned {
		t.Fatalf("expected Kmain to panic with errKmainReturned; got %v", panicErr)
	}

	// 0x9f pages of which 5 hold the kernel image and 1 the page bitmap.
	if exp, got := uint64(0x9f-6), frameManager.FreePagesCount(); got != exp {
		t.Fatalf("expected %d free pages; got %d", exp, got)
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error allocating via the registered frame allocator: %v", err)
	}

	if frame != 0 {
		t.Fatalf("expected the first allocated frame to be 0; got %d", frame)
	}
}

func TestKmainInitError(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
		physicalMemory = layout.DirectMap{Base: layout.KernelVirtualBase}
		frameManager = pmm.Manager{}
		mm.SetFrameAllocator(nil)
	}()

	var panicErr *kernel.Error
	panicFn = func(e interface{}) {
		panicErr, _ = e.(*kernel.Error)
	}

	physicalMemory = make(wordMemory, mm.Mb/8)
	mm.SetFrameAllocator(nil)

	// The kernel image is loaded past the end of available memory.
	info := multibootMemoryMap([3]uint64{0, 0x9fc00, 1})

	Kmain(uintptr(unsafe.Pointer(&info[0])), 0x100000, 0x120000)

	if panicErr == nil || panicErr.Module != "pmm" {
		t.Fatalf("expected Kmain to panic with a pmm error; got %v", panicErr)
	}

	if _, err := mm.AllocFrame(); err == nil {
		t.Fatal("expected no frame allocator to be registered after a failed Init")
	}
}
