//go:build unix

package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mappedRAM emulates the physical memory of the simulated machine with an
// anonymous memory mapping. Physical address p corresponds to byte p of the
// mapping.
type mappedRAM struct {
	mem []byte
}

func mapRAM(size uint64) (*mappedRAM, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of emulated RAM: %w", size, err)
	}

	return &mappedRAM{mem: mem}, nil
}

// Words implements pmm.PhysicalMemory.
func (r *mappedRAM) Words(physAddr uintptr, count int) []uint64 {
	if count == 0 {
		return nil
	}

	if physAddr%8 != 0 || physAddr+uintptr(count)*8 > uintptr(len(r.mem)) {
		panic(fmt.Sprintf("pmmsim: invalid RAM access: %d words at 0x%x", count, physAddr))
	}

	return unsafe.Slice((*uint64)(unsafe.Pointer(&r.mem[physAddr])), count)
}

func (r *mappedRAM) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
