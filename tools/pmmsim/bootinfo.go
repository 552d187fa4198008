package main

import (
	"encoding/binary"
	"fmt"

	"frameos/kernel/hal/multiboot"
	"frameos/kernel/mm"
)

// memoryEntry is a firmware memory map entry.
type memoryEntry struct {
	addr    uint64
	length  uint64
	memType multiboot.MemoryEntryType
}

const (
	lowMemEnd     = 0x9fc00
	biosAreaStart = 0xf0000
	highMemStart  = 0x100000
	acpiTableSize = 128 * 1024

	minRAMSize = 2 * uint64(mm.Mb)
)

// qemuMemoryMap returns the memory map that the qemu firmware reports for a
// machine with ramSize bytes of RAM: conventional memory below the EBDA, the
// BIOS ROM area, extended memory and a reserved ACPI area at the top of RAM.
func qemuMemoryMap(ramSize uint64) ([]memoryEntry, error) {
	if ramSize < minRAMSize || ramSize%uint64(mm.PageSize) != 0 {
		return nil, fmt.Errorf("ram size must be a page multiple of at least %d bytes; got %d", minRAMSize, ramSize)
	}

	return []memoryEntry{
		{addr: 0, length: lowMemEnd, memType: multiboot.MemAvailable},
		{addr: lowMemEnd, length: 0xa0000 - lowMemEnd, memType: multiboot.MemReserved},
		{addr: biosAreaStart, length: highMemStart - biosAreaStart, memType: multiboot.MemReserved},
		{addr: highMemStart, length: ramSize - highMemStart - acpiTableSize, memType: multiboot.MemAvailable},
		{addr: ramSize - acpiTableSize, length: acpiTableSize, memType: multiboot.MemReserved},
	}, nil
}

// Multiboot2 tag types and sizes used by encodeMultiboot2.
const (
	mb2TagEnd            = 0
	mb2TagBootLoaderName = 2
	mb2TagMemoryMap      = 6

	mb2MmapEntrySize = 24
)

// encodeMultiboot2 builds a multiboot2 info payload with a boot loader name
// tag followed by a memory map tag.
func encodeMultiboot2(loaderName string, entries []memoryEntry) []byte {
	buf := make([]byte, 8)

	nameTag := make([]byte, 8+len(loaderName)+1)
	binary.LittleEndian.PutUint32(nameTag[0:], mb2TagBootLoaderName)
	binary.LittleEndian.PutUint32(nameTag[4:], uint32(len(nameTag)))
	copy(nameTag[8:], loaderName)
	buf = appendTag(buf, nameTag)

	mmapTag := make([]byte, 16+mb2MmapEntrySize*len(entries))
	binary.LittleEndian.PutUint32(mmapTag[0:], mb2TagMemoryMap)
	binary.LittleEndian.PutUint32(mmapTag[4:], uint32(len(mmapTag)))
	binary.LittleEndian.PutUint32(mmapTag[8:], mb2MmapEntrySize)
	for i, e := range entries {
		off := 16 + i*mb2MmapEntrySize
		binary.LittleEndian.PutUint64(mmapTag[off:], e.addr)
		binary.LittleEndian.PutUint64(mmapTag[off+8:], e.length)
		binary.LittleEndian.PutUint32(mmapTag[off+16:], uint32(e.memType))
	}
	buf = appendTag(buf, mmapTag)

	endTag := make([]byte, 8)
	binary.LittleEndian.PutUint32(endTag[0:], mb2TagEnd)
	binary.LittleEndian.PutUint32(endTag[4:], uint32(len(endTag)))
	buf = appendTag(buf, endTag)

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}

// appendTag appends tag to buf, padding it so the next tag starts at an
// 8-byte aligned offset.
func appendTag(buf, tag []byte) []byte {
	buf = append(buf, tag...)
	if pad := len(tag) % 8; pad != 0 {
		buf = append(buf, make([]byte, 8-pad)...)
	}
	return buf
}

// Multiboot (v1) info layout used by encodeMultiboot1.
const (
	mb1FlagMemInfo = 1 << 0
	mb1FlagMemMap  = 1 << 6

	mb1InfoSize      = 88
	mb1MmapEntrySize = 24
)

// encodeMultiboot1 builds a multiboot (v1) info structure followed by its
// memory map. The structure stores the map address as an offset from the
// start of the returned buffer, which must therefore be used as the physical
// base when parsing it.
func encodeMultiboot1(entries []memoryEntry) []byte {
	buf := make([]byte, mb1InfoSize+mb1MmapEntrySize*len(entries))

	var memLower, memUpper uint64
	for _, e := range entries {
		if e.memType != multiboot.MemAvailable {
			continue
		}
		switch e.addr {
		case 0:
			memLower = e.length / uint64(mm.Kb)
		case highMemStart:
			memUpper = e.length / uint64(mm.Kb)
		}
	}

	binary.LittleEndian.PutUint32(buf[0:], mb1FlagMemInfo|mb1FlagMemMap)
	binary.LittleEndian.PutUint32(buf[4:], uint32(memLower))
	binary.LittleEndian.PutUint32(buf[8:], uint32(memUpper))
	binary.LittleEndian.PutUint32(buf[44:], uint32(mb1MmapEntrySize*len(entries)))
	binary.LittleEndian.PutUint32(buf[48:], mb1InfoSize)

	for i, e := range entries {
		off := mb1InfoSize + i*mb1MmapEntrySize
		memType := uint32(2)
		if e.memType == multiboot.MemAvailable {
			memType = 1
		}

		binary.LittleEndian.PutUint32(buf[off:], mb1MmapEntrySize-4)
		binary.LittleEndian.PutUint64(buf[off+4:], e.addr)
		binary.LittleEndian.PutUint64(buf[off+12:], e.length)
		binary.LittleEndian.PutUint32(buf[off+20:], memType)
	}

	return buf
}
