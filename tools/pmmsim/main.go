// Command pmmsim boots the kernel's physical memory manager on emulated RAM.
// It encodes a qemu-like firmware memory map as multiboot info, parses it
// with the kernel's multiboot package, initializes the manager and then
// exhausts and releases all memory from concurrent workers.
package main

func main() {
	execute()
}
