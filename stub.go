package main

import "frameos/kernel/kmain"

// Populated by the rt0 code. The values are never read on a hosted build.
var multibootInfoPtr, kernelStart, kernelEnd uintptr

// main is a trampoline for kmain.Kmain. The rt0 code jumps to Kmain directly;
// this call only keeps the linker from discarding it. Passing globals
// prevents the compiler from inlining the call away.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd)
}
