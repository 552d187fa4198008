//go:build !amd64

// Package cpu exposes the privileged CPU instructions that the memory
// bootstrap code needs.
package cpu

// Halt parks the calling goroutine forever. Architectures without a kernel
// port only run the hosted tools and tests so there is no CPU to stop.
func Halt() {
	select {}
}
