// Package cpu exposes the privileged CPU instructions that the memory
// bootstrap code needs.
package cpu

// Halt disables interrupts and stops instruction execution.
func Halt()
