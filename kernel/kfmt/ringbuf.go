package kfmt

import "io"

// ringBufferSize defines the number of bytes of early Printf output that
// are retained until an output sink is attached. It must be a power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each new byte overwrites the oldest unread one.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once all buffered
// data has been consumed.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Read the contiguous chunk up to wIndex or up to the end of the
	// backing array if the data wraps around.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
