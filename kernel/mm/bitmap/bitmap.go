// Package bitmap provides a fixed-size bit vector laid over caller supplied
// storage.
package bitmap

import (
	"math/bits"

	"frameos/kernel"
	"frameos/kernel/kfmt"
)

// bitsPerWord is the number of bits stored in each backing word.
const bitsPerWord = 64

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errInsufficientStorage = &kernel.Error{Module: "bitmap", Message: "backing storage too small for requested bit count"}
	errBitOutOfRange       = &kernel.Error{Module: "bitmap", Message: "bit index out of range"}
)

// Bitmap is a fixed-size bit vector. Bit i is stored in word i/64 at bit
// position i%64 (least significant bit first).
//
// A Bitmap does not own its storage; the caller must keep the backing words
// alive and reserved for as long as the Bitmap is in use. Bits of the last
// backing word that lie past Size() are never read or written by Clear and are
// never reported by FindFirstZero.
type Bitmap struct {
	words []uint64
	size  uint64
}

// WordsFor returns the number of 64-bit words required to store bitCount bits.
func WordsFor(bitCount uint64) uint64 {
	return (bitCount + bitsPerWord - 1) / bitsPerWord
}

// New returns a Bitmap with bitCount bits backed by words. New triggers a
// kernel panic if words cannot hold bitCount bits.
func New(words []uint64, bitCount uint64) Bitmap {
	if bitCount > uint64(len(words))*bitsPerWord {
		panicFn(errInsufficientStorage)
		return Bitmap{}
	}

	return Bitmap{words: words, size: bitCount}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// Clear sets every bit in [0, Size()) to zero.
func (b *Bitmap) Clear() {
	fullWords := b.size / bitsPerWord
	for index := uint64(0); index < fullWords; index++ {
		b.words[index] = 0
	}

	// The trailing bits share a word with unused bits that must be preserved.
	for bit := fullWords * bitsPerWord; bit < b.size; bit++ {
		b.ClearBit(bit)
	}
}

// SetBit sets the bit at the given index.
func (b *Bitmap) SetBit(bit uint64) {
	if !b.checkRange(bit) {
		return
	}
	b.words[bit/bitsPerWord] |= 1 << (bit % bitsPerWord)
}

// ClearBit clears the bit at the given index.
func (b *Bitmap) ClearBit(bit uint64) {
	if !b.checkRange(bit) {
		return
	}
	b.words[bit/bitsPerWord] &^= 1 << (bit % bitsPerWord)
}

// IsBitSet returns true if the bit at the given index is set.
func (b *Bitmap) IsBitSet(bit uint64) bool {
	if !b.checkRange(bit) {
		return false
	}
	return b.words[bit/bitsPerWord]&(1<<(bit%bitsPerWord)) != 0
}

// FindFirstZero returns the index of the lowest unset bit. The second return
// value is false if every bit in [0, Size()) is set.
func (b *Bitmap) FindFirstZero() (uint64, bool) {
	for index, word := range b.words {
		if word == ^uint64(0) {
			continue
		}

		// Only the first word with a zero bit is examined; a zero that
		// lies in the unused tail of the last word is not a result.
		bit := uint64(index)*bitsPerWord + uint64(bits.TrailingZeros64(^word))
		if bit >= b.size {
			return 0, false
		}
		return bit, true
	}

	return 0, false
}

// CountSet returns the number of set bits in [0, Size()).
func (b *Bitmap) CountSet() uint64 {
	var (
		count     uint64
		fullWords = b.size / bitsPerWord
	)

	for index := uint64(0); index < fullWords; index++ {
		count += uint64(bits.OnesCount64(b.words[index]))
	}

	if tailBits := b.size % bitsPerWord; tailBits != 0 {
		count += uint64(bits.OnesCount64(b.words[fullWords] & (1<<tailBits - 1)))
	}

	return count
}

// checkRange triggers a kernel panic and returns false if bit is not a valid
// index for this bitmap.
func (b *Bitmap) checkRange(bit uint64) bool {
	if bit >= b.size {
		panicFn(errBitOutOfRange)
		return false
	}
	return true
}
