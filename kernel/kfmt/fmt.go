// Package kfmt implements formatted output and the panic path for code that
// runs before the Go allocator is available.
package kfmt

import (
	"io"
	"unsafe"

	"frameos/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf and singleByte are shared scratch buffers. Using globals
	// keeps them off the heap; outputLock serializes access to them.
	numFmtBuf  [maxBufSize + 1]byte
	singleByte = []byte(" ")
	outputLock sync.Spinlock

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
	outputLock.Release()
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go runtime has been properly initialized. This implementation
// does not allocate any memory.
//
// The following subset of fmt verbs is supported:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%d base 10 integer
//	%o base 8 integer
//	%x base 16 integer, lower-case a-f
//	%t "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes. Pointers (%p) are not supported as formatting
// them requires the reflect package which allocates.
//
// Until SetOutputSink is called the output is kept in a ring buffer.
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	fprintf(outputSink, format, args...)
	outputLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil w selects the same target as Printf.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	outputLock.Acquire()
	if w == nil {
		w = outputSink
	}
	fprintf(w, format, args...)
	outputLock.Release()
}

func fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex, padLen int
		fmtLen           = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		padLen = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = (padLen * 10) + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		switch verb := format[i]; verb {
		case '%':
			writeByte(w, '%')
		case 'd', 'o', 'x', 's', 't':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				continue
			}

			switch verb {
			case 'd':
				fmtInt(w, args[argIndex], 10, padLen)
			case 'o':
				fmtInt(w, args[argIndex], 8, padLen)
			case 'x':
				fmtInt(w, args[argIndex], 16, padLen)
			case 's':
				fmtString(w, args[argIndex], padLen)
			case 't':
				fmtBool(w, args[argIndex])
			}
			argIndex++
		default:
			doWrite(w, errNoVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		// converting the string to a byte slice triggers a memory allocation
		// so we need to do this one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned integer
// types are supported.
func fmtInt(w io.Writer, v interface{}, base uint64, padLen int) {
	var (
		uval uint64
		neg  bool
	)

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, neg = abs(int64(t))
	case int16:
		uval, neg = abs(int64(t))
	case int32:
		uval, neg = abs(int64(t))
	case int64:
		uval, neg = abs(t)
	case int:
		uval, neg = abs(int64(t))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	// Digits are emitted right to left.
	pos := len(numFmtBuf)
	for {
		pos--
		numFmtBuf[pos] = "0123456789abcdef"[uval%base]
		if uval /= base; uval == 0 {
			break
		}
	}

	if base == 10 {
		// Space padding goes in front of the sign.
		if neg {
			pos--
			numFmtBuf[pos] = '-'
		}
		for len(numFmtBuf)-pos < padLen {
			pos--
			numFmtBuf[pos] = ' '
		}
	} else {
		for len(numFmtBuf)-pos < padLen {
			pos--
			numFmtBuf[pos] = '0'
		}
		if neg {
			pos--
			numFmtBuf[pos] = '-'
		}
	}

	doWrite(w, numFmtBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown outputSink
// io.Writer) and plays it safe by flagging it as escaping. This causes all
// calls to Printf to trigger a memory allocation which crashes the kernel if
// Printf is called before the Go allocator is initialized.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
