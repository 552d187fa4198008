package mm

const (
	// PageShift is log2(PageSize). Shifting an address right by PageShift
	// yields its page number.
	PageShift = uintptr(12)

	// PageSize is the size in bytes of the pages handed out by the physical
	// memory manager.
	PageSize = uintptr(1 << PageShift)
)
