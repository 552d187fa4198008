package main

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"frameos/kernel/mm"
)

// printReport writes a human readable summary of r to w. Numbers are grouped
// according to the conventions of lang.
func printReport(w io.Writer, lang language.Tag, r *simReport) {
	p := message.NewPrinter(lang)
	pageSize := uint64(mm.PageSize)

	p.Fprintf(w, "boot protocol:     %s\n", r.proto)
	p.Fprintf(w, "emulated RAM:      %d bytes\n", r.ramSize)
	p.Fprintf(w, "available memory:  %d bytes\n", r.available)
	p.Fprintf(w, "tracked pages:     %d (%d bytes)\n", r.totalPages, r.totalPages*pageSize)
	p.Fprintf(w, "free after init:   %d (%d bytes)\n", r.initialFree, r.initialFree*pageSize)
	p.Fprintf(w, "unavailable pages: %d\n", r.totalPages-r.initialFree)
	p.Fprintf(w, "allocated pages:   %d in %v\n", r.allocated, r.allocDuration)
	for i, n := range r.perWorker {
		p.Fprintf(w, "  worker %d:        %d\n", i, n)
	}
	p.Fprintf(w, "released in:       %v\n", r.freeDuration)

	if r.audited {
		p.Fprintf(w, "audit:             passed\n")
	} else {
		p.Fprintf(w, "audit:             skipped\n")
	}
}
