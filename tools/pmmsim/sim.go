package main

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"frameos/kernel/hal/multiboot"
	"frameos/kernel/mm"
	"frameos/kernel/mm/pmm"
)

const loaderName = "pmmsim"

// simConfig describes the simulated machine and workload.
type simConfig struct {
	ramSize     uint64
	kernelStart uint64
	kernelSize  uint64
	proto       string
	workers     int
	audit       bool
}

func (c simConfig) validate() error {
	switch {
	case c.proto != "mb1" && c.proto != "mb2":
		return fmt.Errorf("unsupported boot protocol %q; expected mb1 or mb2", c.proto)
	case c.workers < 1:
		return fmt.Errorf("at least one worker is required; got %d", c.workers)
	case c.kernelStart+c.kernelSize > c.ramSize:
		return fmt.Errorf("kernel image [0x%x, 0x%x) does not fit in %d bytes of RAM", c.kernelStart, c.kernelStart+c.kernelSize, c.ramSize)
	}
	return nil
}

// simReport summarizes a simulation run.
type simReport struct {
	proto         string
	ramSize       uint64
	available     uint64
	totalPages    uint64
	initialFree   uint64
	allocated     uint64
	perWorker     []uint64
	audited       bool
	allocDuration time.Duration
	freeDuration  time.Duration
}

// bootMemoryMap is implemented by the multiboot parsers.
type bootMemoryMap interface {
	pmm.BootMemoryMap
	TotalAvailable() mm.Size
}

// bootInfo holds an encoded boot loader payload together with its parsed
// view. The payload must stay reachable while the view is in use.
type bootInfo struct {
	blob    []byte
	memMap  bootMemoryMap
	printer func()
}

// loadBootInfo encodes entries using the requested boot protocol and parses
// the result with the kernel's multiboot package.
func loadBootInfo(proto string, entries []memoryEntry) (*bootInfo, error) {
	switch proto {
	case "mb2":
		blob := encodeMultiboot2(loaderName, entries)
		multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&blob[0])))
		return &bootInfo{
			blob:    blob,
			memMap:  multiboot.AvailableMemory{},
			printer: func() { multiboot.PrintMemoryMap(nil) },
		}, nil
	case "mb1":
		blob := encodeMultiboot1(entries)
		base := uintptr(unsafe.Pointer(&blob[0]))
		info, err := multiboot.NewLegacyInfo(base, base)
		if err != nil {
			return nil, err
		}
		return &bootInfo{blob: blob, memMap: info, printer: func() {}}, nil
	default:
		return nil, fmt.Errorf("unsupported boot protocol %q", proto)
	}
}

// simulate boots a physical memory manager on emulated RAM and drives it
// with cfg.workers concurrent allocators until memory is exhausted. Every
// allocated page is stamped with its own address; the stamps are verified
// before the pages are released so overlapping allocations are detected.
func simulate(cfg simConfig) (*simReport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	entries, err := qemuMemoryMap(cfg.ramSize)
	if err != nil {
		return nil, err
	}

	boot, err := loadBootInfo(cfg.proto, entries)
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(boot.blob)

	ram, err := mapRAM(cfg.ramSize)
	if err != nil {
		return nil, err
	}
	defer ram.Close()

	boot.printer()

	var (
		m           pmm.Manager
		kernelImage = mm.Region{Addr: uintptr(cfg.kernelStart), Size: uintptr(cfg.kernelSize)}
	)

	if kerr := m.Init(boot.memMap, kernelImage, ram); kerr != nil {
		return nil, fmt.Errorf("initializing the physical memory manager: %w", kerr)
	}

	report := &simReport{
		proto:       cfg.proto,
		ramSize:     cfg.ramSize,
		available:   uint64(boot.memMap.TotalAvailable()),
		totalPages:  m.TotalPagesCount(),
		initialFree: m.FreePagesCount(),
		perWorker:   make([]uint64, cfg.workers),
	}

	start := time.Now()
	pages, err := allocateAll(&m, ram, cfg.workers)
	if err != nil {
		return nil, err
	}
	report.allocDuration = time.Since(start)

	if err := verifyAllocations(&m, ram, kernelImage, report, pages); err != nil {
		return nil, err
	}

	start = time.Now()
	if err := freeAll(&m, ram, pages); err != nil {
		return nil, err
	}
	report.freeDuration = time.Since(start)

	if got := m.FreePagesCount(); got != report.initialFree {
		return nil, fmt.Errorf("expected %d free pages after releasing all allocations; got %d", report.initialFree, got)
	}

	if cfg.audit {
		if kerr := m.Audit(); kerr != nil {
			return nil, fmt.Errorf("audit: %w", kerr)
		}
		report.audited = true
	}

	return report, nil
}

// allocateAll runs workers goroutines that allocate pages until the manager
// runs out of memory. Each page is checked to be unstamped before the worker
// stamps it with its own address. It returns the pages allocated by each
// worker.
func allocateAll(m *pmm.Manager, ram *mappedRAM, workers int) ([][]uintptr, error) {
	var (
		g     errgroup.Group
		pages = make([][]uintptr, workers)
	)

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for {
				addr, kerr := m.AllocPage()
				if kerr == pmm.ErrOutOfMemory {
					return nil
				} else if kerr != nil {
					return fmt.Errorf("worker %d: allocating page: %w", w, kerr)
				}

				stamp := ram.Words(addr, 1)
				if stamp[0] != 0 {
					return fmt.Errorf("worker %d: page 0x%x was handed out while still owned (found stamp 0x%x)", w, addr, stamp[0])
				}
				stamp[0] = uint64(addr)
				pages[w] = append(pages[w], addr)
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

func verifyAllocations(m *pmm.Manager, ram *mappedRAM, kernelImage mm.Region, report *simReport, pages [][]uintptr) error {
	kernelPages := kernelImage.PageAlign(mm.PageSize)
	seen := make(map[uintptr]struct{}, report.initialFree)

	for w, workerPages := range pages {
		report.perWorker[w] = uint64(len(workerPages))
		report.allocated += uint64(len(workerPages))

		for _, addr := range workerPages {
			if _, dup := seen[addr]; dup {
				return fmt.Errorf("page 0x%x was allocated more than once", addr)
			}
			seen[addr] = struct{}{}

			if kernelPages.Contains(addr) {
				return fmt.Errorf("page 0x%x belongs to the kernel image", addr)
			}

			if got := ram.Words(addr, 1)[0]; got != uint64(addr) {
				return fmt.Errorf("page 0x%x was overwritten by another owner (found stamp 0x%x)", addr, got)
			}
		}
	}

	if report.allocated != report.initialFree {
		return fmt.Errorf("expected %d successful allocations; got %d", report.initialFree, report.allocated)
	}

	if got := m.FreePagesCount(); got != 0 {
		return fmt.Errorf("expected no free pages after exhaustion; got %d", got)
	}

	return nil
}

// freeAll releases the pages of every worker concurrently. Each stamp is
// checked and cleared before its page is returned to the manager.
func freeAll(m *pmm.Manager, ram *mappedRAM, pages [][]uintptr) error {
	var g errgroup.Group

	for w, workerPages := range pages {
		w, workerPages := w, workerPages
		g.Go(func() error {
			for _, addr := range workerPages {
				stamp := ram.Words(addr, 1)
				if stamp[0] != uint64(addr) {
					return fmt.Errorf("worker %d: page 0x%x was overwritten before release (found stamp 0x%x)", w, addr, stamp[0])
				}
				stamp[0] = 0
				m.FreePage(addr)
			}
			return nil
		})
	}

	return g.Wait()
}
