package flash

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/target"
)

// Function codes passed to a flash algorithm's pc_init/pc_uninit entry
// points, matching the convention the algorithm binaries themselves are
// built against (erase-only, program-only, or both).
const (
	funcErase   = uint32(1)
	funcProgram = uint32(2)
)

// trampolineReserve is the extra bytes (4) reserved past the algorithm's stack
// for the call-in return trampoline, so it never overlaps the stack or
// page buffers.
const trampolineReserve = 4

// Options configures Commit's erase/program/verify policy.
type Options struct {
	// KeepUnwrittenBytes reads back each affected page's unwritten bytes
	// from the target and merges them into the page buffer before
	// programming, instead of filling gaps with the region's
	// ErasedByteValue.
	KeepUnwrittenBytes bool
	// DoChipErase replaces per-sector erase with a single pc_erase_all
	// call. If the selected algorithm has no pc_erase_all, Commit fails
	// with ErrNoChipErase rather than falling back to per-sector erase.
	DoChipErase bool
	// Verify reads back every programmed page and compares it against
	// what was sent.
	Verify bool
	// DoubleBuffer alternates between two page buffers while programming.
	// Each pc_program_page call-in completes before the next buffer is
	// filled, so host fill and target programming do not overlap.
	DoubleBuffer bool
	// ProgramPageTimeoutScale multiplies FlashProperties.ProgramPageTimeout
	// for every program_page call. Default 1: the same per-page timeout
	// whether or not double buffering is active.
	ProgramPageTimeoutScale float64
}

func (o Options) withDefaults() Options {
	if o.ProgramPageTimeoutScale == 0 {
		o.ProgramPageTimeoutScale = 1
	}
	return o
}

// Phase identifies which step of Commit a ProgressFunc call reports.
type Phase int

const (
	PhaseErase Phase = iota
	PhaseProgram
	PhaseVerify
)

func (p Phase) String() string {
	switch p {
	case PhaseErase:
		return "erase"
	case PhaseProgram:
		return "program"
	case PhaseVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// ProgressFunc reports Commit's progress one step at a time.
type ProgressFunc func(phase Phase, addr uint64, bytes int)

// loadedAlgorithm records a flash algorithm's RAM layout, computed once at
// load time.
type loadedAlgorithm struct {
	algo         *target.RawFlashAlgorithm
	codeAddr     uint64
	stackTop     uint64
	bufferA      uint64
	bufferB      uint64
	trampoline   uint64
	doubleBuffer bool
	functionCode uint32
}

// findAlgorithm picks the flash algorithm for region: keyed first by
// region name (the common one-region-one-algorithm case), then the sole
// algorithm in the description, then the first algorithm whose Cores list
// names coreName. The target description schema has no explicit
// region-to-algorithm field, so this order is the resolution policy; see
// DESIGN.md.
func findAlgorithm(desc *target.Description, region *target.MemoryRegion, coreName string) (*target.RawFlashAlgorithm, error) {
	if algo, ok := desc.FlashAlgorithms[region.Name]; ok {
		return algo, nil
	}
	if len(desc.FlashAlgorithms) == 1 {
		for _, algo := range desc.FlashAlgorithms {
			return algo, nil
		}
	}
	for _, algo := range desc.FlashAlgorithms {
		if algorithmCoversCore(algo, coreName) {
			return algo, nil
		}
	}
	return nil, errors.Annotatef(ErrNoAlgorithm, "region %q", region.Name)
}

func algorithmCoversCore(algo *target.RawFlashAlgorithm, coreName string) bool {
	if len(algo.Cores) == 0 {
		return true
	}
	for _, n := range algo.Cores {
		if n == coreName {
			return true
		}
	}
	return false
}

// pickRAMRegion selects the RAM region to load algo into: algo.LoadAddress
// verbatim if set, else the first RAM region large enough to hold
// instructions + stack + the page buffer(s).
func pickRAMRegion(desc *target.Description, algo *target.RawFlashAlgorithm, doubleBuffer bool) (uint64, error) {
	buffers := uint64(1)
	if doubleBuffer {
		buffers = 2
	}
	codeSize := algo.DataSectionOffset
	if instrLen := uint64(len(algo.Instructions)); instrLen > codeSize {
		codeSize = instrLen
	}
	need := codeSize + buffers*uint64(algo.FlashProperties.PageSize) + uint64(algo.StackSize) + trampolineReserve

	if algo.LoadAddress != nil {
		for _, r := range desc.RAMRegions() {
			if r.Range.Contains(*algo.LoadAddress) && r.Range.End-*algo.LoadAddress >= need {
				return *algo.LoadAddress, nil
			}
		}
		return 0, errors.Trace(ErrNoRAMForAlgorithm)
	}
	for _, r := range desc.RAMRegions() {
		if r.Range.Size() >= need {
			return r.Range.Start, nil
		}
	}
	return 0, errors.Trace(ErrNoRAMForAlgorithm)
}

// loadAlgorithm copies algo's instructions into RAM, verifies the copy,
// lays out the page buffer(s)/stack/trampoline that follow, and runs
// pc_init once before any erase or program call-in.
func loadAlgorithm(ctx context.Context, c coreiface.Core, desc *target.Description, algo *target.RawFlashAlgorithm, region *target.MemoryRegion, doubleBuffer bool, functionCode uint32) (*loadedAlgorithm, error) {
	allocBase, err := pickRAMRegion(desc, algo, doubleBuffer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := c.WriteMemory8(ctx, allocBase, algo.Instructions); err != nil {
		return nil, errors.Annotatef(err, "load flash algorithm instructions")
	}
	readBack := make([]byte, len(algo.Instructions))
	if err := c.ReadMemory8(ctx, allocBase, readBack); err != nil {
		return nil, errors.Annotatef(err, "verify loaded flash algorithm")
	}
	for i := range readBack {
		if readBack[i] != algo.Instructions[i] {
			return nil, errors.Errorf("flash algorithm load verify mismatch at offset %d", i)
		}
	}

	pageSize := uint64(algo.FlashProperties.PageSize)
	bufferA := allocBase + algo.DataSectionOffset
	bufferB := bufferA
	buffers := uint64(1)
	if doubleBuffer {
		bufferB = bufferA + pageSize
		buffers = 2
	}
	stackTop := bufferA + buffers*pageSize + uint64(algo.StackSize)
	trampoline := stackTop

	la := &loadedAlgorithm{
		algo: algo, codeAddr: allocBase, stackTop: stackTop,
		bufferA: bufferA, bufferB: bufferB, trampoline: trampoline,
		doubleBuffer: doubleBuffer, functionCode: functionCode,
	}

	timeout := time.Duration(algo.FlashProperties.ProgramPageTimeout) * time.Millisecond
	ret, err := callIn(ctx, c, allocBase+algo.PCInit, stackTop, trampoline, [4]uint32{uint32(region.Range.Start), 0, functionCode}, timeout)
	if err != nil {
		return nil, errors.Annotatef(err, "pc_init")
	}
	if ret != 0 {
		return nil, errors.Errorf("pc_init returned 0x%x", ret)
	}
	return la, nil
}

func teardown(ctx context.Context, c coreiface.Core, la *loadedAlgorithm) error {
	if la.algo.PCUninit == nil {
		return nil
	}
	timeout := time.Duration(la.algo.FlashProperties.ProgramPageTimeout) * time.Millisecond
	_, err := callIn(ctx, c, la.codeAddr+*la.algo.PCUninit, la.stackTop, la.trampoline, [4]uint32{la.functionCode}, timeout)
	return errors.Trace(err)
}

func fillPages(ctx context.Context, c coreiface.Core, region *target.MemoryRegion, pages map[uint64]*pageImage, keepUnwritten bool) error {
	for _, p := range pages {
		var readBack []byte
		if keepUnwritten {
			readBack = make([]byte, len(p.data))
			if err := c.ReadMemory8(ctx, p.addr, readBack); err != nil {
				return errors.Trace(err)
			}
		}
		for i := range p.data {
			if p.written[i] {
				continue
			}
			if keepUnwritten {
				p.data[i] = readBack[i]
			} else {
				p.data[i] = region.Flash.ErasedByteValue
			}
		}
	}
	return nil
}

func chipEraseTimeout(fp *target.FlashProperties, numSectors int) time.Duration {
	perSector := time.Duration(fp.EraseSectorTimeout) * time.Millisecond
	if perPage := time.Duration(fp.ProgramPageTimeout) * time.Millisecond; perPage > perSector {
		perSector = perPage
	}
	if numSectors < 1 {
		numSectors = 1
	}
	const cap = 60 * time.Second
	if total := perSector * time.Duration(numSectors); total <= cap {
		return total
	}
	return cap
}

func eraseRegion(ctx context.Context, c coreiface.Core, la *loadedAlgorithm, region *target.MemoryRegion, pages map[uint64]*pageImage, opts Options, progress ProgressFunc) error {
	fp := region.Flash
	if opts.DoChipErase {
		if la.algo.PCEraseAll == nil {
			return errors.Trace(ErrNoChipErase)
		}
		sectors := sectorsFor(region, pages)
		timeout := chipEraseTimeout(fp, len(sectors))
		ret, err := callIn(ctx, c, la.codeAddr+*la.algo.PCEraseAll, la.stackTop, la.trampoline, [4]uint32{}, timeout)
		if err != nil {
			return errors.Annotatef(err, "pc_erase_all")
		}
		if ret != 0 {
			return errors.Trace(&PageWriteError{PageAddress: region.Range.Start, Code: ret})
		}
		if progress != nil {
			progress(PhaseErase, region.Range.Start, int(region.Range.Size()))
		}
		return nil
	}

	timeout := time.Duration(fp.EraseSectorTimeout) * time.Millisecond
	for _, sector := range sectorsFor(region, pages) {
		ret, err := callIn(ctx, c, la.codeAddr+la.algo.PCEraseSector, la.stackTop, la.trampoline, [4]uint32{uint32(sector.Start)}, timeout)
		if err != nil {
			return errors.Annotatef(err, "pc_erase_sector 0x%x", sector.Start)
		}
		if ret != 0 {
			return errors.Trace(&PageWriteError{PageAddress: sector.Start, Code: ret})
		}
		if progress != nil {
			progress(PhaseErase, sector.Start, int(sector.Size()))
		}
	}
	return nil
}

func programRegion(ctx context.Context, c coreiface.Core, la *loadedAlgorithm, pages map[uint64]*pageImage, opts Options, progress ProgressFunc) error {
	timeout := time.Duration(float64(la.algo.FlashProperties.ProgramPageTimeout) * opts.ProgramPageTimeoutScale * float64(time.Millisecond))
	useB := false
	for _, addr := range sortedPageAddrs(pages) {
		p := pages[addr]
		buf := la.bufferA
		if la.doubleBuffer && useB {
			buf = la.bufferB
		}
		useB = !useB

		if err := c.WriteMemory8(ctx, buf, p.data); err != nil {
			return errors.Annotatef(err, "fill page buffer for 0x%x", addr)
		}
		ret, err := callIn(ctx, c, la.codeAddr+la.algo.PCProgramPage, la.stackTop, la.trampoline,
			[4]uint32{uint32(addr), uint32(len(p.data)), uint32(buf)}, timeout)
		if err != nil {
			return errors.Annotatef(err, "pc_program_page 0x%x", addr)
		}
		if ret != 0 {
			return errors.Trace(&PageWriteError{PageAddress: addr, Code: ret})
		}
		if progress != nil {
			progress(PhaseProgram, addr, len(p.data))
		}
	}
	return nil
}

func verifyRegion(ctx context.Context, c coreiface.Core, pages map[uint64]*pageImage, progress ProgressFunc) error {
	for _, addr := range sortedPageAddrs(pages) {
		p := pages[addr]
		readBack := make([]byte, len(p.data))
		if err := c.ReadMemory8(ctx, addr, readBack); err != nil {
			return errors.Trace(err)
		}
		for i := range p.data {
			if readBack[i] != p.data[i] {
				return errors.Trace(&VerifyError{Address: addr + uint64(i)})
			}
		}
		if progress != nil {
			progress(PhaseVerify, addr, len(p.data))
		}
	}
	return nil
}

// Commit executes the full flash sequence against c: region assignment,
// sector layout, fill policy, algorithm load, erase, program, optional
// verify, and teardown. coreName identifies c for algorithm Cores-list
// matching.
func (l *Loader) Commit(ctx context.Context, c coreiface.Core, coreName string, opts Options, progress ProgressFunc) error {
	return l.commit(ctx, c, coreName, opts, progress, false)
}

// CommitKeepAlgorithm behaves like Commit but leaves the loaded flash
// algorithm resident in target RAM (skipping pc_uninit) instead of tearing
// it down, so a following Commit/CommitKeepAlgorithm call touching the
// same region skips the reload. Call Close to tear down anything left
// resident this way.
func (l *Loader) CommitKeepAlgorithm(ctx context.Context, c coreiface.Core, coreName string, opts Options, progress ProgressFunc) error {
	return l.commit(ctx, c, coreName, opts, progress, true)
}

// Close tears down any flash algorithm left resident by CommitKeepAlgorithm.
func (l *Loader) Close(ctx context.Context, c coreiface.Core) error {
	for name, la := range l.loaded {
		if err := teardown(ctx, c, la); err != nil {
			return errors.Annotatef(err, "teardown flash algorithm for region %q", name)
		}
		delete(l.loaded, name)
	}
	return nil
}

func (l *Loader) commit(ctx context.Context, c coreiface.Core, coreName string, opts Options, progress ProgressFunc, keep bool) error {
	opts = opts.withDefaults()
	assigned, err := l.assignRegions()
	if err != nil {
		return errors.Trace(err)
	}
	if len(assigned) == 0 {
		return nil
	}

	byRegion := map[*target.MemoryRegion][]regionRun{}
	var order []*target.MemoryRegion
	for _, r := range assigned {
		if _, ok := byRegion[r.region]; !ok {
			order = append(order, r.region)
		}
		byRegion[r.region] = append(byRegion[r.region], r)
	}

	for _, region := range order {
		pages := buildPages(region, byRegion[region])
		if err := fillPages(ctx, c, region, pages, opts.KeepUnwrittenBytes); err != nil {
			return errors.Annotatef(err, "fill page gaps for region %q", region.Name)
		}

		// Commit always erases then programs, so pc_init/pc_uninit are
		// always called with the combined function code.
		la, err := l.loadedOrLoad(ctx, c, region, coreName, opts, funcErase|funcProgram)
		if err != nil {
			return errors.Trace(err)
		}

		if err := eraseRegion(ctx, c, la, region, pages, opts, progress); err != nil {
			return errors.Annotatef(err, "erase region %q", region.Name)
		}
		if err := programRegion(ctx, c, la, pages, opts, progress); err != nil {
			return errors.Annotatef(err, "program region %q", region.Name)
		}
		if opts.Verify {
			if err := verifyRegion(ctx, c, pages, progress); err != nil {
				return errors.Annotatef(err, "verify region %q", region.Name)
			}
		}

		if keep {
			l.loaded[region.Name] = la
			continue
		}
		if cached, ok := l.loaded[region.Name]; ok && cached == la {
			delete(l.loaded, region.Name)
		}
		if err := teardown(ctx, c, la); err != nil {
			return errors.Annotatef(err, "teardown flash algorithm for region %q", region.Name)
		}
		glog.V(2).Infof("flash: region %q committed and algorithm torn down", region.Name)
	}
	return nil
}

func (l *Loader) loadedOrLoad(ctx context.Context, c coreiface.Core, region *target.MemoryRegion, coreName string, opts Options, functionCode uint32) (*loadedAlgorithm, error) {
	if la, ok := l.loaded[region.Name]; ok {
		return la, nil
	}
	algo, err := findAlgorithm(l.desc, region, coreName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return loadAlgorithm(ctx, c, l.desc, algo, region, opts.DoubleBuffer, functionCode)
}
