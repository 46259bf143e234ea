// Package flash implements the flash-programming engine: a loader that
// accumulates (address, bytes) runs and, on commit, drives region
// assignment, sector-aware erase, page programming and optional verify
// against a target's flash algorithm through the call-in ABI.
package flash

import (
	"sort"

	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/memrange"
	"github.com/probe-rs/probe-rs-sub011/target"
)

// dataRun is one accumulated write request.
type dataRun struct {
	addr uint64
	data []byte
}

func (r dataRun) rng() memrange.Range { return memrange.New(r.addr, uint64(len(r.data))) }

// Loader accumulates byte runs to write and, on Commit, drives the erase/
// program/verify sequence against a session's core.
type Loader struct {
	desc *target.Description
	runs []dataRun

	// loaded holds flash algorithms kept resident by CommitKeepAlgorithm,
	// keyed by region name, until Close tears them down.
	loaded map[string]*loadedAlgorithm
}

// NewLoader returns a Loader that assigns byte runs against desc's flash
// regions.
func NewLoader(desc *target.Description) *Loader {
	return &Loader{desc: desc, loaded: map[string]*loadedAlgorithm{}}
}

// AddData accumulates a byte run to write on Commit. A run overlapping one
// already accumulated is rejected immediately, before any target I/O.
func (l *Loader) AddData(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	newRange := memrange.New(addr, uint64(len(data)))
	for _, r := range l.runs {
		if r.rng().Overlaps(newRange) {
			overlap, _ := r.rng().Intersect(newRange)
			return errors.Trace(&DataOverlapError{Address: overlap.Start})
		}
	}
	l.runs = append(l.runs, dataRun{addr: addr, data: data})
	return nil
}

// regionRun is one sub-run of an accumulated data run, assigned to exactly
// one flash region.
type regionRun struct {
	region *target.MemoryRegion
	addr   uint64
	data   []byte
}

// assignRegions splits every accumulated run at flash region boundaries
// (this step), failing if any byte falls outside all flash regions.
func (l *Loader) assignRegions() ([]regionRun, error) {
	regions := l.desc.FlashRegions()
	var out []regionRun
	for _, run := range l.runs {
		remaining := run.rng()
		data := run.data
		for remaining.Size() > 0 {
			region := regionCovering(regions, remaining.Start)
			if region == nil {
				return nil, errors.Trace(&NoSuitableFlashError{Range: remaining})
			}
			end := remaining.End
			if region.Range.End < end {
				end = region.Range.End
			}
			chunkLen := end - remaining.Start
			out = append(out, regionRun{region: region, addr: remaining.Start, data: data[:chunkLen]})
			data = data[chunkLen:]
			remaining = memrange.Range{Start: end, End: remaining.End}
		}
	}
	return out, nil
}

func regionCovering(regions []*target.MemoryRegion, addr uint64) *target.MemoryRegion {
	for _, r := range regions {
		if r.Range.Contains(addr) {
			return r
		}
	}
	return nil
}

// pageImage is one page's worth of bytes staged for programming; written
// tracks which bytes the caller actually requested, the rest following the
// fill policy.
type pageImage struct {
	addr    uint64
	data    []byte
	written []bool
}

// buildPages lays a region's assigned runs out into page-aligned images
// (this step), using the region's PageSize.
func buildPages(region *target.MemoryRegion, runs []regionRun) map[uint64]*pageImage {
	pageSize := uint64(region.Flash.PageSize)
	pages := map[uint64]*pageImage{}
	for _, run := range runs {
		for off := uint64(0); off < uint64(len(run.data)); {
			addr := run.addr + off
			pageAddr := addr - (addr-region.Range.Start)%pageSize
			p, ok := pages[pageAddr]
			if !ok {
				p = &pageImage{addr: pageAddr, data: make([]byte, pageSize), written: make([]bool, pageSize)}
				pages[pageAddr] = p
			}
			pageOff := addr - pageAddr
			n := pageSize - pageOff
			if remain := uint64(len(run.data)) - off; remain < n {
				n = remain
			}
			copy(p.data[pageOff:pageOff+n], run.data[off:off+n])
			for i := uint64(0); i < n; i++ {
				p.written[pageOff+i] = true
			}
			off += n
		}
	}
	return pages
}

// sectorsFor returns the sorted, de-duplicated set of sectors touched by
// pages, sized per the region's SectorDescription layout (this step).
// Sector boundaries are computed relative to the matched SectorDescription's
// own StartOffset, not the region start, since that segment's start need not
// be a multiple of its sector size.
func sectorsFor(region *target.MemoryRegion, pages map[uint64]*pageImage) []memrange.Range {
	seen := map[uint64]memrange.Range{}
	for _, p := range pages {
		offset := p.addr - region.Range.Start
		size, segmentStart := region.Flash.SectorAt(offset)
		sz := uint64(size)
		if sz == 0 {
			sz = uint64(region.Flash.PageSize)
			segmentStart = 0
		}
		segOffset := offset - segmentStart
		sectorStart := region.Range.Start + segmentStart + segOffset - segOffset%sz
		if _, ok := seen[sectorStart]; !ok {
			seen[sectorStart] = memrange.New(sectorStart, sz)
		}
	}
	out := make([]memrange.Range, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// sortedPageAddrs returns pages' keys in ascending order.
func sortedPageAddrs(pages map[uint64]*pageImage) []uint64 {
	out := make([]uint64, 0, len(pages))
	for addr := range pages {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
