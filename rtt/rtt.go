// Package rtt implements the one piece of the RTT protocol this runtime
// scopes itself to: locating the SEGGER RTT control block in target RAM.
// Reading and writing the ring buffers it describes is the job of a
// higher-layer RTT client, not this module.
package rtt

import (
	"bytes"
	"context"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/memrange"
)

// ControlBlockID is the 16-byte ASCII marker SEGGER RTT writes at the
// start of its control block.
var ControlBlockID = []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")

// ErrNotFound is returned by FindControlBlock when no range in ranges
// contains the control block marker.
var ErrNotFound = errors.New("rtt control block not found")

const scanChunkWords = 256 // 1 KiB per read, word-aligned

// FindControlBlock scans ranges (typically a target's declared RAM
// regions) for ControlBlockID at a word-aligned address, returning the
// first match.
func FindControlBlock(ctx context.Context, c coreiface.Core, ranges []memrange.Range) (uint64, error) {
	for _, rng := range ranges {
		addr, err := scanRange(ctx, c, rng)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if addr != 0 {
			return addr, nil
		}
	}
	return 0, errors.Trace(ErrNotFound)
}

func scanRange(ctx context.Context, c coreiface.Core, rng memrange.Range) (uint64, error) {
	id := ControlBlockID
	chunkSize := uint64(scanChunkWords * 4)
	// Overlap consecutive chunks by len(id)-1 bytes so a match straddling
	// a chunk boundary is never missed.
	overlap := uint64(len(id) - 1)

	addr := rng.Start
	for addr < rng.End {
		readLen := chunkSize + overlap
		if addr+readLen > rng.End {
			readLen = rng.End - addr
		}
		if readLen < uint64(len(id)) {
			break
		}
		buf := make([]byte, readLen)
		if err := c.ReadMemory8(ctx, addr, buf); err != nil {
			return 0, errors.Annotatef(err, "scan 0x%x..0x%x for rtt control block", addr, addr+readLen)
		}
		for off := 0; ; {
			idx := bytes.Index(buf[off:], id)
			if idx < 0 {
				break
			}
			if match := addr + uint64(off+idx); match%4 == 0 {
				return match, nil
			}
			off += idx + 1
		}
		addr += chunkSize
	}
	return 0, nil
}
