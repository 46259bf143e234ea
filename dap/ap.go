package dap

import (
	"context"

	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/bitfield"
)

// MEM-AP register addresses (CMSAR/CoreSight generic memory AP).
const (
	regCSW = 0x00
	regTAR = 0x04
	regDRW = 0x0C
	regIDR = 0xFC
)

// CSW (Control/Status Word) fields.
const (
	cswSize8   = 0
	cswSize16  = 1
	cswSize32  = 2
	cswAddrIncSingle = 1 << 4
	cswAddrIncOff    = 0
)

// APClass classifies an access port by its IDR's class field.
type APClass int

const (
	APClassUnknown APClass = iota
	APClassMemAP
	APClassJTAGCOMAP
)

// APInfo is returned by EnumerateAPs for each discovered access port.
type APInfo struct {
	Index    uint8
	IDR      uint32
	Class    APClass
	Designer uint16
}

// EnumerateAPs reads IDR at increasing AP indices until a zero value is
// seen or the architected 256-AP limit is reached.
func EnumerateAPs(ctx context.Context, dp *DebugPort) ([]APInfo, error) {
	var aps []APInfo
	for idx := 0; idx < 256; idx++ {
		idr, err := dp.readRaw(ctx, true, uint8(idx), regIDR)
		if err != nil {
			return nil, errors.Annotatef(err, "read IDR for AP %d", idx)
		}
		if idr == 0 {
			break
		}
		aps = append(aps, APInfo{
			Index:    uint8(idx),
			IDR:      idr,
			Class:    classOf(idr),
			Designer: uint16(bitfield.Extract(idr, 17, 27)),
		})
	}
	return aps, nil
}

func classOf(idr uint32) APClass {
	switch bitfield.Extract(idr, 13, 16) {
	case 0x8:
		return APClassMemAP
	case 0x0:
		return APClassJTAGCOMAP
	default:
		return APClassUnknown
	}
}

// Width is a memory access width.
type Width int

const (
	Width8 Width = iota
	Width16
	Width32
)

// MemAP is a Memory Access Port: set CSW size/auto-increment, set TAR,
// transfer DRW one or many times, splitting any access that would cross a
// 1 KiB TAR-auto-increment wrap boundary (AMBA-AHB).
type MemAP struct {
	dp    *DebugPort
	index uint8

	cswValid bool
	lastCSW  uint32
}

// NewMemAP wraps the AP at index as a MemAP.
func NewMemAP(dp *DebugPort, index uint8) *MemAP {
	return &MemAP{dp: dp, index: index}
}

func (m *MemAP) setCSW(ctx context.Context, width Width) error {
	csw := uint32(cswAddrIncSingle)
	switch width {
	case Width8:
		csw |= cswSize8
	case Width16:
		csw |= cswSize16
	case Width32:
		csw |= cswSize32
	}
	if m.cswValid && m.lastCSW == csw {
		return nil
	}
	if err := m.dp.writeRaw(ctx, true, m.index, regCSW, csw); err != nil {
		return errors.Annotatef(err, "write CSW")
	}
	m.cswValid = true
	m.lastCSW = csw
	return nil
}

func (m *MemAP) setTAR(ctx context.Context, addr uint64) error {
	if err := m.dp.writeRaw(ctx, true, m.index, regTAR, uint32(addr)); err != nil {
		return errors.Annotatef(err, "write TAR")
	}
	return nil
}

const tarWrapBoundary = 0x400 // 1 KiB, per AMBA-AHB TAR auto-increment wrap

// splitAtWrap splits [addr, addr+n) into chunks that never cross a 1 KiB
// TAR-auto-increment wrap boundary.
func splitAtWrap(addr uint64, n int) []int {
	var lens []int
	remaining := n
	cur := addr
	for remaining > 0 {
		toBoundary := int(tarWrapBoundary - (cur % tarWrapBoundary))
		chunk := remaining
		if chunk > toBoundary {
			chunk = toBoundary
		}
		lens = append(lens, chunk)
		cur += uint64(chunk)
		remaining -= chunk
	}
	return lens
}

// Read32 reads len(dst) 32-bit words starting at addr.
func (m *MemAP) Read32(ctx context.Context, addr uint64, dst []uint32) error {
	if err := m.setCSW(ctx, Width32); err != nil {
		return errors.Trace(err)
	}
	lens := splitAtWrap(addr, len(dst)*4)
	off := 0
	cur := addr
	for _, lenBytes := range lens {
		n := lenBytes / 4
		if err := m.setTAR(ctx, cur); err != nil {
			return errors.Trace(err)
		}
		for i := 0; i < n; i++ {
			v, err := m.dp.readRaw(ctx, true, m.index, regDRW)
			if err != nil {
				return errors.Annotatef(err, "read32 @0x%x", cur+uint64(i*4))
			}
			dst[off+i] = v
		}
		off += n
		cur += uint64(lenBytes)
	}
	return nil
}

// Write32 writes src as consecutive 32-bit words starting at addr.
func (m *MemAP) Write32(ctx context.Context, addr uint64, src []uint32) error {
	if err := m.setCSW(ctx, Width32); err != nil {
		return errors.Trace(err)
	}
	lens := splitAtWrap(addr, len(src)*4)
	off := 0
	cur := addr
	for _, lenBytes := range lens {
		n := lenBytes / 4
		if err := m.setTAR(ctx, cur); err != nil {
			return errors.Trace(err)
		}
		for i := 0; i < n; i++ {
			if err := m.dp.writeRaw(ctx, true, m.index, regDRW, src[off+i]); err != nil {
				return errors.Annotatef(err, "write32 @0x%x", cur+uint64(i*4))
			}
		}
		off += n
		cur += uint64(lenBytes)
	}
	return nil
}

// Read8 reads len(dst) bytes starting at addr, using the byte-width CSW
// setting for every transfer; aligned runs are not widened to 32-bit
// transfers.
func (m *MemAP) Read8(ctx context.Context, addr uint64, dst []byte) error {
	if err := m.setCSW(ctx, Width8); err != nil {
		return errors.Trace(err)
	}
	lens := splitAtWrap(addr, len(dst))
	off := 0
	cur := addr
	for _, n := range lens {
		if err := m.setTAR(ctx, cur); err != nil {
			return errors.Trace(err)
		}
		for i := 0; i < n; i++ {
			v, err := m.dp.readRaw(ctx, true, m.index, regDRW)
			if err != nil {
				return errors.Annotatef(err, "read8 @0x%x", cur+uint64(i))
			}
			// Byte lane depends on address alignment within the
			// 32-bit DRW transfer; CoreSight places the accessed
			// byte at (addr & 3)*8.
			shift := (uint(cur) + uint(i)) % 4 * 8
			dst[off+i] = byte(v >> shift)
		}
		off += n
		cur += uint64(n)
	}
	return nil
}

// Write8 writes src as individual bytes starting at addr.
func (m *MemAP) Write8(ctx context.Context, addr uint64, src []byte) error {
	if err := m.setCSW(ctx, Width8); err != nil {
		return errors.Trace(err)
	}
	lens := splitAtWrap(addr, len(src))
	off := 0
	cur := addr
	for _, n := range lens {
		if err := m.setTAR(ctx, cur); err != nil {
			return errors.Trace(err)
		}
		for i := 0; i < n; i++ {
			shift := (uint(cur) + uint(i)) % 4 * 8
			v := uint32(src[off+i]) << shift
			if err := m.dp.writeRaw(ctx, true, m.index, regDRW, v); err != nil {
				return errors.Annotatef(err, "write8 @0x%x", cur+uint64(i))
			}
		}
		off += n
		cur += uint64(n)
	}
	return nil
}
