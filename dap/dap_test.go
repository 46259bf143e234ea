package dap

import (
	"context"
	"testing"

	"github.com/probe-rs/probe-rs-sub011/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink is an in-memory probe.Link: DP registers in dpRegs, one sparse
// byte-addressed memory space per AP accessed via CSW/TAR/DRW, used to test
// the SELECT cache and MemAP logic without real hardware.
type fakeLink struct {
	dpRegs map[uint8]uint32
	apRegs map[uint8]map[uint8]uint32
	mem    map[uint8]map[uint32]byte

	selectWrites []uint32
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		dpRegs: map[uint8]uint32{},
		apRegs: map[uint8]map[uint8]uint32{},
		mem:    map[uint8]map[uint32]byte{},
	}
}

func (f *fakeLink) Connect(ctx context.Context, proto probe.WireProtocol) error { return nil }
func (f *fakeLink) Disconnect(ctx context.Context) error                       { return nil }
func (f *fakeLink) SetSpeedKHz(ctx context.Context, khz uint32) error          { return nil }
func (f *fakeLink) SWJSequence(ctx context.Context, bits []byte, nbits int) error {
	return nil
}
func (f *fakeLink) TargetResetAssert(ctx context.Context) error   { return nil }
func (f *fakeLink) TargetResetDeassert(ctx context.Context) error { return nil }

func (f *fakeLink) ReadDP(ctx context.Context, addr uint8) (uint32, probe.TransferResult, error) {
	if addr == RegIDCODE {
		return 0x2BA01477, probe.TransferOK, nil
	}
	return f.dpRegs[addr], probe.TransferOK, nil
}

func (f *fakeLink) WriteDP(ctx context.Context, addr uint8, value uint32) (probe.TransferResult, error) {
	if addr == RegSELECT {
		f.selectWrites = append(f.selectWrites, value)
	}
	f.dpRegs[addr] = value
	return probe.TransferOK, nil
}

func (f *fakeLink) apMem(apSel uint8) map[uint32]byte {
	if f.mem[apSel] == nil {
		f.mem[apSel] = map[uint32]byte{}
	}
	return f.mem[apSel]
}

// fullAddr reconstructs the full byte-address of an AP register from the
// wire-level sub-bank select (bits [3:2], the only bits a real probe.Link
// carries) plus the bank currently latched in SELECT -- mirroring how the
// SELECT register's bank field and the transfer's A3:A2 field combine on
// the wire to address one of 4096 AP registers.
func (f *fakeLink) fullAddr(addr uint8) uint8 {
	bank := uint8(f.dpRegs[RegSELECT]>>4) & 0xF
	return bank<<4 | (addr & 0xC)
}

func (f *fakeLink) ReadAP(ctx context.Context, apSel uint8, addr uint8) (uint32, probe.TransferResult, error) {
	if f.apRegs[apSel] == nil {
		f.apRegs[apSel] = map[uint8]uint32{}
	}
	full := f.fullAddr(addr)
	switch full {
	case regTAR:
		return f.apRegs[apSel][full], probe.TransferOK, nil
	case regDRW:
		tar := f.apRegs[apSel][regTAR]
		mem := f.apMem(apSel)
		v := uint32(mem[tar]) | uint32(mem[tar+1])<<8 | uint32(mem[tar+2])<<16 | uint32(mem[tar+3])<<24
		// Auto-increment per CSW's AddrInc bit, matching real MEM-AP
		// behavior the production DAP relies on.
		f.apRegs[apSel][regTAR] = tar + 4
		return v, probe.TransferOK, nil
	default:
		return f.apRegs[apSel][full], probe.TransferOK, nil
	}
}

func (f *fakeLink) WriteAP(ctx context.Context, apSel uint8, addr uint8, value uint32) (probe.TransferResult, error) {
	if f.apRegs[apSel] == nil {
		f.apRegs[apSel] = map[uint8]uint32{}
	}
	full := f.fullAddr(addr)
	switch full {
	case regTAR:
		f.apRegs[apSel][full] = value
	case regDRW:
		tar := f.apRegs[apSel][regTAR]
		mem := f.apMem(apSel)
		mem[tar] = byte(value)
		mem[tar+1] = byte(value >> 8)
		mem[tar+2] = byte(value >> 16)
		mem[tar+3] = byte(value >> 24)
		f.apRegs[apSel][regTAR] = tar + 4
	default:
		f.apRegs[apSel][full] = value
	}
	return probe.TransferOK, nil
}

func (f *fakeLink) SupportsPipelining() bool { return false }
func (f *fakeLink) ScheduleReadAP(ctx context.Context, apSel, addr uint8) (probe.DeferredResult, error) {
	return 0, nil
}
func (f *fakeLink) ScheduleWriteAP(ctx context.Context, apSel, addr uint8, value uint32) error {
	return nil
}
func (f *fakeLink) Execute(ctx context.Context) error            { return nil }
func (f *fakeLink) Result(id probe.DeferredResult) (uint32, error) { return 0, nil }

func TestSelectCacheCoalescesRepeatedBank(t *testing.T) {
	fl := newFakeLink()
	dp := NewDebugPort(fl)
	ctx := context.Background()

	// Two consecutive writes to the same AP/bank must issue exactly one
	// SELECT write, per the DP layer's invisible-cache invariant.
	require.NoError(t, dp.writeRaw(ctx, true, 0, regCSW, 0x23000012))
	require.NoError(t, dp.writeRaw(ctx, true, 0, regTAR, 0x20000000))
	assert.Len(t, fl.selectWrites, 1)
}

func TestSelectCacheBustsOnBankChange(t *testing.T) {
	fl := newFakeLink()
	dp := NewDebugPort(fl)
	ctx := context.Background()

	// AP 0 bank 0xF (IDR) then AP 0 bank 0 (CSW): exactly two SELECT
	// writes, since the bank changes between the two transfers.
	_, err := dp.readRaw(ctx, true, 0, regIDR)
	require.NoError(t, err)
	require.NoError(t, dp.writeRaw(ctx, true, 0, regCSW, 0))
	assert.Len(t, fl.selectWrites, 2)
}

func TestMemAPReadWriteRoundTrip(t *testing.T) {
	fl := newFakeLink()
	dp := NewDebugPort(fl)
	ap := NewMemAP(dp, 0)
	ctx := context.Background()

	data := []uint32{0x11223344, 0xAABBCCDD, 0x01020304}
	require.NoError(t, ap.Write32(ctx, 0x20000000, data))

	out := make([]uint32, 3)
	require.NoError(t, ap.Read32(ctx, 0x20000000, out))
	assert.Equal(t, data, out)
}

func TestMemAPTARWrapSplitting(t *testing.T) {
	// A 16-word write starting 4 words before a 1 KiB boundary must split
	// into two chunks, each re-setting TAR, but the read-back must still
	// be contiguous and correct.
	fl := newFakeLink()
	dp := NewDebugPort(fl)
	ap := NewMemAP(dp, 0)
	ctx := context.Background()

	start := uint64(tarWrapBoundary - 4*4)
	data := make([]uint32, 16)
	for i := range data {
		data[i] = uint32(i + 1)
	}
	require.NoError(t, ap.Write32(ctx, start, data))

	out := make([]uint32, 16)
	require.NoError(t, ap.Read32(ctx, start, out))
	assert.Equal(t, data, out)
}

func TestEnumerateAPsStopsAtZero(t *testing.T) {
	fl := newFakeLink()
	dp := NewDebugPort(fl)
	ctx := context.Background()

	fl.apRegs[0] = map[uint8]uint32{regIDR: 0x24770011}
	fl.apRegs[1] = map[uint8]uint32{regIDR: 0}

	aps, err := EnumerateAPs(ctx, dp)
	require.NoError(t, err)
	require.Len(t, aps, 1)
	assert.Equal(t, uint8(0), aps[0].Index)
	assert.Equal(t, APClassMemAP, aps[0].Class)
}

func TestSplitAtWrap(t *testing.T) {
	lens := splitAtWrap(tarWrapBoundary-8, 16)
	assert.Equal(t, []int{8, 8}, lens)

	lens = splitAtWrap(0, 16)
	assert.Equal(t, []int{16}, lens)
}
