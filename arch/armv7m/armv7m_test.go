package armv7m

import (
	"context"
	"testing"
	"time"

	"github.com/probe-rs/probe-rs-sub011/dap"
	"github.com/probe-rs/probe-rs-sub011/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink is a minimal in-memory probe.Link backing a single MEM-AP's
// CSW/TAR/DRW registers plus a sparse byte-addressed memory map, enough to
// exercise the Cortex-M debug register sequences without real hardware.
type fakeLink struct {
	dpRegs map[uint8]uint32
	tar    uint32
	mem    map[uint32]byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{dpRegs: map[uint8]uint32{}, mem: map[uint32]byte{}}
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
	if addr == dap.RegIDCODE {
		return 0x2BA01477, probe.TransferOK, nil
	}
	return f.dpRegs[addr], probe.TransferOK, nil
}

func (f *fakeLink) WriteDP(ctx context.Context, addr uint8, value uint32) (probe.TransferResult, error) {
	f.dpRegs[addr] = value
	return probe.TransferOK, nil
}

func (f *fakeLink) addrFor(addr uint8) uint32 {
	// Only TAR (0x04) and DRW (0x0C) matter for this fake; everything else
	// (CSW, IDR) is a harmless no-op sink since this test never inspects
	// them.
	return uint32(addr & 0xC)
}

func (f *fakeLink) ReadAP(ctx context.Context, apSel uint8, addr uint8) (uint32, probe.TransferResult, error) {
	switch f.addrFor(addr) {
	case 0x4:
		return f.tar, probe.TransferOK, nil
	case 0xC:
		v := uint32(f.mem[f.tar]) | uint32(f.mem[f.tar+1])<<8 | uint32(f.mem[f.tar+2])<<16 | uint32(f.mem[f.tar+3])<<24
		f.tar += 4
		return v, probe.TransferOK, nil
	default:
		return 0, probe.TransferOK, nil
	}
}

func (f *fakeLink) WriteAP(ctx context.Context, apSel uint8, addr uint8, value uint32) (probe.TransferResult, error) {
	switch f.addrFor(addr) {
	case 0x4:
		f.tar = value
	case 0xC:
		if f.tar == addrDHCSR {
			// DHCSR's upper halfword is read-only status, driven by
			// hardware, not by what the debugger last wrote; preserve it
			// across a control-field write the way silicon does.
			existing := uint32(f.mem[f.tar]) | uint32(f.mem[f.tar+1])<<8 | uint32(f.mem[f.tar+2])<<16 | uint32(f.mem[f.tar+3])<<24
			value = (value & 0x0000FFFF) | (existing & 0xFFFF0000)
		}
		f.mem[f.tar] = byte(value)
		f.mem[f.tar+1] = byte(value >> 8)
		f.mem[f.tar+2] = byte(value >> 16)
		f.mem[f.tar+3] = byte(value >> 24)
		f.tar += 4
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
func (f *fakeLink) Execute(ctx context.Context) error              { return nil }
func (f *fakeLink) Result(id probe.DeferredResult) (uint32, error) { return 0, nil }

func newTestCore() (*Core, *fakeLink) {
	fl := newFakeLink()
	dp := dap.NewDebugPort(fl)
	ap := dap.NewMemAP(dp, 0)
	return New(ap), fl
}

// addrDHCSR is a local copy of armcommon.AddrDHCSR, so this test does not
// import armcommon.
const addrDHCSR = 0xE000EDF0

func setMem32(f *fakeLink, addr uint32, v uint32) {
	f.mem[addr] = byte(v)
	f.mem[addr+1] = byte(v >> 8)
	f.mem[addr+2] = byte(v >> 16)
	f.mem[addr+3] = byte(v >> 24)
}

func TestHaltPollsUntilDHCSRHaltBitSet(t *testing.T) {
	c, fl := newTestCore()
	ctx := context.Background()

	// Pre-seed DHCSR with S_HALT already set so Halt's write-then-poll
	// sequence observes it immediately.
	setMem32(fl, addrDHCSR, 1<<17)

	require.NoError(t, c.Halt(ctx, 50*time.Millisecond))
	state, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.Status.String(), "halted")
}

func TestAvailableBreakpointUnitsReadsFPCTRL(t *testing.T) {
	c, fl := newTestCore()
	ctx := context.Background()

	// NUM_CODE split: lo nibble bits[3:0]=4, hi field bits[14:12]=0 -> 4
	// comparators (a typical Cortex-M4 FPB).
	setMem32(fl, addrFPCTRL, 4)

	n, err := c.AvailableBreakpointUnits(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestSetHWBreakpointAllocatesDistinctComparators(t *testing.T) {
	c, fl := newTestCore()
	ctx := context.Background()
	setMem32(fl, addrFPCTRL, 2)

	require.NoError(t, c.SetHWBreakpoint(ctx, 0x08000100))
	require.NoError(t, c.SetHWBreakpoint(ctx, 0x08000200))

	err := c.SetHWBreakpoint(ctx, 0x08000300)
	assert.Error(t, err)
}

func TestClearHWBreakpointFreesComparatorForReuse(t *testing.T) {
	c, fl := newTestCore()
	ctx := context.Background()
	setMem32(fl, addrFPCTRL, 1)

	require.NoError(t, c.SetHWBreakpoint(ctx, 0x08000100))
	require.NoError(t, c.ClearHWBreakpoint(ctx, 0x08000100))
	require.NoError(t, c.SetHWBreakpoint(ctx, 0x08000200))
}
