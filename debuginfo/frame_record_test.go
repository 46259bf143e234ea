package debuginfo

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemCore is a coreiface.Core whose only exercised capability is
// word-addressed memory; every other method is a harmless stub, matching
// the flash package's fakeCore approach to satisfying a wide interface
// with only the handful of methods a given test touches.
type fakeMemCore struct {
	arch coreiface.Architecture
	mem  map[uint64]byte
}

func newFakeMemCore(arch coreiface.Architecture) *fakeMemCore {
	return &fakeMemCore{arch: arch, mem: map[uint64]byte{}}
}

func (c *fakeMemCore) putWord(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	for i, x := range b {
		c.mem[addr+uint64(i)] = x
	}
}

func (c *fakeMemCore) Architecture() coreiface.Architecture { return c.arch }
func (c *fakeMemCore) Status(ctx context.Context) (coreiface.CoreState, error) {
	return coreiface.CoreState{Status: coreiface.StatusHalted}, nil
}
func (c *fakeMemCore) Halt(ctx context.Context, timeout time.Duration) error { return nil }
func (c *fakeMemCore) Run(ctx context.Context) error                        { return nil }
func (c *fakeMemCore) Step(ctx context.Context) error                       { return nil }
func (c *fakeMemCore) Reset(ctx context.Context) error                      { return nil }
func (c *fakeMemCore) ResetAndHalt(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (c *fakeMemCore) ReadCoreRegister(ctx context.Context, id coreiface.RegisterID) (uint64, error) {
	return 0, nil
}
func (c *fakeMemCore) WriteCoreRegister(ctx context.Context, id coreiface.RegisterID, value uint64) error {
	return nil
}
func (c *fakeMemCore) Registers() []coreiface.RegisterDescription { return nil }

func (c *fakeMemCore) ReadMemory8(ctx context.Context, addr uint64, dst []uint8) error {
	for i := range dst {
		dst[i] = c.mem[addr+uint64(i)]
	}
	return nil
}
func (c *fakeMemCore) WriteMemory8(ctx context.Context, addr uint64, src []uint8) error { return nil }
func (c *fakeMemCore) ReadMemory16(ctx context.Context, addr uint64, dst []uint16) error {
	return nil
}
func (c *fakeMemCore) WriteMemory16(ctx context.Context, addr uint64, src []uint16) error {
	return nil
}
func (c *fakeMemCore) ReadMemory32(ctx context.Context, addr uint64, dst []uint32) error {
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32([]byte{
			c.mem[addr+uint64(i*4)], c.mem[addr+uint64(i*4)+1],
			c.mem[addr+uint64(i*4)+2], c.mem[addr+uint64(i*4)+3],
		})
	}
	return nil
}
func (c *fakeMemCore) WriteMemory32(ctx context.Context, addr uint64, src []uint32) error {
	return nil
}
func (c *fakeMemCore) ReadMemory64(ctx context.Context, addr uint64, dst []uint64) error {
	return nil
}
func (c *fakeMemCore) WriteMemory64(ctx context.Context, addr uint64, src []uint64) error {
	return nil
}
func (c *fakeMemCore) AvailableBreakpointUnits(ctx context.Context) (uint32, error) {
	return 0, nil
}
func (c *fakeMemCore) SetHWBreakpoint(ctx context.Context, addr uint64) error   { return nil }
func (c *fakeMemCore) ClearHWBreakpoint(ctx context.Context, addr uint64) error { return nil }
func (c *fakeMemCore) InstructionSet(ctx context.Context) (coreiface.InstructionSet, error) {
	return coreiface.InstructionSetThumb2, nil
}

func TestReadFrameRecordARMForward(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchARMv7M)
	c.putWord(0x2000, 0x1234) // caller fp
	c.putWord(0x2004, 0x8001) // return address

	rec, ok, err := readFrameRecord(context.Background(), c, coreiface.ArchARMv7M, 0x2000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0x1234, rec.framePointer)
	assert.EqualValues(t, 0x8001, rec.returnAddress)
}

func TestReadFrameRecordRISCVBackward(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchRISCV)
	c.putWord(0x2000-8, 0x1234) // caller fp
	c.putWord(0x2000-4, 0x8001) // return address

	rec, ok, err := readFrameRecord(context.Background(), c, coreiface.ArchRISCV, 0x2000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0x1234, rec.framePointer)
	assert.EqualValues(t, 0x8001, rec.returnAddress)
}

func TestReadFrameRecordRISCVTooSmallFP(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchRISCV)
	_, ok, err := readFrameRecord(context.Background(), c, coreiface.ArchRISCV, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadFrameRecordXtensaSwappedOrder(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchXtensa)
	c.putWord(0x2000-16, 0x8001) // return address (first word)
	c.putWord(0x2000-12, 0x1234) // caller fp (second word)

	rec, ok, err := readFrameRecord(context.Background(), c, coreiface.ArchXtensa, 0x2000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0x1234, rec.framePointer)
	assert.EqualValues(t, 0x8001, rec.returnAddress)
}

func TestRISCVUnwindWithoutDebugInfoRejectsImplausibleDelta(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchRISCV)
	c.putWord(0x10000-8, 0x20000000) // wildly far caller sp
	c.putWord(0x10000-4, 0x8001)

	_, _, ok, err := riscvUnwindWithoutDebugInfo(context.Background(), c, 0x10000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRISCVUnwindWithoutDebugInfoAccepts(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchRISCV)
	c.putWord(0x10000-8, 0x10010)
	c.putWord(0x10000-4, 0x8001)

	sp, ra, ok, err := riscvUnwindWithoutDebugInfo(context.Background(), c, 0x10000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0x10010, sp)
	assert.EqualValues(t, 0x8001, ra)
}

func TestXtensaUnwindWithoutDebugInfoRequiresFP(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchXtensa)
	_, _, ok, err := xtensaUnwindWithoutDebugInfo(context.Background(), c, 0x1000, 0x1000, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestXtensaUnwindWithoutDebugInfoAccepts(t *testing.T) {
	c := newFakeMemCore(coreiface.ArchXtensa)
	c.putWord(0x2000-16, 0x8001)
	c.putWord(0x2000-12, 0x1ff0)

	ra, sp, ok, err := xtensaUnwindWithoutDebugInfo(context.Background(), c, 0x2000, 0x2000, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0x8001, ra)
	assert.EqualValues(t, 0x1ff0, sp)
}

func TestCortexMExceptionUnwinder(t *testing.T) {
	u := cortexMExceptionUnwinder{}
	assert.True(t, u.isExceptionFrame(0xfffffff1))
	assert.False(t, u.isExceptionFrame(0x08001235))

	c := newFakeMemCore(coreiface.ArchARMv7M)
	sp := uint64(0x20001000)
	frame := []uint32{0, 1, 2, 3, 0xc, 0xdeadbeef, 0x08001000, 0} // xPSR bit9 clear
	for i, w := range frame {
		c.putWord(sp+uint64(i*4), w)
	}

	details, err := u.exceptionDetails(context.Background(), c, sp, 0xfffffff1)
	require.NoError(t, err)
	assert.EqualValues(t, 0xdeadbeef, details.callerLR)
	assert.EqualValues(t, 0x08001000, details.callerPC)
	assert.EqualValues(t, sp+32, details.callerSP)
}

func TestCortexMExceptionUnwinderExtendedFrame(t *testing.T) {
	u := cortexMExceptionUnwinder{}
	// EXC_RETURN with bit 4 clear selects the 26-word FPU-extended frame.
	excReturn := uint64(0xffffffe1)
	assert.True(t, excReturnExtendedFrame(excReturn))

	c := newFakeMemCore(coreiface.ArchARMv7M)
	sp := uint64(0x20001000)
	basic := []uint32{0, 1, 2, 3, 0xc, 0xdeadbeef, 0x08001000, 0}
	for i, w := range basic {
		c.putWord(sp+uint64(i*4), w)
	}
	// 18 FPU words above the basic frame; contents are irrelevant here.
	for i := 0; i < 18; i++ {
		c.putWord(sp+uint64((8+i)*4), 0)
	}

	details, err := u.exceptionDetails(context.Background(), c, sp, excReturn)
	require.NoError(t, err)
	assert.EqualValues(t, 0xdeadbeef, details.callerLR)
	assert.EqualValues(t, 0x08001000, details.callerPC)
	assert.EqualValues(t, sp+26*4, details.callerSP)
}
