package debuginfo

import (
	"context"
	"testing"

	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegCore extends fakeMemCore with a fixed Cortex-M-shaped register
// file and settable register values, enough to drive stepWithCFI and
// Unwind without a real target.
type fakeRegCore struct {
	*fakeMemCore
	regs map[coreiface.RegisterID]uint64
}

func newFakeRegCore() *fakeRegCore {
	return &fakeRegCore{fakeMemCore: newFakeMemCore(coreiface.ArchARMv7M), regs: map[coreiface.RegisterID]uint64{}}
}

func (c *fakeRegCore) Registers() []coreiface.RegisterDescription {
	return []coreiface.RegisterDescription{
		{ID: 13, Name: "sp", Bits: 32, Role: coreiface.RoleStackPointer, CoreID: -1},
		{ID: 14, Name: "lr", Bits: 32, Role: coreiface.RoleReturnAddress, CoreID: -1},
		{ID: 15, Name: "pc", Bits: 32, Role: coreiface.RoleProgramCounter, CoreID: -1},
	}
}

func (c *fakeRegCore) ReadCoreRegister(ctx context.Context, id coreiface.RegisterID) (uint64, error) {
	return c.regs[id], nil
}
func (c *fakeRegCore) WriteCoreRegister(ctx context.Context, id coreiface.RegisterID, value uint64) error {
	c.regs[id] = value
	return nil
}

func TestStepWithCFIResolvesCallerPCAndSP(t *testing.T) {
	data := buildDebugFrame(t)
	fdes, err := parseFrameSection(data, false)
	require.NoError(t, err)

	c := newFakeRegCore()
	c.regs[13] = 0x20000f00 // sp
	c.regs[14] = 0          // lr, unused directly here
	// cfa = sp(r13) + 8 = 0x20000f08; LR (dwarf reg 14) saved at cfa-4.
	c.putWord(0x20000f08-4, 0xdeadbeef)

	regs := map[coreiface.RegisterID]uint64{13: c.regs[13], 14: c.regs[14], 15: 0x1005}
	next, callerPC, cfa, ok, err := stepWithCFI(context.Background(), c, fdes[0], 0x1005, regs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0x20000f08, cfa)
	assert.EqualValues(t, 0xdeadbeef, callerPC)
	assert.EqualValues(t, 0x20000f08, next[13])
	assert.EqualValues(t, 0xdeadbeef, next[15])
}

func TestUnwindStopsAtZeroPC(t *testing.T) {
	c := newFakeRegCore()
	c.regs[13] = 0x20000f00
	c.regs[14] = 0
	c.regs[15] = 0

	frames, err := Unwind(context.Background(), c, nil, 8)
	require.NoError(t, err)
	require.Len(t, frames, 0)
}

func TestUnwindStopsWithoutCFIOrFramePointer(t *testing.T) {
	// No DWARF image at all: Unwind should still produce the innermost
	// frame and then stop, since armv7m has no frame-pointer role in
	// this fixture's register set.
	c := newFakeRegCore()
	c.regs[13] = 0x20000f00
	c.regs[14] = 0xdeadbeef
	c.regs[15] = 0x1005

	frames, err := Unwind(context.Background(), c, nil, 8)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 0x1005, frames[0].PC)
}
