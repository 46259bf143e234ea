package rtt

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/memrange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRAMCore struct {
	mem map[uint64]byte
}

func newFakeRAMCore() *fakeRAMCore { return &fakeRAMCore{mem: map[uint64]byte{}} }

func (c *fakeRAMCore) Architecture() coreiface.Architecture { return coreiface.ArchARMv7M }
func (c *fakeRAMCore) Status(ctx context.Context) (coreiface.CoreState, error) {
	return coreiface.CoreState{Status: coreiface.StatusHalted}, nil
}
func (c *fakeRAMCore) Halt(ctx context.Context, timeout time.Duration) error { return nil }
func (c *fakeRAMCore) Run(ctx context.Context) error                        { return nil }
func (c *fakeRAMCore) Step(ctx context.Context) error                       { return nil }
func (c *fakeRAMCore) Reset(ctx context.Context) error                      { return nil }
func (c *fakeRAMCore) ResetAndHalt(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (c *fakeRAMCore) ReadCoreRegister(ctx context.Context, id coreiface.RegisterID) (uint64, error) {
	return 0, nil
}
func (c *fakeRAMCore) WriteCoreRegister(ctx context.Context, id coreiface.RegisterID, value uint64) error {
	return nil
}
func (c *fakeRAMCore) Registers() []coreiface.RegisterDescription { return nil }

func (c *fakeRAMCore) ReadMemory8(ctx context.Context, addr uint64, dst []uint8) error {
	for i := range dst {
		dst[i] = c.mem[addr+uint64(i)]
	}
	return nil
}
func (c *fakeRAMCore) WriteMemory8(ctx context.Context, addr uint64, src []uint8) error {
	for i, b := range src {
		c.mem[addr+uint64(i)] = b
	}
	return nil
}
func (c *fakeRAMCore) ReadMemory16(ctx context.Context, addr uint64, dst []uint16) error  { return nil }
func (c *fakeRAMCore) WriteMemory16(ctx context.Context, addr uint64, src []uint16) error { return nil }
func (c *fakeRAMCore) ReadMemory32(ctx context.Context, addr uint64, dst []uint32) error  { return nil }
func (c *fakeRAMCore) WriteMemory32(ctx context.Context, addr uint64, src []uint32) error { return nil }
func (c *fakeRAMCore) ReadMemory64(ctx context.Context, addr uint64, dst []uint64) error  { return nil }
func (c *fakeRAMCore) WriteMemory64(ctx context.Context, addr uint64, src []uint64) error { return nil }

func (c *fakeRAMCore) AvailableBreakpointUnits(ctx context.Context) (uint32, error) { return 0, nil }
func (c *fakeRAMCore) SetHWBreakpoint(ctx context.Context, addr uint64) error       { return nil }
func (c *fakeRAMCore) ClearHWBreakpoint(ctx context.Context, addr uint64) error     { return nil }
func (c *fakeRAMCore) InstructionSet(ctx context.Context) (coreiface.InstructionSet, error) {
	return coreiface.InstructionSetThumb2, nil
}

func TestFindControlBlockLocatesMarker(t *testing.T) {
	c := newFakeRAMCore()
	base := uint64(0x20000000)
	target := base + 0x1234
	if err := c.WriteMemory8(context.Background(), target, ControlBlockID); err != nil {
		t.Fatal(err)
	}

	addr, err := FindControlBlock(context.Background(), c, []memrange.Range{memrange.New(base, 0x8000)})
	require.NoError(t, err)
	assert.Equal(t, target, addr)
}

func TestFindControlBlockAcrossChunkBoundary(t *testing.T) {
	c := newFakeRAMCore()
	base := uint64(0x20000000)
	// Place the marker straddling the 1 KiB scan chunk boundary.
	target := base + 1024 - 4
	if err := c.WriteMemory8(context.Background(), target, ControlBlockID); err != nil {
		t.Fatal(err)
	}

	addr, err := FindControlBlock(context.Background(), c, []memrange.Range{memrange.New(base, 0x4000)})
	require.NoError(t, err)
	assert.Equal(t, target, addr)
}

func TestFindControlBlockNotFound(t *testing.T) {
	c := newFakeRAMCore()
	_, err := FindControlBlock(context.Background(), c, []memrange.Range{memrange.New(0x20000000, 0x1000)})
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, errors.Cause(err))
}
