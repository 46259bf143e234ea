// Package armv6m implements core.Core for Cortex-M0/M0+, built on the
// shared armcommon Cortex-M debug engine plus the simpler ARMv6-M Flash
// Patch and Breakpoint unit (no high NUM_CODE field, no remap mode).
package armv6m

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/arch/armcommon"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/dap"
)

const (
	addrFPCTRL  = 0xE0002000
	addrFPCOMP0 = 0xE0002008
)

const (
	fpctrlKEY    = 1 << 1
	fpctrlENABLE = 1 << 0
)

const (
	compENABLE       = 1 << 0
	compREPLACE_BOTH = 0x3 << 30
)

// Register ids, identical in shape to ARMv7-M (the architected core
// register file doesn't change across the Cortex-M family).
const (
	RegR0 coreiface.RegisterID = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegSP
	RegLR
	RegPC
	RegXPSR
)

var registerDescriptions = []coreiface.RegisterDescription{
	{ID: RegR0, Name: "r0", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 0},
	{ID: RegR1, Name: "r1", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 1},
	{ID: RegR2, Name: "r2", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 2},
	{ID: RegR3, Name: "r3", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 3},
	{ID: RegR4, Name: "r4", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegR5, Name: "r5", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegR6, Name: "r6", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegR7, Name: "r7", Bits: 32, Role: coreiface.RoleFramePointer, CoreID: -1},
	{ID: RegR8, Name: "r8", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegR9, Name: "r9", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegR10, Name: "r10", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegR11, Name: "r11", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegR12, Name: "r12", Bits: 32, Role: coreiface.RoleGeneral, CoreID: -1},
	{ID: RegSP, Name: "sp", Bits: 32, Role: coreiface.RoleStackPointer, CoreID: -1},
	{ID: RegLR, Name: "lr", Bits: 32, Role: coreiface.RoleReturnAddress, CoreID: -1},
	{ID: RegPC, Name: "pc", Bits: 32, Role: coreiface.RoleProgramCounter, CoreID: -1},
	{ID: RegXPSR, Name: "xpsr", Bits: 32, Role: coreiface.RoleArchitectural, CoreID: -1},
}

// Core is the ARMv6-M core.Core implementation.
type Core struct {
	*armcommon.CortexMCore

	numComparators uint32
	used           map[uint64]uint32
}

// New wraps a MemAP as an ARMv6-M Core.
func New(mem *dap.MemAP) *Core {
	return &Core{CortexMCore: armcommon.NewCortexMCore(mem), used: map[uint64]uint32{}}
}

func (c *Core) Architecture() coreiface.Architecture        { return coreiface.ArchARMv6M }
func (c *Core) Registers() []coreiface.RegisterDescription  { return registerDescriptions }
func (c *Core) InstructionSet(ctx context.Context) (coreiface.InstructionSet, error) {
	return coreiface.InstructionSetThumb2, nil
}

func (c *Core) ReadCoreRegister(ctx context.Context, id coreiface.RegisterID) (uint64, error) {
	v, err := c.CortexMCore.ReadCoreRegister(ctx, uint16(id))
	return uint64(v), errors.Annotatef(err, "read register %d", id)
}

func (c *Core) WriteCoreRegister(ctx context.Context, id coreiface.RegisterID, value uint64) error {
	return errors.Annotatef(c.CortexMCore.WriteCoreRegister(ctx, uint16(id), uint32(value)), "write register %d", id)
}

func (c *Core) Halt(ctx context.Context, timeout time.Duration) error { return c.CortexMCore.Halt(ctx, timeout) }
func (c *Core) Run(ctx context.Context) error                        { return c.CortexMCore.Run(ctx) }
func (c *Core) Step(ctx context.Context) error                       { return c.CortexMCore.Step(ctx) }
func (c *Core) Reset(ctx context.Context) error                      { return c.CortexMCore.Reset(ctx) }
func (c *Core) ResetAndHalt(ctx context.Context, timeout time.Duration) error {
	return c.CortexMCore.ResetAndHalt(ctx, timeout)
}
func (c *Core) Status(ctx context.Context) (coreiface.CoreState, error) { return c.CortexMCore.Status(ctx) }

func (c *Core) ReadMemory8(ctx context.Context, addr uint64, dst []uint8) error {
	return errors.Trace(c.MemAP().Read8(ctx, addr, dst))
}
func (c *Core) WriteMemory8(ctx context.Context, addr uint64, src []uint8) error {
	return errors.Trace(c.MemAP().Write8(ctx, addr, src))
}
func (c *Core) ReadMemory32(ctx context.Context, addr uint64, dst []uint32) error {
	return errors.Trace(c.MemAP().Read32(ctx, addr, dst))
}
func (c *Core) WriteMemory32(ctx context.Context, addr uint64, src []uint32) error {
	return errors.Trace(c.MemAP().Write32(ctx, addr, src))
}

func (c *Core) ReadMemory16(ctx context.Context, addr uint64, dst []uint16) error {
	buf := make([]uint8, len(dst)*2)
	if err := c.ReadMemory8(ctx, addr, buf); err != nil {
		return errors.Trace(err)
	}
	for i := range dst {
		dst[i] = uint16(buf[i*2]) | uint16(buf[i*2+1])<<8
	}
	return nil
}

func (c *Core) WriteMemory16(ctx context.Context, addr uint64, src []uint16) error {
	buf := make([]uint8, len(src)*2)
	for i, v := range src {
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return c.WriteMemory8(ctx, addr, buf)
}

func (c *Core) ReadMemory64(ctx context.Context, addr uint64, dst []uint64) error {
	words := make([]uint32, len(dst)*2)
	if err := c.ReadMemory32(ctx, addr, words); err != nil {
		return errors.Trace(err)
	}
	for i := range dst {
		dst[i] = uint64(words[i*2]) | uint64(words[i*2+1])<<32
	}
	return nil
}

func (c *Core) WriteMemory64(ctx context.Context, addr uint64, src []uint64) error {
	words := make([]uint32, len(src)*2)
	for i, v := range src {
		words[i*2] = uint32(v)
		words[i*2+1] = uint32(v >> 32)
	}
	return c.WriteMemory32(ctx, addr, words)
}

// AvailableBreakpointUnits reads FP_CTRL's NUM_CODE field. ARMv6-M carries
// it only in bits [3:0] (at most 4 comparators), unlike v7-M's split field.
func (c *Core) AvailableBreakpointUnits(ctx context.Context) (uint32, error) {
	if c.numComparators != 0 {
		return c.numComparators, nil
	}
	var v [1]uint32
	if err := c.MemAP().Read32(ctx, addrFPCTRL, v[:]); err != nil {
		return 0, errors.Annotatef(err, "read FP_CTRL")
	}
	c.numComparators = v[0] & 0xF
	return c.numComparators, nil
}

func (c *Core) SetHWBreakpoint(ctx context.Context, addr uint64) error {
	if _, ok := c.used[addr]; ok {
		return nil
	}
	n, err := c.AvailableBreakpointUnits(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	var idx uint32
	found := false
	for idx = 0; idx < n; idx++ {
		taken := false
		for _, used := range c.used {
			if used == idx {
				taken = true
				break
			}
		}
		if !taken {
			found = true
			break
		}
	}
	if !found {
		return &coreiface.NoFreeBreakpointError{Available: n}
	}
	if err := errors.Annotatef(c.MemAP().Write32(ctx, addrFPCTRL, []uint32{fpctrlKEY | fpctrlENABLE}), "enable FPB"); err != nil {
		return err
	}
	comp := uint32(addr&0x1FFFFFFC) | compREPLACE_BOTH | compENABLE
	if err := c.MemAP().Write32(ctx, uint64(addrFPCOMP0+idx*4), []uint32{comp}); err != nil {
		return errors.Annotatef(err, "program FP_COMP%d", idx)
	}
	c.used[addr] = idx
	return nil
}

func (c *Core) ClearHWBreakpoint(ctx context.Context, addr uint64) error {
	idx, ok := c.used[addr]
	if !ok {
		return nil
	}
	if err := c.MemAP().Write32(ctx, uint64(addrFPCOMP0+idx*4), []uint32{0}); err != nil {
		return errors.Annotatef(err, "clear FP_COMP%d", idx)
	}
	delete(c.used, addr)
	return nil
}
