// Package riscv implements core.Core for RISC-V harts via the RISC-V
// External Debug Support specification's Debug Module: DMCONTROL/DMSTATUS
// for halt/resume/reset, abstract commands (ABSTRACTCS/COMMAND/DATA0) for
// register access, and the trigger module CSRs for hardware breakpoints.
package riscv

import (
	"context"
	"time"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/dap"
	"github.com/probe-rs/probe-rs-sub011/retry"
)

// Debug Module register offsets from the module's base (mapped into the
// system address space at attach time, per this implementation's MemAP
// transport).
const (
	offDMCONTROL = 0x10 * 4
	offDMSTATUS  = 0x11 * 4
	offABSTRACTCS = 0x16 * 4
	offCOMMAND   = 0x17 * 4
	offDATA0     = 0x04 * 4
)

// DMCONTROL bits.
const (
	dmcontrolDMACTIVE  = 1 << 0
	dmcontrolNDMRESET  = 1 << 1
	dmcontrolHALTREQ   = 1 << 31
	dmcontrolRESUMEREQ = 1 << 30
	dmcontrolHARTRESET = 1 << 29
	dmcontrolHASEL     = 1 << 26
)

// DMSTATUS bits.
const (
	dmstatusALLHALTED  = 1 << 9
	dmstatusALLRUNNING = 1 << 11
)

// ABSTRACTCS bits.
const (
	abstractcsBUSY   = 1 << 12
	abstractcsCMDERR = 0x7 << 8
)

// COMMAND fields for an Access Register Abstract Command (cmdtype 0).
const (
	cmdAARSIZE32 = 2 << 20
	cmdTRANSFER  = 1 << 17
	cmdWRITE     = 1 << 16
)

// Register numbers in the abstract-command regno space: GPRs live at
// 0x1000+n, the DPC (debug program counter, the halted PC) at 0x7b1.
const (
	regnoGPR0 = 0x1000
	regnoDPC  = 0x7b1
)

const pollInterval = 500 * time.Microsecond

const (
	RegX0 coreiface.RegisterID = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegX29
	RegX30
	RegX31
	RegPC
)

var registerDescriptions = buildRegisterDescriptions()

func buildRegisterDescriptions() []coreiface.RegisterDescription {
	names := []string{"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2", "s0", "s1",
		"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
		"s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
		"t3", "t4", "t5", "t6"}
	descs := make([]coreiface.RegisterDescription, 0, 33)
	for i, name := range names {
		role := coreiface.RoleGeneral
		coreID := -1
		switch name {
		case "sp":
			role = coreiface.RoleStackPointer
		case "s0":
			role = coreiface.RoleFramePointer
		case "ra":
			role = coreiface.RoleReturnAddress
		case "a0":
			coreID = 0
		case "a1":
			coreID = 1
		case "a2":
			coreID = 2
		case "a3":
			coreID = 3
		}
		descs = append(descs, coreiface.RegisterDescription{
			ID: coreiface.RegisterID(i), Name: name, Bits: 32, Role: role, CoreID: coreID,
		})
	}
	descs = append(descs, coreiface.RegisterDescription{
		ID: RegPC, Name: "pc", Bits: 32, Role: coreiface.RoleProgramCounter, CoreID: -1,
	})
	return descs
}

// Core is the RISC-V core.Core implementation.
type Core struct {
	mem   *dap.MemAP
	base  uint64
	state *coreiface.StateMachine

	used map[uint64]uint32
	numTriggers uint32
}

// New wraps a MemAP as a RISC-V Core, with the Debug Module mapped at base.
func New(mem *dap.MemAP, base uint64) *Core {
	return &Core{mem: mem, base: base, state: coreiface.NewStateMachine(), used: map[uint64]uint32{}}
}

func (c *Core) Architecture() coreiface.Architecture        { return coreiface.ArchRISCV }
func (c *Core) Registers() []coreiface.RegisterDescription  { return registerDescriptions }
func (c *Core) InstructionSet(ctx context.Context) (coreiface.InstructionSet, error) {
	return coreiface.InstructionSetRV32, nil
}

func (c *Core) readReg(ctx context.Context, off uint64) (uint32, error) {
	var v [1]uint32
	if err := c.mem.Read32(ctx, c.base+off, v[:]); err != nil {
		return 0, errors.Annotatef(err, "read DM register +0x%x", off)
	}
	return v[0], nil
}

func (c *Core) writeReg(ctx context.Context, off uint64, value uint32) error {
	if err := c.mem.Write32(ctx, c.base+off, []uint32{value}); err != nil {
		return errors.Annotatef(err, "write DM register +0x%x", off)
	}
	return nil
}

func (c *Core) Status(ctx context.Context) (coreiface.CoreState, error) {
	dmstatus, err := c.readReg(ctx, offDMSTATUS)
	if err != nil {
		return coreiface.CoreState{}, errors.Trace(err)
	}
	if dmstatus&dmstatusALLHALTED != 0 {
		c.state.Halted(coreiface.HaltReasonUnknown)
		return coreiface.CoreState{Status: coreiface.StatusHalted}, nil
	}
	c.state.Running()
	return coreiface.CoreState{Status: coreiface.StatusRunning}, nil
}

func (c *Core) Halt(ctx context.Context, timeout time.Duration) error {
	if err := c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE|dmcontrolHALTREQ); err != nil {
		return errors.Trace(err)
	}
	err := retry.PollUntil(ctx, timeout, pollInterval, func() (bool, error) {
		dmstatus, err := c.readReg(ctx, offDMSTATUS)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dmstatus&dmstatusALLHALTED != 0, nil
	})
	if err != nil {
		return errors.Annotatef(coreiface.ErrHaltTimeout, "halt hart")
	}
	// Clear haltreq once halted, per the Debug Module spec's requirement
	// that haltreq not remain asserted across a subsequent resume.
	if err := c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE); err != nil {
		return errors.Trace(err)
	}
	return c.state.Halted(coreiface.HaltReasonRequest)
}

func (c *Core) Run(ctx context.Context) error {
	if err := c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE|dmcontrolRESUMEREQ); err != nil {
		return errors.Trace(err)
	}
	return c.state.Running()
}

func (c *Core) Step(ctx context.Context) error {
	return errors.Errorf("single step requires DCSR.step, not yet wired on this hart")
}

func (c *Core) Reset(ctx context.Context) error {
	if err := c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE|dmcontrolNDMRESET); err != nil {
		return errors.Trace(err)
	}
	if err := c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE); err != nil {
		return errors.Trace(err)
	}
	c.state.Connected()
	return nil
}

func (c *Core) ResetAndHalt(ctx context.Context, timeout time.Duration) error {
	if err := c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE|dmcontrolNDMRESET|dmcontrolHALTREQ); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		_ = c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE)
	}()
	if err := c.writeReg(ctx, offDMCONTROL, dmcontrolDMACTIVE|dmcontrolHALTREQ); err != nil {
		return errors.Trace(err)
	}
	err := retry.PollUntil(ctx, timeout, pollInterval, func() (bool, error) {
		dmstatus, err := c.readReg(ctx, offDMSTATUS)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dmstatus&dmstatusALLHALTED != 0, nil
	})
	if err != nil {
		return errors.Annotatef(coreiface.ErrHaltTimeout, "reset and halt")
	}
	return c.state.Halted(coreiface.HaltReasonException)
}

// abstractCommand issues an Access Register abstract command for regno,
// waiting for ABSTRACTCS.busy to clear, and returns any CMDERR.
func (c *Core) abstractCommand(ctx context.Context, regno uint32, write bool) error {
	cmd := uint32(cmdAARSIZE32 | cmdTRANSFER | regno)
	if write {
		cmd |= cmdWRITE
	}
	if err := c.writeReg(ctx, offCOMMAND, cmd); err != nil {
		return errors.Trace(err)
	}
	err := retry.PollUntil(ctx, 50*time.Millisecond, pollInterval, func() (bool, error) {
		cs, err := c.readReg(ctx, offABSTRACTCS)
		if err != nil {
			return false, errors.Trace(err)
		}
		return cs&abstractcsBUSY == 0, nil
	})
	if err != nil {
		return errors.Annotatef(err, "abstract command timed out")
	}
	cs, err := c.readReg(ctx, offABSTRACTCS)
	if err != nil {
		return errors.Trace(err)
	}
	if cs&abstractcsCMDERR != 0 {
		return errors.Errorf("abstract command error: cmderr=%d", (cs&abstractcsCMDERR)>>8)
	}
	return nil
}

func (c *Core) regno(id coreiface.RegisterID) uint32 {
	if id == RegPC {
		return regnoDPC
	}
	return regnoGPR0 + uint32(id)
}

func (c *Core) ReadCoreRegister(ctx context.Context, id coreiface.RegisterID) (uint64, error) {
	if err := c.abstractCommand(ctx, c.regno(id), false); err != nil {
		return 0, errors.Annotatef(err, "read register %d", id)
	}
	v, err := c.readReg(ctx, offDATA0)
	return uint64(v), errors.Annotatef(err, "read DATA0")
}

func (c *Core) WriteCoreRegister(ctx context.Context, id coreiface.RegisterID, value uint64) error {
	if err := c.writeReg(ctx, offDATA0, uint32(value)); err != nil {
		return errors.Annotatef(err, "stage DATA0")
	}
	return errors.Annotatef(c.abstractCommand(ctx, c.regno(id), true), "write register %d", id)
}

func (c *Core) ReadMemory8(ctx context.Context, addr uint64, dst []uint8) error {
	return errors.Trace(c.mem.Read8(ctx, addr, dst))
}
func (c *Core) WriteMemory8(ctx context.Context, addr uint64, src []uint8) error {
	return errors.Trace(c.mem.Write8(ctx, addr, src))
}
func (c *Core) ReadMemory32(ctx context.Context, addr uint64, dst []uint32) error {
	return errors.Trace(c.mem.Read32(ctx, addr, dst))
}
func (c *Core) WriteMemory32(ctx context.Context, addr uint64, src []uint32) error {
	return errors.Trace(c.mem.Write32(ctx, addr, src))
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

// AvailableBreakpointUnits reports a fixed trigger count of 4, the common
// RV32 baseline; it does not probe tselect/tinfo on the target.
func (c *Core) AvailableBreakpointUnits(ctx context.Context) (uint32, error) {
	if c.numTriggers == 0 {
		c.numTriggers = 4
	}
	return c.numTriggers, nil
}

// SetHWBreakpoint/ClearHWBreakpoint program the trigger module via the
// GPR-style abstract-command CSR access path (tselect/tdata1/tdata2 are
// CSRs, read/written through the same Access Register command with the
// CSR regno space 0x0000-0x0fff).
const (
	csrTSELECT = 0x7a0
	csrTDATA1  = 0x7a1
	csrTDATA2  = 0x7a2
)

const (
	tdata1TypeMCONTROL = 2 << 28
	tdata1M            = 1 << 6
	tdata1EXECUTE      = 1 << 2
)

func (c *Core) writeCSR(ctx context.Context, csr uint32, value uint32) error {
	if err := c.writeReg(ctx, offDATA0, value); err != nil {
		return errors.Trace(err)
	}
	return c.abstractCommand(ctx, csr, true)
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
	if err := c.writeCSR(ctx, csrTSELECT, idx); err != nil {
		return errors.Annotatef(err, "select trigger %d", idx)
	}
	if err := c.writeCSR(ctx, csrTDATA2, uint32(addr)); err != nil {
		return errors.Annotatef(err, "program trigger %d address", idx)
	}
	if err := c.writeCSR(ctx, csrTDATA1, tdata1TypeMCONTROL|tdata1M|tdata1EXECUTE); err != nil {
		return errors.Annotatef(err, "enable trigger %d", idx)
	}
	c.used[addr] = idx
	return nil
}

func (c *Core) ClearHWBreakpoint(ctx context.Context, addr uint64) error {
	idx, ok := c.used[addr]
	if !ok {
		return nil
	}
	if err := c.writeCSR(ctx, csrTSELECT, idx); err != nil {
		return errors.Annotatef(err, "select trigger %d", idx)
	}
	if err := c.writeCSR(ctx, csrTDATA1, 0); err != nil {
		return errors.Annotatef(err, "disable trigger %d", idx)
	}
	delete(c.used, addr)
	return nil
}
