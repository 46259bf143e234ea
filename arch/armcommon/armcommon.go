// Package armcommon implements the Cortex-M debug core logic shared by
// arch/armv6m, arch/armv7m and arch/armv8m: the memory-mapped Debug Halting
// Control and Status Register (DHCSR), the Debug Exception and Monitor
// Control Register (DEMCR), and the core-register transfer pair
// (DCRSR/DCRDR). Each caller supplies its own breakpoint-unit driver (FPB
// v6/v7, or the v8-M updated BPU) and register-file layout, since those
// differ across the Cortex-M family.
package armcommon

import (
	"context"
	"time"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/dap"
	"github.com/probe-rs/probe-rs-sub011/retry"
)

// Cortex-M debug register addresses (always in the private peripheral bus,
// architected at these fixed addresses on every Cortex-M core).
const (
	AddrDHCSR = 0xE000EDF0
	AddrDCRSR = 0xE000EDF4
	AddrDCRDR = 0xE000EDF8
	AddrDEMCR = 0xE000EDFC
	AddrAIRCR = 0xE000ED0C
)

// DHCSR bits.
const (
	dhcsrDBGKEY    = 0xA05F0000
	DHCSRC_DEBUGEN = 1 << 0
	DHCSRC_HALT    = 1 << 1
	DHCSRC_STEP    = 1 << 2
	DHCSRC_MASKINTS = 1 << 3
	DHCSRS_REGRDY  = 1 << 16
	DHCSRS_HALT    = 1 << 17
	DHCSRS_SLEEP   = 1 << 18
	DHCSRS_LOCKUP  = 1 << 19
	DHCSRS_RETIRE_ST = 1 << 24
)

// DEMCR bits.
const (
	DEMCR_VC_CORERESET = 1 << 0
	DEMCR_DWTENA       = 1 << 24
)

// AIRCR bits.
const (
	aircrVECTKEY  = 0x05FA0000
	aircrSYSRESETREQ = 1 << 2
)

// DCRSR bits.
const (
	dcrsrREGWnR = 1 << 16
)

const (
	haltPollInterval = 500 * time.Microsecond
)

// CortexMCore is the shared Cortex-M debug engine. Architecture-specific
// packages embed it and supply a breakpoint-unit driver.
type CortexMCore struct {
	mem   *dap.MemAP
	state *coreiface.StateMachine
}

// NewCortexMCore wraps a MemAP as the shared Cortex-M debug engine.
func NewCortexMCore(mem *dap.MemAP) *CortexMCore {
	return &CortexMCore{mem: mem, state: coreiface.NewStateMachine()}
}

func (c *CortexMCore) State() *coreiface.StateMachine { return c.state }

func (c *CortexMCore) readReg32(ctx context.Context, addr uint64) (uint32, error) {
	var v [1]uint32
	if err := c.mem.Read32(ctx, addr, v[:]); err != nil {
		return 0, errors.Annotatef(err, "read debug register 0x%08x", addr)
	}
	return v[0], nil
}

func (c *CortexMCore) writeReg32(ctx context.Context, addr uint64, value uint32) error {
	if err := c.mem.Write32(ctx, addr, []uint32{value}); err != nil {
		return errors.Annotatef(err, "write debug register 0x%08x", addr)
	}
	return nil
}

// EnableHaltingDebug sets DHCSR.C_DEBUGEN, the step debug_core_start must
// perform before halt/step/register access work.
func (c *CortexMCore) EnableHaltingDebug(ctx context.Context) error {
	return c.writeReg32(ctx, AddrDHCSR, dhcsrDBGKEY|DHCSRC_DEBUGEN)
}

func (c *CortexMCore) readDHCSR(ctx context.Context) (uint32, error) {
	return c.readReg32(ctx, AddrDHCSR)
}

// Status reads DHCSR and updates the state machine, returning the CoreState
// a Core.Status() call reports.
func (c *CortexMCore) Status(ctx context.Context) (coreiface.CoreState, error) {
	dhcsr, err := c.readDHCSR(ctx)
	if err != nil {
		return coreiface.CoreState{}, errors.Trace(err)
	}
	switch {
	case dhcsr&DHCSRS_LOCKUP != 0:
		return coreiface.CoreState{Status: coreiface.StatusLockedUp}, nil
	case dhcsr&DHCSRS_SLEEP != 0:
		return coreiface.CoreState{Status: coreiface.StatusSleeping}, nil
	case dhcsr&DHCSRS_HALT != 0:
		c.state.Halted(coreiface.HaltReasonUnknown)
		return coreiface.CoreState{Status: coreiface.StatusHalted, Reason: coreiface.HaltReasonUnknown}, nil
	default:
		c.state.Running()
		return coreiface.CoreState{Status: coreiface.StatusRunning}, nil
	}
}

// Halt requests a halt (DHCSR.C_HALT) and polls until DHCSR.S_HALT or
// timeout.
func (c *CortexMCore) Halt(ctx context.Context, timeout time.Duration) error {
	if err := c.writeReg32(ctx, AddrDHCSR, dhcsrDBGKEY|DHCSRC_DEBUGEN|DHCSRC_HALT); err != nil {
		return errors.Trace(err)
	}
	err := retry.PollUntil(ctx, timeout, haltPollInterval, func() (bool, error) {
		dhcsr, err := c.readDHCSR(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dhcsr&DHCSRS_HALT != 0, nil
	})
	if err != nil {
		return errors.Annotatef(coreiface.ErrHaltTimeout, "halt core")
	}
	return c.state.Halted(coreiface.HaltReasonRequest)
}

// Run clears DHCSR.C_HALT, resuming execution.
func (c *CortexMCore) Run(ctx context.Context) error {
	if err := c.writeReg32(ctx, AddrDHCSR, dhcsrDBGKEY|DHCSRC_DEBUGEN); err != nil {
		return errors.Trace(err)
	}
	return c.state.Running()
}

// Step writes DHCSR with C_STEP and C_MASKINTS set and C_HALT clear, so the
// core executes one instruction and re-halts, per the architected
// single-step sequence.
func (c *CortexMCore) Step(ctx context.Context) error {
	flags := dhcsrDBGKEY | DHCSRC_DEBUGEN | DHCSRC_STEP | DHCSRC_MASKINTS
	if err := c.writeReg32(ctx, AddrDHCSR, uint32(flags)); err != nil {
		return errors.Trace(err)
	}
	err := retry.PollUntil(ctx, 200*time.Millisecond, haltPollInterval, func() (bool, error) {
		dhcsr, err := c.readDHCSR(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dhcsr&DHCSRS_HALT != 0, nil
	})
	if err != nil {
		return errors.Annotatef(coreiface.ErrHaltTimeout, "single step")
	}
	return c.state.Halted(coreiface.HaltReasonStep)
}

// Reset requests a system reset via AIRCR.SYSRESETREQ without catching it
// halted.
func (c *CortexMCore) Reset(ctx context.Context) error {
	if err := c.writeReg32(ctx, AddrAIRCR, aircrVECTKEY|aircrSYSRESETREQ); err != nil {
		return errors.Trace(err)
	}
	c.state.Connected()
	return nil
}

// ResetAndHalt sets DEMCR.VC_CORERESET, resets via AIRCR, polls for halt at
// the reset vector, and clears the catch bit on every return path.
func (c *CortexMCore) ResetAndHalt(ctx context.Context, timeout time.Duration) error {
	demcr, err := c.readReg32(ctx, AddrDEMCR)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.writeReg32(ctx, AddrDEMCR, demcr|DEMCR_VC_CORERESET); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		cleared, err := c.readReg32(ctx, AddrDEMCR)
		if err != nil {
			return
		}
		_ = c.writeReg32(ctx, AddrDEMCR, cleared&^uint32(DEMCR_VC_CORERESET))
	}()

	if err := c.writeReg32(ctx, AddrAIRCR, aircrVECTKEY|aircrSYSRESETREQ); err != nil {
		return errors.Trace(err)
	}
	pollErr := retry.PollUntil(ctx, timeout, haltPollInterval, func() (bool, error) {
		dhcsr, err := c.readDHCSR(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dhcsr&DHCSRS_HALT != 0, nil
	})
	if pollErr != nil {
		return errors.Annotatef(coreiface.ErrHaltTimeout, "reset and halt")
	}
	return c.state.Halted(coreiface.HaltReasonException)
}

// ReadCoreRegister performs the DCRSR/DCRDR register-transfer protocol:
// write the register selector with REGWnR clear, poll S_REGRDY, read DCRDR.
func (c *CortexMCore) ReadCoreRegister(ctx context.Context, regnum uint16) (uint32, error) {
	if err := c.writeReg32(ctx, AddrDCRSR, uint32(regnum)); err != nil {
		return 0, errors.Annotatef(err, "select register %d", regnum)
	}
	if err := c.waitRegReady(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	return c.readReg32(ctx, AddrDCRDR)
}

// WriteCoreRegister writes DCRDR then DCRSR with REGWnR set.
func (c *CortexMCore) WriteCoreRegister(ctx context.Context, regnum uint16, value uint32) error {
	if err := c.writeReg32(ctx, AddrDCRDR, value); err != nil {
		return errors.Annotatef(err, "stage register %d value", regnum)
	}
	if err := c.writeReg32(ctx, AddrDCRSR, uint32(regnum)|dcrsrREGWnR); err != nil {
		return errors.Annotatef(err, "select register %d for write", regnum)
	}
	return c.waitRegReady(ctx)
}

func (c *CortexMCore) waitRegReady(ctx context.Context) error {
	return retry.PollUntil(ctx, 50*time.Millisecond, haltPollInterval, func() (bool, error) {
		dhcsr, err := c.readDHCSR(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return dhcsr&DHCSRS_REGRDY != 0, nil
	})
}

// MemAP exposes the wrapped MemAP for memory I/O delegation by the
// embedding architecture package.
func (c *CortexMCore) MemAP() *dap.MemAP { return c.mem }
