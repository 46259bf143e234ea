package flash

import (
	"context"
	"time"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/retry"
)

// breakpointInstruction returns the architecture's debug-breakpoint opcode
// bytes, staged at the trampoline address every call-in returns to.
func breakpointInstruction(arch coreiface.Architecture) []byte {
	switch arch {
	case coreiface.ArchARMv6M, coreiface.ArchARMv7M, coreiface.ArchARMv8M:
		return []byte{0x00, 0xBE} // bkpt #0, Thumb-2
	case coreiface.ArchARMv7A, coreiface.ArchARMv8A:
		return []byte{0x70, 0x00, 0x20, 0xE1} // bkpt #0, A32
	case coreiface.ArchRISCV:
		return []byte{0x73, 0x00, 0x10, 0x00} // ebreak
	case coreiface.ArchXtensa:
		return []byte{0x00, 0x41, 0x00} // break 1, 15
	default:
		return nil
	}
}

func isThumb(arch coreiface.Architecture) bool {
	switch arch {
	case coreiface.ArchARMv6M, coreiface.ArchARMv7M, coreiface.ArchARMv8M:
		return true
	default:
		return false
	}
}

func findRegister(c coreiface.Core, role coreiface.RegisterRole) (coreiface.RegisterID, bool) {
	for _, rd := range c.Registers() {
		if rd.Role == role {
			return rd.ID, true
		}
	}
	return 0, false
}

// findArgRegister returns the register holding the index-th call-in
// argument (and, for index 0, the return value), per RegisterDescription's
// CoreID convention.
func findArgRegister(c coreiface.Core, index int) (coreiface.RegisterID, bool) {
	for _, rd := range c.Registers() {
		if rd.Role == coreiface.RoleGeneral && rd.CoreID == index {
			return rd.ID, true
		}
	}
	return 0, false
}

// callIn invokes the flash algorithm entry point at entry with up to four
// arguments, using the breakpoint-on-return pattern: stage a breakpoint
// instruction at trampolineAddr, point the return-address register at it,
// set the stack pointer and argument registers, resume, and poll until the
// core halts on that breakpoint or timeout expires.
// entry is an absolute address (any architecture-specific mode bit, e.g.
// the ARMv*-M thumb bit, already folded in by the caller).
func callIn(ctx context.Context, c coreiface.Core, entry, stackTop, trampolineAddr uint64, args [4]uint32, timeout time.Duration) (uint32, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return 0, errors.Annotatef(err, "read core status before call-in")
	}
	if status.Status != coreiface.StatusHalted {
		return 0, errors.Trace(coreiface.ErrNotHalted)
	}

	arch := c.Architecture()
	instr := breakpointInstruction(arch)
	if instr == nil {
		return 0, errors.Errorf("no breakpoint trampoline encoding for architecture %s", arch)
	}
	if err := c.WriteMemory8(ctx, trampolineAddr, instr); err != nil {
		return 0, errors.Annotatef(err, "write call-in trampoline")
	}

	pcID, ok := findRegister(c, coreiface.RoleProgramCounter)
	if !ok {
		return 0, errors.Errorf("architecture %s has no program counter register", arch)
	}
	spID, ok := findRegister(c, coreiface.RoleStackPointer)
	if !ok {
		return 0, errors.Errorf("architecture %s has no stack pointer register", arch)
	}

	if err := c.WriteCoreRegister(ctx, spID, stackTop); err != nil {
		return 0, errors.Annotatef(err, "set stack pointer")
	}
	if lrID, ok := findRegister(c, coreiface.RoleReturnAddress); ok {
		lrValue := trampolineAddr
		if isThumb(arch) {
			lrValue |= 1
		}
		if err := c.WriteCoreRegister(ctx, lrID, lrValue); err != nil {
			return 0, errors.Annotatef(err, "set return address")
		}
	}
	for i, v := range args {
		argID, ok := findArgRegister(c, i)
		if !ok {
			continue
		}
		if err := c.WriteCoreRegister(ctx, argID, uint64(v)); err != nil {
			return 0, errors.Annotatef(err, "set argument register %d", i)
		}
	}
	if err := c.WriteCoreRegister(ctx, pcID, entry); err != nil {
		return 0, errors.Annotatef(err, "set program counter")
	}

	if err := c.Run(ctx); err != nil {
		return 0, errors.Annotatef(err, "resume for call-in")
	}

	err = retry.PollUntil(ctx, timeout, time.Millisecond, func() (bool, error) {
		st, err := c.Status(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		return st.Status == coreiface.StatusHalted, nil
	})
	if err != nil {
		return 0, errors.Annotatef(err, "call-in to 0x%x timed out", entry)
	}

	r0ID, ok := findArgRegister(c, 0)
	if !ok {
		return 0, errors.Errorf("architecture %s has no return-value register", arch)
	}
	ret, err := c.ReadCoreRegister(ctx, r0ID)
	if err != nil {
		return 0, errors.Annotatef(err, "read call-in return value")
	}
	return uint32(ret), nil
}
