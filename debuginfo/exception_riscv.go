package debuginfo

import (
	"context"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
)

// riscvImplausibleDelta bounds how far a recovered caller SP may sit from
// the current SP before the fallback is rejected as garbage. This may need
// to vary by target in the future; until a counterexample turns up, one
// value covers every RISC-V target in this tree.
const riscvImplausibleDelta = 0x1000_0000

// riscvExceptionUnwinder has no exception-frame marker to recognize (the
// privileged CSRs that would reveal mcause/mepc aren't visible through
// the generic register set), so it never claims a frame is an exception
// frame. The no-debug-info fallback, with its threshold check, is
// riscvUnwindWithoutDebugInfo, which frame.go calls when no CFI covers
// the PC.
type riscvExceptionUnwinder struct{}

func (riscvExceptionUnwinder) isExceptionFrame(returnAddress uint64) bool { return false }

func (riscvExceptionUnwinder) exceptionDetails(ctx context.Context, c coreiface.Core, sp, excReturn uint64) (*exceptionDetails, error) {
	return nil, errors.New("riscv: exception details not available")
}

// riscvUnwindWithoutDebugInfo is the sp-relative fallback used when no
// FDE covers the current PC: the two words at sp-8 are read as
// (caller_sp, return_address). The result is discarded if sp is too
// small to hold the pair, or if the recovered caller_sp is implausibly
// far from sp.
func riscvUnwindWithoutDebugInfo(ctx context.Context, c coreiface.Core, sp uint64) (callerSP, returnAddress uint64, ok bool, err error) {
	if sp < 8 {
		return 0, 0, false, nil
	}
	words := make([]uint32, 2)
	if err := c.ReadMemory32(ctx, sp-8, words); err != nil {
		return 0, 0, false, errors.Annotatef(err, "read riscv fallback frame at 0x%x", sp-8)
	}
	callerSP = uint64(words[0])
	returnAddress = uint64(words[1])
	delta := callerSP - sp
	if callerSP < sp {
		delta = sp - callerSP
	}
	if delta > riscvImplausibleDelta {
		return 0, 0, false, nil
	}
	return callerSP, returnAddress, true, nil
}
