package debuginfo

import (
	"context"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
)

// cortexMExceptionUnwinder recognizes the Cortex-M EXC_RETURN convention:
// on exception entry the core pushes R0-R3, R12, LR, the return PC and
// xPSR onto the stack in use at the time of the fault, then loads LR with
// one of the EXC_RETURN magic values (top byte 0xFF) instead of a normal
// return address.
type cortexMExceptionUnwinder struct{}

func (cortexMExceptionUnwinder) isExceptionFrame(returnAddress uint64) bool {
	return returnAddress&0xff000000 == 0xff000000
}

// excReturnExtendedFrame reports whether bit 4 of EXC_RETURN is clear,
// meaning the exception frame is the 26-word extended form with FPU
// state rather than the plain 8-word form.
func excReturnExtendedFrame(excReturn uint64) bool {
	return excReturn&(1<<4) == 0
}

func (cortexMExceptionUnwinder) exceptionDetails(ctx context.Context, c coreiface.Core, sp, excReturn uint64) (*exceptionDetails, error) {
	// The basic frame (R0-R3, R12, LR, ReturnAddress, xPSR: 8 words) always
	// sits at the lowest addresses. The extended frame stacks 18 more words
	// (S0-S15, FPSCR, a reserved word) above it, for 26 words total.
	wordCount := 8
	if excReturnExtendedFrame(excReturn) {
		wordCount = 8 + 18
	}
	frame := make([]uint32, wordCount)
	if err := c.ReadMemory32(ctx, sp, frame); err != nil {
		return nil, errors.Annotatef(err, "read exception stack frame at 0x%x", sp)
	}
	basic := frame[:8]
	// basic layout: R0, R1, R2, R3, R12, LR, ReturnAddress, xPSR
	callerLR := uint64(basic[5])
	callerPC := uint64(basic[6])
	xpsr := basic[7]

	// The hardware 8-byte-aligns the stack on exception entry when
	// STKALIGN (xPSR bit 9) is set; account for that when deriving the
	// caller's SP.
	frameSize := uint64(wordCount * 4)
	if xpsr&(1<<9) != 0 {
		frameSize += 4
	}

	return &exceptionDetails{
		description:   "exception entry",
		callerSP:      sp + frameSize,
		callerPC:      callerPC,
		callerLR:      callerLR,
		validCallerPC: true,
	}, nil
}
