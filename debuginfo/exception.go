package debuginfo

import (
	"context"

	coreiface "github.com/probe-rs/probe-rs-sub011/core"
)

// exceptionDetails describes a frame entered through a hardware exception
// or interrupt: the caller's registers recovered directly from the
// exception stack frame, bypassing CFI (which, for the instant the fault
// was taken, describes no caller at all).
type exceptionDetails struct {
	description  string
	callerSP     uint64
	callerPC     uint64
	callerLR     uint64
	validCallerPC bool
}

// exceptionUnwinder recognizes architecture-specific exception entry and
// recovers the interrupted context. Selected once per Unwind call by the
// core's architecture.
type exceptionUnwinder interface {
	// isExceptionFrame reports whether frame's return address marks an
	// exception/interrupt entry rather than an ordinary call.
	isExceptionFrame(returnAddress uint64) bool

	// exceptionDetails reads the exception stack frame at sp and returns
	// the registers of the frame that was interrupted. excReturn is the
	// raw return-address-register value that isExceptionFrame matched
	// against (Cortex-M's EXC_RETURN encodes the frame's FPU-extended bit
	// there; architectures with no such encoding ignore it).
	exceptionDetails(ctx context.Context, c coreiface.Core, sp, excReturn uint64) (*exceptionDetails, error)
}

func selectExceptionUnwinder(arch coreiface.Architecture) exceptionUnwinder {
	switch arch {
	case coreiface.ArchARMv6M, coreiface.ArchARMv7M, coreiface.ArchARMv8M:
		return cortexMExceptionUnwinder{}
	case coreiface.ArchRISCV:
		return riscvExceptionUnwinder{}
	case coreiface.ArchXtensa:
		return xtensaExceptionUnwinder{}
	default:
		return nil
	}
}
