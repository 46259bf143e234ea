package probe

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/retry"
)

// DeferredResult identifies a scheduled read whose value is filled in by a
// later Execute call.
type DeferredResult int

// Link is the raw DAP command set every probe family implements on top of
// its Backend: connect, clock, pins, and DP/AP register transfer. The dap
// package builds the architected ARM debug protocol (SELECT caching, AP
// enumeration, sticky-error handling) on top of this.
type Link interface {
	Connect(ctx context.Context, proto WireProtocol) error
	Disconnect(ctx context.Context) error
	SetSpeedKHz(ctx context.Context, khz uint32) error
	// SWJSequence clock out nbits of raw SWD/JTAG sequence data (line
	// reset, SWD<->JTAG switch sequences), msb unused bits of the final
	// byte ignored.
	SWJSequence(ctx context.Context, bits []byte, nbits int) error
	TargetResetAssert(ctx context.Context) error
	TargetResetDeassert(ctx context.Context) error

	// ReadDP/WriteDP/ReadAP/WriteAP perform one immediate architected
	// register transfer and report the result class (see TransferResult).
	ReadDP(ctx context.Context, addr uint8) (uint32, TransferResult, error)
	WriteDP(ctx context.Context, addr uint8, value uint32) (TransferResult, error)
	ReadAP(ctx context.Context, apSel uint8, addr uint8) (uint32, TransferResult, error)
	WriteAP(ctx context.Context, apSel uint8, addr uint8, value uint32) (TransferResult, error)

	// SupportsPipelining, when true, allows ScheduleX/Execute below to
	// batch several transfers into one underlying transaction.
	SupportsPipelining() bool
	// ScheduleReadAP/ScheduleWriteAP enqueue a transfer into the current
	// batch and return immediately; ScheduleReadAP's value is available
	// only after Execute.
	ScheduleReadAP(ctx context.Context, apSel uint8, addr uint8) (DeferredResult, error)
	ScheduleWriteAP(ctx context.Context, apSel uint8, addr uint8, value uint32) error
	// Execute drains the batch, filling all deferred results atomically,
	// and is the linearization point for the whole batch.
	Execute(ctx context.Context) error
	// Result retrieves a deferred result filled by the most recent
	// Execute; valid only after Execute returns nil.
	Result(id DeferredResult) (uint32, error)
}

// TransferResult classifies the outcome of a single DAP transfer, per the
// probe transport error taxonomy : an IO-layer error is returned
// as a Go error instead and never reaches this type.
type TransferResult int

const (
	// TransferOK means the transfer completed with ACK=OK.
	TransferOK TransferResult = iota
	// TransferWait means ACK=WAIT: recoverable by retrying within a
	// bounded budget.
	TransferWait
	// TransferFault means ACK=FAULT: a sticky error bit is now latched in
	// DP CTRL/STAT and must be cleared before the next transfer.
	TransferFault
	// TransferProtocolError means the probe itself rejected the command
	// (bad parameter or unsupported capability) rather than the target
	// responding with WAIT/FAULT.
	TransferProtocolError
)

// WithWaitRetry wraps a single-shot DP/AP transfer function with the
// default WAIT-retry policy: retried up to N times (default 5) with
// exponential back-off; FAULT is returned unchanged for the caller to
// decide whether to retry the higher-level operation.
func WithWaitRetry(ctx context.Context, policy retry.Policy, fn func() (TransferResult, error)) error {
	var lastResult TransferResult
	err := retry.Do(ctx, policy,
		func(err error) bool { return lastResult == TransferWait },
		func() error {
			res, err := fn()
			lastResult = res
			if err != nil {
				return errors.Trace(err)
			}
			switch res {
			case TransferOK:
				return nil
			case TransferWait:
				return errors.Errorf("target WAIT")
			case TransferFault:
				return nil // not retried here; caller inspects via lastResult
			default:
				return errors.Errorf("probe rejected command")
			}
		})
	if err != nil {
		return errors.Trace(err)
	}
	if lastResult == TransferFault {
		glog.V(1).Infof("transfer faulted, sticky error bit latched")
	}
	return nil
}
