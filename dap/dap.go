// Package dap implements the architected ARM debug protocol above raw
// probe.Link register I/O: line-reset/select on attach, the SELECT
// register's AP-bank cache, multi-drop SWD target selection, AP
// enumeration, and Memory-AP I/O with width negotiation and TAR-wrap
// splitting.
package dap

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/bitfield"
	"github.com/probe-rs/probe-rs-sub011/probe"
	"github.com/probe-rs/probe-rs-sub011/retry"
)

const (
	powerUpTimeout      = 100 * time.Millisecond
	powerUpPollInterval = 1 * time.Millisecond
)

// DP register addresses (bank 0, common to SWD and JTAG-DP).
const (
	RegIDCODE    = 0x0 // read
	RegABORT     = 0x0 // write
	RegCTRLSTAT  = 0x4
	RegSELECT    = 0x8 // write-only
	RegRDBUFF    = 0xC // read-only
	RegTARGETID  = 0x4 // bank 2
	RegDLPIDR    = 0x4 // bank 3, read
	RegTARGETSEL = 0xC // write, DPv2 multi-drop
)

// CTRL/STAT bits.
const (
	ctrlstatCSYSPWRUPACK = 1 << 31
	ctrlstatCSYSPWRUPREQ = 1 << 30
	ctrlstatCDBGPWRUPACK = 1 << 29
	ctrlstatCDBGPWRUPREQ = 1 << 28
	ctrlstatSTICKYERR    = 1 << 5
	ctrlstatSTICKYCMP    = 1 << 4
	ctrlstatSTICKYORUN   = 1 << 1
	ctrlstatORUNDETECT   = 1 << 0
)

// ABORT bits.
const (
	abortSTKERRCLR = 1 << 2
	abortWDERRCLR  = 1 << 3
	abortORUNERRCLR = 1 << 4
)

// DebugPort owns one physical DP's SELECT-bank cache, per the invariant
// that every AP register access is preceded by a correct SELECT write
// without the caller tracking it.
type DebugPort struct {
	link probe.Link

	selectValid bool
	lastAPSel   uint8
	lastBank    uint8

	retryPolicy retry.Policy
}

// NewDebugPort wraps a Link as a DebugPort. The line-reset + protocol
// select sequence must already have been performed (see Connect).
func NewDebugPort(link probe.Link) *DebugPort {
	return &DebugPort{link: link, retryPolicy: retry.DefaultWaitPolicy}
}

// Connect performs the SWD/JTAG line-reset and protocol select on attach,
// then reads IDCODE and clears sticky errors.
func (dp *DebugPort) Connect(ctx context.Context, proto probe.WireProtocol) error {
	if err := dp.link.Connect(ctx, proto); err != nil {
		return errors.Annotatef(err, "DAP connect")
	}
	// SWD line reset: >=50 clock cycles with SWDIO high, then the JEP-316
	// 16-bit switch sequence is handled by SelectTarget for multidrop; for
	// single-drop we just do the 50+ cycle reset followed by >= 2 idle
	// cycles, per ARM ADI.
	if proto == probe.ProtocolSWD {
		reset := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}
		if err := dp.link.SWJSequence(ctx, reset, 64); err != nil {
			return errors.Annotatef(err, "SWD line reset")
		}
	}
	dp.selectValid = false
	// Read IDCODE to validate the link, then clear sticky errors left
	// over from a previous session.
	if _, err := dp.readRaw(ctx, false, 0, RegIDCODE); err != nil {
		return errors.Annotatef(err, "read IDCODE")
	}
	return dp.ClearStickyErrors(ctx)
}

// SelectTarget performs the multi-drop SWD TARGETSEL dance and verifies the
// read-back DLPIDR matches.
func (dp *DebugPort) SelectTarget(ctx context.Context, targetID uint32) error {
	if res, err := dp.link.WriteDP(ctx, RegTARGETSEL, targetID); err != nil {
		return errors.Annotatef(err, "write TARGETSEL")
	} else if res != probe.TransferOK {
		return errors.Errorf("TARGETSEL write: transfer result %v", res)
	}
	dp.selectValid = false
	if err := dp.writeSelect(ctx, 3, 0); err != nil {
		return errors.Annotatef(err, "select DLPIDR bank")
	}
	v, res, err := dp.link.ReadDP(ctx, RegDLPIDR)
	if err != nil {
		return errors.Annotatef(err, "read DLPIDR")
	}
	if res != probe.TransferOK {
		return errors.Errorf("DLPIDR read: transfer result %v", res)
	}
	if v&0xFFFFFFF0 != targetID&0xFFFFFFF0 {
		return errors.Errorf("TARGETSEL verification failed: wrote 0x%x, DLPIDR read 0x%x", targetID, v)
	}
	return nil
}

// ClearStickyErrors clears the sticky overrun/fault bits in CTRL/STAT. Must
// be done before the next transfer after any target error.
func (dp *DebugPort) ClearStickyErrors(ctx context.Context) error {
	if err := dp.writeSelect(ctx, 0, 0); err != nil {
		return errors.Trace(err)
	}
	res, err := dp.link.WriteDP(ctx, RegABORT, abortSTKERRCLR|abortWDERRCLR|abortORUNERRCLR)
	if err != nil {
		return errors.Annotatef(err, "write ABORT")
	}
	if res != probe.TransferOK {
		return errors.Errorf("ABORT write: transfer result %v", res)
	}
	glog.V(2).Infof("cleared sticky DP errors")
	return nil
}

// writeSelect re-writes the DP SELECT register only if the requested AP
// index/bank differs from the cache, implementing an "invisible cache" over
// SELECT writes.
func (dp *DebugPort) writeSelect(ctx context.Context, apSel uint8, bank uint8) error {
	if dp.selectValid && dp.lastAPSel == apSel && dp.lastBank == bank {
		return nil
	}
	value := uint32(apSel)<<24 | uint32(bank&0xF)<<4
	res, err := dp.link.WriteDP(ctx, RegSELECT, value)
	if err != nil {
		return errors.Annotatef(err, "write SELECT")
	}
	if res != probe.TransferOK {
		return errors.Errorf("SELECT write: transfer result %v", res)
	}
	dp.selectValid = true
	dp.lastAPSel = apSel
	dp.lastBank = bank
	return nil
}

// readRaw/writeRaw perform a DP or AP register transfer with the default
// WAIT-retry policy. A FAULT is not retried: the sticky error bits are
// cleared and a *FaultError is returned to the caller.
func (dp *DebugPort) readRaw(ctx context.Context, isAP bool, apSel uint8, addr uint8) (uint32, error) {
	var value uint32
	var lastResult probe.TransferResult
	err := retry.Do(ctx, dp.retryPolicy,
		func(error) bool { return lastResult == probe.TransferWait },
		func() error {
			var res probe.TransferResult
			var err error
			if isAP {
				if err := dp.writeSelect(ctx, apSel, bankOf(addr)); err != nil {
					return errors.Trace(err)
				}
				value, res, err = dp.link.ReadAP(ctx, apSel, addr&0xC)
			} else {
				value, res, err = dp.link.ReadDP(ctx, addr)
			}
			if err != nil {
				return errors.Trace(err)
			}
			lastResult = res
			return resultToErr(res)
		})
	if err != nil {
		return 0, errors.Trace(err)
	}
	if lastResult == probe.TransferFault {
		if cerr := dp.ClearStickyErrors(ctx); cerr != nil {
			glog.Warningf("clear sticky errors after fault: %v", cerr)
		}
		return 0, &FaultError{AP: isAP, Address: addr}
	}
	return value, nil
}

func (dp *DebugPort) writeRaw(ctx context.Context, isAP bool, apSel uint8, addr uint8, value uint32) error {
	var lastResult probe.TransferResult
	err := retry.Do(ctx, dp.retryPolicy,
		func(error) bool { return lastResult == probe.TransferWait },
		func() error {
			var res probe.TransferResult
			var err error
			if isAP {
				if err := dp.writeSelect(ctx, apSel, bankOf(addr)); err != nil {
					return errors.Trace(err)
				}
				res, err = dp.link.WriteAP(ctx, apSel, addr&0xC, value)
			} else {
				res, err = dp.link.WriteDP(ctx, addr, value)
			}
			if err != nil {
				return errors.Trace(err)
			}
			lastResult = res
			return resultToErr(res)
		})
	if err != nil {
		return errors.Trace(err)
	}
	if lastResult == probe.TransferFault {
		if cerr := dp.ClearStickyErrors(ctx); cerr != nil {
			glog.Warningf("clear sticky errors after fault: %v", cerr)
		}
		return &FaultError{AP: isAP, Address: addr}
	}
	return nil
}

func resultToErr(res probe.TransferResult) error {
	switch res {
	case probe.TransferOK:
		return nil
	case probe.TransferWait:
		return errors.Errorf("WAIT")
	case probe.TransferFault:
		return nil // not retried; surfaced to caller by readRaw/writeRaw
	default:
		return errors.Errorf("probe protocol error")
	}
}

// bankOf extracts the 4-bit bank field (the AP's address divided into
// 16-byte banks) an AP register address falls in.
func bankOf(addr uint8) uint8 {
	return (addr >> 4) & 0xF
}

// ReadDP reads a DP register at addr in DP bank 0. DP banking beyond bank 0
// is only used for DLPIDR, selected internally by SelectTarget.
func (dp *DebugPort) ReadDP(ctx context.Context, addr uint8) (uint32, error) {
	return dp.readRaw(ctx, false, 0, addr)
}

func (dp *DebugPort) WriteDP(ctx context.Context, addr uint8, value uint32) error {
	return dp.writeRaw(ctx, false, 0, addr, value)
}

// FaultError reports a DAP FAULT response that propagated to the DP layer's
// caller. readRaw/writeRaw have already attempted to clear the latched
// sticky error bits (ClearStickyErrors) before returning it.
type FaultError struct {
	AP      bool
	Address uint8
}

func (e *FaultError) Error() string {
	kind := "DP"
	if e.AP {
		kind = "AP"
	}
	return errFaultMsg(kind, e.Address)
}

func errFaultMsg(kind string, addr uint8) string {
	return "transfer fault on " + kind + " register 0x" + hex2(addr)
}

func hex2(v uint8) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[v>>4], digits[v&0xF]})
}

// PowerUp requests debug and system power-up and polls CTRL/STAT until both
// acknowledgements are set, per the standard ARM ADI power sequencing that
// every debug-port setup sequence performs before touching any AP.
func (dp *DebugPort) PowerUp(ctx context.Context) error {
	if err := dp.WriteDP(ctx, RegCTRLSTAT, ctrlstatCSYSPWRUPREQ|ctrlstatCDBGPWRUPREQ); err != nil {
		return errors.Annotatef(err, "request power-up")
	}
	return retry.PollUntil(ctx, powerUpTimeout, powerUpPollInterval, func() (bool, error) {
		v, err := dp.ReadDP(ctx, RegCTRLSTAT)
		if err != nil {
			return false, errors.Trace(err)
		}
		ack := bitfield.Bit(v, 31) && bitfield.Bit(v, 29)
		return ack, nil
	})
}
