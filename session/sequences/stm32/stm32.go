// Package stm32 registers the attach sequence for ST STM32 parts. The
// H7 series needs its D1/D3 domain debug clocks explicitly enabled before
// the debug port can see either core, the dual-core analogue of mos's
// cc3200/cc3220 sequences unlocking a ROM bootloader before flashing.
package stm32

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/dap"
	"github.com/probe-rs/probe-rs-sub011/session"
)

const vendor = "st"

// DBGMCU registers, per the STM32H7 reference manual: CR enables the
// debug clock domains, APB3FZ1/APB1LFZ1/etc hold peripherals (watchdogs,
// timers) frozen while a core is halted.
const (
	dbgmcuCR        = 0x5C001004
	dbgmcuCRDBGSleepD1 = 1 << 0
	dbgmcuCRDBGStopD1  = 1 << 1
	dbgmcuCRDBGStandbyD1 = 1 << 2
	dbgmcuCRD3DBGCKEn  = 1 << 22
	dbgmcuCRD1DBGCKEn  = 1 << 21
)

func init() {
	session.RegisterSequence(vendor, "stm32h7", &h7Sequence{})
	session.RegisterSequence(vendor, "stm32f", &genericSequence{})
	session.RegisterSequence(vendor, "stm32g", &genericSequence{})
	session.RegisterSequence(vendor, "stm32l", &genericSequence{})
}

// genericSequence covers the single-core F/G/L series, which need no
// domain-clock dance: the default no-op hooks are enough.
type genericSequence struct {
	session.DefaultSequence
}

// h7Sequence handles the dual-core (CM7/CM4) H7 series.
type h7Sequence struct {
	session.DefaultSequence
}

// DebugPortStart enables the D1/D3 debug clock domains so the AP for the
// CM4 core (which lives in the D3 domain) responds at all; without this
// the second core's AP reads back as a non-existent device.
func (s *h7Sequence) DebugPortStart(ctx context.Context, dp *dap.DebugPort) error {
	if err := s.DefaultSequence.DebugPortStart(ctx, dp); err != nil {
		return errors.Trace(err)
	}
	ap := dap.NewMemAP(dp, 0)
	cr := dbgmcuCRD1DBGCKEn | dbgmcuCRD3DBGCKEn | dbgmcuCRDBGSleepD1 | dbgmcuCRDBGStopD1 | dbgmcuCRDBGStandbyD1
	if err := ap.Write32(ctx, dbgmcuCR, []uint32{uint32(cr)}); err != nil {
		return errors.Annotatef(err, "enable DBGMCU debug clock domains")
	}
	glog.V(1).Infof("stm32h7: D1/D3 debug clock domains enabled")
	return nil
}
