// Package nrf registers the attach sequence for Nordic nRF5 parts. The
// nRF53's network core sits behind a separate CTRL-AP that must issue an
// ERASEALL before the debugger can reach it if APPROTECT is engaged, the
// same "unlock before you can talk to it" shape as mos's cc3200 ROM
// bootloader handshake.
package nrf

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/dap"
	"github.com/probe-rs/probe-rs-sub011/retry"
	"github.com/probe-rs/probe-rs-sub011/session"
)

const vendor = "nordic"

// CTRL-AP register offsets, per the nRF53 CTRL-AP specification: a
// dedicated AP (index 2 on the network core, 4 on the app core) exposing
// chip-level erase/reset/lock-status control independent of the memory
// bus.
const (
	ctrlAPRegRESET     = 0x00
	ctrlAPRegERASEALL  = 0x04
	ctrlAPRegERASEALLSTATUS = 0x08
	ctrlAPRegAPPROTECTSTATUS = 0x0C

	ctrlAPIndexNetwork = 2
	ctrlAPIndexApp     = 4
)

func init() {
	session.RegisterSequence(vendor, "nrf53", &sequence{ctrlAPIndex: ctrlAPIndexNetwork})
	session.RegisterSequence(vendor, "nrf52", &sequence{})
	session.RegisterSequence(vendor, "nrf91", &sequence{})
}

type sequence struct {
	session.DefaultSequence
	ctrlAPIndex uint8
}

// DebugDeviceUnlock erases the device through CTRL-AP when APPROTECT is
// engaged, the only way to get debug access back on a locked nRF part.
func (s *sequence) DebugDeviceUnlock(ctx context.Context, dp *dap.DebugPort) error {
	if err := s.DefaultSequence.DebugDeviceUnlock(ctx, dp); err != nil {
		return errors.Trace(err)
	}
	if s.ctrlAPIndex == 0 {
		return nil
	}
	locked, err := approtectEngaged(ctx, dp, s.ctrlAPIndex)
	if err != nil {
		return errors.Annotatef(err, "read APPROTECT status")
	}
	if !locked {
		return nil
	}
	glog.V(1).Infof("nrf: APPROTECT engaged, issuing CTRL-AP ERASEALL")
	if err := eraseAll(ctx, dp, s.ctrlAPIndex); err != nil {
		return errors.Annotatef(err, "CTRL-AP ERASEALL")
	}
	return nil
}

func approtectEngaged(ctx context.Context, dp *dap.DebugPort, apIndex uint8) (bool, error) {
	ap := dap.NewMemAP(dp, apIndex)
	buf := make([]uint32, 1)
	if err := ap.Read32(ctx, ctrlAPRegAPPROTECTSTATUS, buf); err != nil {
		return false, errors.Trace(err)
	}
	return buf[0]&0x1 == 0, nil
}

func eraseAll(ctx context.Context, dp *dap.DebugPort, apIndex uint8) error {
	ap := dap.NewMemAP(dp, apIndex)
	if err := ap.Write32(ctx, ctrlAPRegERASEALL, []uint32{1}); err != nil {
		return errors.Trace(err)
	}
	return retry.PollUntil(ctx, 5*time.Second, 10*time.Millisecond, func() (bool, error) {
		buf := make([]uint32, 1)
		if err := ap.Read32(ctx, ctrlAPRegERASEALLSTATUS, buf); err != nil {
			return false, errors.Trace(err)
		}
		return buf[0]&0x1 != 0, nil
	})
}
