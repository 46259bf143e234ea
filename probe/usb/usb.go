// Package usb implements the probe.Backend for USB-bulk probe families
// (CMSIS-DAP v2, ST-Link, J-Link) on top of google/gousb, the same library
// used elsewhere for ESP32-S3/C3's built-in USB-JTAG bridge enumeration.
package usb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/probe"
)

func init() {
	probe.RegisterFamily(probe.FamilyCMSISDAPv2, enumerate(probe.FamilyCMSISDAPv2, 0xFFFF, 0xFFFF), open)
	probe.RegisterFamily(probe.FamilySTLink, enumerate(probe.FamilySTLink, 0x0483, 0xFFFF), open)
	probe.RegisterFamily(probe.FamilyJLink, enumerate(probe.FamilyJLink, 0x1366, 0xFFFF), open)
}

var ctxOnce sync.Once
var usbCtx *gousb.Context

func sharedContext() *gousb.Context {
	ctxOnce.Do(func() { usbCtx = gousb.NewContext() })
	return usbCtx
}

// enumerate returns an EnumerateFunc that lists USB devices matching vid
// (and, if pid != 0xFFFF, pid too) as probes of family fam, leaving
// finer-grained family disambiguation (e.g. CMSIS-DAP's WinUSB interface
// string) to Open.
func enumerate(fam probe.Family, vid, pid gousb.ID) probe.EnumerateFunc {
	return func(ctx context.Context) ([]probe.Descriptor, error) {
		c := sharedContext()
		var out []probe.Descriptor
		devs, err := c.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			if desc.Vendor != vid {
				return false
			}
			if pid != 0xFFFF && desc.Product != pid {
				return false
			}
			return true
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, d := range devs {
			serial, _ := d.SerialNumber()
			out = append(out, probe.Descriptor{
				Family:       fam,
				VendorID:    uint16(d.Desc.Vendor),
				ProductID:    uint16(d.Desc.Product),
				SerialNumber: serial,
				Path:         fmt.Sprintf("usb:%d:%d", d.Desc.Bus, d.Desc.Address),
			})
			d.Close()
		}
		return out, nil
	}
}

type backend struct {
	dev      *gousb.Device
	intf     *gousb.Interface
	intfDone func()
	inEP     *gousb.InEndpoint
	outEP    *gousb.OutEndpoint
	pipelined bool
}

func open(ctx context.Context, d probe.Descriptor) (probe.Backend, error) {
	c := sharedContext()
	dev, err := c.OpenDeviceWithVIDPID(gousb.ID(d.VendorID), gousb.ID(d.ProductID))
	if err != nil {
		return nil, errors.Annotatef(err, "open USB device %04x:%04x", d.VendorID, d.ProductID)
	}
	if dev == nil {
		return nil, errors.Errorf("USB device %04x:%04x (serial %q) not found", d.VendorID, d.ProductID, d.SerialNumber)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, errors.Annotatef(err, "set auto detach")
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, errors.Annotatef(err, "claim config")
	}
	intf, done, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, errors.Annotatef(err, "claim interface")
	}
	inEP, err := intf.InEndpoint(1)
	if err != nil {
		done()
		cfg.Close()
		dev.Close()
		return nil, errors.Annotatef(err, "claim IN endpoint")
	}
	outEP, err := intf.OutEndpoint(2)
	if err != nil {
		done()
		cfg.Close()
		dev.Close()
		return nil, errors.Annotatef(err, "claim OUT endpoint")
	}
	return &backend{
		dev:       dev,
		intf:      intf,
		intfDone:  done,
		inEP:      inEP,
		outEP:     outEP,
		pipelined: d.Family == probe.FamilyCMSISDAPv2 || d.Family == probe.FamilyJLink,
	}, nil
}

func (b *backend) Write(ctx context.Context, data []byte) error {
	_, err := b.outEP.WriteContext(ctx, data)
	return errors.Trace(err)
}

func (b *backend) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := b.inEP.ReadContext(ctx, buf)
	return n, errors.Trace(err)
}

func (b *backend) Close() error {
	b.intfDone()
	if err := b.dev.Close(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (b *backend) SupportsPipelining() bool { return b.pipelined }

func (b *backend) MaxPacketSize() int {
	return b.outEP.Desc.MaxPacketSize
}
