// Package hidbackend implements the probe.Backend for CMSIS-DAP v1 probes,
// which expose a HID report interface rather than a raw bulk endpoint. It is
// built on github.com/cesanta/hid.
package hidbackend

import (
	"context"

	"github.com/cesanta/hid"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/probe"
)

func init() {
	probe.RegisterFamily(probe.FamilyCMSISDAPv1, enumerate, open)
}

const reportSize = 64

func enumerate(ctx context.Context) ([]probe.Descriptor, error) {
	infos := hid.Enumerate(0, 0)
	var out []probe.Descriptor
	for _, info := range infos {
		if info.UsagePage != 0xFF00 {
			// CMSIS-DAP v1 devices advertise a vendor-defined usage
			// page on their HID report descriptor.
			continue
		}
		out = append(out, probe.Descriptor{
			VendorID:     info.VendorId,
			ProductID:    info.ProductId,
			SerialNumber: info.SerialNumber,
			Family:       probe.FamilyCMSISDAPv1,
			Path:         info.Path,
		})
	}
	return out, nil
}

type backend struct {
	dev *hid.Device
}

func open(ctx context.Context, d probe.Descriptor) (probe.Backend, error) {
	dev, err := hid.OpenPath(d.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "open HID device at %q", d.Path)
	}
	return &backend{dev: dev}, nil
}

func (b *backend) Write(ctx context.Context, data []byte) error {
	buf := make([]byte, reportSize+1) // leading HID report-ID byte
	copy(buf[1:], data)
	_, err := b.dev.Write(buf)
	return errors.Trace(err)
}

func (b *backend) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := b.dev.Read(buf)
	return n, errors.Trace(err)
}

func (b *backend) Close() error {
	return b.dev.Close()
}

func (b *backend) SupportsPipelining() bool { return false }

func (b *backend) MaxPacketSize() int { return reportSize }
