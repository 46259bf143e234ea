// Package serialbackend implements the probe.Backend for UART-bridge debug
// probes (FTDI-family SWD/JTAG bit-bang adapters, and ST-Link/J-Link's
// virtual COM port used as a fallback transport), on top of
// github.com/cesanta/go-serial/serial, the same library an mgrpc serial
// codec would use to talk to a device's UART.
package serialbackend

import (
	"context"
	"time"

	serialpkg "github.com/cesanta/go-serial/serial"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/probe"
)

func init() {
	// FTDI-family probes enumerate as ordinary serial devices; we cannot
	// discover them without walking /dev or the registry here (that is a
	// platform-specific concern left to a higher layer that knows the
	// VID/PID<->devnode mapping), so Enumerate returns nothing and probes
	// of this family are opened by explicit Descriptor.Path instead.
	probe.RegisterFamily(probe.FamilyFTDI, enumerateNone, open)
}

func enumerateNone(ctx context.Context) ([]probe.Descriptor, error) {
	return nil, nil
}

const defaultBaudRate = 115200

type backend struct {
	conn serialpkg.Serial
}

func open(ctx context.Context, d probe.Descriptor) (probe.Backend, error) {
	oo := serialpkg.OpenOptions{
		PortName:              d.Path,
		BaudRate:              defaultBaudRate,
		DataBits:              8,
		ParityMode:            serialpkg.PARITY_NONE,
		StopBits:              1,
		InterCharacterTimeout: uint(200 * time.Millisecond / time.Millisecond),
		MinimumReadSize:       0,
	}
	conn, err := serialpkg.Open(oo)
	if err != nil {
		return nil, errors.Annotatef(err, "open serial probe at %q", d.Path)
	}
	return &backend{conn: conn}, nil
}

func (b *backend) Write(ctx context.Context, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := b.conn.Write(data[written:])
		if err != nil {
			return errors.Trace(err)
		}
		written += n
	}
	return nil
}

func (b *backend) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := b.conn.Read(buf)
	return n, errors.Trace(err)
}

func (b *backend) Close() error {
	return b.conn.Close()
}

func (b *backend) SupportsPipelining() bool { return false }

func (b *backend) MaxPacketSize() int { return 4096 }
