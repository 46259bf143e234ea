// Package probe implements the probe-transport layer: enumeration, opening
// an exclusive handle to a specific USB/HID/serial debug probe, and the
// low-level DAP command set (protocol select, speed, attach, reset,
// raw DP/AP transfer) that the dap package builds the architected ARM debug
// protocol on top of.
package probe

import (
	"context"

	"github.com/juju/errors"
)

// Family identifies which wire protocol / command set a physical probe
// speaks.
type Family string

const (
	FamilyCMSISDAPv1 Family = "cmsis-dap-v1" // HID
	FamilyCMSISDAPv2 Family = "cmsis-dap-v2" // USB bulk, pipelined
	FamilySTLink     Family = "stlink"
	FamilyJLink      Family = "jlink"
	FamilyFTDI       Family = "ftdi"
)

// WireProtocol is the active debug transport protocol for a session.
type WireProtocol int

const (
	ProtocolSWD WireProtocol = iota
	ProtocolJTAG
)

// Descriptor identifies a physical probe sufficiently to re-open the exact
// same device across reboots that do not renumber USB devices. Filter
// matching by (VendorID, ProductID, SerialNumber) must be exact.
type Descriptor struct {
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
	Family       Family

	// Path is the OS-specific filter: sysfs path, HID path, or serial
	// device node, populated by enumeration and used verbatim by Open.
	Path string
}

// Matches reports whether d matches the given selector fields; a zero value
// in the selector is treated as "don't care" except VendorID/ProductID,
// which are required to be non-zero.
type Selector struct {
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

func (d Descriptor) Matches(sel Selector) bool {
	if d.VendorID != sel.VendorID || d.ProductID != sel.ProductID {
		return false
	}
	if sel.SerialNumber != "" && d.SerialNumber != sel.SerialNumber {
		return false
	}
	return true
}

// OpenOptions configures Open.
type OpenOptions struct {
	Protocol  WireProtocol
	SpeedKHz  uint32
}

// Backend is implemented once per probe family (usb, hidbackend,
// serialbackend) and is the raw byte-level transport a Probe is built on.
type Backend interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, buf []byte) (int, error)
	Close() error
	// SupportsPipelining reports whether the backend can batch several
	// scheduled commands into one USB transaction (CMSIS-DAP v2, J-Link,
	// ST-Link extended do; plain HID and serial backends do not).
	SupportsPipelining() bool
	// MaxPacketSize is the largest single transaction the backend's
	// transport can carry.
	MaxPacketSize() int
}

// BackendOpener opens a Backend for a Descriptor; registered per Family.
type BackendOpener func(ctx context.Context, d Descriptor) (Backend, error)

// EnumerateFunc lists the probes a family can see; registered per Family.
type EnumerateFunc func(ctx context.Context) ([]Descriptor, error)

var (
	backendOpeners  = map[Family]BackendOpener{}
	enumerateFuncs  = map[Family]EnumerateFunc{}
)

// RegisterFamily registers the enumerate/open hooks for a probe family. It
// is called from each backend subpackage's init(), confining the global
// mutable registry to a single initialization step ("Global
// mutable state... confined to a single initialization step and thereafter
// read-only").
func RegisterFamily(f Family, enumerate EnumerateFunc, open BackendOpener) {
	enumerateFuncs[f] = enumerate
	backendOpeners[f] = open
}

// List enumerates every probe visible to every registered family.
func List(ctx context.Context) ([]Descriptor, error) {
	var all []Descriptor
	for fam, enumerate := range enumerateFuncs {
		ds, err := enumerate(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "enumerate %s", fam)
		}
		all = append(all, ds...)
	}
	return all, nil
}

// Find returns the probes matching sel across all registered families.
func Find(ctx context.Context, sel Selector) ([]Descriptor, error) {
	all, err := List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out []Descriptor
	for _, d := range all {
		if d.Matches(sel) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Probe is an exclusive, non-cloneable handle to a physical device. It is
// produced by Open and dropped (via Close) when the owning session ends.
type Probe struct {
	desc    Descriptor
	backend Backend
	opts    OpenOptions
}

// Open opens the device identified by d, which must have come from a
// preceding List/Find call.
func Open(ctx context.Context, d Descriptor, opts OpenOptions) (*Probe, error) {
	opener, ok := backendOpeners[d.Family]
	if !ok {
		return nil, errors.Errorf("no backend registered for family %q", d.Family)
	}
	b, err := opener(ctx, d)
	if err != nil {
		return nil, errors.Annotatef(err, "open %s probe %04x:%04x", d.Family, d.VendorID, d.ProductID)
	}
	p := &Probe{desc: d, backend: b, opts: opts}
	return p, nil
}

func (p *Probe) Descriptor() Descriptor { return p.desc }

func (p *Probe) Backend() Backend { return p.backend }

// Close releases the underlying backend. A second call is a no-op that
// returns nil.
func (p *Probe) Close() error {
	if p.backend == nil {
		return nil
	}
	err := p.backend.Close()
	p.backend = nil
	return errors.Trace(err)
}

// SelectProtocol records proto as the session's wire protocol. It sends
// nothing to the probe and always returns nil; the line-level protocol
// selection happens when the DP connects (dap.DebugPort.Connect).
func (p *Probe) SelectProtocol(proto WireProtocol) error {
	p.opts.Protocol = proto
	return nil
}

func (p *Probe) Protocol() WireProtocol { return p.opts.Protocol }

// SetSpeedKHz sets the SWD/JTAG clock rate.
func (p *Probe) SetSpeedKHz(khz uint32) {
	p.opts.SpeedKHz = khz
}
