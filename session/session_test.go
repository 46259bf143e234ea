package session

import (
	"context"
	"testing"

	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/dap"
	"github.com/probe-rs/probe-rs-sub011/probe"
	"github.com/probe-rs/probe-rs-sub011/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice implements both probe.Backend and probe.Link directly: Attach's
// newLink helper prefers a backend that already speaks the architected
// protocol over re-wrapping it in a family-specific encoder, which is
// exactly this fixture's role.
type fakeDevice struct {
	dpRegs map[uint8]uint32
	apRegs map[uint8]map[uint8]uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{dpRegs: map[uint8]uint32{}, apRegs: map[uint8]map[uint8]uint32{}}
}

func (f *fakeDevice) Write(ctx context.Context, data []byte) error      { return nil }
func (f *fakeDevice) Read(ctx context.Context, buf []byte) (int, error) { return 0, nil }
func (f *fakeDevice) Close() error                                      { return nil }
func (f *fakeDevice) SupportsPipelining() bool                          { return false }
func (f *fakeDevice) MaxPacketSize() int                                { return 64 }

func (f *fakeDevice) Connect(ctx context.Context, proto probe.WireProtocol) error { return nil }
func (f *fakeDevice) Disconnect(ctx context.Context) error                       { return nil }
func (f *fakeDevice) SetSpeedKHz(ctx context.Context, khz uint32) error          { return nil }
func (f *fakeDevice) SWJSequence(ctx context.Context, bits []byte, nbits int) error {
	return nil
}
func (f *fakeDevice) TargetResetAssert(ctx context.Context) error   { return nil }
func (f *fakeDevice) TargetResetDeassert(ctx context.Context) error { return nil }

func (f *fakeDevice) ReadDP(ctx context.Context, addr uint8) (uint32, probe.TransferResult, error) {
	switch addr {
	case dap.RegIDCODE:
		return 0x2BA01477, probe.TransferOK, nil
	case dap.RegCTRLSTAT:
		// Ack both power-up requests immediately (bits 31/29).
		return f.dpRegs[addr] | (1 << 31) | (1 << 29), probe.TransferOK, nil
	default:
		return f.dpRegs[addr], probe.TransferOK, nil
	}
}

func (f *fakeDevice) WriteDP(ctx context.Context, addr uint8, value uint32) (probe.TransferResult, error) {
	f.dpRegs[addr] = value
	return probe.TransferOK, nil
}

func (f *fakeDevice) ReadAP(ctx context.Context, apSel uint8, addr uint8) (uint32, probe.TransferResult, error) {
	return f.apRegs[apSel][addr], probe.TransferOK, nil
}

func (f *fakeDevice) WriteAP(ctx context.Context, apSel uint8, addr uint8, value uint32) (probe.TransferResult, error) {
	if f.apRegs[apSel] == nil {
		f.apRegs[apSel] = map[uint8]uint32{}
	}
	f.apRegs[apSel][addr] = value
	return probe.TransferOK, nil
}

func (f *fakeDevice) ScheduleReadAP(ctx context.Context, apSel, addr uint8) (probe.DeferredResult, error) {
	return 0, nil
}
func (f *fakeDevice) ScheduleWriteAP(ctx context.Context, apSel, addr uint8, value uint32) error {
	return nil
}
func (f *fakeDevice) Execute(ctx context.Context) error              { return nil }
func (f *fakeDevice) Result(id probe.DeferredResult) (uint32, error) { return 0, nil }

const testFamily probe.Family = "session-test-fake"

func init() {
	probe.RegisterFamily(testFamily,
		func(ctx context.Context) ([]probe.Descriptor, error) {
			return []probe.Descriptor{{Family: testFamily}}, nil
		},
		func(ctx context.Context, d probe.Descriptor) (probe.Backend, error) {
			return newFakeDevice(), nil
		},
	)
}

func openTestProbe(t *testing.T) *probe.Probe {
	t.Helper()
	p, err := probe.Open(context.Background(), probe.Descriptor{Family: testFamily}, probe.OpenOptions{})
	require.NoError(t, err)
	return p
}

func singleCoreDescription() *target.Description {
	return &target.Description{
		Name: "testchip",
		Cores: []target.Core{
			{Name: "core0", Architecture: target.ArchARMv7M, Access: target.CoreAccessOptions{AP: target.APAddress{Index: 0}}},
		},
		DefaultWireProtocol: "swd",
	}
}

func TestAttachConstructsOneCorePerDescribedCore(t *testing.T) {
	p := openTestProbe(t)
	desc := singleCoreDescription()

	s, err := Attach(context.Background(), p, desc, Options{})
	require.NoError(t, err)

	assert.NotNil(t, s.Core("core0"))
	assert.Nil(t, s.Core("no-such-core"))
	assert.Same(t, desc, s.Description())
}

func TestAttachUsesJTAGWhenDescriptionDefaultsToIt(t *testing.T) {
	p := openTestProbe(t)
	desc := singleCoreDescription()
	desc.DefaultWireProtocol = "jtag"

	_, err := Attach(context.Background(), p, desc, Options{})
	require.NoError(t, err)
	assert.Equal(t, probe.ProtocolJTAG, p.Protocol())
}

func TestAttachDispatchesRegisteredSequence(t *testing.T) {
	sequenceRegistry = nil
	seq := &countingSequence{}
	RegisterSequence("acme", "testchip", seq)
	defer func() { sequenceRegistry = nil }()

	p := openTestProbe(t)
	desc := singleCoreDescription()
	desc.SequenceVendor = "acme"

	_, err := Attach(context.Background(), p, desc, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, seq.coreStarts)
}

type countingSequence struct {
	DefaultSequence
	coreStarts int
}

func (s *countingSequence) DebugCoreStart(ctx context.Context, c coreiface.Core) error {
	s.coreStarts++
	return s.DefaultSequence.DebugCoreStart(ctx, c)
}

func TestSequenceDispatchPicksLongestPrefix(t *testing.T) {
	sequenceRegistry = nil
	defer func() { sequenceRegistry = nil }()

	generic := &DefaultSequence{}
	specific := &DefaultSequence{}
	RegisterSequence("acme", "widget", generic)
	RegisterSequence("acme", "widget-pro", specific)

	got := LookupSequence("acme", "widget-pro-max")
	assert.Same(t, Sequence(specific), got)

	got = LookupSequence("acme", "widget-classic")
	assert.Same(t, Sequence(generic), got)

	assert.Nil(t, LookupSequence("other-vendor", "widget"))
}
