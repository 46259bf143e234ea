package flash

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/memrange"
	"github.com/probe-rs/probe-rs-sub011/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCore is a minimal coreiface.Core good enough to drive the call-in
// ABI: memory is a flat byte map, registers are a map keyed by RegisterID,
// and Run "executes" by immediately re-halting (a real target
// runs the algorithm; this fixture just validates the ABI plumbing and
// memory side effects).
type fakeCore struct {
	mem  map[uint64]byte
	regs map[coreiface.RegisterID]uint64
	halt bool

	// onRun, if set, is called when Run resumes the core, letting a test
	// simulate what the "executed" algorithm did (e.g. zero R0) before the
	// next Status poll reports Halted again.
	onRun func(c *fakeCore)
}

func newFakeCore() *fakeCore {
	return &fakeCore{mem: map[uint64]byte{}, regs: map[coreiface.RegisterID]uint64{}, halt: true}
}

func (c *fakeCore) Architecture() coreiface.Architecture { return coreiface.ArchARMv7M }

func (c *fakeCore) Status(ctx context.Context) (coreiface.CoreState, error) {
	if c.halt {
		return coreiface.CoreState{Status: coreiface.StatusHalted, Reason: coreiface.HaltReasonSWBreakpoint}, nil
	}
	return coreiface.CoreState{Status: coreiface.StatusRunning}, nil
}

func (c *fakeCore) Halt(ctx context.Context, timeout time.Duration) error { c.halt = true; return nil }
func (c *fakeCore) Run(ctx context.Context) error {
	c.halt = false
	if c.onRun != nil {
		c.onRun(c)
	}
	c.halt = true
	return nil
}
func (c *fakeCore) Step(ctx context.Context) error          { return nil }
func (c *fakeCore) Reset(ctx context.Context) error         { return nil }
func (c *fakeCore) ResetAndHalt(ctx context.Context, timeout time.Duration) error { return nil }

func (c *fakeCore) ReadCoreRegister(ctx context.Context, id coreiface.RegisterID) (uint64, error) {
	return c.regs[id], nil
}
func (c *fakeCore) WriteCoreRegister(ctx context.Context, id coreiface.RegisterID, value uint64) error {
	c.regs[id] = value
	return nil
}
func (c *fakeCore) Registers() []coreiface.RegisterDescription {
	return []coreiface.RegisterDescription{
		{ID: 0, Name: "r0", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 0},
		{ID: 1, Name: "r1", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 1},
		{ID: 2, Name: "r2", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 2},
		{ID: 3, Name: "r3", Bits: 32, Role: coreiface.RoleGeneral, CoreID: 3},
		{ID: 13, Name: "sp", Bits: 32, Role: coreiface.RoleStackPointer, CoreID: -1},
		{ID: 14, Name: "lr", Bits: 32, Role: coreiface.RoleReturnAddress, CoreID: -1},
		{ID: 15, Name: "pc", Bits: 32, Role: coreiface.RoleProgramCounter, CoreID: -1},
	}
}

func (c *fakeCore) ReadMemory8(ctx context.Context, addr uint64, dst []uint8) error {
	for i := range dst {
		dst[i] = c.mem[addr+uint64(i)]
	}
	return nil
}
func (c *fakeCore) WriteMemory8(ctx context.Context, addr uint64, src []uint8) error {
	for i, b := range src {
		c.mem[addr+uint64(i)] = b
	}
	return nil
}
func (c *fakeCore) ReadMemory16(ctx context.Context, addr uint64, dst []uint16) error  { return nil }
func (c *fakeCore) WriteMemory16(ctx context.Context, addr uint64, src []uint16) error { return nil }
func (c *fakeCore) ReadMemory32(ctx context.Context, addr uint64, dst []uint32) error  { return nil }
func (c *fakeCore) WriteMemory32(ctx context.Context, addr uint64, src []uint32) error { return nil }
func (c *fakeCore) ReadMemory64(ctx context.Context, addr uint64, dst []uint64) error  { return nil }
func (c *fakeCore) WriteMemory64(ctx context.Context, addr uint64, src []uint64) error { return nil }

func (c *fakeCore) AvailableBreakpointUnits(ctx context.Context) (uint32, error) { return 0, nil }
func (c *fakeCore) SetHWBreakpoint(ctx context.Context, addr uint64) error       { return nil }
func (c *fakeCore) ClearHWBreakpoint(ctx context.Context, addr uint64) error     { return nil }
func (c *fakeCore) InstructionSet(ctx context.Context) (coreiface.InstructionSet, error) {
	return coreiface.InstructionSetThumb2, nil
}

func successReturningCore() *fakeCore {
	c := newFakeCore()
	c.onRun = func(c *fakeCore) {
		// A call-in with a non-zero length in R1 is pc_program_page(addr=R0,
		// size=R1, buffer=R2): copy the page buffer into flash as a real
		// algorithm would.
		for i := uint64(0); i < c.regs[1]; i++ {
			c.mem[c.regs[0]+i] = c.mem[c.regs[2]+i]
		}
		c.regs[0] = 0
	}
	return c
}

func singleRegionDescription() *target.Description {
	return &target.Description{
		Name: "testchip",
		MemoryMap: []target.MemoryRegion{
			{
				Name:  "flash0",
				Range: memrange.New(0x08000000, 0x20000),
				Kind:  target.RegionNVM,
				Flash: &target.FlashProperties{
					PageSize:           1024,
					ErasedByteValue:    0xFF,
					ProgramPageTimeout: 100,
					EraseSectorTimeout: 200,
					Sectors:            []target.SectorDescription{{StartOffset: 0, SectorSize: 1024}},
				},
			},
			{
				Name:  "ram0",
				Range: memrange.New(0x20000000, 0x4000),
				Kind:  target.RegionRAM,
			},
		},
		FlashAlgorithms: map[string]*target.RawFlashAlgorithm{
			"flash0": {
				Name:              "flash0-algo",
				Instructions:      []byte{0x01, 0x02, 0x03, 0x04},
				PCInit:            0,
				PCUninit:          uint64Ptr(0),
				PCProgramPage:     0,
				PCEraseSector:     0,
				DataSectionOffset: 16,
				StackSize:         256,
				FlashProperties: target.FlashProperties{
					PageSize:           1024,
					ErasedByteValue:    0xFF,
					ProgramPageTimeout: 100,
					EraseSectorTimeout: 200,
					Sectors:            []target.SectorDescription{{StartOffset: 0, SectorSize: 1024}},
				},
			},
		},
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }

func withChipErase(desc *target.Description) *target.Description {
	algo := desc.FlashAlgorithms["flash0"]
	algo.PCEraseAll = uint64Ptr(0)
	return desc
}

func TestAddDataRejectsOverlap(t *testing.T) {
	l := NewLoader(singleRegionDescription())
	require.NoError(t, l.AddData(0x08000000, []byte{0, 1, 2, 3}))
	err := l.AddData(0x08000002, []byte{9})
	require.Error(t, err)
	overlap, ok := errors.Cause(err).(*DataOverlapError)
	require.True(t, ok)
	assert.Equal(t, uint64(0x08000002), overlap.Address)
}

func TestAssignRegionsRejectsAddressOutsideFlash(t *testing.T) {
	l := NewLoader(singleRegionDescription())
	require.NoError(t, l.AddData(0x40000000, []byte{1, 2, 3}))
	_, err := l.assignRegions()
	require.Error(t, err)
	_, ok := errors.Cause(err).(*NoSuitableFlashError)
	require.True(t, ok)
}

func TestCommitChipEraseAndSingleWordProgram(t *testing.T) {
	desc := withChipErase(singleRegionDescription())
	l := NewLoader(desc)
	require.NoError(t, l.AddData(0x08000000, []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	c := successReturningCore()
	err := l.Commit(context.Background(), c, "core0", Options{DoChipErase: true}, nil)
	require.NoError(t, err)

	got := make([]byte, 1024)
	require.NoError(t, c.ReadMemory8(context.Background(), 0x08000000, got))
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got[:4])
	for _, b := range got[4:] {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestCommitPropagatesNonZeroPageWriteCode(t *testing.T) {
	desc := singleRegionDescription()
	l := NewLoader(desc)
	require.NoError(t, l.AddData(0x08000000, []byte{1, 2, 3}))

	c := newFakeCore()
	c.onRun = func(c *fakeCore) {
		// pc_init and pc_erase_sector succeed; pc_program_page (the only
		// call-in with a length in R1) reports code 7.
		if c.regs[1] > 0 {
			c.regs[0] = 7
		} else {
			c.regs[0] = 0
		}
	}

	err := l.Commit(context.Background(), c, "core0", Options{}, nil)
	require.Error(t, err)
	pw, ok := errors.Cause(err).(*PageWriteError)
	require.True(t, ok)
	assert.EqualValues(t, 7, pw.Code)
}

func TestCommitWithDoChipEraseButNoPCEraseAllFails(t *testing.T) {
	desc := singleRegionDescription()
	l := NewLoader(desc)
	require.NoError(t, l.AddData(0x08000000, []byte{1}))

	c := successReturningCore()
	err := l.Commit(context.Background(), c, "core0", Options{DoChipErase: true}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNoChipErase, errors.Cause(err))
}

func TestCommitKeepAlgorithmLeavesAlgorithmResident(t *testing.T) {
	desc := singleRegionDescription()
	l := NewLoader(desc)
	require.NoError(t, l.AddData(0x08000000, []byte{1, 2, 3, 4}))

	c := successReturningCore()
	require.NoError(t, l.CommitKeepAlgorithm(context.Background(), c, "core0", Options{}, nil))
	assert.Len(t, l.loaded, 1)

	require.NoError(t, l.Close(context.Background(), c))
	assert.Len(t, l.loaded, 0)
}

func TestSectorsForAlignsToSegmentStart(t *testing.T) {
	region := &target.MemoryRegion{
		Name:  "flash0",
		Range: memrange.New(0x08000000, 0x20000),
		Kind:  target.RegionNVM,
		Flash: &target.FlashProperties{
			PageSize: 1024,
			Sectors: []target.SectorDescription{
				{StartOffset: 0, SectorSize: 3072},
				{StartOffset: 7168, SectorSize: 2048},
			},
		},
	}
	pages := map[uint64]*pageImage{
		7168: {addr: region.Range.Start + 7168},
	}
	sectors := sectorsFor(region, pages)
	require.Len(t, sectors, 1)
	assert.Equal(t, region.Range.Start+7168, sectors[0].Start)
	assert.EqualValues(t, 2048, sectors[0].Size())
}

func TestProgressCallbackReportsAllPhases(t *testing.T) {
	desc := singleRegionDescription()
	l := NewLoader(desc)
	require.NoError(t, l.AddData(0x08000000, []byte{1, 2, 3, 4}))

	var phases []Phase
	c := successReturningCore()
	err := l.Commit(context.Background(), c, "core0", Options{Verify: true}, func(phase Phase, addr uint64, n int) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)
	assert.Contains(t, phases, PhaseErase)
	assert.Contains(t, phases, PhaseProgram)
	assert.Contains(t, phases, PhaseVerify)
}
