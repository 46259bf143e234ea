package flash

import (
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/memrange"
)

// NoSuitableFlashError is returned by Commit when a byte run falls outside
// every flash region the target description declares.
type NoSuitableFlashError struct {
	Range memrange.Range
}

func (e *NoSuitableFlashError) Error() string {
	return errors.Errorf("no flash region covers %s", e.Range).Error()
}

// DataOverlapError is returned by AddData when a new run overlaps a run
// already accumulated.
type DataOverlapError struct {
	Address uint64
}

func (e *DataOverlapError) Error() string {
	return errors.Errorf("data run overlaps existing run at 0x%x", e.Address).Error()
}

// PageWriteError is returned when a program or erase call-in reports a
// non-zero return code.
type PageWriteError struct {
	PageAddress uint64
	Code        uint32
}

func (e *PageWriteError) Error() string {
	return errors.Errorf("flash operation at 0x%x failed, algorithm returned 0x%x", e.PageAddress, e.Code).Error()
}

// VerifyError is returned by the optional verify phase when a read-back
// byte doesn't match what was programmed.
type VerifyError struct {
	Address uint64
}

func (e *VerifyError) Error() string {
	return errors.Errorf("verify mismatch at 0x%x", e.Address).Error()
}

var (
	// ErrNoChipErase is returned by Commit when Options.DoChipErase is set
	// but the selected algorithm has no pc_erase_all entry point. Resolves
	// the do_chip_erase-without-pc_erase_all ambiguity strict: never a
	// silent per-sector fallback.
	ErrNoChipErase = errors.New("chip erase requested but algorithm has no pc_erase_all entry point")

	// ErrNoRAMForAlgorithm is returned when no RAM region is large enough
	// to hold the algorithm's instructions, stack, and page buffers.
	ErrNoRAMForAlgorithm = errors.New("no RAM region large enough for flash algorithm")

	// ErrNoAlgorithm is returned when a targeted region has no usable flash
	// algorithm in the target description.
	ErrNoAlgorithm = errors.New("no flash algorithm available for region")
)
