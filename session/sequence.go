package session

import (
	"context"

	coreiface "github.com/probe-rs/probe-rs-sub011/core"
	"github.com/probe-rs/probe-rs-sub011/dap"
)

// Sequence is the abstract set of chip-attach hooks a target may override.
// Every hook is optional: the embedded DefaultSequence's no-op methods are
// promoted when a chip sequence doesn't need to do anything unusual, so a
// chip only overrides what differs from the architecture default.
type Sequence interface {
	DebugPortSetup(ctx context.Context, dp *dap.DebugPort) error
	DebugPortStart(ctx context.Context, dp *dap.DebugPort) error
	DebugDeviceUnlock(ctx context.Context, dp *dap.DebugPort) error
	DebugCoreStart(ctx context.Context, c coreiface.Core) error
	ResetCatchSet(ctx context.Context, c coreiface.Core) error
	ResetCatchClear(ctx context.Context, c coreiface.Core) error
	ResetSystem(ctx context.Context, c coreiface.Core) error
	DebugCoreStop(ctx context.Context, c coreiface.Core) error
	DebugDeviceStop(ctx context.Context, dp *dap.DebugPort) error
	TraceStart(ctx context.Context, c coreiface.Core) error
}

// DefaultSequence implements every Sequence hook as a no-op. Per-architecture
// defaults and chip-specific overrides embed it and replace only the hooks
// they need: a common base type with a handful of per-chip method
// overrides.
type DefaultSequence struct{}

func (DefaultSequence) DebugPortSetup(ctx context.Context, dp *dap.DebugPort) error      { return nil }
func (DefaultSequence) DebugPortStart(ctx context.Context, dp *dap.DebugPort) error      { return nil }
func (DefaultSequence) DebugDeviceUnlock(ctx context.Context, dp *dap.DebugPort) error   { return nil }
func (DefaultSequence) DebugCoreStart(ctx context.Context, c coreiface.Core) error       { return nil }
func (DefaultSequence) ResetCatchSet(ctx context.Context, c coreiface.Core) error        { return nil }
func (DefaultSequence) ResetCatchClear(ctx context.Context, c coreiface.Core) error      { return nil }
func (DefaultSequence) ResetSystem(ctx context.Context, c coreiface.Core) error          { return nil }
func (DefaultSequence) DebugCoreStop(ctx context.Context, c coreiface.Core) error        { return nil }
func (DefaultSequence) DebugDeviceStop(ctx context.Context, dp *dap.DebugPort) error     { return nil }
func (DefaultSequence) TraceStart(ctx context.Context, c coreiface.Core) error           { return nil }
