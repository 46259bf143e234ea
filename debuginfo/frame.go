package debuginfo

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
)

// StackFrame is one entry of an unwound call stack: the frame's PC/SP,
// the full register snapshot CFI recovered at that point, and (once
// source.go resolves it) the function and source location it belongs to.
type StackFrame struct {
	PC uint64
	SP uint64

	// CanonicalFrameAddress is the CFA DWARF CFI computed for this frame,
	// zero when the frame came from a fallback path that never derives
	// one (frame-pointer chain, exception entry).
	CanonicalFrameAddress uint64

	// Registers holds every register this frame's CFI program or
	// fallback path could recover, keyed by the core's RegisterID.
	Registers map[coreiface.RegisterID]uint64

	IsException          bool
	ExceptionDescription string

	// IsInlined marks a frame whose Function is an inlined subroutine: the
	// physical frame when its PC lies in inlined code, and each frame
	// synthesized for an intermediate inline level. Synthesized frames
	// share PC/SP/Registers with the physical frame, differing only in
	// Function and Source.
	IsInlined bool

	Function string
	Source   *SourceLocation

	// Variables is populated lazily: nil until the caller asks for this
	// frame's variables, per the deferred variable-cache model.
	Variables *VariableCache
}

// registerByDWARFNumber maps a DWARF register number to this core's
// RegisterID. arch/* packages assign RegisterID via iota starting at 0
// for general-purpose registers, which tracks each architecture's DWARF
// register-number convention; this holds as long as that ordering does,
// and is documented as a simplifying assumption rather than a guarantee
// enforced by the type system.
func registerByDWARFNumber(c coreiface.Core, dwarfReg uint64) (coreiface.RegisterID, bool) {
	id := coreiface.RegisterID(dwarfReg)
	for _, rd := range c.Registers() {
		if rd.ID == id {
			return id, true
		}
	}
	return 0, false
}

func findRoleRegister(c coreiface.Core, role coreiface.RegisterRole) (coreiface.RegisterID, bool) {
	for _, rd := range c.Registers() {
		if rd.Role == role {
			return rd.ID, true
		}
	}
	return 0, false
}

// Unwind walks the call stack starting at the core's current PC/SP,
// producing at most maxFrames StackFrames: FDE lookup and
// CFA evaluation where DWARF call-frame information covers the PC,
// frame-pointer-chain and architecture-specific fallbacks where it
// doesn't, and exception-frame detection at steps without usable CFI.
func Unwind(ctx context.Context, c coreiface.Core, img *Image, maxFrames int) ([]*StackFrame, error) {
	pcID, ok := findRoleRegister(c, coreiface.RoleProgramCounter)
	if !ok {
		return nil, errors.Errorf("architecture %s has no program counter register", c.Architecture())
	}
	spID, ok := findRoleRegister(c, coreiface.RoleStackPointer)
	if !ok {
		return nil, errors.Errorf("architecture %s has no stack pointer register", c.Architecture())
	}
	fpID, hasFP := findRoleRegister(c, coreiface.RoleFramePointer)
	lrID, hasLR := findRoleRegister(c, coreiface.RoleReturnAddress)

	regs := map[coreiface.RegisterID]uint64{}
	for _, rd := range c.Registers() {
		v, err := c.ReadCoreRegister(ctx, rd.ID)
		if err != nil {
			return nil, errors.Annotatef(err, "read register %s", rd.Name)
		}
		regs[rd.ID] = v
	}

	excUnwinder := selectExceptionUnwinder(c.Architecture())

	var frames []*StackFrame
	seenPCs := map[uint64]bool{}

	var previousSP uint64
	for len(frames) < maxFrames {
		pc := regs[pcID]
		sp := regs[spID]

		if pc == 0 || pc == 0xFFFFFFFF {
			break
		}
		if len(frames) > 0 && sp < previousSP {
			break
		}
		previousSP = sp

		frame := &StackFrame{PC: pc, SP: sp, Registers: cloneRegs(regs)}
		frame.Variables = newVariableCache(img, c, frame)
		var inlineFrames []*StackFrame
		if img != nil {
			inlineFrames = resolveFrameSource(img, frame)
		}
		frames = append(frames, frame)
		for _, inl := range inlineFrames {
			inl.Variables = newVariableCache(img, c, inl)
			frames = append(frames, inl)
			if len(frames) >= maxFrames {
				break
			}
		}
		if len(frames) >= maxFrames {
			break
		}

		if seenPCs[pc] {
			// A cycle in the recovered chain: stop rather than loop forever.
			break
		}
		seenPCs[pc] = true

		var fde *fde
		if img != nil {
			fde = findFDE(img.fdes, pc)
		}
		if fde != nil {
			next, callerPC, cfa, ok, err := stepWithCFI(ctx, c, fde, pc, regs)
			if err != nil {
				glog.V(1).Infof("debuginfo: CFI evaluation failed at pc=0x%x: %v", pc, err)
			} else if ok {
				frame.CanonicalFrameAddress = cfa
				for _, inl := range inlineFrames {
					inl.CanonicalFrameAddress = cfa
				}
				if callerPC == 0 {
					break
				}
				regs = next
				continue
			}
		}

		// No (usable) CFI for this PC: try the exception-entry fallback,
		// then the generic frame-pointer chain, then give up.
		if excUnwinder != nil && hasLR && excUnwinder.isExceptionFrame(regs[lrID]) {
			details, err := excUnwinder.exceptionDetails(ctx, c, sp, regs[lrID])
			if err == nil {
				frame.IsException = true
				frame.ExceptionDescription = details.description
				next := cloneRegs(regs)
				next[pcID] = details.callerPC
				next[spID] = details.callerSP
				if hasLR {
					next[lrID] = details.callerLR
				}
				regs = next
				continue
			}
			glog.V(1).Infof("debuginfo: exception frame detection failed at pc=0x%x: %v", pc, err)
		}

		if c.Architecture() == coreiface.ArchRISCV {
			callerSP, returnAddr, ok, err := riscvUnwindWithoutDebugInfo(ctx, c, sp)
			if err != nil {
				return frames, errors.Trace(err)
			}
			if ok {
				next := cloneRegs(regs)
				next[pcID] = returnAddr
				next[spID] = callerSP
				regs = next
				continue
			}
			break
		}

		if c.Architecture() == coreiface.ArchXtensa {
			fp, fpOK := regs[fpID]
			returnAddr, callerSP, ok, err := xtensaUnwindWithoutDebugInfo(ctx, c, sp, fp, hasFP && fpOK)
			if err != nil {
				return frames, errors.Trace(err)
			}
			if ok {
				next := cloneRegs(regs)
				next[pcID] = returnAddr
				next[spID] = callerSP
				regs = next
				continue
			}
			break
		}

		if !hasFP {
			break
		}
		rec, ok, err := readFrameRecord(ctx, c, c.Architecture(), regs[fpID])
		if err != nil {
			return frames, errors.Trace(err)
		}
		if !ok || rec.returnAddress == 0 {
			break
		}
		next := cloneRegs(regs)
		next[pcID] = rec.returnAddress
		next[fpID] = rec.framePointer
		regs = next
	}

	return frames, nil
}

func cloneRegs(regs map[coreiface.RegisterID]uint64) map[coreiface.RegisterID]uint64 {
	n := make(map[coreiface.RegisterID]uint64, len(regs))
	for k, v := range regs {
		n[k] = v
	}
	return n
}

// stepWithCFI evaluates fde's CFI program at pc and derives the caller's
// register set from the resulting row: the CFA (canonical frame address,
// the caller's SP in this tree's convention of never using a separate
// DW_AT_frame_base), then one value per register the row gives a rule
// for. ok is false when the CFA rule is absent or a DWARF expression
// (unsupported), or when the return-address column has no recoverable
// value, since neither leaves anything to unwind from.
func stepWithCFI(ctx context.Context, c coreiface.Core, f *fde, pc uint64, regs map[coreiface.RegisterID]uint64) (next map[coreiface.RegisterID]uint64, callerPC, cfa uint64, ok bool, err error) {
	r, err := evaluateRow(f, pc)
	if err != nil {
		return nil, 0, 0, false, errors.Trace(err)
	}
	if r.cfa.unsupported {
		return nil, 0, 0, false, nil
	}
	cfaRegID, found := registerByDWARFNumber(c, r.cfa.register)
	if !found {
		return nil, 0, 0, false, nil
	}
	cfa = regs[cfaRegID] + uint64(r.cfa.offset)

	next = cloneRegs(regs)
	spID, _ := findRoleRegister(c, coreiface.RoleStackPointer)
	next[spID] = cfa

	for dwarfReg, rule := range r.regs {
		regID, found := registerByDWARFNumber(c, dwarfReg)
		if !found {
			continue
		}
		switch rule.kind {
		case ruleSameValue:
			// leave next[regID] as the cloned current value
		case ruleOffset:
			addr := uint64(int64(cfa) + rule.n)
			word := make([]uint32, 1)
			if err := c.ReadMemory32(ctx, addr, word); err != nil {
				return nil, 0, 0, false, errors.Annotatef(err, "read unwound register from 0x%x", addr)
			}
			next[regID] = uint64(word[0])
		case ruleRegister:
			otherID, found := registerByDWARFNumber(c, rule.reg)
			if found {
				next[regID] = regs[otherID]
			}
		case ruleUndefined, ruleUnsupported:
			delete(next, regID)
		}
	}

	raID, found := registerByDWARFNumber(c, f.cie.returnRegister)
	if !found {
		return nil, 0, 0, false, nil
	}
	callerPC, found = next[raID]
	if !found {
		return nil, 0, 0, false, nil
	}
	pcID, _ := findRoleRegister(c, coreiface.RoleProgramCounter)
	next[pcID] = callerPC
	return next, callerPC, cfa, true, nil
}
