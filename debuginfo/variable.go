package debuginfo

import (
	"context"
	"debug/dwarf"

	"github.com/juju/errors"
	coreiface "github.com/probe-rs/probe-rs-sub011/core"
)

// Variable is one resolved local variable or parameter: its name, the
// type DWARF gave it, and where its value lives — either a memory
// address or a register, never both.
type Variable struct {
	Name     string
	TypeName string

	HasAddress bool
	Address    uint64

	InRegister bool
	Register   coreiface.RegisterID
}

// VariableCache is the opaque, per-frame handle for deferred variable
// resolution: nothing is walked or evaluated until Variables is called, and
// the result is cached for the life of the frame. This resolves variable
// *location* only; evaluating arbitrary user expressions over those
// variables is out of scope.
type VariableCache struct {
	img   *Image
	core  coreiface.Core
	frame *StackFrame

	resolved bool
	vars     []*Variable
	err      error
}

func newVariableCache(img *Image, c coreiface.Core, frame *StackFrame) *VariableCache {
	return &VariableCache{img: img, core: c, frame: frame}
}

// Variables walks the DIE tree for the frame's enclosing subprogram and
// evaluates each local's or parameter's location expression, on first
// call only.
func (vc *VariableCache) Variables(ctx context.Context) ([]*Variable, error) {
	if vc.resolved {
		return vc.vars, vc.err
	}
	vc.resolved = true

	if vc.img == nil {
		return nil, nil
	}
	u := vc.img.unitContaining(vc.frame.PC)
	if u == nil {
		return nil, nil
	}

	entries, frameBaseExpr, err := vc.img.localVariableDIEs(u, vc.frame.PC)
	if err != nil {
		vc.err = errors.Trace(err)
		return nil, vc.err
	}

	frameBase, haveFrameBase := evaluateFrameBase(vc.core, vc.frame, frameBaseExpr)

	vars := make([]*Variable, 0, len(entries))
	for _, e := range entries {
		name, _ := e.Val(dwarf.AttrName).(string)
		v := &Variable{Name: name, TypeName: typeName(vc.img.data, e)}

		loc, ok := e.Val(dwarf.AttrLocation).([]byte)
		if ok {
			applyLocationExpr(v, loc, vc.frame, frameBase, haveFrameBase)
		}
		vars = append(vars, v)
	}

	vc.vars = vars
	return vc.vars, nil
}

// localVariableDIEs returns the TagVariable/TagFormalParameter DIEs of
// the subprogram covering pc, plus that subprogram's raw AttrFrameBase
// expression (nil if absent).
func (img *Image) localVariableDIEs(u *unitInfo, pc uint64) ([]*dwarf.Entry, []byte, error) {
	r := img.data.Reader()
	r.Seek(u.cu.Offset)
	if _, err := r.Next(); err != nil {
		return nil, nil, errors.Trace(err)
	}

	var subprogram *dwarf.Entry
	depth := 0
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			if depth < 0 {
				break
			}
			continue
		}
		if entry.Tag == dwarf.TagSubprogram {
			low, hasLow := entry.Val(dwarf.AttrLowpc).(uint64)
			if hasLow && pc >= low && pc < decodeHighPC(entry, low) {
				subprogram = entry
			}
		}
		if entry.Children {
			depth++
		}
	}
	if subprogram == nil {
		return nil, nil, nil
	}

	frameBaseExpr, _ := subprogram.Val(dwarf.AttrFrameBase).([]byte)

	r.Seek(subprogram.Offset)
	if _, err := r.Next(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	var vars []*dwarf.Entry
	depth = 0
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			if depth < 0 {
				break
			}
			continue
		}
		if depth == 0 && (entry.Tag == dwarf.TagVariable || entry.Tag == dwarf.TagFormalParameter) {
			vars = append(vars, entry)
		}
		if entry.Children {
			depth++
		}
	}
	return vars, frameBaseExpr, nil
}

func typeName(d *dwarf.Data, varEntry *dwarf.Entry) string {
	off, ok := varEntry.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return ""
	}
	t, err := d.Type(off)
	if err != nil || t == nil {
		return ""
	}
	return t.String()
}

// DWARF expression opcodes this evaluator understands. Compiler output
// for simple frame-local variables in embedded firmware rarely needs
// more than these; anything else leaves the Variable's location unset
// rather than failing the whole frame.
const (
	opAddr       = 0x03
	opReg0       = 0x50
	opReg31      = 0x6f
	opBreg0      = 0x70
	opBreg31     = 0x8f
	opFbreg      = 0x91
	opCallFrameCFA = 0x9c
)

// evaluateFrameBase resolves a subprogram's DW_AT_frame_base expression
// against frame: the two forms seen in practice are DW_OP_call_frame_cfa
// (use the CFA the unwinder already computed) and DW_OP_bregN <offset>
// (register-relative, for frames the unwinder reached via a fallback
// path with no CFA).
func evaluateFrameBase(c coreiface.Core, frame *StackFrame, expr []byte) (uint64, bool) {
	if len(expr) == 0 {
		return 0, false
	}
	r := &byteReader{b: expr}
	op, err := r.u8()
	if err != nil {
		return 0, false
	}
	switch {
	case op == opCallFrameCFA:
		if frame.CanonicalFrameAddress == 0 {
			return 0, false
		}
		return frame.CanonicalFrameAddress, true
	case op >= opBreg0 && op <= opBreg31:
		dwarfReg := uint64(op - opBreg0)
		off, err := r.sleb()
		if err != nil {
			return 0, false
		}
		regID, ok := registerByDWARFNumber(c, dwarfReg)
		if !ok {
			return 0, false
		}
		return uint64(int64(frame.Registers[regID]) + off), true
	default:
		return 0, false
	}
}

// applyLocationExpr evaluates a variable's location expression, filling
// in v.Address or v.Register. Unsupported opcodes leave v with neither
// set (a caller sees HasAddress == false && InRegister == false).
func applyLocationExpr(v *Variable, expr []byte, frame *StackFrame, frameBase uint64, haveFrameBase bool) {
	if len(expr) == 0 {
		return
	}
	r := &byteReader{b: expr}
	op, err := r.u8()
	if err != nil {
		return
	}
	switch {
	case op == opAddr:
		addr, err := r.u64()
		if err != nil {
			return
		}
		v.HasAddress = true
		v.Address = addr
	case op == opFbreg:
		if !haveFrameBase {
			return
		}
		off, err := r.sleb()
		if err != nil {
			return
		}
		v.HasAddress = true
		v.Address = uint64(int64(frameBase) + off)
	case op >= opReg0 && op <= opReg31:
		dwarfReg := coreiface.RegisterID(op - opReg0)
		if _, ok := frame.Registers[dwarfReg]; ok {
			v.InRegister = true
			v.Register = dwarfReg
		}
	case op >= opBreg0 && op <= opBreg31:
		dwarfReg := uint64(op - opBreg0)
		off, err := r.sleb()
		if err != nil {
			return
		}
		if val, ok := frame.Registers[coreiface.RegisterID(dwarfReg)]; ok {
			v.HasAddress = true
			v.Address = uint64(int64(val) + off)
		}
	}
}
