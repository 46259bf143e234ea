package debuginfo

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// cie is a parsed Common Information Entry: the template instructions and
// factors shared by every FDE that references it.
type cie struct {
	codeAlignFactor uint64
	dataAlignFactor int64
	returnRegister  uint64
	initialInsns    []byte
}

// fde is a parsed Frame Description Entry: the CFI program covering one
// address range.
type fde struct {
	cie          *cie
	lowPC        uint64
	addressRange uint64
	insns        []byte
}

func (f *fde) covers(pc uint64) bool { return pc >= f.lowPC && pc < f.lowPC+f.addressRange }

// regRuleKind distinguishes how a register's value in the caller's frame
// is recovered.
type regRuleKind int

const (
	ruleUndefined regRuleKind = iota
	ruleSameValue
	ruleOffset   // value is *(cfa + n)
	ruleRegister // value is the current value of another register
	ruleUnsupported
)

type regRule struct {
	kind regRuleKind
	n    int64
	reg  uint64
}

// cfaRule describes how to compute the canonical frame address.
type cfaRule struct {
	register    uint64
	offset      int64
	unsupported bool // set when the CIE/FDE uses a DWARF expression we don't evaluate
}

// row is the CFI table row applicable at a given PC: the CFA rule plus one
// rule per callee-saved register the FDE describes.
type row struct {
	cfa  cfaRule
	regs map[uint64]regRule
}

func newRow() *row { return &row{regs: map[uint64]regRule{}} }

func (r *row) clone() *row {
	n := &row{cfa: r.cfa, regs: make(map[uint64]regRule, len(r.regs))}
	for k, v := range r.regs {
		n.regs[k] = v
	}
	return n
}

// byteReader is a small cursor over a CFI byte stream, used by both the
// top-level record parser and the opcode interpreter.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) done() bool { return r.pos >= len(r.b) }

func (r *byteReader) u8() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, errors.New("cfi: unexpected end of data")
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if r.pos+2 > len(r.b) {
		return 0, errors.New("cfi: unexpected end of data")
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, errors.New("cfi: unexpected end of data")
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.pos+8 > len(r.b) {
		return 0, errors.New("cfi: unexpected end of data")
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) uleb() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

func (r *byteReader) sleb() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (r *byteReader) skip(n int) error {
	if r.pos+n > len(r.b) {
		return errors.New("cfi: unexpected end of data")
	}
	r.pos += n
	return nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.b) {
		return nil, errors.New("cfi: unexpected end of data")
	}
	b := r.b[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// parseFrameSection walks a .debug_frame (or .eh_frame) section, returning
// every FDE it finds. Only the 32-bit DWARF format is supported (no
// 0xffffffff 64-bit-format escape), matching every example target's ELF
// output.
func parseFrameSection(data []byte, isEH bool) ([]*fde, error) {
	var fdes []*fde
	cies := map[int]*cie{}

	r := &byteReader{b: data}
	for !r.done() {
		recordStart := r.pos
		length, err := r.u32()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if length == 0 {
			break
		}
		bodyStart := r.pos
		bodyEnd := bodyStart + int(length)
		if bodyEnd > len(data) {
			return nil, errors.New("cfi: record length exceeds section size")
		}

		idField, err := r.u32()
		if err != nil {
			return nil, errors.Trace(err)
		}

		isCIE := idField == 0xffffffff
		if isEH {
			isCIE = idField == 0
		}

		if isCIE {
			c, err := parseCIE(data[r.pos:bodyEnd])
			if err != nil {
				return nil, errors.Annotatef(err, "parse CIE at offset %d", recordStart)
			}
			cies[recordStart] = c
			r.pos = bodyEnd
			continue
		}

		var ciePtr int
		if isEH {
			// eh_frame CIE pointer is an offset backwards from this field.
			ciePtr = r.pos - 4 - int(idField)
		} else {
			ciePtr = int(idField)
		}
		c, ok := cies[ciePtr]
		if !ok {
			// CIE appears after its FDE, or in a different parse pass; skip
			// this FDE rather than fail the whole section.
			r.pos = bodyEnd
			continue
		}

		lowPC, err := r.u32()
		if err != nil {
			return nil, errors.Trace(err)
		}
		addrRange, err := r.u32()
		if err != nil {
			return nil, errors.Trace(err)
		}
		insns, err := r.bytes(bodyEnd - r.pos)
		if err != nil {
			return nil, errors.Trace(err)
		}
		fdes = append(fdes, &fde{cie: c, lowPC: uint64(lowPC), addressRange: uint64(addrRange), insns: insns})
		r.pos = bodyEnd
	}
	return fdes, nil
}

func parseCIE(b []byte) (*cie, error) {
	r := &byteReader{b: b}
	version, err := r.u8()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var aug []byte
	for {
		c, err := r.u8()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if c == 0 {
			break
		}
		aug = append(aug, c)
	}
	if version >= 4 {
		if err := r.skip(2); err != nil { // address_size, segment_selector_size
			return nil, errors.Trace(err)
		}
	}
	codeAlign, err := r.uleb()
	if err != nil {
		return nil, errors.Trace(err)
	}
	dataAlign, err := r.sleb()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var retReg uint64
	if version == 1 {
		b, err := r.u8()
		if err != nil {
			return nil, errors.Trace(err)
		}
		retReg = uint64(b)
	} else {
		retReg, err = r.uleb()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	if len(aug) > 0 && aug[0] == 'z' {
		augLen, err := r.uleb()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := r.skip(int(augLen)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return &cie{
		codeAlignFactor: codeAlign,
		dataAlignFactor: dataAlign,
		returnRegister:  retReg,
		initialInsns:    b[r.pos:],
	}, nil
}

// DWARF call-frame instruction opcodes (DWARF v4 §6.4.2). Only the subset
// actually emitted by the compilers in the example corpus's firmware
// images is interpreted. DWARF expressions and val_offset degrade that one
// register's rule (or the CFA) to "unsupported" rather than failing the
// whole row; any other unrecognized opcode fails the evaluation with an
// error.
const (
	cfaNop               = 0x00
	cfaSetLoc            = 0x01
	cfaAdvanceLoc1       = 0x02
	cfaAdvanceLoc2       = 0x03
	cfaAdvanceLoc4       = 0x04
	cfaOffsetExtended    = 0x05
	cfaRestoreExtended   = 0x06
	cfaUndefined         = 0x07
	cfaSameValue         = 0x08
	cfaRegister          = 0x09
	cfaRememberState     = 0x0a
	cfaRestoreState      = 0x0b
	cfaDefCFA            = 0x0c
	cfaDefCFARegister    = 0x0d
	cfaDefCFAOffset      = 0x0e
	cfaDefCFAExpression  = 0x0f
	cfaExpression        = 0x10
	cfaOffsetExtendedSF  = 0x11
	cfaDefCFASF          = 0x12
	cfaDefCFAOffsetSF    = 0x13
	cfaValOffset         = 0x14
	cfaValExpression     = 0x16
	cfaHighAdvanceLoc    = 0x40 // top two bits set: opcode | delta
	cfaHighOffset        = 0x80
	cfaHighRestore       = 0xc0
)

// evaluateRow runs a CIE's initial instructions then an FDE's instructions
// up to (and including) the row covering pc, returning that row.
func evaluateRow(f *fde, pc uint64) (*row, error) {
	cur := newRow()
	if err := runProgram(f.cie, f.cie.initialInsns, f.lowPC, pc, cur, nil); err != nil {
		return nil, errors.Trace(err)
	}
	if err := runProgram(f.cie, f.insns, f.lowPC, pc, cur, nil); err != nil {
		return nil, errors.Trace(err)
	}
	return cur, nil
}

// runProgram interprets insns, mutating cur in place, stopping once the
// location counter would advance past target. A stack of remembered rows
// backs DW_CFA_remember_state/restore_state.
func runProgram(c *cie, insns []byte, loc, target uint64, cur *row, stack []*row) error {
	r := &byteReader{b: insns}
	for !r.done() {
		op, err := r.u8()
		if err != nil {
			return errors.Trace(err)
		}
		high := op & 0xc0
		low := op & 0x3f

		switch {
		case high == cfaHighAdvanceLoc:
			loc += uint64(low) * c.codeAlignFactor
		case high == cfaHighOffset:
			n, err := r.uleb()
			if err != nil {
				return errors.Trace(err)
			}
			cur.regs[uint64(low)] = regRule{kind: ruleOffset, n: int64(n) * c.dataAlignFactor}
		case high == cfaHighRestore:
			delete(cur.regs, uint64(low))
		default:
			switch op {
			case cfaNop:
			case cfaSetLoc:
				addr, err := r.u32()
				if err != nil {
					return errors.Trace(err)
				}
				loc = uint64(addr)
			case cfaAdvanceLoc1:
				d, err := r.u8()
				if err != nil {
					return errors.Trace(err)
				}
				loc += uint64(d) * c.codeAlignFactor
			case cfaAdvanceLoc2:
				d, err := r.u16()
				if err != nil {
					return errors.Trace(err)
				}
				loc += uint64(d) * c.codeAlignFactor
			case cfaAdvanceLoc4:
				d, err := r.u32()
				if err != nil {
					return errors.Trace(err)
				}
				loc += uint64(d) * c.codeAlignFactor
			case cfaOffsetExtended:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				n, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.regs[reg] = regRule{kind: ruleOffset, n: int64(n) * c.dataAlignFactor}
			case cfaRestoreExtended:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				delete(cur.regs, reg)
			case cfaUndefined:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.regs[reg] = regRule{kind: ruleUndefined}
			case cfaSameValue:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.regs[reg] = regRule{kind: ruleSameValue}
			case cfaRegister:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				other, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.regs[reg] = regRule{kind: ruleRegister, reg: other}
			case cfaRememberState:
				stack = append(stack, cur.clone())
			case cfaRestoreState:
				if len(stack) > 0 {
					saved := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					cur.cfa = saved.cfa
					cur.regs = saved.regs
				}
			case cfaDefCFA:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				off, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.cfa = cfaRule{register: reg, offset: int64(off)}
			case cfaDefCFARegister:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.cfa.register = reg
			case cfaDefCFAOffset:
				off, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.cfa.offset = int64(off)
			case cfaDefCFASF:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				off, err := r.sleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.cfa = cfaRule{register: reg, offset: off * c.dataAlignFactor}
			case cfaDefCFAOffsetSF:
				off, err := r.sleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.cfa.offset = off * c.dataAlignFactor
			case cfaOffsetExtendedSF:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				off, err := r.sleb()
				if err != nil {
					return errors.Trace(err)
				}
				cur.regs[reg] = regRule{kind: ruleOffset, n: off * c.dataAlignFactor}
			case cfaDefCFAExpression:
				n, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				if err := r.skip(int(n)); err != nil {
					return errors.Trace(err)
				}
				cur.cfa.unsupported = true
			case cfaExpression, cfaValExpression:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				n, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				if err := r.skip(int(n)); err != nil {
					return errors.Trace(err)
				}
				cur.regs[reg] = regRule{kind: ruleUnsupported}
			case cfaValOffset:
				reg, err := r.uleb()
				if err != nil {
					return errors.Trace(err)
				}
				if _, err := r.uleb(); err != nil {
					return errors.Trace(err)
				}
				cur.regs[reg] = regRule{kind: ruleUnsupported}
			default:
				return errors.Errorf("cfi: unrecognized opcode 0x%x", op)
			}
		}

		if loc > target {
			return nil
		}
	}
	return nil
}

// findFDE returns the FDE covering pc, or nil.
func findFDE(fdes []*fde, pc uint64) *fde {
	for _, f := range fdes {
		if f.covers(pc) {
			return f
		}
	}
	return nil
}
