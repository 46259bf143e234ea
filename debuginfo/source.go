package debuginfo

import (
	"debug/dwarf"
	"path"
	"strings"
)

// SourceLocation is a resolved (file, line, column) triple plus the
// address it was resolved from, the unit of source-level information
// attached to a StackFrame.
type SourceLocation struct {
	Path    string
	Line    uint64
	Column  uint64
	Address uint64

	// Inlined is true when this location was synthesized from a
	// DW_TAG_inlined_subroutine rather than the frame's own subprogram:
	// the caller of the inlined function, one level up the inline chain.
	Inlined bool
}

// resolveFrameSource fills Function and Source on frame by looking up its
// PC in img's compilation units: function name (innermost enclosing
// subprogram or inlined subroutine) and line-table entry. When frame's PC
// falls inside one or more levels of inlining, frame itself takes the
// innermost inlined function's name and IsInlined true, and it returns one
// additional *StackFrame per inlined level (outermost last), each with its
// source location set to the call site one level further out: the
// intermediate frames have IsInlined true, and the final returned frame is
// the enclosing non-inlined subprogram, with IsInlined false.
// The caller splices these in immediately after frame.
func resolveFrameSource(img *Image, frame *StackFrame) []*StackFrame {
	u := img.unitContaining(frame.PC)
	if u == nil {
		return nil
	}

	outerName, chain := img.functionNameAt(u, frame.PC)
	if loc := img.lineForPC(u, frame.PC); loc != nil {
		frame.Source = loc
	}

	if len(chain) == 0 {
		if outerName != "" {
			frame.Function = outerName
		}
		return nil
	}

	frame.Function = chain[len(chain)-1].name
	frame.IsInlined = true

	var extra []*StackFrame
	for i := len(chain) - 1; i >= 1; i-- {
		extra = append(extra, &StackFrame{
			PC:        frame.PC,
			SP:        frame.SP,
			Registers: frame.Registers,
			Function:  chain[i-1].name,
			Source:    img.resolveCallSite(u, chain[i]),
			IsInlined: true,
		})
	}
	extra = append(extra, &StackFrame{
		PC:        frame.PC,
		SP:        frame.SP,
		Registers: frame.Registers,
		Function:  outerName,
		Source:    img.resolveCallSite(u, chain[0]),
	})
	return extra
}

// FunctionNameAt returns the name of the function covering pc: the
// innermost inlined subroutine when includeInlined is true and pc falls
// inside one, otherwise the enclosing non-inlined subprogram.
func (img *Image) FunctionNameAt(pc uint64, includeInlined bool) string {
	u := img.unitContaining(pc)
	if u == nil {
		return ""
	}
	outerName, chain := img.functionNameAt(u, pc)
	if includeInlined && len(chain) > 0 {
		return chain[len(chain)-1].name
	}
	return outerName
}

// inlineCall is one DW_TAG_inlined_subroutine DIE covering a resolved PC:
// the function it calls, and the call site (DW_AT_call_file/line/column,
// naming a position in its enclosing scope) where the inlining occurred.
type inlineCall struct {
	name     string
	callFile int64
	callLine uint64
	callCol  uint64
}

// functionNameAt returns the name of the innermost non-inlined subprogram
// covering pc within unit u, and the chain of inlined_subroutine DIEs
// nested inside it that also cover pc, outermost first, per
// DW_TAG_inlined_subroutine nesting.
func (img *Image) functionNameAt(u *unitInfo, pc uint64) (string, []inlineCall) {
	r := img.data.Reader()
	r.Seek(u.cu.Offset)
	// Skip the compile unit DIE itself; its children are its contents.
	if _, err := r.Next(); err != nil {
		return "", nil
	}

	var outerName string
	var chain []inlineCall
	depth := 0
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			if depth < 0 {
				break
			}
			continue
		}
		if entry.Tag != dwarf.TagSubprogram && entry.Tag != dwarf.TagInlinedSubroutine {
			if entry.Children {
				depth++
			}
			continue
		}
		low, hasLow := entry.Val(dwarf.AttrLowpc).(uint64)
		if !hasLow {
			if entry.Children {
				depth++
			}
			continue
		}
		high := decodeHighPC(entry, low)
		if pc < low || pc >= high {
			if entry.Children {
				depth++
			}
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		if entry.Tag == dwarf.TagSubprogram {
			outerName = name
			chain = nil
		} else {
			callFile, _ := entry.Val(dwarf.AttrCallFile).(int64)
			callLine, _ := entry.Val(dwarf.AttrCallLine).(int64)
			callCol, _ := entry.Val(dwarf.AttrCallColumn).(int64)
			chain = append(chain, inlineCall{
				name:     name,
				callFile: callFile,
				callLine: uint64(callLine),
				callCol:  uint64(callCol),
			})
		}
		if entry.Children {
			depth++
		}
	}
	return outerName, chain
}

// resolveCallSite turns an inlined_subroutine DIE's call-site attributes
// into the SourceLocation of the point, in its enclosing scope, where the
// inlining occurred.
func (img *Image) resolveCallSite(u *unitInfo, call inlineCall) *SourceLocation {
	if call.callLine == 0 {
		return nil
	}
	lr, err := img.data.LineReader(u.cu)
	if err != nil || lr == nil {
		return &SourceLocation{Line: call.callLine, Column: call.callCol, Inlined: true}
	}
	var entry dwarf.LineEntry
	for lr.Next(&entry) == nil {
	}
	files := lr.Files()
	path := ""
	if call.callFile >= 0 && int(call.callFile) < len(files) && files[call.callFile] != nil {
		path = canonicalUnitPath(files[call.callFile].Name)
	}
	return &SourceLocation{
		Path:    path,
		Line:    call.callLine,
		Column:  call.callCol,
		Inlined: true,
	}
}

func decodeHighPC(entry *dwarf.Entry, low uint64) uint64 {
	switch hv := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		if hv < low {
			return low + hv
		}
		return hv
	case int64:
		return low + uint64(hv)
	default:
		return low
	}
}

// lineForPC finds the line-table row covering pc: the row with the
// greatest address not exceeding pc within the same sequence.
func (img *Image) lineForPC(u *unitInfo, pc uint64) *SourceLocation {
	lr, err := img.data.LineReader(u.cu)
	if err != nil || lr == nil {
		return nil
	}

	var best dwarf.LineEntry
	found := false
	var entry dwarf.LineEntry
	for {
		if err := lr.Next(&entry); err != nil {
			break
		}
		if entry.EndSequence {
			found = false
			continue
		}
		if entry.Address <= pc && (!found || entry.Address >= best.Address) {
			best = entry
			found = true
		}
	}
	if !found {
		return nil
	}
	filePath := ""
	if best.File != nil {
		filePath = canonicalUnitPath(best.File.Name)
	}
	return &SourceLocation{
		Path:    filePath,
		Line:    uint64(best.Line),
		Column:  uint64(best.Column),
		Address: best.Address,
	}
}

// MatchesPath reports whether loc's file refers to the same source file
// as path, a user- or breakpoint-request-supplied path that may be
// absolute, relative, or (for some toolchains) missing loc's disambiguating
// suffix segment.
func (loc *SourceLocation) MatchesPath(p string) bool {
	if loc == nil {
		return false
	}
	return canonicalUnitPathEq(loc.Path, p)
}

// canonicalUnitPath normalizes a DWARF line-table file path for display
// and comparison: backslashes become slashes and the result is cleaned
// with path.Clean. No toolchain-added suffix segment is stripped.
func canonicalUnitPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean(p)
}

// canonicalUnitPathEq reports whether two DWARF unit paths refer to the
// same source file after normalization, using a suffix match so an
// absolute build-time path and a relative path supplied by the caller
// still agree.
func canonicalUnitPathEq(a, b string) bool {
	a = canonicalUnitPath(a)
	b = canonicalUnitPath(b)
	if a == b {
		return true
	}
	return strings.HasSuffix(a, b) || strings.HasSuffix(b, a)
}
