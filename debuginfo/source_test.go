package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildInlineFixture assembles a minimal single-CU DWARF image: a
// subprogram "outer" containing one inlined_subroutine "inner", covering
// the given PC ranges, with the inlined call site at
// (callFile, callLine, callColumn).
func buildInlineFixture(t *testing.T, outerLow, outerHigh, innerLow, innerHigh uint32, callFile, callLine, callColumn uint8) *Image {
	t.Helper()

	var abbrev bytes.Buffer
	// 1: compile_unit, children, low_pc(addr) high_pc(data4)
	abbrev.Write([]byte{0x01, 0x11, 0x01, 0x11, 0x01, 0x12, 0x06, 0x00, 0x00})
	// 2: subprogram, children, name(string) low_pc(addr) high_pc(data4)
	abbrev.Write([]byte{0x02, 0x2e, 0x01, 0x03, 0x08, 0x11, 0x01, 0x12, 0x06, 0x00, 0x00})
	// 3: inlined_subroutine, no children, name(string) low_pc(addr)
	// high_pc(data4) call_file/call_line/call_column(data1)
	abbrev.Write([]byte{0x03, 0x1d, 0x00, 0x03, 0x08, 0x11, 0x01, 0x12, 0x06, 0x58, 0x0b, 0x59, 0x0b, 0x57, 0x0b, 0x00, 0x00})
	abbrev.WriteByte(0x00) // table terminator

	var dies bytes.Buffer
	dies.WriteByte(0x01) // compile_unit
	binary.Write(&dies, binary.LittleEndian, uint32(0))
	binary.Write(&dies, binary.LittleEndian, uint32(0x100000))

	dies.WriteByte(0x02) // subprogram "outer"
	dies.WriteString("outer")
	dies.WriteByte(0)
	binary.Write(&dies, binary.LittleEndian, outerLow)
	binary.Write(&dies, binary.LittleEndian, outerHigh-outerLow)

	dies.WriteByte(0x03) // inlined_subroutine "inner"
	dies.WriteString("inner")
	dies.WriteByte(0)
	binary.Write(&dies, binary.LittleEndian, innerLow)
	binary.Write(&dies, binary.LittleEndian, innerHigh-innerLow)
	dies.WriteByte(callFile)
	dies.WriteByte(callLine)
	dies.WriteByte(callColumn)

	dies.WriteByte(0x00) // end of subprogram's children
	dies.WriteByte(0x00) // end of compile_unit's children

	header := new(bytes.Buffer)
	binary.Write(header, binary.LittleEndian, uint16(4)) // DWARF version 4
	binary.Write(header, binary.LittleEndian, uint32(0)) // abbrev table offset
	header.WriteByte(4)                                  // address_size
	header.Write(dies.Bytes())

	var info bytes.Buffer
	binary.Write(&info, binary.LittleEndian, uint32(header.Len()))
	info.Write(header.Bytes())

	d, err := dwarf.New(abbrev.Bytes(), nil, nil, info.Bytes(), nil, nil, nil, nil)
	require.NoError(t, err)

	img := &Image{data: d}
	require.NoError(t, img.indexUnits())
	return img
}

func TestResolveFrameSourceSynthesizesInlineFrames(t *testing.T) {
	img := buildInlineFixture(t, 0x100, 0x200, 0x140, 0x180, 1, 42, 3)

	frame := &StackFrame{PC: 0x160, SP: 0x20000000}
	extra := resolveFrameSource(img, frame)

	assert.Equal(t, "inner", frame.Function)
	assert.True(t, frame.IsInlined)

	require.Len(t, extra, 1)
	assert.Equal(t, "outer", extra[0].Function)
	assert.False(t, extra[0].IsInlined)
	assert.Equal(t, frame.PC, extra[0].PC)
	assert.Equal(t, frame.SP, extra[0].SP)
	require.NotNil(t, extra[0].Source)
	assert.EqualValues(t, 42, extra[0].Source.Line)
	assert.EqualValues(t, 3, extra[0].Source.Column)
	assert.True(t, extra[0].Source.Inlined)
}

func TestResolveFrameSourceNoInlining(t *testing.T) {
	img := buildInlineFixture(t, 0x100, 0x200, 0x140, 0x180, 1, 42, 3)

	frame := &StackFrame{PC: 0x1c0, SP: 0x20000000} // inside outer, outside inner
	extra := resolveFrameSource(img, frame)

	assert.Equal(t, "outer", frame.Function)
	assert.False(t, frame.IsInlined)
	assert.Nil(t, extra)
}

func TestFunctionNameAtDistinguishesInlined(t *testing.T) {
	img := buildInlineFixture(t, 0x100, 0x200, 0x140, 0x180, 1, 42, 3)

	assert.Equal(t, "inner", img.FunctionNameAt(0x160, true))
	assert.Equal(t, "outer", img.FunctionNameAt(0x160, false))
}
