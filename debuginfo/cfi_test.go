package debuginfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeULEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func encodeSLEB128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// buildDebugFrame constructs a minimal .debug_frame section (32-bit DWARF
// format) with one CIE establishing cfa = r13+0 and one FDE covering
// [0x1000, 0x1020) that moves the CFA to r13+8 and records LR (dwarf
// register 14) saved at cfa-4 (data_align_factor -4, offset factor 1).
func buildDebugFrame(t *testing.T) []byte {
	t.Helper()

	cieBody := []byte{1, 0} // version 1, empty augmentation string
	cieBody = append(cieBody, encodeULEB128(1)...)   // code_align_factor
	cieBody = append(cieBody, encodeSLEB128(-4)...)  // data_align_factor
	cieBody = append(cieBody, 14)                    // return_address_register (version 1: ubyte)
	cieBody = append(cieBody, 0x0c)                  // DW_CFA_def_cfa
	cieBody = append(cieBody, encodeULEB128(13)...)  // register r13 (sp)
	cieBody = append(cieBody, encodeULEB128(0)...)   // offset 0

	cieRecord := append(u32le(uint32(len(cieBody)+4)), u32le(0xffffffff)...)
	cieRecord = append(cieRecord, cieBody...)

	fdeBody := u32le(0x1000) // initial_location
	fdeBody = append(fdeBody, u32le(0x20)...) // address_range
	fdeBody = append(fdeBody, 0x0e)           // DW_CFA_def_cfa_offset
	fdeBody = append(fdeBody, encodeULEB128(8)...)
	fdeBody = append(fdeBody, 0x80|14) // DW_CFA_offset, register 14
	fdeBody = append(fdeBody, encodeULEB128(1)...)

	ciePointer := uint32(0) // CIE record starts at offset 0
	fdeRecord := append(u32le(uint32(len(fdeBody)+4)), u32le(ciePointer)...)
	fdeRecord = append(fdeRecord, fdeBody...)

	return append(cieRecord, fdeRecord...)
}

func TestParseFrameSectionAndEvaluateRow(t *testing.T) {
	data := buildDebugFrame(t)
	fdes, err := parseFrameSection(data, false)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	f := fdes[0]
	assert.EqualValues(t, 0x1000, f.lowPC)
	assert.EqualValues(t, 0x20, f.addressRange)
	assert.True(t, f.covers(0x1005))
	assert.False(t, f.covers(0x1030))

	row, err := evaluateRow(f, 0x1005)
	require.NoError(t, err)
	assert.EqualValues(t, 13, row.cfa.register)
	assert.EqualValues(t, 8, row.cfa.offset)

	rule, ok := row.regs[14]
	require.True(t, ok)
	assert.Equal(t, ruleOffset, rule.kind)
	assert.EqualValues(t, -4, rule.n)
}

func TestFindFDEReturnsNilWhenUncovered(t *testing.T) {
	data := buildDebugFrame(t)
	fdes, err := parseFrameSection(data, false)
	require.NoError(t, err)
	assert.Nil(t, findFDE(fdes, 0x2000))
	assert.NotNil(t, findFDE(fdes, 0x1010))
}

func TestULEBSLEBRoundtrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20} {
		r := &byteReader{b: encodeULEB128(v)}
		got, err := r.uleb()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	for _, v := range []int64{0, 1, -1, 63, -64, 1000, -1000} {
		r := &byteReader{b: encodeSLEB128(v)}
		got, err := r.sleb()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
