package bitfield

import "testing"

func TestExtractInsert(t *testing.T) {
	v := uint32(0xABCD1234)
	f := Extract(v, 8, 15)
	if f != 0x12 {
		t.Fatalf("Extract: got 0x%x, want 0x12", f)
	}
	v2 := Insert(v, 8, 15, 0xFF)
	if Extract(v2, 8, 15) != 0xFF {
		t.Fatalf("Insert did not round-trip")
	}
	// Other bits untouched.
	if v2&^(0xFF<<8) != v&^(0xFF<<8) {
		t.Fatalf("Insert clobbered unrelated bits")
	}
}

func TestBit(t *testing.T) {
	v := uint32(0)
	v = SetBit(v, 3, true)
	if !Bit(v, 3) {
		t.Fatalf("expected bit 3 set")
	}
	v = SetBit(v, 3, false)
	if Bit(v, 3) {
		t.Fatalf("expected bit 3 clear")
	}
}

func TestAlign(t *testing.T) {
	if Align32(1, 1024) != 1024 {
		t.Fatalf("Align32 wrong")
	}
	if Align32(1024, 1024) != 1024 {
		t.Fatalf("Align32 wrong for exact multiple")
	}
	if Align64(1025, 1024) != 2048 {
		t.Fatalf("Align64 wrong")
	}
}
