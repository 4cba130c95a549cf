package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestGUIDRoundTrip(t *testing.T) {
	cases := []string{
		"51c82175-844e-4750-b0d8-ec255555bc06",
		"55c92734-d682-4d71-983e-d6ec3f16059f",
		"8a885d04-1ceb-11c9-9fe8-08002b104860",
		"00000000-0000-0000-0000-000000000000",
		"ffffffff-ffff-ffff-ffff-ffffffffffff",
	}
	for _, s := range cases {
		g, err := ParseGUID(s)
		if err != nil {
			t.Fatalf("ParseGUID(%q) error = %v", s, err)
		}
		if got := g.String(); got != s {
			t.Fatalf("round trip %q = %q", s, got)
		}

		// Wire bytes survive a parse/write cycle untouched.
		b := NewBuilder()
		b.GUID(g)
		back, err := NewReader(b.Out()).GUID()
		if err != nil {
			t.Fatal(err)
		}
		if back != g {
			t.Fatalf("wire round trip mismatch for %q", s)
		}
	}
}

func TestGUIDWireOrder(t *testing.T) {
	// The KMS interface UUID: Data1/2/3 flip to little-endian on the wire.
	g := MustGUID("51C82175-844E-4750-B0D8-EC255555BC06")
	want := []byte{0x75, 0x21, 0xc8, 0x51, 0x4e, 0x84, 0x50, 0x47, 0xb0, 0xd8, 0xec, 0x25, 0x55, 0x55, 0xbc, 0x06}
	if !bytes.Equal(g[:], want) {
		t.Fatalf("wire order = % x, want % x", g[:], want)
	}
}

func TestRandomGUIDUnique(t *testing.T) {
	if RandomGUID() == RandomGUID() {
		t.Fatal("two random GUIDs collided")
	}
}

func TestIntegers(t *testing.T) {
	b := NewBuilder()
	b.U8(0x01)
	b.U16(0x0203)
	b.U32(0x04050607)
	b.U64(0x08090a0b0c0d0e0f)
	b.U16BE(0x1011)
	b.U32BE(0x12131415)

	r := NewReader(b.Out())
	if v, _ := r.U8(); v != 0x01 {
		t.Fatalf("U8 = %#x", v)
	}
	if v, _ := r.U16(); v != 0x0203 {
		t.Fatalf("U16 = %#x", v)
	}
	if v, _ := r.U32(); v != 0x04050607 {
		t.Fatalf("U32 = %#x", v)
	}
	if v, _ := r.U64(); v != 0x08090a0b0c0d0e0f {
		t.Fatalf("U64 = %#x", v)
	}
	if v, _ := r.U16BE(); v != 0x1011 {
		t.Fatalf("U16BE = %#x", v)
	}
	if v, _ := r.U32BE(); v != 0x12131415 {
		t.Fatalf("U32BE = %#x", v)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining = %d", r.Remaining())
	}

	if _, err := r.U8(); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("read past end = %v, want ErrShortBuffer", err)
	}
}

func TestConsumedTracking(t *testing.T) {
	r := NewReader(make([]byte, 32))
	r.U32()
	r.GUID()
	if got := r.Consumed(); got != 20 {
		t.Fatalf("Consumed = %d, want 20", got)
	}
}

func TestFixedUTF16(t *testing.T) {
	b := NewBuilder()
	if err := b.FixedUTF16("TESTPC", 128); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 128 {
		t.Fatalf("field length = %d", b.Len())
	}

	got, err := NewReader(b.Out()).FixedUTF16(128)
	if err != nil {
		t.Fatal(err)
	}
	if got != "TESTPC" {
		t.Fatalf("decoded %q", got)
	}
}

func TestFixedUTF16RejectsDirtyPadding(t *testing.T) {
	b := NewBuilder()
	if err := b.FixedUTF16("TESTPC", 128); err != nil {
		t.Fatal(err)
	}
	field := b.Out()
	field[100] = 0x41 // non-zero byte after the terminator

	if _, err := NewReader(field).FixedUTF16(128); !errors.Is(err, ErrMalformedField) {
		t.Fatalf("dirty padding error = %v, want ErrMalformedField", err)
	}
}

func TestFixedUTF16TooLong(t *testing.T) {
	b := NewBuilder()
	long := make([]rune, 64)
	for i := range long {
		long[i] = 'A'
	}
	if err := b.FixedUTF16(string(long), 128); !errors.Is(err, ErrMalformedField) {
		t.Fatalf("overlong string error = %v, want ErrMalformedField", err)
	}
}

func TestFixedASCII(t *testing.T) {
	raw := append([]byte("135"), 0)
	got, err := NewReader(raw).FixedASCII(4)
	if err != nil {
		t.Fatal(err)
	}
	if got != "135" {
		t.Fatalf("decoded %q", got)
	}

	raw[3] = 'x' // no terminator at all is fine: field runs to the width
	got, err = NewReader(raw).FixedASCII(4)
	if err != nil || got != "135x" {
		t.Fatalf("decoded %q, err %v", got, err)
	}

	dirty := []byte{'a', 0, 'b', 0}
	if _, err := NewReader(dirty).FixedASCII(4); !errors.Is(err, ErrMalformedField) {
		t.Fatalf("dirty padding error = %v, want ErrMalformedField", err)
	}
}

func TestFiletime(t *testing.T) {
	ref := time.Date(2019, 4, 16, 12, 30, 45, 0, time.UTC)
	ft := TimeToFiletime(ref)
	if got := FiletimeToTime(ft); !got.Equal(ref) {
		t.Fatalf("round trip %v != %v", got, ref)
	}

	// The scenario constant from the V6 exchange fixtures.
	if got := FiletimeToTime(132000000000000000).Year(); got != 2019 {
		t.Fatalf("filetime 132000000000000000 decodes to year %d", got)
	}
}

func TestUTF16Helpers(t *testing.T) {
	enc := EncodeUTF16LE("KMS")
	if len(enc) != 6 {
		t.Fatalf("encoded length = %d", len(enc))
	}
	if got := DecodeUTF16LE(append(enc, 0, 0)); got != "KMS" {
		t.Fatalf("decoded %q", got)
	}
}
