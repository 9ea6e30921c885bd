package qcow2

import "testing"

func TestOffsetWordRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, offsetWordSize)
	if err := encodeOffset(newOffset(0x1234560000), buf); err != nil {
		t.Fatalf("encodeOffset: %v", err)
	}
	w, rest, err := decodeOffset(buf)
	if err != nil {
		t.Fatalf("decodeOffset: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %d bytes, want 0", len(rest))
	}
	if w.toBytes() != 0x1234560000 {
		t.Errorf("toBytes = %#x, want %#x", w.toBytes(), 0x1234560000)
	}
	if w.isZero() {
		t.Error("isZero() = true for a populated word")
	}
	if w.isCompressed() {
		t.Error("isCompressed() = true for a word newOffset never sets the flag on")
	}
}

func TestOffsetWordZero(t *testing.T) {
	t.Parallel()

	var w offsetWord
	if !w.isZero() {
		t.Error("zero-value offsetWord should report isZero")
	}
}

func TestOffsetWordCompressedFlag(t *testing.T) {
	t.Parallel()

	w := offsetWord{raw: compressedFlag | 0x4000}
	if !w.isCompressed() {
		t.Error("isCompressed() = false, want true")
	}
	if w.toBytes() != 0x4000 {
		t.Errorf("toBytes with compressed flag set = %#x, want %#x", w.toBytes(), 0x4000)
	}
}

func TestOffsetWordShiftPreservesCompressedFlag(t *testing.T) {
	t.Parallel()

	w := offsetWord{raw: compressedFlag | 0x1000}
	shifted := w.shift(0x100)
	if !shifted.isCompressed() {
		t.Error("shift dropped the compressed flag")
	}
	if shifted.toBytes() != 0x1100 {
		t.Errorf("shifted.toBytes() = %#x, want %#x", shifted.toBytes(), 0x1100)
	}
}

func TestDecodeOffsetShortBuffer(t *testing.T) {
	t.Parallel()

	if _, _, err := decodeOffset(make([]byte, 4)); err == nil {
		t.Fatal("decodeOffset on a 4-byte buffer should fail")
	}
}

func TestToSector(t *testing.T) {
	t.Parallel()

	sector, within := toSector(513, 512)
	if sector != 1 || within != 1 {
		t.Errorf("toSector(513, 512) = (%d, %d), want (1, 1)", sector, within)
	}
}

func TestDecomposeVirtualAddress(t *testing.T) {
	t.Parallel()

	const clusterBits = 16 // 64 KiB clusters, 8192 L2 entries per cluster
	const clusterSize = uint64(1) << clusterBits
	const l2Entries = clusterSize / offsetWordSize

	tests := []struct {
		name    string
		b       uint64
		wantL1  uint64
		wantL2  uint64
		wantOff uint64
	}{
		{"zero", 0, 0, 0, 0},
		{"within first cluster", 100, 0, 0, 100},
		{"second cluster", clusterSize + 42, 0, 1, 42},
		{"second L2 table", clusterSize * l2Entries, 1, 0, 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			va := decomposeVirtualAddress(tc.b, clusterBits)
			if va.l1Index != tc.wantL1 || va.l2Index != tc.wantL2 || va.withinBytes != tc.wantOff {
				t.Errorf("decomposeVirtualAddress(%d) = %+v, want {%d %d %d}",
					tc.b, va, tc.wantL1, tc.wantL2, tc.wantOff)
			}
		})
	}
}
