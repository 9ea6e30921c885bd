package qcow2

import (
	"encoding/binary"
	"testing"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	h := &Header{
		Version:               2,
		ClusterBits:           16,
		Size:                  1 << 30,
		CryptMethod:           CryptNone,
		L1Size:                2,
		L1TableOffset:         2 * 65536,
		RefcountTableOffset:   65536,
		RefcountTableClusters: 1,
	}
	buf := encodeHeader(h)
	if uint64(len(buf)) != h.clusterSize() {
		t.Fatalf("encodeHeader produced %d bytes, want a full cluster (%d)", len(buf), h.clusterSize())
	}

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("decodeHeader round trip = %+v, want %+v", *got, *h)
	}
}

func TestDecodeHeaderBadMagic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, headerSize)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatal("decodeHeader with a zeroed buffer (wrong magic) should fail")
	}
}

func TestDecodeHeaderRejectsVersion3(t *testing.T) {
	t.Parallel()

	h := &Header{Version: 3, ClusterBits: 16, RefcountTableClusters: 1}
	buf := encodeHeader(h)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatal("decodeHeader should reject version 3")
	}
}

func TestDecodeHeaderRejectsEncryption(t *testing.T) {
	t.Parallel()

	h := &Header{Version: 2, ClusterBits: 16, CryptMethod: CryptMethod(1), RefcountTableClusters: 1}
	buf := encodeHeader(h)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatal("decodeHeader should reject a non-zero crypt_method")
	}
}

func TestDecodeHeaderRejectsRefcountTableGrowth(t *testing.T) {
	t.Parallel()

	h := &Header{Version: 2, ClusterBits: 16, RefcountTableClusters: 2}
	buf := encodeHeader(h)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatal("decodeHeader should reject refcount_table_clusters != 1")
	}
}

func TestDecodeHeaderRejectsOutOfRangeClusterBits(t *testing.T) {
	t.Parallel()

	// encodeHeader sizes its buffer from cluster_bits, so a valid header
	// is encoded and the out-of-range value patched into its field.
	h := &Header{Version: 2, ClusterBits: 16, RefcountTableClusters: 1}
	buf := encodeHeader(h)
	binary.BigEndian.PutUint32(buf[20:24], 5)
	if _, err := decodeHeader(buf); err == nil {
		t.Fatal("decodeHeader should reject cluster_bits below 9")
	}
}

func TestHeaderClusterArithmetic(t *testing.T) {
	t.Parallel()

	h := &Header{ClusterBits: 16}
	if got, want := h.clusterSize(), uint64(65536); got != want {
		t.Errorf("clusterSize() = %d, want %d", got, want)
	}
	if got, want := h.l2Entries(), uint64(8192); got != want {
		t.Errorf("l2Entries() = %d, want %d", got, want)
	}
	if got, want := h.refcountsPerCluster(), uint64(32768); got != want {
		t.Errorf("refcountsPerCluster() = %d, want %d", got, want)
	}
}
