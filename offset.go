package qcow2

import "encoding/binary"

// offsetWordSize is the on-disk width of every pointer word this format
// uses: L1 entries, L2 entries, and refcount-table entries.
const offsetWordSize = 8

// compressedFlag is the high bit of an 8-byte big-endian offset word.
// The remaining 63 bits hold a byte offset; zero means unallocated.
const compressedFlag = uint64(1) << 63

// offsetMaskBits clears the compressed flag, leaving the byte offset.
const offsetMaskBits = compressedFlag - 1

// offsetWord is a decoded 8-byte on-disk pointer: a byte offset plus the
// reserved compressed flag (spec.md §4.1).
type offsetWord struct {
	raw uint64
}

// decodeOffset reads 8 big-endian bytes from buf and returns the
// decoded word plus the remaining, unconsumed bytes of buf.
func decodeOffset(buf []byte) (offsetWord, []byte, error) {
	if len(buf) < offsetWordSize {
		return offsetWord{}, nil, unknownf("offset: buffer too short (%d bytes)", len(buf))
	}
	return offsetWord{raw: binary.BigEndian.Uint64(buf)}, buf[offsetWordSize:], nil
}

// encodeOffset writes the word's 8 big-endian bytes into buf, which
// must be at least 8 bytes long.
func encodeOffset(w offsetWord, buf []byte) error {
	if len(buf) < offsetWordSize {
		return unknownf("offset: buffer too short (%d bytes)", len(buf))
	}
	binary.BigEndian.PutUint64(buf, w.raw)
	return nil
}

// newOffset builds an offsetWord from a plain byte offset. The
// compressed flag is never set by this core (it never writes
// compressed clusters), matching spec.md §4.1 ("never set by this
// core").
func newOffset(byteOffset uint64) offsetWord {
	return offsetWord{raw: byteOffset &^ compressedFlag}
}

// isZero reports whether the word represents "unallocated".
func (w offsetWord) isZero() bool { return w.raw == 0 }

// isCompressed reports whether the high bit (the compressed flag) is
// set.
func (w offsetWord) isCompressed() bool { return w.raw&compressedFlag != 0 }

// toBytes returns the low 63 bits: the plain byte offset, with the
// compressed flag masked off.
func (w offsetWord) toBytes() uint64 { return w.raw & offsetMaskBits }

// shift returns a new word whose byte offset is delta bytes further
// along, preserving the compressed flag.
func (w offsetWord) shift(delta uint64) offsetWord {
	return offsetWord{raw: (w.raw &^ offsetMaskBits) | ((w.toBytes() + delta) & offsetMaskBits)}
}

// toSector splits a byte offset into a (sector, within-sector) pair for
// a device whose sectors are sectorSize bytes.
func toSector(byteOffset uint64, sectorSize uint64) (sector uint64, within uint64) {
	return byteOffset / sectorSize, byteOffset % sectorSize
}

// toCluster splits a byte offset into a (cluster, within-cluster) pair
// given cluster_bits.
func toCluster(byteOffset uint64, clusterBits uint32) (cluster uint64, within uint64) {
	return byteOffset >> clusterBits, byteOffset & ((uint64(1) << clusterBits) - 1)
}

// virtualAddress is the decomposition of a guest byte address described
// in spec.md §3: l1_index, l2_index, and the within-cluster offset that
// the translator leaves untouched and the caller adds back to whatever
// physical cluster offset the walk returns.
type virtualAddress struct {
	l1Index     uint64
	l2Index     uint64
	withinBytes uint64
}

// decomposeVirtualAddress implements spec.md §3's bit layout:
//
//	within_cluster = b mod 2^k
//	l2_index       = (b >> k) mod 2^(k-3)
//	l1_index       = b >> (2k-3)
func decomposeVirtualAddress(b uint64, clusterBits uint32) virtualAddress {
	k := clusterBits
	withinMask := (uint64(1) << k) - 1
	l2Bits := k - 3
	l2Mask := (uint64(1) << l2Bits) - 1
	return virtualAddress{
		l1Index:     b >> (2*k - 3),
		l2Index:     (b >> k) & l2Mask,
		withinBytes: b & withinMask,
	}
}
