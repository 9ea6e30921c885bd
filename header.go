package qcow2

import "encoding/binary"

// magic is the fixed 4-byte QCOW2 signature "QFI\xfb".
const magic = 0x514649fb

// headerSize is the fixed, bit-exact size of the version-2 header this
// core reads and writes (spec.md §3/§4.2). The header always occupies
// one full cluster on disk; the bytes after headerSize within that
// cluster are zero.
const headerSize = 72

// CryptMethod enumerates the header's crypt_method field. Only "none"
// is supported; any other value is a decode error (spec.md §3).
type CryptMethod uint32

const (
	CryptNone CryptMethod = 0
)

// Header is the fixed QCOW2 v2 header (spec.md §3). BackingFile*,
// NBSnapshots, and SnapshotsOffset are carried for on-disk layout
// compatibility and preserved verbatim; this core never populates or
// interprets them (backing files and snapshots are named, unimplemented
// external collaborators).
type Header struct {
	Version     uint32
	ClusterBits uint32
	Size        uint64
	CryptMethod CryptMethod

	L1Size        uint32
	L1TableOffset uint64

	RefcountTableOffset   uint64
	RefcountTableClusters uint32

	BackingFileOffset uint64
	BackingFileSize   uint32
	NBSnapshots       uint32
	SnapshotsOffset   uint64
}

// clusterSize is 2^ClusterBits.
func (h *Header) clusterSize() uint64 { return uint64(1) << h.ClusterBits }

// l2Entries is the number of 8-byte offsets that fit in one cluster,
// i.e. the number of entries per L2 table.
func (h *Header) l2Entries() uint64 { return h.clusterSize() / offsetWordSize }

// refcountsPerCluster is the number of 16-bit refcount entries that fit
// in one cluster.
func (h *Header) refcountsPerCluster() uint64 { return h.clusterSize() / 2 }

// decodeHeader parses a headerSize-byte buffer into a Header,
// validating every field spec.md §3 constrains. Unknown or
// out-of-range fields are a fatal decode error, never a best-effort
// guess.
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < headerSize {
		return nil, unknownf("header: buffer too short (%d bytes, want %d)", len(buf), headerSize)
	}
	if got := binary.BigEndian.Uint32(buf[0:4]); got != magic {
		return nil, unknownf("header: bad magic %#08x", got)
	}
	h := &Header{
		Version:               binary.BigEndian.Uint32(buf[4:8]),
		BackingFileOffset:     binary.BigEndian.Uint64(buf[8:16]),
		BackingFileSize:       binary.BigEndian.Uint32(buf[16:20]),
		ClusterBits:           binary.BigEndian.Uint32(buf[20:24]),
		Size:                  binary.BigEndian.Uint64(buf[24:32]),
		CryptMethod:           CryptMethod(binary.BigEndian.Uint32(buf[32:36])),
		L1Size:                binary.BigEndian.Uint32(buf[36:40]),
		L1TableOffset:         binary.BigEndian.Uint64(buf[40:48]),
		RefcountTableOffset:   binary.BigEndian.Uint64(buf[48:56]),
		RefcountTableClusters: binary.BigEndian.Uint32(buf[56:60]),
		NBSnapshots:           binary.BigEndian.Uint32(buf[60:64]),
		SnapshotsOffset:       binary.BigEndian.Uint64(buf[64:72]),
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// validate enforces the field ranges spec.md §3 names.
func (h *Header) validate() error {
	if h.Version != 2 {
		return unknownf("header: unsupported version %d (only version 2)", h.Version)
	}
	if h.ClusterBits < 9 || h.ClusterBits > 63 {
		return unknownf("header: cluster_bits %d out of range [9,63]", h.ClusterBits)
	}
	if h.CryptMethod != CryptNone {
		return unknownf("header: crypt_method %d not supported (encryption is out of scope)", h.CryptMethod)
	}
	if h.RefcountTableClusters == 0 {
		return unknownf("header: refcount_table_clusters must be >= 1")
	}
	if h.RefcountTableClusters != 1 {
		return unknownf("header: refcount_table_clusters %d unsupported (only a single cluster is modeled)", h.RefcountTableClusters)
	}
	return nil
}

// encodeHeader serializes h into a full-cluster buffer: headerSize
// bytes of fields followed by zero padding to clusterSize bytes.
func encodeHeader(h *Header) []byte {
	buf := make([]byte, h.clusterSize())
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], h.BackingFileOffset)
	binary.BigEndian.PutUint32(buf[16:20], h.BackingFileSize)
	binary.BigEndian.PutUint32(buf[20:24], h.ClusterBits)
	binary.BigEndian.PutUint64(buf[24:32], h.Size)
	binary.BigEndian.PutUint32(buf[32:36], uint32(h.CryptMethod))
	binary.BigEndian.PutUint32(buf[36:40], h.L1Size)
	binary.BigEndian.PutUint64(buf[40:48], h.L1TableOffset)
	binary.BigEndian.PutUint64(buf[48:56], h.RefcountTableOffset)
	binary.BigEndian.PutUint32(buf[56:60], h.RefcountTableClusters)
	binary.BigEndian.PutUint32(buf[60:64], h.NBSnapshots)
	binary.BigEndian.PutUint64(buf[64:72], h.SnapshotsOffset)
	return buf
}
