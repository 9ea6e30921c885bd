package qcow2

import (
	"context"

	"github.com/blockdisk/qcow2core/blockdev"
)

// createClusterBits is the fixed cluster_bits spec.md §4.8 mandates for
// create: "fix cluster_bits = 16".
const createClusterBits = 16

// Create implements spec.md §4.8's create(base, size_bytes): format a
// fresh qcow2 image of sizeBytes on dev and return an Engine attached
// to it. The layout is fixed: header at cluster 0, refcount table at
// cluster 1, L1 table starting at cluster 2.
func Create(ctx context.Context, dev blockdev.Device, sizeBytes uint64, opts ...Option) (*Engine, error) {
	info, err := dev.GetInfo(ctx)
	if err != nil {
		return nil, backingErr("create: get_info", err)
	}
	if info.SectorSizeBytes != guestSectorSize {
		return nil, unknownf("create: backing device sector size %d unsupported (only 512 is implemented)", info.SectorSizeBytes)
	}

	clusterSize := uint64(1) << createClusterBits
	l2Entries := clusterSize / offsetWordSize
	bytesPerL2 := clusterSize * l2Entries // 2^(2*cluster_bits-3)

	l1Size := (sizeBytes + bytesPerL2 - 1) / bytesPerL2
	if l1Size == 0 {
		l1Size = 1
	}
	l1TableClusters := (l1Size*offsetWordSize + clusterSize - 1) / clusterSize

	refcountTableOffset := clusterSize
	l1TableOffset := 2 * clusterSize
	firstFreeCluster := 2 + l1TableClusters // header(0) + refcount table(1) + L1 table

	header := &Header{
		Version:               2,
		ClusterBits:           createClusterBits,
		Size:                  sizeBytes,
		CryptMethod:           CryptNone,
		L1Size:                uint32(l1Size),
		L1TableOffset:         l1TableOffset,
		RefcountTableOffset:   refcountTableOffset,
		RefcountTableClusters: 1,
	}

	initialSectors := int64(firstFreeCluster * clusterSize / uint64(info.SectorSizeBytes))
	if err := dev.Resize(ctx, initialSectors); err != nil {
		return nil, backingErr("create: initial resize", err)
	}

	e, err := newEngine(dev, header, blockdev.Info{
		SectorSizeBytes: info.SectorSizeBytes,
		SizeSectors:     initialSectors,
		ReadWrite:       true,
	}, applyOptions(opts))
	if err != nil {
		return nil, err
	}

	if err := e.writeCluster(ctx, refcountTableOffset, e.zeroCluster()); err != nil {
		return nil, err
	}
	for i := uint64(0); i < l1TableClusters; i++ {
		if err := e.writeCluster(ctx, l1TableOffset+i*clusterSize, e.zeroCluster()); err != nil {
			return nil, err
		}
	}

	// Account for every cluster laid out above: the header, the
	// refcount table, and each L1 table cluster (spec.md §4.8). The
	// first of these calls allocates the refcount block itself, via
	// the same extend path a data write would use.
	for clusterIndex := uint64(0); clusterIndex < firstFreeCluster; clusterIndex++ {
		if err := e.incrRefcount(ctx, clusterIndex); err != nil {
			return nil, err
		}
	}

	if err := e.writeHeader(ctx); err != nil {
		return nil, err
	}

	return e, nil
}
