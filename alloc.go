package qcow2

import "context"

// extend hands out the next free cluster and grows the backing device
// to cover it (spec.md §4.4). Callers must already hold e.allocMu: this
// method only mutates e.nextCluster, it does not serialize against
// concurrent callers itself (see spec.md §9, "Allocator-translator
// race").
func (e *Engine) extend(ctx context.Context) (clusterOffset uint64, err error) {
	cluster := e.nextCluster
	e.nextCluster++

	newSizeBytes := (e.nextCluster) * e.clusterSize
	if newSizeBytes%e.clusterSize != 0 {
		return 0, unknownf("alloc: resize target %d is not cluster-aligned", newSizeBytes)
	}
	sectorSize := e.sectorSize
	if newSizeBytes%sectorSize != 0 {
		return 0, unknownf("alloc: resize target %d is not sector-aligned", newSizeBytes)
	}
	if err := e.dev.Resize(ctx, int64(newSizeBytes/sectorSize)); err != nil {
		e.nextCluster--
		return 0, backingErr("extend: resize", err)
	}
	return cluster * e.clusterSize, nil
}
