package qcow2

import "context"

// walk implements spec.md §4.5: translate a decomposed virtual address
// to a physical byte offset, materializing missing L1/L2 entries and
// data clusters when allocate is true. Returns (offset, true, nil) on
// a mapped address, (0, false, nil) for an unmapped address in
// non-allocating mode, and an error otherwise.
//
// Callers in allocating mode must hold e.allocMu across the whole call
// (spec.md §9): refcount updates and the parent-entry writes must be
// serialized against any other allocating walk on the same engine. The
// data write that follows is guarded by the cache's interval lock.
func (e *Engine) walk(ctx context.Context, va virtualAddress, allocate bool) (uint64, bool, error) {
	l1EntryOffset := e.header.L1TableOffset + va.l1Index*offsetWordSize
	l1Entry, err := e.readWord(ctx, l1EntryOffset)
	if err != nil {
		return 0, false, err
	}

	if l1Entry.isZero() {
		if !allocate {
			return 0, false, nil
		}
		l2Offset, err := e.extend(ctx)
		if err != nil {
			return 0, false, err
		}
		if err := e.writeCluster(ctx, l2Offset, e.zeroCluster()); err != nil {
			return 0, false, err
		}
		l2Cluster, _ := toCluster(l2Offset, e.clusterBits)
		if err := e.incrRefcount(ctx, l2Cluster); err != nil {
			return 0, false, err
		}
		if err := e.writeWord(ctx, l1EntryOffset, newOffset(l2Offset)); err != nil {
			return 0, false, err
		}
		l1Entry = newOffset(l2Offset)
	}

	if l1Entry.isCompressed() {
		return 0, false, ErrCompressed
	}

	l2TableOffset := l1Entry.toBytes()
	l2EntryOffset := l2TableOffset + va.l2Index*offsetWordSize
	l2Entry, err := e.readWord(ctx, l2EntryOffset)
	if err != nil {
		return 0, false, err
	}

	if l2Entry.isZero() {
		if !allocate {
			return 0, false, nil
		}
		dataOffset, err := e.extend(ctx)
		if err != nil {
			return 0, false, err
		}
		dataCluster, _ := toCluster(dataOffset, e.clusterBits)
		if err := e.incrRefcount(ctx, dataCluster); err != nil {
			return 0, false, err
		}
		if err := e.writeWord(ctx, l2EntryOffset, newOffset(dataOffset)); err != nil {
			return 0, false, err
		}
		l2Entry = newOffset(dataOffset)
	}

	if l2Entry.isCompressed() {
		return 0, false, ErrCompressed
	}

	return l2Entry.toBytes() + va.withinBytes, true, nil
}
