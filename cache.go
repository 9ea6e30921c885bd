package qcow2

import (
	"context"
	"sync"

	"github.com/blockdisk/qcow2core/blockdev"
)

// defaultCacheMaxSizeBytes is the default size bound for the range-lock
// cache before a write triggers a lazy flush (spec.md §4.7: "default
// 100 MiB").
const defaultCacheMaxSizeBytes = 100 * 1024 * 1024

// rangeCache is the write-back sector cache of spec.md §4.7: a
// sector-keyed map guarded by exclusive interval locks, with a
// size-bounded lazy flush. It sits between the translator/façade and
// the backing device.
type rangeCache struct {
	dev             Backing
	sectorSizeBytes uint64
	maxSizeBytes    uint64

	locks *rangeLocks

	dataMu           sync.Mutex
	entries          map[int64][]byte
	inCache          rangeSet
	currentSizeBytes uint64

	writeBackMu sync.Mutex

	disconnectMu sync.Mutex
	disconnected bool
}

// Backing is the subset of blockdev.Device the cache needs. Declaring
// it locally (rather than importing blockdev into every signature)
// keeps this file's dependency on the collaborator narrow and
// explicit — the cache only ever issues sector I/O, never resizes or
// inspects the device.
type Backing interface {
	ReadAt(ctx context.Context, sector int64, buf []byte) error
	WriteAt(ctx context.Context, sector int64, buf []byte) error
	Flush(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

func newRangeCache(dev Backing, sectorSizeBytes uint64, maxSizeBytes uint64) *rangeCache {
	if maxSizeBytes == 0 {
		maxSizeBytes = defaultCacheMaxSizeBytes
	}
	return &rangeCache{
		dev:             dev,
		sectorSizeBytes: sectorSizeBytes,
		maxSizeBytes:    maxSizeBytes,
		locks:           newRangeLocks(),
		entries:         make(map[int64][]byte),
	}
}

// checkDisconnected reports ErrDisconnected if disconnect has begun.
func (c *rangeCache) checkDisconnected() error {
	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()
	if c.disconnected {
		return ErrDisconnected
	}
	return nil
}

// readSectors implements spec.md §4.7's read: bufs holds one
// sectorSizeBytes-sized slice per sector starting at startSector.
func (c *rangeCache) readSectors(ctx context.Context, startSector int64, bufs [][]byte) error {
	if err := c.checkDisconnected(); err != nil {
		return err
	}
	iv := interval{start: startSector, end: startSector + int64(len(bufs)) - 1}

	return c.locks.withLock(ctx, iv, func() error {
		c.dataMu.Lock()
		anyCached := c.inCache.intersects(iv.start, iv.end)
		c.dataMu.Unlock()

		if !anyCached {
			flat := flatten(bufs, c.sectorSizeBytes)
			if err := c.dev.ReadAt(ctx, startSector, flat); err != nil {
				return err
			}
			for i, buf := range bufs {
				copy(buf, flat[uint64(i)*c.sectorSizeBytes:uint64(i+1)*c.sectorSizeBytes])
			}
			return nil
		}

		for i, buf := range bufs {
			sector := startSector + int64(i)
			c.dataMu.Lock()
			cached, ok := c.entries[sector]
			c.dataMu.Unlock()
			if ok {
				copy(buf, cached)
				continue
			}
			if err := c.dev.ReadAt(ctx, sector, buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeSectors implements spec.md §4.7's write: bufs holds one
// sectorSizeBytes-sized slice per sector starting at startSector.
// Writes land in the cache only; they reach the backing device at the
// next lazy_write_back or flush.
func (c *rangeCache) writeSectors(ctx context.Context, startSector int64, bufs [][]byte) error {
	addedBytes := uint64(len(bufs)) * c.sectorSizeBytes

	c.dataMu.Lock()
	wouldExceed := c.currentSizeBytes+addedBytes > c.maxSizeBytes
	c.dataMu.Unlock()
	if wouldExceed {
		if err := c.lazyWriteBack(ctx); err != nil {
			return err
		}
	}

	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()
	if c.disconnected {
		return ErrDisconnected
	}

	iv := interval{start: startSector, end: startSector + int64(len(bufs)) - 1}
	return c.locks.withLock(ctx, iv, func() error {
		c.dataMu.Lock()
		defer c.dataMu.Unlock()
		for i, buf := range bufs {
			sector := startSector + int64(i)
			stored := make([]byte, len(buf))
			copy(stored, buf)
			if _, existed := c.entries[sector]; !existed {
				c.currentSizeBytes += c.sectorSizeBytes
			}
			c.entries[sector] = stored
		}
		c.inCache.add(iv.start, iv.end)
		return nil
	})
}

// lazyWriteBack implements spec.md §4.7: drain every pending interval
// to the backing device as one coalesced write per interval, in
// ascending sector order within each interval. Serialized by
// writeBackMu so at most one flush traversal runs at a time.
func (c *rangeCache) lazyWriteBack(ctx context.Context) error {
	c.writeBackMu.Lock()
	defer c.writeBackMu.Unlock()

	for {
		c.dataMu.Lock()
		if c.inCache.empty() {
			c.dataMu.Unlock()
			return nil
		}
		ivs := c.inCache.sortedIntervals()
		iv := ivs[0]
		c.dataMu.Unlock()

		if err := c.writeBackInterval(ctx, iv); err != nil {
			return err
		}
	}
}

// writeBackInterval flushes exactly one interval, re-acquiring its
// range lock so a concurrent write into the same range can't race the
// flush.
func (c *rangeCache) writeBackInterval(ctx context.Context, iv interval) error {
	return c.locks.withLock(ctx, iv, func() error {
		c.dataMu.Lock()
		pending := false
		for _, cur := range c.inCache.sortedIntervals() {
			if cur == iv {
				pending = true
				break
			}
		}
		if !pending {
			// A concurrent write merged iv into a larger pending
			// interval after lazyWriteBack picked it; the caller's
			// loop picks up the merged interval on its next pass.
			c.dataMu.Unlock()
			return nil
		}
		n := iv.length()
		buf := blockdev.PageAlignedBuffer(int(uint64(n) * c.sectorSizeBytes))
		for i := int64(0); i < n; i++ {
			sector := iv.start + i
			data, ok := c.entries[sector]
			if !ok {
				// Not reached: every sector of a pending interval has
				// a cache entry.
				continue
			}
			copy(buf[uint64(i)*c.sectorSizeBytes:], data)
			delete(c.entries, sector)
		}
		c.inCache.remove(iv.start, iv.end)
		c.currentSizeBytes -= uint64(n) * c.sectorSizeBytes
		c.dataMu.Unlock()

		return c.dev.WriteAt(ctx, iv.start, buf)
	})
}

// flush drains the cache and forwards flush to the backing device.
func (c *rangeCache) flush(ctx context.Context) error {
	if err := c.lazyWriteBack(ctx); err != nil {
		return err
	}
	return c.dev.Flush(ctx)
}

// disconnect implements spec.md §4.7's disconnect: set the disconnect
// flag, flush, then disconnect the backing device. Calls made after
// the flag is set observe ErrDisconnected.
func (c *rangeCache) disconnect(ctx context.Context) error {
	c.disconnectMu.Lock()
	if c.disconnected {
		c.disconnectMu.Unlock()
		return nil
	}
	c.disconnected = true
	c.disconnectMu.Unlock()

	if err := c.flush(ctx); err != nil {
		return err
	}
	return c.dev.Disconnect(ctx)
}

// flatten concatenates bufs (each sectorSizeBytes long) into a single,
// page-aligned contiguous buffer for a coalesced backing-device I/O.
func flatten(bufs [][]byte, sectorSizeBytes uint64) []byte {
	out := blockdev.PageAlignedBuffer(int(uint64(len(bufs)) * sectorSizeBytes))
	for i, b := range bufs {
		copy(out[uint64(i)*sectorSizeBytes:], b)
	}
	return out
}
