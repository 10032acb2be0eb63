package workspace

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/devws/device"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// deviceAllocator owns the workspace blocks of one device, one block per stream.
//
// Blocks live in an arena indexed by stream. The read lock is enough to serve a stream whose block is already
// large enough; creating or growing a block and emptying the cache take the write lock.
type deviceAllocator struct {
	ordinal int
	rt      device.Runtime

	mu     sync.RWMutex
	blocks []block
	index  map[device.Stream]int

	requests, hits, grows, syncs, recoveries, outOfMemory atomic.Int64
	recoveryWaiters                                       atomic.Int64
	cachedBytes                                           atomic.Uint64
}

func newDeviceAllocator(ordinal int, rt device.Runtime) *deviceAllocator {
	return &deviceAllocator{
		ordinal: ordinal,
		rt:      rt,
		index:   make(map[device.Stream]int),
	}
}

// lookup returns the memory of the stream's block if it can hold allocSize bytes.
func (da *deviceAllocator) lookup(stream device.Stream, allocSize uint64) (device.Ptr, bool) {
	da.mu.RLock()
	defer da.mu.RUnlock()
	idx, found := da.index[stream]
	if !found || da.blocks[idx].size < allocSize {
		return device.NullPtr, false
	}
	return da.blocks[idx].data, true
}

// malloc returns workspace memory of at least size bytes for the stream.
//
// If the device fails to allocate, it returns the null pointer and no error: the caller decides how to recover.
// Errors are only returned for failures to synchronize or free memory while growing the block.
func (da *deviceAllocator) malloc(size uint64, stream device.Stream) (device.Ptr, error) {
	da.requests.Add(1)
	allocSize := paddedSize(size)
	if ptr, ok := da.lookup(stream, allocSize); ok {
		da.hits.Add(1)
		return ptr, nil
	}

	da.mu.Lock()
	defer da.mu.Unlock()
	idx, found := da.index[stream]
	if !found {
		da.blocks = append(da.blocks, block{})
		idx = len(da.blocks) - 1
		da.index[stream] = idx
	}
	b := &da.blocks[idx]
	if b.size >= allocSize {
		// Grown by a concurrent request on the same stream.
		da.hits.Add(1)
		return b.data, nil
	}

	if !b.data.IsNull() {
		// Work queued anywhere on the device may still use the block: synchronize the whole device, not only
		// the stream, before releasing it.
		klog.V(1).Infof("workspace: device %d stream %d freeing block of %s to grow it", da.ordinal, stream, device.FormatSize(b.size))
		if err := da.rt.Synchronize(da.ordinal); err != nil {
			return device.NullPtr, errors.WithMessagef(err, "synchronizing device %d before growing workspace block", da.ordinal)
		}
		da.syncs.Add(1)
		if err := da.rt.Free(da.ordinal, b.data); err != nil {
			return device.NullPtr, errors.WithMessagef(err, "freeing workspace block of %s on device %d", device.FormatSize(b.size), da.ordinal)
		}
		da.cachedBytes.Add(-b.size)
		*b = block{}
	}

	newSize := roundedSize(allocSize)
	ptr, err := da.rt.Malloc(da.ordinal, newSize, device.PolicyHugeOnly)
	if err != nil {
		klog.V(1).Infof("workspace: device %d failed to allocate block of %s: %v", da.ordinal, device.FormatSize(newSize), err)
		return device.NullPtr, nil
	}
	*b = block{data: ptr, size: newSize}
	da.grows.Add(1)
	da.cachedBytes.Add(newSize)
	klog.V(2).Infof("workspace: device %d stream %d allocated block of %s", da.ordinal, stream, device.FormatSize(newSize))
	return ptr, nil
}

// emptyCache synchronizes the device, frees every block and forgets all streams.
//
// A synchronization failure is returned if checkErrors is set, otherwise it is logged and the blocks are freed
// anyway. Failures to free blocks are always returned, after the cache has been cleared.
func (da *deviceAllocator) emptyCache(checkErrors bool) error {
	da.mu.Lock()
	defer da.mu.Unlock()
	if err := da.rt.Synchronize(da.ordinal); err != nil {
		if checkErrors {
			return errors.WithMessagef(err, "synchronizing device %d to empty workspace cache", da.ordinal)
		}
		klog.Warningf("workspace: synchronizing device %d to empty workspace cache failed, emptying anyway: %v", da.ordinal, err)
	} else {
		da.syncs.Add(1)
	}

	var merr *multierror.Error
	for _, b := range da.blocks {
		if b.data.IsNull() {
			continue
		}
		klog.V(1).Infof("workspace: device %d freeing block of %s", da.ordinal, device.FormatSize(b.size))
		if err := da.rt.Free(da.ordinal, b.data); err != nil {
			merr = multierror.Append(merr, errors.WithMessagef(err, "freeing workspace block of %s", device.FormatSize(b.size)))
		}
	}
	da.blocks = nil
	da.index = make(map[device.Stream]int)
	da.cachedBytes.Store(0)
	return merr.ErrorOrNil()
}

// block returns a copy of the stream's block, if there is one.
func (da *deviceAllocator) block(stream device.Stream) (block, bool) {
	da.mu.RLock()
	defer da.mu.RUnlock()
	idx, found := da.index[stream]
	if !found {
		return block{}, false
	}
	return da.blocks[idx], true
}

func (da *deviceAllocator) stats() DeviceStats {
	da.mu.RLock()
	numBlocks := len(da.blocks)
	da.mu.RUnlock()
	return DeviceStats{
		Device:           da.ordinal,
		Requests:         da.requests.Load(),
		Hits:             da.hits.Load(),
		Grows:            da.grows.Load(),
		Synchronizations: da.syncs.Load(),
		Recoveries:       da.recoveries.Load(),
		OutOfMemory:      da.outOfMemory.Load(),
		RecoveryWaiters:  da.recoveryWaiters.Load(),
		Blocks:           numBlocks,
		CachedBytes:      da.cachedBytes.Load(),
	}
}
