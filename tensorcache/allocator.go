// Package tensorcache implements a stream-ordered caching allocator for tensor memory.
//
// Freed blocks are not returned to the device: they are kept in free lists keyed by device, stream and size class
// (see SizeClass), and reused by later requests on the same stream. Work queued on a stream runs in order, so a
// block freed on a stream can be handed to the next request on that stream without synchronizing.
//
// It is the sibling of the workspace allocator: each can ask the other (its peer) to empty its cache when the
// device runs out of memory.
package tensorcache

import (
	"slices"
	"sync"

	"github.com/gomlx/devws/device"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Peer is another cache on the same devices, emptied when the tensor cache fails to allocate.
type Peer interface {
	EmptyCache(checkErrors bool) error
}

// DevicePeer is a Peer that can empty the cache of a single device. When the peer implements it, recovering from
// an out-of-memory condition on one device leaves the peer's cache of the other devices untouched.
type DevicePeer interface {
	Peer
	EmptyDeviceCache(dev int, checkErrors bool) error
}

type poolKey struct {
	device int
	stream device.Stream
	size   uint64
}

type allocation struct {
	stream device.Stream
	size   uint64
}

type deviceCounters struct {
	requests, hits, mallocs, recoveries int64
	allocatedBytes, cachedBytes         uint64
}

// Allocator is a caching allocator for tensor memory. It is safe for concurrent use.
type Allocator struct {
	rt device.Runtime

	mu       sync.Mutex
	peer     Peer
	pools    map[poolKey][]device.Ptr
	live     map[int]map[device.Ptr]allocation
	counters map[int]*deviceCounters
}

// New creates an empty tensor cache over the runtime.
func New(rt device.Runtime) *Allocator {
	return &Allocator{
		rt:       rt,
		pools:    make(map[poolKey][]device.Ptr),
		live:     make(map[int]map[device.Ptr]allocation),
		counters: make(map[int]*deviceCounters),
	}
}

// SetPeer sets the cache emptied, along with the tensor cache itself, when an allocation fails.
// Use nil to clear it.
func (a *Allocator) SetPeer(peer Peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peer = peer
}

func (a *Allocator) countersLocked(dev int) *deviceCounters {
	c, found := a.counters[dev]
	if !found {
		c = &deviceCounters{}
		a.counters[dev] = c
	}
	return c
}

// reuse pops a cached block of the given key, if there is one.
func (a *Allocator) reuse(key poolKey) (device.Ptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.countersLocked(key.device)
	c.requests++
	pool := a.pools[key]
	if len(pool) == 0 {
		return device.NullPtr, false
	}
	ptr := pool[len(pool)-1]
	if len(pool) == 1 {
		delete(a.pools, key)
	} else {
		a.pools[key] = pool[:len(pool)-1]
	}
	c.hits++
	c.cachedBytes -= key.size
	c.allocatedBytes += key.size
	a.liveLocked(key.device)[ptr] = allocation{stream: key.stream, size: key.size}
	return ptr, true
}

func (a *Allocator) liveLocked(dev int) map[device.Ptr]allocation {
	m, found := a.live[dev]
	if !found {
		m = make(map[device.Ptr]allocation)
		a.live[dev] = m
	}
	return m
}

// Malloc returns a block of at least size bytes on the device, to be used by work queued on stream.
// A zero size returns the null pointer.
//
// If the device is out of memory, the cached blocks of the device are freed, in the tensor cache and in its peer,
// and the allocation is retried once. The peer is emptied entirely if it doesn't implement DevicePeer.
func (a *Allocator) Malloc(dev int, size uint64, stream device.Stream) (device.Ptr, error) {
	if size == 0 {
		return device.NullPtr, nil
	}
	key := poolKey{device: dev, stream: stream, size: SizeClass(size)}
	if ptr, ok := a.reuse(key); ok {
		return ptr, nil
	}

	ptr, err := a.rt.Malloc(dev, key.size, device.PolicyHugeFirst)
	if device.IsAllocationFailure(err) {
		klog.V(1).Infof("tensorcache: device %d failed to allocate %s, emptying caches and retrying", dev, device.FormatSize(key.size))
		if err := a.recover(dev); err != nil {
			return device.NullPtr, errors.WithMessagef(err, "recovering from out-of-memory allocating %s of tensor memory on device %d",
				device.FormatSize(size), dev)
		}
		ptr, err = a.rt.Malloc(dev, key.size, device.PolicyHugeFirst)
	}
	if err != nil {
		return device.NullPtr, errors.WithMessagef(err, "allocating %s of tensor memory on device %d", device.FormatSize(size), dev)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.countersLocked(dev)
	c.mallocs++
	c.allocatedBytes += key.size
	a.liveLocked(dev)[ptr] = allocation{stream: stream, size: key.size}
	return ptr, nil
}

// recover empties the cached blocks of the device, in the tensor cache and in the peer.
func (a *Allocator) recover(dev int) error {
	a.mu.Lock()
	a.countersLocked(dev).recoveries++
	peer := a.peer
	a.mu.Unlock()

	var merr *multierror.Error
	if err := a.EmptyDeviceCache(dev, true); err != nil {
		merr = multierror.Append(merr, errors.WithMessage(err, "emptying tensor cache"))
	}
	if peer != nil {
		var err error
		if dp, ok := peer.(DevicePeer); ok {
			err = dp.EmptyDeviceCache(dev, true)
		} else {
			err = peer.EmptyCache(true)
		}
		if err != nil {
			merr = multierror.Append(merr, errors.WithMessage(err, "emptying peer cache"))
		}
	}
	return merr.ErrorOrNil()
}

// Free returns a block obtained from Malloc to the cache of the stream it was allocated for.
// Freeing the null pointer is a no-op.
func (a *Allocator) Free(dev int, ptr device.Ptr) error {
	if ptr.IsNull() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, found := a.live[dev][ptr]
	if !found {
		return errors.Errorf("tensorcache: pointer %s was not allocated on device %d", ptr, dev)
	}
	delete(a.live[dev], ptr)
	key := poolKey{device: dev, stream: alloc.stream, size: alloc.size}
	a.pools[key] = append(a.pools[key], ptr)
	c := a.countersLocked(dev)
	c.allocatedBytes -= alloc.size
	c.cachedBytes += alloc.size
	return nil
}

// EmptyCache synchronizes the devices holding cached blocks and returns those blocks to the device.
// Blocks in use are not affected.
//
// If checkErrors is set, the blocks of a device that fails to synchronize are kept and the error is returned;
// otherwise the failure is logged and the blocks are freed anyway. Errors of all devices are aggregated.
func (a *Allocator) EmptyCache(checkErrors bool) error {
	return a.emptyCache(func(int) bool { return true }, checkErrors)
}

// EmptyDeviceCache is like EmptyCache, but only for the given device.
func (a *Allocator) EmptyDeviceCache(dev int, checkErrors bool) error {
	return a.emptyCache(func(d int) bool { return d == dev }, checkErrors)
}

func (a *Allocator) emptyCache(selected func(dev int) bool, checkErrors bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	byDevice := make(map[int][]poolKey)
	for key := range a.pools {
		if selected(key.device) {
			byDevice[key.device] = append(byDevice[key.device], key)
		}
	}

	var merr *multierror.Error
	for dev, keys := range byDevice {
		if err := a.rt.Synchronize(dev); err != nil {
			if checkErrors {
				merr = multierror.Append(merr, errors.WithMessagef(err, "synchronizing device %d to empty tensor cache", dev))
				continue
			}
			klog.Warningf("tensorcache: synchronizing device %d to empty tensor cache failed, emptying anyway: %v", dev, err)
		}
		c := a.countersLocked(dev)
		for _, key := range keys {
			for _, ptr := range a.pools[key] {
				if err := a.rt.Free(dev, ptr); err != nil {
					merr = multierror.Append(merr, errors.WithMessagef(err, "freeing cached tensor block of %s", device.FormatSize(key.size)))
				}
				c.cachedBytes -= key.size
			}
			delete(a.pools, key)
		}
		klog.V(1).Infof("tensorcache: emptied cache of device %d", dev)
	}
	return merr.ErrorOrNil()
}

// Stats is a snapshot of the tensor cache usage of one device.
type Stats struct {
	Device int

	// Requests counts Malloc calls with a non-zero size, Hits those served from the cache, Mallocs those that
	// allocated from the device.
	Requests, Hits, Mallocs int64

	// Recoveries counts out-of-memory recoveries.
	Recoveries int64

	// AllocatedBytes is the memory handed out and not yet freed, CachedBytes the memory held in free lists.
	AllocatedBytes, CachedBytes uint64
}

// Stats returns the statistics of every device used so far, ordered by device.
func (a *Allocator) Stats() []Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := make([]Stats, 0, len(a.counters))
	for dev, c := range a.counters {
		stats = append(stats, Stats{
			Device:         dev,
			Requests:       c.requests,
			Hits:           c.hits,
			Mallocs:        c.mallocs,
			Recoveries:     c.recoveries,
			AllocatedBytes: c.allocatedBytes,
			CachedBytes:    c.cachedBytes,
		})
	}
	slices.SortFunc(stats, func(a, b Stats) int { return a.Device - b.Device })
	return stats
}
