// Package workspace implements the device workspace allocator: a per-device, per-stream cache of scratch memory
// for kernels.
//
// Each stream of each device owns one workspace block. A request that fits in the stream's block reuses it; a
// larger request synchronizes the device, frees the block and allocates a bigger one, rounded up to a multiple of
// 2 MiB. Blocks never shrink: device memory is only returned to the driver when the cache is emptied, either
// explicitly or to recover from an out-of-memory condition, in which case the sibling tensor-caching allocator is
// asked to empty its cache as well.
//
// Pointers returned by the allocator are borrows: they stay valid until the next EmptyCache (or the growth of the
// same stream's block), and must not be freed by the caller.
package workspace

import (
	"slices"
	"sync"

	"github.com/gomlx/devws/config"
	"github.com/gomlx/devws/device"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// SiblingAllocator is the tensor-caching allocator sharing the devices with the workspace allocator.
// On out-of-memory, both caches are emptied before retrying.
type SiblingAllocator interface {
	EmptyCache(checkErrors bool) error
}

// DeviceSiblingAllocator is a SiblingAllocator that can empty the cache of a single device. It is used when the
// recovery is limited to the failing device (see config.Options.EmptyAllDevicesOnRecovery).
type DeviceSiblingAllocator interface {
	SiblingAllocator
	EmptyDeviceCache(dev int, checkErrors bool) error
}

type noSibling struct{}

func (noSibling) EmptyCache(bool) error { return nil }

// MemoryAllocator is the generic allocator capability, so the workspace allocator can be plugged where a
// size-only allocator is expected.
type MemoryAllocator interface {
	Allocate(size uint64) (*DataPtr, error)
	RawDeleter() Deleter
}

// Allocator is the workspace allocator for all devices of a runtime. It is safe for concurrent use.
type Allocator struct {
	rt      device.Runtime
	sibling SiblingAllocator
	opts    config.Options
	mode    Mode
	deleter Deleter

	mu      sync.RWMutex
	devices []*deviceAllocator

	recovery singleflight.Group
}

var _ MemoryAllocator = (*Allocator)(nil)

// New creates an Allocator over the given runtime. sibling can be nil if there is no tensor-caching allocator.
//
// The deallocation policy is fixed here: opts.ForceUncached selects Uncached. Call Init or InitDevices before
// allocating.
func New(rt device.Runtime, sibling SiblingAllocator, opts config.Options) *Allocator {
	if sibling == nil {
		sibling = noSibling{}
	}
	mode := Cached
	if opts.ForceUncached {
		mode = Uncached
	}
	return &Allocator{
		rt:      rt,
		sibling: sibling,
		opts:    opts,
		mode:    mode,
		deleter: newDeleter(mode, rt),
	}
}

// Init makes the allocator cover deviceCount devices. It only grows the device table: calling it with a count
// smaller than the current one is a no-op.
func (a *Allocator) Init(deviceCount int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ii := len(a.devices); ii < deviceCount; ii++ {
		a.devices = append(a.devices, newDeviceAllocator(ii, a.rt))
	}
}

// InitDevices calls Init with the number of devices reported by the runtime.
func (a *Allocator) InitDevices() error {
	n, err := a.rt.DeviceCount()
	if err != nil {
		return errors.WithMessage(err, "querying device count to initialize workspace allocator")
	}
	a.Init(n)
	return nil
}

// NumDevices returns the number of devices covered by the allocator.
func (a *Allocator) NumDevices() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.devices)
}

// Mode returns the deallocation policy of the allocator.
func (a *Allocator) Mode() Mode {
	return a.mode
}

// RawDeleter returns the Deleter of the allocator's deallocation policy. It implements MemoryAllocator.
func (a *Allocator) RawDeleter() Deleter {
	return a.deleter
}

func (a *Allocator) deviceAllocator(dev int) (*deviceAllocator, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.devices) == 0 {
		return nil, errors.WithStack(ErrNotInitialized)
	}
	if dev < 0 || dev >= len(a.devices) {
		return nil, errors.Wrapf(ErrInvalidDevice, "device %d, workspace allocator initialized for %d devices", dev, len(a.devices))
	}
	return a.devices[dev], nil
}

func (a *Allocator) allDevices() []*deviceAllocator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.devices)
}

// Malloc returns workspace memory of at least size bytes for the stream on the given device.
//
// If the device runs out of memory, the workspace cache and the sibling's cache are emptied and the allocation is
// retried once. If it still fails, an *OutOfMemoryError is returned.
func (a *Allocator) Malloc(dev int, size uint64, stream device.Stream) (device.Ptr, error) {
	da, err := a.deviceAllocator(dev)
	if err != nil {
		return device.NullPtr, err
	}
	if size > MaxRequestSize {
		return device.NullPtr, errors.Errorf("workspace request of %d bytes on device %d is too large", size, dev)
	}
	ptr, err := da.malloc(size, stream)
	if err != nil || !ptr.IsNull() {
		return ptr, err
	}

	// Free all cached blocks and try again.
	if err = a.recover(da); err != nil {
		return device.NullPtr, errors.WithMessagef(err, "recovering from out-of-memory allocating %s of workspace on device %d",
			device.FormatSize(size), dev)
	}
	ptr, err = da.malloc(size, stream)
	if err != nil || !ptr.IsNull() {
		return ptr, err
	}

	return device.NullPtr, a.outOfMemory(da, size)
}

// outOfMemory returns the error of a request that failed even after recovery.
func (a *Allocator) outOfMemory(da *deviceAllocator, size uint64) error {
	da.outOfMemory.Add(1)
	free, total, err := a.rt.MemInfo(da.ordinal)
	if err != nil {
		return errors.WithMessagef(err, "device %d out of memory allocating %s of workspace, and querying its memory failed",
			da.ordinal, device.FormatSize(size))
	}
	return errors.WithStack(&OutOfMemoryError{Device: da.ordinal, Requested: size, Free: free, Total: total})
}

// mallocUncached allocates a dedicated region for the request, recovering once from out-of-memory like Malloc.
func (a *Allocator) mallocUncached(dev int, size uint64) (device.Ptr, error) {
	da, err := a.deviceAllocator(dev)
	if err != nil {
		return device.NullPtr, err
	}
	if size > MaxRequestSize {
		return device.NullPtr, errors.Errorf("workspace request of %d bytes on device %d is too large", size, dev)
	}
	ptr, err := a.rt.Malloc(dev, paddedSize(size), device.PolicyHugeOnly)
	if !device.IsAllocationFailure(err) {
		return ptr, errors.WithMessagef(err, "allocating %s of uncached workspace", device.FormatSize(size))
	}
	if err = a.recover(da); err != nil {
		return device.NullPtr, errors.WithMessagef(err, "recovering from out-of-memory allocating %s of uncached workspace on device %d",
			device.FormatSize(size), dev)
	}
	ptr, err = a.rt.Malloc(dev, paddedSize(size), device.PolicyHugeOnly)
	if device.IsAllocationFailure(err) {
		return device.NullPtr, a.outOfMemory(da, size)
	}
	return ptr, errors.WithMessagef(err, "allocating %s of uncached workspace", device.FormatSize(size))
}

// MustMalloc is like Malloc, but panics on error.
func (a *Allocator) MustMalloc(dev int, size uint64, stream device.Stream) device.Ptr {
	ptr, err := a.Malloc(dev, size, stream)
	if err != nil {
		panic(err)
	}
	return ptr
}

// Allocate implements MemoryAllocator. It binds a handle to the current device without reserving memory: the
// workspace is only reserved by stream-aware requests (AllocateWithStream), and releasing the handle is a no-op.
func (a *Allocator) Allocate(size uint64) (*DataPtr, error) {
	dev, err := a.rt.CurrentDevice()
	if err != nil {
		return nil, errors.WithMessage(err, "getting current device for workspace allocation")
	}
	return &DataPtr{device: dev, size: size, deleter: CachedDeleter{}}, nil
}

// AllocateWithStream reserves size bytes of workspace on the current device for the stream.
// If stream is device.NoStream, the current stream of the device is used.
//
// In Uncached mode, the memory is a dedicated region freed when the returned handle is released. Running out of
// memory is handled as in Malloc, in both modes.
// A zero size returns a handle with the null pointer.
func (a *Allocator) AllocateWithStream(size uint64, stream device.Stream) (*DataPtr, error) {
	dev, err := a.rt.CurrentDevice()
	if err != nil {
		return nil, errors.WithMessage(err, "getting current device for workspace allocation")
	}
	if stream == device.NoStream {
		stream, err = a.rt.CurrentStream(dev)
		if err != nil {
			return nil, errors.WithMessagef(err, "getting current stream of device %d for workspace allocation", dev)
		}
	}
	dp := &DataPtr{device: dev, size: size, deleter: a.deleter}
	if size == 0 {
		return dp, nil
	}
	if a.mode == Uncached {
		if dp.ptr, err = a.mallocUncached(dev, size); err != nil {
			return nil, err
		}
		return dp, nil
	}
	dp.ptr, err = a.Malloc(dev, size, stream)
	if err != nil {
		return nil, err
	}
	return dp, nil
}

// MustAllocateWithStream is like AllocateWithStream, but panics on error.
func (a *Allocator) MustAllocateWithStream(size uint64, stream device.Stream) *DataPtr {
	dp, err := a.AllocateWithStream(size, stream)
	if err != nil {
		panic(err)
	}
	return dp
}

// EmptyCache synchronizes every device and frees all workspace blocks. Pointers previously returned are invalid
// afterward.
//
// If checkErrors is false, synchronization failures are only logged. Errors from all devices are aggregated.
func (a *Allocator) EmptyCache(checkErrors bool) error {
	var merr *multierror.Error
	for _, da := range a.allDevices() {
		if err := da.emptyCache(checkErrors); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// EmptyDeviceCache is like EmptyCache, but only for the given device.
func (a *Allocator) EmptyDeviceCache(dev int, checkErrors bool) error {
	da, err := a.deviceAllocator(dev)
	if err != nil {
		return err
	}
	return da.emptyCache(checkErrors)
}

// Teardown empties the cache, logging errors, and drops the device table. The allocator can be initialized again.
func (a *Allocator) Teardown() error {
	err := a.EmptyCache(false)
	if err != nil {
		klog.Errorf("workspace: errors emptying cache on teardown: %v", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices = nil
	return err
}

// Stats returns a snapshot of the statistics of every device.
func (a *Allocator) Stats() []DeviceStats {
	devices := a.allDevices()
	stats := make([]DeviceStats, len(devices))
	for ii, da := range devices {
		stats[ii] = da.stats()
	}
	return stats
}
