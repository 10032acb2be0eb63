// Package host implements a device.Runtime backed by host memory.
//
// Each "device" is a budget of host memory allocated with 32-byte alignment from the C heap, so the memory is not
// managed (or moved) by the Go garbage collector. Host work is synchronous, so Synchronize only has to order itself
// with concurrent frees. It is used to exercise the allocators without accelerator hardware.
package host

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/devws/device"
	"k8s.io/klog/v2"
)

type hostDevice struct {
	mu            sync.Mutex
	capacity      uint64
	used          uint64
	live          map[device.Ptr]uint64
	currentStream device.Stream
}

// Runtime is a device.Runtime over host memory.
type Runtime struct {
	devices    []*hostDevice
	current    atomic.Int32
	nextStream atomic.Uintptr
	syncs      atomic.Int64
}

var _ device.Runtime = (*Runtime)(nil)

// New creates a host runtime with numDevices virtual devices, each limited to capacity bytes.
func New(numDevices int, capacity uint64) *Runtime {
	r := &Runtime{devices: make([]*hostDevice, numDevices)}
	for ii := range r.devices {
		r.devices[ii] = &hostDevice{
			capacity:      capacity,
			live:          make(map[device.Ptr]uint64),
			currentStream: r.NewStream(),
		}
	}
	runtime.SetFinalizer(r, finalizeRuntime)
	return r
}

func finalizeRuntime(r *Runtime) {
	if n := r.Close(); n > 0 {
		klog.Errorf("host runtime garbage collected with %d live allocations, freed them", n)
	}
}

// Close frees all live allocations and returns how many there were.
// The runtime can still be used afterward.
func (r *Runtime) Close() int {
	var n int
	for _, d := range r.devices {
		d.mu.Lock()
		for ptr := range d.live {
			alignedFree(unsafe.Pointer(uintptr(ptr)))
			n++
		}
		clear(d.live)
		d.used = 0
		d.mu.Unlock()
	}
	return n
}

func (r *Runtime) device(op string, dev int) (*hostDevice, error) {
	if dev < 0 || dev >= len(r.devices) {
		return nil, device.NewError(op, dev, device.StatusInvalidDevice, "host runtime has %d devices", len(r.devices))
	}
	return r.devices[dev], nil
}

// NewStream returns a new stream handle.
func (r *Runtime) NewStream() device.Stream {
	return device.Stream(r.nextStream.Add(1))
}

// DeviceCount implements device.Runtime.
func (r *Runtime) DeviceCount() (int, error) {
	return len(r.devices), nil
}

// CurrentDevice implements device.Runtime.
func (r *Runtime) CurrentDevice() (int, error) {
	return int(r.current.Load()), nil
}

// SetDevice selects the current device.
func (r *Runtime) SetDevice(dev int) error {
	if _, err := r.device("SetDevice", dev); err != nil {
		return err
	}
	r.current.Store(int32(dev))
	return nil
}

// CurrentStream implements device.Runtime.
func (r *Runtime) CurrentStream(dev int) (device.Stream, error) {
	d, err := r.device("CurrentStream", dev)
	if err != nil {
		return device.NoStream, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentStream, nil
}

// Malloc implements device.Runtime. The policy is ignored: host memory has no page policies.
func (r *Runtime) Malloc(dev int, size uint64, _ device.MallocPolicy) (device.Ptr, error) {
	d, err := r.device("Malloc", dev)
	if err != nil {
		return device.NullPtr, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if size == 0 || d.used+size > d.capacity {
		return device.NullPtr, device.NewError("Malloc", dev, device.StatusMemoryAllocation,
			"requested %s, %s of %s in use", device.FormatSize(size), device.FormatSize(d.used), device.FormatSize(d.capacity))
	}
	p := alignedAlloc(uintptr(size), Alignment)
	if p == nil {
		return device.NullPtr, device.NewError("Malloc", dev, device.StatusMemoryAllocation, "host out of memory")
	}
	ptr := device.Ptr(uintptr(p))
	d.live[ptr] = size
	d.used += size
	return ptr, nil
}

// Free implements device.Runtime.
func (r *Runtime) Free(dev int, ptr device.Ptr) error {
	d, err := r.device("Free", dev)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size, found := d.live[ptr]
	if !found {
		return device.NewError("Free", dev, device.StatusInvalidPointer, "pointer %s not allocated", ptr)
	}
	alignedFree(unsafe.Pointer(uintptr(ptr)))
	delete(d.live, ptr)
	d.used -= size
	return nil
}

// Synchronize implements device.Runtime.
func (r *Runtime) Synchronize(dev int) error {
	d, err := r.device("Synchronize", dev)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r.syncs.Add(1)
	return nil
}

// Synchronizations returns the number of Synchronize calls so far, across all devices.
func (r *Runtime) Synchronizations() int64 {
	return r.syncs.Load()
}

// MemInfo implements device.Runtime.
func (r *Runtime) MemInfo(dev int) (free, total uint64, err error) {
	d, err := r.device("MemInfo", dev)
	if err != nil {
		return 0, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity - d.used, d.capacity, nil
}

// Bytes returns a view of size bytes of host memory starting at ptr, which must have been returned by Malloc
// and not yet freed. Kernels running on the host use it to read and write workspace memory.
func (r *Runtime) Bytes(ptr device.Ptr, size uint64) []byte {
	if ptr.IsNull() || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}
