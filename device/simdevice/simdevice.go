// Package simdevice implements a deterministic, in-process simulation of accelerator devices.
//
// It hands out fake device addresses, enforces a per-device capacity, records every malloc, free and synchronize
// call, and can inject failures. It also tracks in-flight memory: a pointer passed to Launch is considered in use by
// the device until the next Synchronize of that device, and freeing it before that is reported as a
// use-after-free (StatusUseAfterFree).
package simdevice

import (
	"sync"

	"github.com/gomlx/devws/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EventKind enumerates the device calls recorded by the simulator.
type EventKind int

const (
	EventMalloc EventKind = iota
	EventFree
	EventSynchronize
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventMalloc:
		return "malloc"
	case EventFree:
		return "free"
	case EventSynchronize:
		return "synchronize"
	}
	return "unknown"
}

// Event is one successful device call.
type Event struct {
	Kind   EventKind
	Device int
	Ptr    device.Ptr
	Size   uint64
}

// addressAlignment is the alignment of the fake addresses returned by Malloc.
const addressAlignment = 32

type simDevice struct {
	capacity, used uint64
	live           map[device.Ptr]uint64
	inFlight       map[device.Ptr]struct{}
	nextAddr       uintptr
	failMallocs    int
	failSync       bool
	currentStream  device.Stream
}

// Runtime is a simulated device.Runtime. It is safe for concurrent use.
type Runtime struct {
	mu         sync.Mutex
	devices    []*simDevice
	current    int
	events     []Event
	nextStream device.Stream
}

var _ device.Runtime = (*Runtime)(nil)

// New creates a simulator with numDevices devices of the given capacity (in bytes) each.
//
// Each device starts with its own default stream selected as current.
func New(numDevices int, capacity uint64) *Runtime {
	r := &Runtime{devices: make([]*simDevice, numDevices)}
	for ii := range r.devices {
		r.devices[ii] = &simDevice{
			capacity: capacity,
			live:     make(map[device.Ptr]uint64),
			inFlight: make(map[device.Ptr]struct{}),
			// Distinct address ranges per device, never 0.
			nextAddr: uintptr(ii+1) << 40,
		}
		r.devices[ii].currentStream = r.newStreamLocked()
	}
	return r
}

func (r *Runtime) device(op string, dev int) (*simDevice, error) {
	if dev < 0 || dev >= len(r.devices) {
		return nil, device.NewError(op, dev, device.StatusInvalidDevice, "simulator has %d devices", len(r.devices))
	}
	return r.devices[dev], nil
}

func (r *Runtime) newStreamLocked() device.Stream {
	r.nextStream++
	return r.nextStream
}

// NewStream creates a new stream handle, distinct from all others.
func (r *Runtime) NewStream() device.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newStreamLocked()
}

// DeviceCount implements device.Runtime.
func (r *Runtime) DeviceCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices), nil
}

// CurrentDevice implements device.Runtime.
func (r *Runtime) CurrentDevice() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, nil
}

// SetDevice selects the current device.
func (r *Runtime) SetDevice(dev int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.device("SetDevice", dev); err != nil {
		return err
	}
	r.current = dev
	return nil
}

// CurrentStream implements device.Runtime.
func (r *Runtime) CurrentStream(dev int) (device.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device("CurrentStream", dev)
	if err != nil {
		return device.NoStream, err
	}
	return d.currentStream, nil
}

// SetCurrentStream selects the current stream of a device.
func (r *Runtime) SetCurrentStream(dev int, stream device.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device("SetCurrentStream", dev)
	if err != nil {
		return err
	}
	d.currentStream = stream
	return nil
}

// Malloc implements device.Runtime.
func (r *Runtime) Malloc(dev int, size uint64, policy device.MallocPolicy) (device.Ptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device("Malloc", dev)
	if err != nil {
		return device.NullPtr, err
	}
	if d.failMallocs > 0 {
		d.failMallocs--
		return device.NullPtr, device.NewError("Malloc", dev, device.StatusMemoryAllocation, "injected failure")
	}
	if size == 0 || d.used+size > d.capacity {
		return device.NullPtr, device.NewError("Malloc", dev, device.StatusMemoryAllocation,
			"requested %s with policy %s, %s of %s in use",
			device.FormatSize(size), policy, device.FormatSize(d.used), device.FormatSize(d.capacity))
	}
	ptr := device.Ptr(d.nextAddr)
	d.nextAddr += (uintptr(size) + addressAlignment - 1) &^ (addressAlignment - 1)
	d.live[ptr] = size
	d.used += size
	r.events = append(r.events, Event{Kind: EventMalloc, Device: dev, Ptr: ptr, Size: size})
	klog.V(3).Infof("simdevice: malloc device=%d ptr=%s size=%d", dev, ptr, size)
	return ptr, nil
}

// Free implements device.Runtime.
func (r *Runtime) Free(dev int, ptr device.Ptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device("Free", dev)
	if err != nil {
		return err
	}
	size, found := d.live[ptr]
	if !found {
		return device.NewError("Free", dev, device.StatusInvalidPointer, "pointer %s not allocated", ptr)
	}
	if _, busy := d.inFlight[ptr]; busy {
		return device.NewError("Free", dev, device.StatusUseAfterFree, "pointer %s freed before device synchronization", ptr)
	}
	delete(d.live, ptr)
	d.used -= size
	r.events = append(r.events, Event{Kind: EventFree, Device: dev, Ptr: ptr, Size: size})
	klog.V(3).Infof("simdevice: free device=%d ptr=%s size=%d", dev, ptr, size)
	return nil
}

// Synchronize implements device.Runtime.
func (r *Runtime) Synchronize(dev int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device("Synchronize", dev)
	if err != nil {
		return err
	}
	if d.failSync {
		return device.NewError("Synchronize", dev, device.StatusSynchronize, "injected failure")
	}
	clear(d.inFlight)
	r.events = append(r.events, Event{Kind: EventSynchronize, Device: dev})
	return nil
}

// MemInfo implements device.Runtime.
func (r *Runtime) MemInfo(dev int) (free, total uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device("MemInfo", dev)
	if err != nil {
		return 0, 0, err
	}
	return d.capacity - d.used, d.capacity, nil
}

// Launch simulates work queued on the device that reads or writes ptr: the pointer stays busy until the next
// Synchronize of the device.
func (r *Runtime) Launch(dev int, ptr device.Ptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.device("Launch", dev)
	if err != nil {
		return err
	}
	if _, found := d.live[ptr]; !found {
		return errors.Wrapf(
			device.NewError("Launch", dev, device.StatusInvalidPointer, "pointer %s not allocated", ptr),
			"simulated kernel launch")
	}
	d.inFlight[ptr] = struct{}{}
	return nil
}

// FailNextMallocs makes the next n calls to Malloc on the device fail with StatusMemoryAllocation.
func (r *Runtime) FailNextMallocs(dev, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, err := r.device("FailNextMallocs", dev); err == nil {
		d.failMallocs = n
	}
}

// FailSynchronize makes Synchronize on the device fail (or succeed again, if fail is false).
func (r *Runtime) FailSynchronize(dev int, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, err := r.device("FailSynchronize", dev); err == nil {
		d.failSync = fail
	}
}

// Events returns a copy of the recorded events.
func (r *Runtime) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ResetEvents drops the recorded events.
func (r *Runtime) ResetEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Count returns the number of recorded events of the given kind on the device.
func (r *Runtime) Count(kind EventKind, dev int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.events {
		if e.Kind == kind && e.Device == dev {
			n++
		}
	}
	return n
}

// Used returns the number of bytes currently allocated on the device.
func (r *Runtime) Used(dev int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, err := r.device("Used", dev); err == nil {
		return d.used
	}
	return 0
}

// LiveAllocations returns the number of live allocations on the device.
func (r *Runtime) LiveAllocations(dev int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, err := r.device("LiveAllocations", dev); err == nil {
		return len(d.live)
	}
	return 0
}
