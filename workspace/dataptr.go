package workspace

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/devws/device"
	"github.com/pkg/errors"
)

// Mode is the deallocation policy of an Allocator, fixed at construction.
type Mode int

const (
	// Cached keeps released memory in the stream's workspace block for reuse; only EmptyCache frees device memory.
	Cached Mode = iota

	// Uncached gives each allocation its own device region, synchronized and freed on release.
	Uncached
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Cached:
		return "cached"
	case Uncached:
		return "uncached"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Deleter releases the memory held by a DataPtr.
type Deleter interface {
	Release(dev int, ptr device.Ptr) error
}

// CachedDeleter does nothing: the memory stays owned by its workspace block.
type CachedDeleter struct{}

// Release implements Deleter.
func (CachedDeleter) Release(int, device.Ptr) error { return nil }

// UncachedDeleter synchronizes the device and frees the memory immediately.
type UncachedDeleter struct {
	Runtime device.Runtime
}

// Release implements Deleter.
func (d UncachedDeleter) Release(dev int, ptr device.Ptr) error {
	if ptr.IsNull() {
		return nil
	}
	if err := d.Runtime.Synchronize(dev); err != nil {
		return errors.WithMessagef(err, "synchronizing device %d to release uncached workspace %s", dev, ptr)
	}
	if err := d.Runtime.Free(dev, ptr); err != nil {
		return errors.WithMessagef(err, "releasing uncached workspace %s", ptr)
	}
	return nil
}

func newDeleter(mode Mode, rt device.Runtime) Deleter {
	if mode == Uncached {
		return UncachedDeleter{Runtime: rt}
	}
	return CachedDeleter{}
}

// DataPtr is an owned handle to workspace memory on a device.
//
// The pointer it holds is a borrow from the allocator: in cached mode it stays valid until the workspace cache is
// emptied, even after Release.
type DataPtr struct {
	ptr      device.Ptr
	device   int
	size     uint64
	deleter  Deleter
	released atomic.Bool
}

// Ptr returns the device memory, or the null pointer for empty or deferred allocations.
func (p *DataPtr) Ptr() device.Ptr { return p.ptr }

// Device returns the ordinal of the device the memory belongs to.
func (p *DataPtr) Device() int { return p.device }

// Size returns the requested size in bytes.
func (p *DataPtr) Size() uint64 { return p.size }

// Release hands the memory back according to the allocator's deallocation policy.
// It is safe to call more than once: only the first call has an effect.
func (p *DataPtr) Release() error {
	if p == nil || p.released.Swap(true) {
		return nil
	}
	return p.deleter.Release(p.device, p.ptr)
}

// String implements fmt.Stringer.
func (p *DataPtr) String() string {
	return fmt.Sprintf("DataPtr[device=%d, ptr=%s, size=%s]", p.device, p.ptr, device.FormatSize(p.size))
}
