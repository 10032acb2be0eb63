// Package device defines the device-memory primitives consumed by the workspace allocator.
//
// A Runtime is the thin layer over the accelerator driver: it allocates and frees device memory, synchronizes
// devices and reports memory usage. Implementations live in sub-packages: simdevice (a deterministic simulator
// used in tests and benchmarks) and host (host memory standing in for device memory).
package device

import "fmt"

// Ptr is an opaque handle to a device-memory region. It is not a Go pointer -- just a numeric handle.
// The zero value is the null pointer.
type Ptr uintptr

// NullPtr is the null device pointer.
const NullPtr Ptr = 0

// IsNull returns whether p is the null pointer.
func (p Ptr) IsNull() bool { return p == NullPtr }

// String implements fmt.Stringer.
func (p Ptr) String() string {
	if p == NullPtr {
		return "nullptr"
	}
	return fmt.Sprintf("0x%x", uintptr(p))
}

// Stream identifies an execution stream: an ordered queue of asynchronous device operations.
//
// The zero value is the "no stream" handle. Only the outer allocation API accepts it, and resolves it to the
// current stream of the device.
type Stream uintptr

// NoStream is the "no stream" handle.
const NoStream Stream = 0

// MallocPolicy selects the page policy used by the driver when allocating device memory.
type MallocPolicy int

const (
	// PolicyHugeFirst tries huge pages first and falls back to normal pages.
	PolicyHugeFirst MallocPolicy = iota

	// PolicyHugeOnly only uses huge pages: it favors large contiguous regions. The workspace allocator always uses it.
	PolicyHugeOnly

	// PolicyNormalOnly only uses normal pages.
	PolicyNormalOnly
)

// String implements fmt.Stringer.
func (p MallocPolicy) String() string {
	switch p {
	case PolicyHugeFirst:
		return "HugeFirst"
	case PolicyHugeOnly:
		return "HugeOnly"
	case PolicyNormalOnly:
		return "NormalOnly"
	}
	return fmt.Sprintf("MallocPolicy(%d)", int(p))
}

// Runtime is the set of device-memory primitives the allocators depend on.
//
// Devices are addressed by their ordinal, in the range [0, DeviceCount()).
// Implementations must be safe for concurrent use and should return errors of type *Error.
type Runtime interface {
	// DeviceCount returns the number of visible devices.
	DeviceCount() (int, error)

	// CurrentDevice returns the ordinal of the device selected for the calling context.
	CurrentDevice() (int, error)

	// CurrentStream returns the stream currently selected for the given device.
	CurrentStream(device int) (Stream, error)

	// Malloc allocates size bytes of device memory, aligned to at least 32 bytes.
	Malloc(device int, size uint64, policy MallocPolicy) (Ptr, error)

	// Free releases memory returned by Malloc.
	Free(device int, ptr Ptr) error

	// Synchronize blocks until all work previously issued on the device, on any stream, has completed.
	Synchronize(device int) error

	// MemInfo returns the free and total memory of the device, in bytes.
	MemInfo(device int) (free, total uint64, err error)
}
