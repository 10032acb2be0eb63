package workspace

import (
	"math"

	"github.com/gomlx/devws/device"
)

const (
	// SafetyMargin is added to every requested size: drivers and kernels may read slightly past the nominal end
	// of their workspace.
	SafetyMargin = 32

	// RoundLarge is the granularity of workspace blocks: allocated memory is rounded up to a multiple of 2 MiB.
	RoundLarge = 2 * device.MiB

	// MaxRequestSize is the largest size that can be requested without overflowing the rounding.
	MaxRequestSize = math.MaxUint64 - RoundLarge - SafetyMargin
)

// block is a reusable workspace region owned by one stream.
//
// Invariant: size == 0 iff data is null. A block only grows, by replacing its region, until the cache is emptied.
type block struct {
	data device.Ptr
	size uint64
}

// paddedSize returns the size actually needed to serve a request of the given size.
func paddedSize(size uint64) uint64 {
	return size + SafetyMargin
}

// roundedSize returns the capacity of a block grown to fit allocSize bytes: the smallest multiple of RoundLarge
// that is >= allocSize.
func roundedSize(allocSize uint64) uint64 {
	return RoundLarge * ((allocSize + RoundLarge - 1) / RoundLarge)
}

// CapacityFor returns the capacity of the workspace block that serves a request of size bytes.
func CapacityFor(size uint64) uint64 {
	return roundedSize(paddedSize(size))
}
