package tensorcache

import (
	"math/bits"

	"github.com/gomlx/devws/device"
)

const (
	// MinBlockSize is the smallest block handed out: smaller requests are rounded up to it.
	MinBlockSize = 512

	// MaxSmallBlockSize is the largest power-of-2 size class. Larger requests are rounded up to a multiple of
	// LargeRound.
	MaxSmallBlockSize = 1 * device.MiB

	// LargeRound is the granularity of blocks larger than MaxSmallBlockSize.
	LargeRound = 2 * device.MiB
)

// SizeClass returns the size of the block used to serve a request of size bytes.
//
// Small requests use power-of-2 classes, from MinBlockSize up to MaxSmallBlockSize, so freed blocks are likely to
// be reused by requests of a similar size. Larger requests are rounded up to a multiple of LargeRound.
func SizeClass(size uint64) uint64 {
	if size <= MinBlockSize {
		return MinBlockSize
	}
	if size <= MaxSmallBlockSize {
		// Next power of 2 >= size.
		return 1 << bits.Len64(size-1)
	}
	return (size + LargeRound - 1) / LargeRound * LargeRound
}
