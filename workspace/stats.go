package workspace

import (
	"fmt"

	"github.com/gomlx/devws/device"
)

// DeviceStats is a snapshot of the workspace usage of one device.
type DeviceStats struct {
	Device int

	// Requests is the number of workspace requests, Hits those served by an existing block.
	Requests, Hits int64

	// Grows counts block allocations, including the first one of each stream.
	Grows int64

	// Synchronizations counts device synchronizations done by the allocator.
	Synchronizations int64

	// Recoveries counts out-of-memory recoveries run for the device, OutOfMemory the requests that failed even so.
	Recoveries, OutOfMemory int64

	// RecoveryWaiters is the number of requests currently waiting for an out-of-memory recovery of the device.
	RecoveryWaiters int64

	// Blocks is the number of streams with a block, CachedBytes the device memory they hold.
	Blocks      int
	CachedBytes uint64
}

// String implements fmt.Stringer.
func (s DeviceStats) String() string {
	return fmt.Sprintf("device %d: %d requests (%d hits), %d grows, %d syncs, %d recoveries, %d OOMs, %d blocks holding %s",
		s.Device, s.Requests, s.Hits, s.Grows, s.Synchronizations, s.Recoveries, s.OutOfMemory, s.Blocks,
		device.FormatSize(s.CachedBytes))
}
