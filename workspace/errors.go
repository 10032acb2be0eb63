package workspace

import (
	"fmt"

	"github.com/gomlx/devws/device"
	"github.com/pkg/errors"
)

var (
	// ErrNotInitialized is returned when the allocator is used before Init.
	ErrNotInitialized = errors.New("workspace allocator not initialized")

	// ErrInvalidDevice is returned for device ordinals outside the initialized device table.
	ErrInvalidDevice = errors.New("invalid device")
)

// OutOfMemoryError is returned when a workspace allocation fails even after the workspace and tensor caches
// have been emptied.
type OutOfMemoryError struct {
	Device      int
	Requested   uint64
	Free, Total uint64
}

// Error implements error.
func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("device out of memory. Workspace allocator tried to allocate %s (device %d; %s total capacity; %s free)",
		device.FormatSize(e.Requested), e.Device, device.FormatSize(e.Total), device.FormatSize(e.Free))
}

// IsOutOfMemory returns whether err is (or wraps) an *OutOfMemoryError.
func IsOutOfMemory(err error) bool {
	var oom *OutOfMemoryError
	return errors.As(err, &oom)
}
