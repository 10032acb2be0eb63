package workspace

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/devws/config"
	"github.com/gomlx/devws/device"
	"k8s.io/klog/v2"
)

// The process-wide allocator used by kernel glue that has no Allocator injected.
var (
	defaultOnce      sync.Once
	defaultAllocator atomic.Pointer[Allocator]
	defaultErr       error
)

// InitDefault creates the process-wide allocator over rt, with options read from the environment (see
// config.Load), and initializes it for all devices of the runtime.
//
// Only the first call has an effect; later calls return the result of the first one.
func InitDefault(rt device.Runtime, sibling SiblingAllocator) error {
	defaultOnce.Do(func() {
		opts, err := config.Load()
		if err != nil {
			klog.Errorf("workspace: %v; using default options", err)
		}
		a := New(rt, sibling, opts)
		if defaultErr = a.InitDevices(); defaultErr != nil {
			return
		}
		klog.V(1).Infof("workspace: process allocator initialized for %d devices (%s)", a.NumDevices(), a.Mode())
		defaultAllocator.Store(a)
	})
	return defaultErr
}

// Default returns the process-wide allocator, or nil if InitDefault hasn't succeeded.
func Default() *Allocator {
	return defaultAllocator.Load()
}

// Get returns the process-wide allocator as a generic MemoryAllocator, or nil if InitDefault hasn't succeeded.
func Get() MemoryAllocator {
	a := defaultAllocator.Load()
	if a == nil {
		return nil
	}
	return a
}

// MallocWithStream reserves workspace for the stream on the current device, using the process-wide allocator.
func MallocWithStream(size uint64, stream device.Stream) (*DataPtr, error) {
	a := defaultAllocator.Load()
	if a == nil {
		return nil, ErrNotInitialized
	}
	return a.AllocateWithStream(size, stream)
}

// EmptyCache empties the cache of the process-wide allocator. It is a no-op if there is none.
func EmptyCache(checkErrors bool) error {
	a := defaultAllocator.Load()
	if a == nil {
		return nil
	}
	return a.EmptyCache(checkErrors)
}
