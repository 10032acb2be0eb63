package workspace

// Common initialization and testing tools for all test files.

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/devws/config"
	"github.com/gomlx/devws/device"
	"github.com/gomlx/devws/device/simdevice"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// mockSibling stands in for the tensor-caching allocator: it holds some device memory and frees it when asked to
// empty its cache.
type mockSibling struct {
	mu    sync.Mutex
	rt    *simdevice.Runtime
	held  map[device.Ptr]int
	calls []bool
	err   error

	// deviceCalls records the devices passed to EmptyDeviceCache.
	deviceCalls []int

	// gate, if set, blocks EmptyCache until it is closed.
	gate              chan struct{}
	active, maxActive atomic.Int32
}

func newMockSibling(rt *simdevice.Runtime) *mockSibling {
	return &mockSibling{rt: rt, held: make(map[device.Ptr]int)}
}

// hold allocates memory on behalf of the sibling.
func (m *mockSibling) hold(t *testing.T, dev int, size uint64) {
	ptr, err := m.rt.Malloc(dev, size, device.PolicyHugeFirst)
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[ptr] = dev
}

func (m *mockSibling) EmptyCache(checkErrors bool) error {
	active := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		highest := m.maxActive.Load()
		if active <= highest || m.maxActive.CompareAndSwap(highest, active) {
			break
		}
	}
	if m.gate != nil {
		<-m.gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, checkErrors)
	if m.err != nil {
		return m.err
	}
	for ptr, dev := range m.held {
		if err := m.rt.Free(dev, ptr); err != nil {
			return err
		}
	}
	clear(m.held)
	return nil
}

func (m *mockSibling) EmptyDeviceCache(dev int, checkErrors bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceCalls = append(m.deviceCalls, dev)
	if m.err != nil {
		return m.err
	}
	for ptr, ptrDev := range m.held {
		if ptrDev != dev {
			continue
		}
		if err := m.rt.Free(dev, ptr); err != nil {
			return err
		}
		delete(m.held, ptr)
	}
	return nil
}

func (m *mockSibling) numCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// newTestAllocator returns an allocator initialized over a simulator with the given devices and capacity.
func newTestAllocator(t *testing.T, numDevices int, capacity uint64, opts config.Options) (*Allocator, *simdevice.Runtime, *mockSibling) {
	rt := simdevice.New(numDevices, capacity)
	sibling := newMockSibling(rt)
	a := New(rt, sibling, opts)
	require.NoError(t, a.InitDevices())
	require.Equal(t, numDevices, a.NumDevices())
	return a, rt, sibling
}

// eventKinds returns the kinds of the events recorded on the device, in order.
func eventKinds(rt *simdevice.Runtime, dev int) []simdevice.EventKind {
	var kinds []simdevice.EventKind
	for _, e := range rt.Events() {
		if e.Device == dev {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}
