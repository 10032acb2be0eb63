package main

import (
	"testing"

	"github.com/gomlx/devws/device"
	"github.com/gomlx/devws/device/simdevice"
	"github.com/gomlx/devws/workspace"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// The device only fits a couple of the streams' blocks at a time, so launches keep triggering recoveries.
var pressure = workload{devices: 2, streams: 8, iterations: 300, maxSize: 8 * device.MiB}

const pressureCapacity = 24 * device.MiB

func TestRunUnderMemoryPressure(t *testing.T) {
	for _, backend := range []string{"sim", "host"} {
		t.Run(backend, func(t *testing.T) {
			rt, touch := must.M2(newBackend(backend, pressure.devices, pressureCapacity))
			ws, cache := must.M2(newAllocators(rt, false))
			require.Equal(t, workspace.Cached, ws.Mode())

			launches, err := run(rt, touch, ws, cache, pressure)
			require.NoError(t, err)
			require.Equal(t, pressure.devices*pressure.streams*pressure.iterations, launches)

			var recoveries int64
			for _, s := range ws.Stats() {
				recoveries += s.Recoveries
				require.Zero(t, s.OutOfMemory)
				require.GreaterOrEqual(t, s.Requests, int64(pressure.streams*pressure.iterations))
			}
			for _, s := range cache.Stats() {
				recoveries += s.Recoveries
				require.Zero(t, s.AllocatedBytes, "every tensor is returned to the cache")
			}
			require.Positive(t, recoveries)

			require.NoError(t, ws.EmptyCache(true))
			require.NoError(t, cache.EmptyCache(true))
			if sim, ok := rt.(*simdevice.Runtime); ok {
				for dev := range pressure.devices {
					require.Zero(t, sim.LiveAllocations(dev))
				}
			}
		})
	}
}

func TestRunUncached(t *testing.T) {
	rt, touch := must.M2(newBackend("sim", pressure.devices, pressureCapacity))
	ws, cache := must.M2(newAllocators(rt, true))
	require.Equal(t, workspace.Uncached, ws.Mode())

	w := pressure
	w.iterations = 50
	launches, err := run(rt, touch, ws, cache, w)
	require.NoError(t, err)
	require.Equal(t, w.streams*w.iterations, launches, "only the current device is used")
	require.NoError(t, cache.EmptyCache(true))
	sim := rt.(*simdevice.Runtime)
	require.Zero(t, sim.LiveAllocations(0), "uncached workspace is freed on release")
	require.Zero(t, sim.Count(simdevice.EventMalloc, 1))
}

func TestNewBackend(t *testing.T) {
	_, _, err := newBackend("tpu", 1, device.MiB)
	require.Error(t, err)
}
