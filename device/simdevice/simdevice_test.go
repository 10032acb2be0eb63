package simdevice

import (
	"testing"

	"github.com/gomlx/devws/device"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestMallocFree(t *testing.T) {
	r := New(2, 8*device.MiB)
	p0 := must.M1(r.Malloc(0, 100, device.PolicyHugeOnly))
	p1 := must.M1(r.Malloc(1, 100, device.PolicyHugeOnly))
	require.False(t, p0.IsNull())
	require.NotEqual(t, p0, p1)
	require.Zero(t, uintptr(p0)%addressAlignment)
	require.Equal(t, uint64(100), r.Used(0))

	free, total := must.M2(r.MemInfo(0))
	require.Equal(t, uint64(8*device.MiB), total)
	require.Equal(t, uint64(8*device.MiB-100), free)

	require.NoError(t, r.Free(0, p0))
	require.Equal(t, uint64(0), r.Used(0))
	require.Equal(t, device.StatusInvalidPointer, device.StatusOf(r.Free(0, p0)))
	require.Equal(t, device.StatusInvalidDevice, device.StatusOf(r.Free(2, p1)))
	require.Equal(t, 1, r.Count(EventFree, 0))
	require.Equal(t, 1, r.Count(EventMalloc, 1))
}

func TestCapacityAndInjectedFailures(t *testing.T) {
	r := New(1, 4*device.MiB)
	_, err := r.Malloc(0, 5*device.MiB, device.PolicyHugeOnly)
	require.True(t, device.IsAllocationFailure(err))

	r.FailNextMallocs(0, 2)
	for range 2 {
		_, err = r.Malloc(0, 10, device.PolicyHugeOnly)
		require.True(t, device.IsAllocationFailure(err))
	}
	_ = must.M1(r.Malloc(0, 10, device.PolicyHugeOnly))

	r.FailSynchronize(0, true)
	require.Equal(t, device.StatusSynchronize, device.StatusOf(r.Synchronize(0)))
	r.FailSynchronize(0, false)
	require.NoError(t, r.Synchronize(0))
}

func TestInFlightUntilSynchronize(t *testing.T) {
	r := New(1, 4*device.MiB)
	p := must.M1(r.Malloc(0, 64, device.PolicyHugeOnly))
	require.NoError(t, r.Launch(0, p))
	require.Equal(t, device.StatusUseAfterFree, device.StatusOf(r.Free(0, p)))
	require.NoError(t, r.Synchronize(0))
	require.NoError(t, r.Free(0, p))
	require.Error(t, r.Launch(0, p))
}

func TestStreams(t *testing.T) {
	r := New(2, device.MiB)
	s0 := must.M1(r.CurrentStream(0))
	s1 := must.M1(r.CurrentStream(1))
	require.NotEqual(t, device.NoStream, s0)
	require.NotEqual(t, s0, s1)

	s := r.NewStream()
	require.NoError(t, r.SetCurrentStream(1, s))
	require.Equal(t, s, must.M1(r.CurrentStream(1)))

	require.NoError(t, r.SetDevice(1))
	require.Equal(t, 1, must.M1(r.CurrentDevice()))
	require.Error(t, r.SetDevice(5))
}
