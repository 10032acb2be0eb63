package tensorcache

import (
	"testing"

	"github.com/gomlx/devws/config"
	"github.com/gomlx/devws/device"
	"github.com/gomlx/devws/device/simdevice"
	"github.com/gomlx/devws/workspace"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var (
	_ workspace.DeviceSiblingAllocator = (*Allocator)(nil)
	_ DevicePeer                       = (*workspace.Allocator)(nil)
)

func TestSizeClass(t *testing.T) {
	require.Equal(t, uint64(512), SizeClass(1))
	require.Equal(t, uint64(512), SizeClass(512))
	require.Equal(t, uint64(1024), SizeClass(513))
	require.Equal(t, uint64(4096), SizeClass(3000))
	require.Equal(t, uint64(device.MiB), SizeClass(device.MiB))
	require.Equal(t, uint64(2*device.MiB), SizeClass(device.MiB+1))
	require.Equal(t, uint64(4*device.MiB), SizeClass(3_000_000))
}

func TestMallocFree(t *testing.T) {
	rt := simdevice.New(2, 64*device.MiB)
	c := New(rt)
	s1, s2 := rt.NewStream(), rt.NewStream()

	require.Equal(t, device.NullPtr, must.M1(c.Malloc(0, 0, s1)))
	require.NoError(t, c.Free(0, device.NullPtr))

	p1 := must.M1(c.Malloc(0, 3000, s1))
	require.Equal(t, uint64(4096), rt.Used(0))
	require.NoError(t, c.Free(0, p1))
	require.Equal(t, 1, rt.LiveAllocations(0), "freed blocks stay cached")

	// Same stream and size class: reused without touching the device.
	require.Equal(t, p1, must.M1(c.Malloc(0, 2500, s1)))
	require.Equal(t, 1, rt.Count(simdevice.EventMalloc, 0))
	require.NoError(t, c.Free(0, p1))

	// Other stream, other size class or other device: new blocks.
	require.NotEqual(t, p1, must.M1(c.Malloc(0, 3000, s2)))
	require.NotEqual(t, p1, must.M1(c.Malloc(0, 100, s1)))
	_ = must.M1(c.Malloc(1, 3000, s1))
	require.Equal(t, 3, rt.Count(simdevice.EventMalloc, 0))
	require.Equal(t, 1, rt.Count(simdevice.EventMalloc, 1))

	require.Error(t, c.Free(0, p1), "double free")
	require.Error(t, c.Free(1, device.Ptr(0x1234)))

	stats := c.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, Stats{Device: 0, Requests: 4, Hits: 1, Mallocs: 3, AllocatedBytes: 4096 + 512, CachedBytes: 4096}, stats[0])
	require.Equal(t, 1, stats[1].Device)
	require.Equal(t, uint64(4096), stats[1].AllocatedBytes)
}

func TestEmptyCache(t *testing.T) {
	rt := simdevice.New(1, 64*device.MiB)
	c := New(rt)
	stream := rt.NewStream()
	kept := must.M1(c.Malloc(0, 1000, stream))
	for _, size := range []uint64{100, 10_000, 5 * device.MiB} {
		ptr := must.M1(c.Malloc(0, size, stream))
		require.NoError(t, rt.Launch(0, ptr))
		require.NoError(t, c.Free(0, ptr))
	}
	require.Equal(t, 4, rt.LiveAllocations(0))

	rt.FailSynchronize(0, true)
	require.Error(t, c.EmptyCache(true))
	require.Equal(t, 4, rt.LiveAllocations(0))

	rt.FailSynchronize(0, false)
	require.NoError(t, c.EmptyCache(true))
	require.Equal(t, 1, rt.LiveAllocations(0))
	require.Zero(t, c.Stats()[0].CachedBytes)
	require.NoError(t, c.Free(0, kept))
}

func TestRecoveryEmptiesPeer(t *testing.T) {
	rt := simdevice.New(1, 8*device.MiB)
	c := New(rt)
	ws := workspace.New(rt, c, config.Default())
	require.NoError(t, ws.InitDevices())
	c.SetPeer(ws)

	stream := rt.NewStream()
	_ = ws.MustMalloc(0, 5*device.MiB, stream)
	cached := must.M1(c.Malloc(0, 1000, stream))
	require.NoError(t, c.Free(0, cached))

	// 6 MiB requires both the workspace block and the cached tensor block to be released.
	ptr := must.M1(c.Malloc(0, 6*device.MiB, stream))
	require.False(t, ptr.IsNull())
	require.Equal(t, int64(1), c.Stats()[0].Recoveries)
	require.Zero(t, ws.Stats()[0].Blocks)
	require.Equal(t, 1, rt.LiveAllocations(0))

	// Nothing left to release.
	_, err := c.Malloc(0, 4*device.MiB, stream)
	require.True(t, device.IsAllocationFailure(err))
}

func TestRecoveryOnlyFailingDevice(t *testing.T) {
	rt := simdevice.New(2, 64*device.MiB)
	c := New(rt)
	ws := workspace.New(rt, c, config.Default())
	require.NoError(t, ws.InitDevices())
	c.SetPeer(ws)

	stream := rt.NewStream()
	for dev := range 2 {
		_ = ws.MustMalloc(dev, 100, stream)
		require.NoError(t, c.Free(dev, must.M1(c.Malloc(dev, 1000, stream))))
	}

	// A size class not cached yet, so the request goes to the device.
	rt.FailNextMallocs(0, 1)
	_ = must.M1(c.Malloc(0, 5000, stream))
	require.Equal(t, int64(1), c.Stats()[0].Recoveries)
	require.Zero(t, ws.Stats()[0].Blocks)
	require.Equal(t, 1, ws.Stats()[1].Blocks, "workspace of device 1 must be kept")
	require.Equal(t, uint64(1024), c.Stats()[1].CachedBytes, "tensor cache of device 1 must be kept")
	require.Equal(t, 2, rt.LiveAllocations(1))
}

func TestWorkspaceRecoveryEmptiesTensorCache(t *testing.T) {
	rt := simdevice.New(1, 8*device.MiB)
	c := New(rt)
	ws := workspace.New(rt, c, config.Default())
	require.NoError(t, ws.InitDevices())
	stream := rt.NewStream()

	var ptrs []device.Ptr
	for range 3 {
		ptrs = append(ptrs, must.M1(c.Malloc(0, 2*device.MiB, stream)))
	}
	for _, ptr := range ptrs {
		require.NoError(t, c.Free(0, ptr))
	}
	require.Equal(t, uint64(6*device.MiB), rt.Used(0))

	ptr := ws.MustMalloc(0, 4*device.MiB, stream)
	require.False(t, ptr.IsNull())
	require.Equal(t, int64(1), ws.Stats()[0].Recoveries)
	require.Zero(t, c.Stats()[0].CachedBytes)
}

func TestConcurrentStreams(t *testing.T) {
	rt := simdevice.New(2, 256*device.MiB)
	c := New(rt)
	var g errgroup.Group
	for ii := range 16 {
		dev := ii % 2
		stream := rt.NewStream()
		g.Go(func() error {
			for jj := range 200 {
				ptr, err := c.Malloc(dev, uint64(1+(jj*977)%(64*device.KiB)), stream)
				if err != nil {
					return err
				}
				if err := c.Free(dev, ptr); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, s := range c.Stats() {
		require.Equal(t, int64(8*200), s.Requests)
		require.Equal(t, s.Requests, s.Hits+s.Mallocs)
		require.Zero(t, s.AllocatedBytes)
	}
	require.NoError(t, c.EmptyCache(true))
	require.Zero(t, rt.LiveAllocations(0))
	require.Zero(t, rt.LiveAllocations(1))
}
