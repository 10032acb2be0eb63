// devws_bench runs a concurrent allocation workload against the workspace and tensor-caching allocators, over
// simulated or host-memory devices, and prints the allocators' statistics.
//
// Example:
//
//	$ go run ./cmd/devws_bench -backend=sim -devices=2 -streams=4 -iterations=10000 -capacity=256
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gomlx/devws/config"
	"github.com/gomlx/devws/device"
	"github.com/gomlx/devws/device/host"
	"github.com/gomlx/devws/device/simdevice"
	"github.com/gomlx/devws/tensorcache"
	"github.com/gomlx/devws/workspace"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagBackend    = flag.String("backend", "sim", "Devices to run on: \"sim\" for simulated devices, \"host\" for host memory.")
	flagDevices    = flag.Int("devices", 2, "Number of devices.")
	flagStreams    = flag.Int("streams", 4, "Number of streams per device. Each device is driven by one goroutine cycling over its streams.")
	flagIterations = flag.Int("iterations", 1000, "Number of kernel launches per stream.")
	flagMaxSize    = flag.Uint64("max_size", 8*device.MiB, "Maximum size in bytes of the workspace and tensors requested per launch.")
	flagCapacity   = flag.Uint64("capacity", 256, "Memory capacity of each device, in MiB.")
	flagUncached   = flag.Bool("force_uncached", false,
		"Bypass the workspace cache. Overrides "+config.EnvPrefix+"_FORCE_UNCACHED when set. Uncached requests are served on the current device only.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, address (e.g. \":9090\") where to serve Prometheus metrics on /metrics.")
	flagLinger      = flag.Duration("linger", 0, "Time to keep serving metrics after the workload finishes.")
)

// benchRuntime is implemented by both backends.
type benchRuntime interface {
	device.Runtime
	NewStream() device.Stream
}

// touchFn simulates a kernel using size bytes at ptr.
type touchFn func(dev int, ptr device.Ptr, size uint64) error

// workload describes the launches run on each device.
type workload struct {
	devices, streams, iterations int
	maxSize                      uint64
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagDevices < 1 {
		klog.Fatalf("-devices must be positive")
	}
	rt, touch, err := newBackend(*flagBackend, *flagDevices, *flagCapacity*device.MiB)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	ws, cache, err := newAllocators(rt, *flagUncached)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	if *flagMetricsAddr != "" {
		serveMetrics(*flagMetricsAddr, ws)
	}

	w := workload{devices: *flagDevices, streams: *flagStreams, iterations: *flagIterations, maxSize: *flagMaxSize}
	if w.streams < 1 || w.maxSize == 0 {
		klog.Fatalf("-streams and -max_size must be positive")
	}
	fmt.Printf("Running %d launches per stream on %d streams of %d %s devices (%s of capacity each), workspace mode %s:\n",
		w.iterations, w.streams, w.devices, *flagBackend, device.FormatSize(*flagCapacity*device.MiB), ws.Mode())
	start := time.Now()
	launches, err := run(rt, touch, ws, cache, w)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	elapsed := time.Since(start)
	fmt.Printf("%d launches in %s (%s/launch)\n\n", launches, elapsed, elapsed/time.Duration(max(launches, 1)))
	printStats(ws, cache)

	if err = ws.EmptyCache(true); err != nil {
		klog.Errorf("emptying workspace cache: %+v", err)
	}
	if err = cache.EmptyCache(true); err != nil {
		klog.Errorf("emptying tensor cache: %+v", err)
	}
	if *flagMetricsAddr != "" && *flagLinger > 0 {
		klog.Infof("serving metrics on %s for %s", *flagMetricsAddr, *flagLinger)
		time.Sleep(*flagLinger)
	}
}

// newBackend creates the runtime and the function that simulates a kernel using a pointer.
func newBackend(name string, numDevices int, capacity uint64) (benchRuntime, touchFn, error) {
	switch name {
	case "sim":
		rt := simdevice.New(numDevices, capacity)
		return rt, func(dev int, ptr device.Ptr, _ uint64) error {
			return rt.Launch(dev, ptr)
		}, nil
	case "host":
		rt := host.New(numDevices, capacity)
		return rt, func(_ int, ptr device.Ptr, size uint64) error {
			clear(rt.Bytes(ptr, size))
			return nil
		}, nil
	}
	return nil, nil, errors.Errorf("unknown backend %q, valid values are \"sim\" and \"host\"", name)
}

// newAllocators creates the workspace allocator and the tensor cache, each one the sibling of the other.
//
// Options come from the environment (see config.Load), with forceUncached overriding it when set. Out-of-memory
// recoveries are limited to the failing device: each device is driven by a single goroutine (see run), so no
// other goroutine can hold a pointer freed by a recovery.
func newAllocators(rt device.Runtime, forceUncached bool) (*workspace.Allocator, *tensorcache.Allocator, error) {
	opts, err := config.Load()
	if err != nil {
		klog.Errorf("%v; using default options", err)
	}
	if forceUncached {
		opts.ForceUncached = true
	}
	opts.EmptyAllDevicesOnRecovery = false

	cache := tensorcache.New(rt)
	ws := workspace.New(rt, cache, opts)
	if err = ws.InitDevices(); err != nil {
		return nil, nil, err
	}
	cache.SetPeer(ws)
	return ws, cache, nil
}

func serveMetrics(addr string, ws *workspace.Allocator) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(workspace.NewCollector(ws))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.Errorf("metrics server on %s stopped: %v", addr, err)
		}
	}()
}

// run drives one goroutine per device, which cycles over the device's streams. Each launch takes a tensor from the
// tensor cache and workspace from the workspace allocator, "runs" a kernel on both, and returns the tensor to the
// cache. It returns the number of launches.
//
// Workspace pointers are only valid until the next recovery of their device: a single goroutine per device
// guarantees no recovery runs between taking a pointer and using it. In uncached mode only the current device is
// used.
func run(rt benchRuntime, touch touchFn, ws *workspace.Allocator, cache *tensorcache.Allocator, w workload) (int, error) {
	devices := make([]int, 0, w.devices)
	if ws.Mode() == workspace.Uncached {
		dev, err := rt.CurrentDevice()
		if err != nil {
			return 0, err
		}
		devices = append(devices, dev)
	} else {
		for dev := range w.devices {
			devices = append(devices, dev)
		}
	}

	var g errgroup.Group
	for _, dev := range devices {
		streams := make([]device.Stream, w.streams)
		for ii := range streams {
			streams[ii] = rt.NewStream()
		}
		rng := rand.New(rand.NewPCG(uint64(dev), uint64(w.streams)))
		g.Go(func() error {
			for range w.iterations {
				for _, stream := range streams {
					if err := launch(rng, dev, stream, touch, ws, cache, w.maxSize); err != nil {
						return errors.WithMessagef(err, "device %d stream %d", dev, stream)
					}
				}
			}
			return nil
		})
	}
	return len(devices) * w.streams * w.iterations, g.Wait()
}

func launch(rng *rand.Rand, dev int, stream device.Stream, touch touchFn,
	ws *workspace.Allocator, cache *tensorcache.Allocator, maxSize uint64) error {
	tensorSize := 1 + rng.Uint64N(maxSize)
	tensor, err := cache.Malloc(dev, tensorSize, stream)
	if err != nil {
		return err
	}
	if err = touch(dev, tensor, tensorSize); err != nil {
		return err
	}

	wsSize := rng.Uint64N(maxSize)
	if ws.Mode() == workspace.Uncached {
		dp, err := ws.AllocateWithStream(wsSize, stream)
		if err != nil {
			return err
		}
		if !dp.Ptr().IsNull() {
			if err = touch(dev, dp.Ptr(), wsSize); err != nil {
				return err
			}
		}
		if err = dp.Release(); err != nil {
			return err
		}
	} else {
		ptr, err := ws.Malloc(dev, wsSize, stream)
		if err != nil {
			return err
		}
		if err = touch(dev, ptr, wsSize); err != nil {
			return err
		}
	}
	return cache.Free(dev, tensor)
}

func printStats(ws *workspace.Allocator, cache *tensorcache.Allocator) {
	var data [][]string
	for _, s := range ws.Stats() {
		data = append(data, []string{
			strconv.Itoa(s.Device),
			strconv.FormatInt(s.Requests, 10),
			strconv.FormatInt(s.Hits, 10),
			strconv.FormatInt(s.Grows, 10),
			strconv.FormatInt(s.Synchronizations, 10),
			strconv.FormatInt(s.Recoveries, 10),
			strconv.Itoa(s.Blocks),
			device.FormatSize(s.CachedBytes),
		})
	}
	fmt.Println("Workspace:")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"DEVICE", "REQUESTS", "HITS", "GROWS", "SYNCS", "RECOVERIES", "BLOCKS", "CACHED"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.AppendBulk(data)
	table.Render()

	data = nil
	for _, s := range cache.Stats() {
		data = append(data, []string{
			strconv.Itoa(s.Device),
			strconv.FormatInt(s.Requests, 10),
			strconv.FormatInt(s.Hits, 10),
			strconv.FormatInt(s.Mallocs, 10),
			strconv.FormatInt(s.Recoveries, 10),
			device.FormatSize(s.AllocatedBytes),
			device.FormatSize(s.CachedBytes),
		})
	}
	fmt.Println("\nTensor cache:")
	table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"DEVICE", "REQUESTS", "HITS", "MALLOCS", "RECOVERIES", "ALLOCATED", "CACHED"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.AppendBulk(data)
	table.Render()
}
