package workspace

import (
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// recover empties the workspace cache and asks the sibling allocator to empty its own.
//
// Only one recovery per device runs at a time: concurrent callers for the same device join the running one and
// share its result.
func (a *Allocator) recover(da *deviceAllocator) error {
	ch := a.recovery.DoChan(strconv.Itoa(da.ordinal), func() (any, error) {
		da.recoveries.Add(1)
		klog.Warningf("workspace: device %d out of memory, emptying workspace and tensor caches before retrying", da.ordinal)
		if a.opts.EmptyAllDevicesOnRecovery {
			if err := a.EmptyCache(true); err != nil {
				return nil, errors.WithMessage(err, "emptying workspace cache")
			}
			if err := a.sibling.EmptyCache(true); err != nil {
				return nil, errors.WithMessage(err, "emptying tensor cache")
			}
			return nil, nil
		}
		if err := da.emptyCache(true); err != nil {
			return nil, errors.WithMessagef(err, "emptying workspace cache of device %d", da.ordinal)
		}
		var err error
		if sibling, ok := a.sibling.(DeviceSiblingAllocator); ok {
			err = sibling.EmptyDeviceCache(da.ordinal, true)
		} else {
			err = a.sibling.EmptyCache(true)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "emptying tensor cache of device %d", da.ordinal)
		}
		return nil, nil
	})
	// The caller is registered with the recovery (as its leader or joined to it) once DoChan returns.
	da.recoveryWaiters.Add(1)
	res := <-ch
	da.recoveryWaiters.Add(-1)
	if res.Shared {
		klog.V(1).Infof("workspace: device %d shared out-of-memory recovery with concurrent requests", da.ordinal)
	}
	return res.Err
}
