// Package config holds the runtime options of the workspace allocator.
//
// Options are read from environment variables prefixed with DEVWS_, once, when an allocator is constructed.
package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "DEVWS"

// Options configures the workspace allocator.
type Options struct {
	// ForceUncached bypasses the workspace cache: every allocation gets a dedicated device region that is
	// synchronized and freed as soon as it is released. Useful to debug memory corruption, at a severe
	// performance cost.
	//
	// Environment variable: DEVWS_FORCE_UNCACHED.
	ForceUncached bool `envconfig:"FORCE_UNCACHED" default:"false"`

	// EmptyAllDevicesOnRecovery makes the out-of-memory recovery empty the workspace cache of every device, not
	// only of the device that failed.
	//
	// Environment variable: DEVWS_EMPTY_ALL_DEVICES_ON_RECOVERY.
	EmptyAllDevicesOnRecovery bool `envconfig:"EMPTY_ALL_DEVICES_ON_RECOVERY" default:"true"`

	// MetricsNamespace is the namespace of the exported Prometheus metrics.
	//
	// Environment variable: DEVWS_METRICS_NAMESPACE.
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"devws"`
}

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		EmptyAllDevicesOnRecovery: true,
		MetricsNamespace:          "devws",
	}
}

// Load returns the options set in the environment, with defaults for the unset ones.
func Load() (Options, error) {
	var opts Options
	if err := envconfig.Process(EnvPrefix, &opts); err != nil {
		return Default(), errors.Wrapf(err, "invalid %s_* environment configuration", EnvPrefix)
	}
	return opts, nil
}
