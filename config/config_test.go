package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	opts, err := Load()
	require.NoError(t, err)
	require.Equal(t, Default(), opts)

	t.Setenv("DEVWS_FORCE_UNCACHED", "true")
	t.Setenv("DEVWS_EMPTY_ALL_DEVICES_ON_RECOVERY", "false")
	t.Setenv("DEVWS_METRICS_NAMESPACE", "npu")
	opts, err = Load()
	require.NoError(t, err)
	require.True(t, opts.ForceUncached)
	require.False(t, opts.EmptyAllDevicesOnRecovery)
	require.Equal(t, "npu", opts.MetricsNamespace)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("DEVWS_FORCE_UNCACHED", "maybe")
	opts, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DEVWS_")
	require.Equal(t, Default(), opts)
}
