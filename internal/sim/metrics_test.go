// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prom.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestPrometheusRecorderCountsDeviceOperations(t *testing.T) {
	reg := prom.NewRegistry()
	env := testEnv(t)
	dev := NewDevice(env, testUDID, Options{
		Inventory: newFakeInventory("17.2", "Shutdown"),
		Exec:      &fakeExec{},
		Processes: &fakeProcesses{},
		Metrics:   NewPrometheusRecorder(reg),
	})
	root := dev.cachesDir()
	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
	}
	writeFile(t, filepath.Join(dev.keychainsDir(), "keychain-2.db"), "k")
	ctx := context.Background()

	assert.Equal(t, 3, dev.ClearCaches(ctx))
	_, err := dev.BackupKeychains(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3.0, gatherValue(t, reg, "simdevctl_cache_dirs_deleted_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "simdevctl_operations_total"))
	assert.Greater(t, gatherValue(t, reg, "simdevctl_keychain_archive_bytes"), 0.0)
}
