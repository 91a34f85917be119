// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearCachesCountsDirectoriesOnly(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	root := r.dev.cachesDir()
	writeFile(t, filepath.Join(root, "A", "blob"), "x")
	writeFile(t, filepath.Join(root, "B"), "file")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "C"), 0o755))

	n := r.dev.ClearCaches(context.Background())
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "B", entries[0].Name())
}

func TestClearCachesCountsFailedDeletions(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	r := newTestRig(t, "17.2", "Shutdown")
	root := r.dev.cachesDir()
	writeFile(t, filepath.Join(root, "A", "blob"), "x")
	writeFile(t, filepath.Join(root, "B"), "file")
	locked := filepath.Join(root, "C", "locked")
	writeFile(t, filepath.Join(locked, "blob"), "x")
	require.NoError(t, os.Chmod(locked, 0o500))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	n := r.dev.ClearCaches(context.Background())
	assert.Equal(t, 2, n)

	_, err := os.Stat(filepath.Join(root, "A"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(locked, "blob"))
	assert.NoError(t, err)
}

func TestClearCachesRejectsNamesOutsideRoot(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	root := r.dev.cachesDir()
	keychain := filepath.Join(r.dev.keychainsDir(), "keychain-2.db")
	writeFile(t, keychain, "db")
	writeFile(t, filepath.Join(root, "com.apple.nested", "inner", "Cache.db"), "x")

	n := r.dev.ClearCaches(context.Background(), "..", ".", "", "../Keychains", "com.apple.nested/inner", r.dev.keychainsDir())
	assert.Equal(t, 0, n)
	assert.Equal(t, "db", readFile(t, keychain))
	_, err := os.Stat(filepath.Join(root, "com.apple.nested", "inner"))
	assert.NoError(t, err)
}

func TestClearCachesNamedSubfolders(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	root := r.dev.cachesDir()
	writeFile(t, filepath.Join(root, "com.apple.mobilesafari", "Cache.db"), "x")
	writeFile(t, filepath.Join(root, "com.apple.keep", "Cache.db"), "x")

	n := r.dev.ClearCaches(context.Background(), "com.apple.mobilesafari", "does-not-exist")
	assert.Equal(t, 1, n)
	_, err := os.Stat(filepath.Join(root, "com.apple.keep"))
	assert.NoError(t, err)
}

func TestClearCachesMissingRoot(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	assert.Equal(t, 0, r.dev.ClearCaches(context.Background()))
}

func TestCleanAppRemovesBothScopes(t *testing.T) {
	r := newTestRig(t, "12.0", "Shutdown")
	r.markBooted(t)
	containers := filepath.Join(r.dev.DataRoot(), "Containers")
	bundle := filepath.Join(containers, "Bundle", "Application", "B-1")
	data := filepath.Join(containers, "Data", "Application", "D-1")
	writeContainer(t, bundle, "com.example.app")
	writeContainer(t, data, "com.example.app")
	ctx := context.Background()

	got, err := r.dev.ResolvePath(ctx, "com.example.app", ScopeData)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, r.dev.CleanApp(ctx, "com.example.app"))
	for _, dir := range []string{bundle, data} {
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err), dir)
	}
	assert.Empty(t, r.dev.bundlePaths)

	assert.NoError(t, r.dev.CleanApp(ctx, "com.example.unknown"))
}
