// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedKeychains(t *testing.T, dev *Device) {
	t.Helper()
	dir := dev.keychainsDir()
	writeFile(t, filepath.Join(dir, "keychain-2-debug.db"), "secrets")
	writeFile(t, filepath.Join(dir, "TrustStore.sqlite3"), "trust")
	writeFile(t, filepath.Join(dir, "analytics", "state.db"), "nested")
}

func archivesIn(t *testing.T, env Env) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(env.TempDir, "keychains-"+testUDID+"-*.tar.zst"))
	require.NoError(t, err)
	return matches
}

func writeSecuritydDescriptor(t *testing.T, env Env) string {
	t.Helper()
	p := filepath.Join(env.LaunchDaemonsRoot(), securitydDescriptor)
	writeFile(t, p, "<plist/>")
	return p
}

func TestBackupWithoutKeychainsReportsFalse(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")

	ok, err := r.dev.BackupKeychains(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, r.dev.KeychainBackupPath())
}

func TestBackupKeepsAtMostOneArchive(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	seedKeychains(t, r.dev)
	ctx := context.Background()

	ok, err := r.dev.BackupKeychains(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	first := r.dev.KeychainBackupPath()

	ok, err = r.dev.BackupKeychains(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	second := r.dev.KeychainBackupPath()

	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{second}, archivesIn(t, r.env))
	_, err = os.Stat(first)
	assert.True(t, os.IsNotExist(err), "previous archive is deleted")
}

func TestRestoreWithoutBackupFailsWithoutMutation(t *testing.T) {
	r := newTestRig(t, "17.2", "Booted")
	seedKeychains(t, r.dev)

	ok, err := r.dev.RestoreKeychains(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoKeychainBackup)
	assert.Equal(t, "secrets", readFile(t, filepath.Join(r.dev.keychainsDir(), "keychain-2-debug.db")))
	assert.Empty(t, r.inv.Spawns(), "daemon is never touched")
}

func TestBackupRestoreRoundTripWithExcludes(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	seedKeychains(t, r.dev)
	ctx := context.Background()
	dir := r.dev.keychainsDir()

	ok, err := r.dev.BackupKeychains(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	archive := r.dev.KeychainBackupPath()

	writeFile(t, filepath.Join(dir, "keychain-2-debug.db"), "changed")
	writeFile(t, filepath.Join(dir, "stray.db"), "stray")

	ok, err = r.dev.RestoreKeychains(ctx, "TrustStore.*", "analytics")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "secrets", readFile(t, filepath.Join(dir, "keychain-2-debug.db")))
	for _, gone := range []string{"stray.db", "TrustStore.sqlite3", "analytics"} {
		_, err := os.Stat(filepath.Join(dir, gone))
		assert.True(t, os.IsNotExist(err), gone)
	}
	_, err = os.Stat(archive)
	assert.True(t, os.IsNotExist(err), "archive is consumed")
	assert.Empty(t, r.dev.KeychainBackupPath())
	assert.Empty(t, r.inv.Spawns(), "a stopped device needs no daemon handling")

	_, err = r.dev.RestoreKeychains(ctx)
	assert.ErrorIs(t, err, ErrNoKeychainBackup)
}

func TestRestoreOnBootedDeviceCyclesDaemon(t *testing.T) {
	r := newTestRig(t, "17.2", "Booted")
	seedKeychains(t, r.dev)
	plist := writeSecuritydDescriptor(t, r.env)
	ctx := context.Background()

	_, err := r.dev.BackupKeychains(ctx)
	require.NoError(t, err)
	ok, err := r.dev.RestoreKeychains(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, [][]string{
		{"launchctl", "unload", plist},
		{"launchctl", "load", plist},
	}, r.inv.Spawns())
}

func TestRestoreOnBootedDeviceNeedsDescriptor(t *testing.T) {
	r := newTestRig(t, "17.2", "Booted")
	seedKeychains(t, r.dev)
	ctx := context.Background()

	_, err := r.dev.BackupKeychains(ctx)
	require.NoError(t, err)
	writeFile(t, filepath.Join(r.dev.keychainsDir(), "keychain-2-debug.db"), "changed")

	_, err = r.dev.RestoreKeychains(ctx)
	var missing *MissingDescriptorError
	require.True(t, errors.As(err, &missing))
	assert.Contains(t, missing.Path, securitydDescriptor)
	assert.Equal(t, "changed", readFile(t, filepath.Join(r.dev.keychainsDir(), "keychain-2-debug.db")))
	assert.NotEmpty(t, r.dev.KeychainBackupPath(), "backup survives a failed restore")
}

func TestRestoreRejectsTamperedArchive(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	seedKeychains(t, r.dev)
	ctx := context.Background()

	_, err := r.dev.BackupKeychains(ctx)
	require.NoError(t, err)
	f, err := os.OpenFile(r.dev.KeychainBackupPath(), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, _ = f.WriteString("garbage")
	require.NoError(t, f.Close())
	writeFile(t, filepath.Join(r.dev.keychainsDir(), "keychain-2-debug.db"), "changed")

	_, err = r.dev.RestoreKeychains(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
	assert.Equal(t, "changed", readFile(t, filepath.Join(r.dev.keychainsDir(), "keychain-2-debug.db")))
}

func TestAdoptKeychainBackup(t *testing.T) {
	producer := newTestRig(t, "17.2", "Shutdown")
	seedKeychains(t, producer.dev)
	ctx := context.Background()
	_, err := producer.dev.BackupKeychains(ctx)
	require.NoError(t, err)
	archive := producer.dev.KeychainBackupPath()

	consumer := newTestRig(t, "17.2", "Shutdown")
	require.NoError(t, consumer.dev.AdoptKeychainBackup(archive))
	assert.Equal(t, archive, consumer.dev.KeychainBackupPath())

	ok, err := consumer.dev.RestoreKeychains(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "nested", readFile(t, filepath.Join(consumer.dev.keychainsDir(), "analytics", "state.db")))

	assert.Error(t, consumer.dev.AdoptKeychainBackup(filepath.Join(t.TempDir(), "missing.tar.zst")))
}

func TestClearKeychains(t *testing.T) {
	r := newTestRig(t, "17.2", "Booted")
	seedKeychains(t, r.dev)
	plist := writeSecuritydDescriptor(t, r.env)

	require.NoError(t, r.dev.ClearKeychains(context.Background()))
	entries, err := os.ReadDir(r.dev.keychainsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, [][]string{
		{"launchctl", "unload", plist},
		{"launchctl", "load", plist},
	}, r.inv.Spawns())
}

func TestClearKeychainsNeedsDescriptor(t *testing.T) {
	r := newTestRig(t, "17.2", "Shutdown")
	seedKeychains(t, r.dev)

	err := r.dev.ClearKeychains(context.Background())
	var missing *MissingDescriptorError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "secrets", readFile(t, filepath.Join(r.dev.keychainsDir(), "keychain-2-debug.db")))
}
