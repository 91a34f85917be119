// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"
)

// securitydDescriptor is the launchd plist of the keychain daemon inside the runtime.
const securitydDescriptor = "com.apple.securityd.plist"

// keychainArchive is the single tracked backup of a device's Keychains directory.
type keychainArchive struct {
	path string
	sum  []byte
	size int64
}

var archiveSeq atomic.Uint64

// createArchiveFile opens a fresh archive file in dir that no other backup owns.
func createArchiveFile(dir, udid string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for {
		name := fmt.Sprintf("keychains-%s-%d.tar.zst", udid, archiveSeq.Add(1))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, err
	}
}

// KeychainBackupPath returns the tracked archive path, or "" when there is none.
func (d *Device) KeychainBackupPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backup == nil {
		return ""
	}
	return d.backup.path
}

// BackupKeychains archives the Keychains directory. It reports false when the
// directory does not exist. A previous archive is deleted once the new one is written,
// so a device tracks at most one backup.
func (d *Device) BackupKeychains(ctx context.Context) (bool, error) {
	_, span := startSpan(ctx, d.env, "sim.BackupKeychains", attribute.String("udid", d.UDID))
	defer span.End()

	d.keychainMu.Lock()
	defer d.keychainMu.Unlock()

	src := d.keychainsDir()
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		logEvent(d.env, "no keychains to back up", "udid", d.UDID, "path", src)
		return false, nil
	}

	f, err := createArchiveFile(d.env.TempDir, d.UDID)
	if err != nil {
		recordSpanError(span, err)
		return false, fmt.Errorf("create keychain archive: %w", err)
	}
	sum, err := writeArchive(src, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		d.metrics.IncOperation("backup_keychains", resultLabel(err))
		recordSpanError(span, err)
		return false, err
	}
	info, err := os.Stat(f.Name())
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	next := &keychainArchive{path: f.Name(), sum: sum, size: info.Size()}

	d.mu.Lock()
	prev := d.backup
	d.backup = next
	d.mu.Unlock()
	if prev != nil && prev.path != next.path {
		if err := os.Remove(prev.path); err != nil && !os.IsNotExist(err) {
			logWarn(d.env, "previous keychain archive not removed", "udid", d.UDID, "path", prev.path, "error", err)
		}
	}

	d.metrics.SetKeychainArchiveBytes(d.UDID, next.size)
	d.metrics.IncOperation("backup_keychains", "ok")
	logEvent(d.env, "keychains backed up", "udid", d.UDID, "archive", next.path, "size", units.HumanSize(float64(next.size)))
	return true, nil
}

// AdoptKeychainBackup tracks an archive written by an earlier process as this
// device's backup. The checksum is taken now and verified again on restore.
func (d *Device) AdoptKeychainBackup(path string) error {
	sum, err := fileChecksum(path)
	if err != nil {
		return fmt.Errorf("adopt keychain archive: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	d.keychainMu.Lock()
	defer d.keychainMu.Unlock()
	d.mu.Lock()
	d.backup = &keychainArchive{path: path, sum: sum, size: info.Size()}
	d.mu.Unlock()
	d.metrics.SetKeychainArchiveBytes(d.UDID, info.Size())
	logEvent(d.env, "keychain archive adopted", "udid", d.UDID, "archive", path, "size", units.HumanSize(float64(info.Size())))
	return nil
}

// RestoreKeychains replaces the Keychains directory with the tracked archive,
// skipping members matching any of excludes (glob patterns against the relative
// path or the base name). When no archive is tracked it returns ErrNoKeychainBackup
// and touches nothing. On a booted device the keychain daemon is unloaded first
// and reloaded afterwards, whatever the outcome. The archive is consumed.
func (d *Device) RestoreKeychains(ctx context.Context, excludes ...string) (restored bool, err error) {
	ctx, span := startSpan(ctx, d.env, "sim.RestoreKeychains", attribute.String("udid", d.UDID))
	defer span.End()
	defer func() {
		d.metrics.IncOperation("restore_keychains", resultLabel(err))
		recordSpanError(span, err)
	}()

	d.keychainMu.Lock()
	defer d.keychainMu.Unlock()

	d.mu.Lock()
	backup := d.backup
	d.mu.Unlock()
	if backup == nil {
		return false, ErrNoKeychainBackup
	}
	if err := verifyChecksum(backup.path, backup.sum); err != nil {
		return false, err
	}

	running, err := d.IsRunning(ctx)
	if err != nil {
		return false, err
	}
	if running {
		reload, uerr := d.unloadSecurityd(ctx)
		if uerr != nil {
			return false, uerr
		}
		defer func() {
			if rerr := reload(); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	dst := d.keychainsDir()
	if err := os.RemoveAll(dst); err != nil {
		return false, fmt.Errorf("clear %s: %w", dst, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return false, err
	}
	if err := extractArchive(backup.path, dst, excludes); err != nil {
		return false, err
	}

	if err := os.Remove(backup.path); err != nil && !os.IsNotExist(err) {
		logWarn(d.env, "keychain archive not removed", "udid", d.UDID, "path", backup.path, "error", err)
	}
	d.mu.Lock()
	if d.backup == backup {
		d.backup = nil
	}
	d.mu.Unlock()
	d.metrics.SetKeychainArchiveBytes(d.UDID, 0)
	logEvent(d.env, "keychains restored", "udid", d.UDID, "excludes", excludes)
	return true, nil
}

// ClearKeychains empties the Keychains directory with the keychain daemon
// unloaded. The daemon is reloaded on every exit path.
func (d *Device) ClearKeychains(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, d.env, "sim.ClearKeychains", attribute.String("udid", d.UDID))
	defer span.End()
	defer func() {
		d.metrics.IncOperation("clear_keychains", resultLabel(err))
		recordSpanError(span, err)
	}()

	d.keychainMu.Lock()
	defer d.keychainMu.Unlock()

	reload, err := d.unloadSecurityd(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := reload(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	dir := d.keychainsDir()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	logEvent(d.env, "keychains cleared", "udid", d.UDID)
	return nil
}

// unloadSecurityd stops the keychain daemon inside the device and returns the
// function that loads it back.
func (d *Device) unloadSecurityd(ctx context.Context) (func() error, error) {
	plist := filepath.Join(d.env.LaunchDaemonsRoot(), securitydDescriptor)
	if _, err := os.Stat(plist); err != nil {
		return nil, &MissingDescriptorError{Path: plist}
	}
	if _, err := d.inv.Spawn(ctx, d.UDID, "launchctl", "unload", plist); err != nil {
		return nil, fmt.Errorf("unload keychain daemon: %w", err)
	}
	return func() error {
		// the caller's context may be done by now
		rctx := context.WithoutCancel(ctx)
		if _, err := d.inv.Spawn(rctx, d.UDID, "launchctl", "load", plist); err != nil {
			logWarn(d.env, "keychain daemon reload failed", "udid", d.UDID, "error", err)
			return fmt.Errorf("reload keychain daemon: %w", err)
		}
		return nil
	}, nil
}
