// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const globalPreferences = ".GlobalPreferences"

// InstallApp installs the .app bundle at appPath. Memoized bundle paths are dropped.
func (d *Device) InstallApp(ctx context.Context, appPath string) error {
	ctx, span := startSpan(ctx, d.env, "sim.InstallApp", attribute.String("udid", d.UDID), attribute.String("app_path", appPath))
	defer span.End()
	err := d.inv.InstallApp(ctx, d.UDID, appPath)
	d.resetBundlePaths(ScopeData, ScopeBundle)
	d.metrics.IncOperation("install_app", resultLabel(err))
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("install %s on %s: %w", appPath, d.UDID, err)
	}
	logEvent(d.env, "app installed", "udid", d.UDID, "path", appPath)
	return nil
}

// RemoveApp uninstalls bundleID.
func (d *Device) RemoveApp(ctx context.Context, bundleID string) error {
	ctx, span := startSpan(ctx, d.env, "sim.RemoveApp", attribute.String("udid", d.UDID), attribute.String("app_id", bundleID))
	defer span.End()
	err := d.inv.RemoveApp(ctx, d.UDID, bundleID)
	d.resetBundlePaths(ScopeData, ScopeBundle)
	d.metrics.IncOperation("remove_app", resultLabel(err))
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("remove %s from %s: %w", bundleID, d.UDID, err)
	}
	logEvent(d.env, "app removed", "udid", d.UDID, "app_id", bundleID)
	return nil
}

// OpenURL opens url inside the device. The device must be booted.
func (d *Device) OpenURL(ctx context.Context, url string) error {
	ctx, span := startSpan(ctx, d.env, "sim.OpenURL", attribute.String("udid", d.UDID))
	defer span.End()
	running, err := d.IsRunning(ctx)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	if !running {
		err := fmt.Errorf("open %q on %s: %w", url, d.UDID, ErrDeviceNotBooted)
		recordSpanError(span, err)
		return err
	}
	if err := d.inv.OpenURL(ctx, d.UDID, url); err != nil {
		recordSpanError(span, err)
		return err
	}
	logEvent(d.env, "url opened", "udid", d.UDID, "url", url)
	return nil
}

// Spawn runs argv inside the device and returns its output.
func (d *Device) Spawn(ctx context.Context, argv ...string) (string, error) {
	ctx, span := startSpan(ctx, d.env, "sim.Spawn", attribute.String("udid", d.UDID), attribute.String("argv", strings.Join(argv, " ")))
	defer span.End()
	out, err := d.inv.Spawn(ctx, d.UDID, argv...)
	recordSpanError(span, err)
	return out, err
}

// UpdateSettings merges updates into Library/Preferences/<domain>.plist.
func (d *Device) UpdateSettings(ctx context.Context, domain string, updates map[string]any) error {
	_, span := startSpan(ctx, d.env, "sim.UpdateSettings", attribute.String("udid", d.UDID), attribute.String("domain", domain))
	defer span.End()
	if domain == "" || strings.ContainsAny(domain, `/\`) {
		err := fmt.Errorf("invalid settings domain %q", domain)
		recordSpanError(span, err)
		return err
	}
	p := filepath.Join(d.preferencesDir(), domain+".plist")
	if err := d.settings.Update(p, updates); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("update %s: %w", p, err)
	}
	logEvent(d.env, "settings updated", "udid", d.UDID, "domain", domain, "keys", len(updates))
	return nil
}

// SetLocale sets the preferred language and the region locale (e.g. "fr", "fr_FR").
// Empty arguments are left untouched. The change takes effect on the next boot.
func (d *Device) SetLocale(ctx context.Context, language, locale string) error {
	updates := map[string]any{}
	if language != "" {
		updates["AppleLanguages"] = []string{language}
	}
	if locale != "" {
		updates["AppleLocale"] = locale
	}
	if len(updates) == 0 {
		return nil
	}
	return d.UpdateSettings(ctx, globalPreferences, updates)
}
