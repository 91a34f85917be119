// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ClearCaches deletes the named subfolders of the device's Caches directory, or
// every entry of it when none are named. Names must be direct children of the
// Caches root. Only existing directories are matched.
// The returned count is the number of matched directories; a failed deletion is
// logged and still counted.
func (d *Device) ClearCaches(ctx context.Context, subfolders ...string) int {
	_, span := startSpan(ctx, d.env, "sim.ClearCaches", attribute.String("udid", d.UDID))
	defer span.End()

	root := d.cachesDir()
	if len(subfolders) == 0 {
		entries, err := os.ReadDir(root)
		if err != nil {
			logWarn(d.env, "caches root not readable", "udid", d.UDID, "path", root, "error", err)
			return 0
		}
		for _, e := range entries {
			subfolders = append(subfolders, e.Name())
		}
	}

	var targets []string
	for _, name := range subfolders {
		if !validCacheName(name) {
			logWarn(d.env, "cache subfolder name rejected", "udid", d.UDID, "name", name)
			continue
		}
		p := filepath.Join(root, name)
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			continue
		}
		targets = append(targets, p)
	}

	for _, p := range targets {
		if err := os.RemoveAll(p); err != nil {
			logWarn(d.env, "cache directory not deleted", "udid", d.UDID, "path", p, "error", err)
		}
	}
	d.metrics.AddCachesDeleted(len(targets))
	span.SetAttributes(attribute.Int("caches.matched", len(targets)))
	logEvent(d.env, "caches cleared", "udid", d.UDID, "count", len(targets))
	return len(targets)
}

// validCacheName accepts a single path element naming a direct child of the Caches root.
func validCacheName(name string) bool {
	if name == "" || name == "." || name == ".." || filepath.IsAbs(name) {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// CleanApp deletes the Data and Bundle directories of appID and forgets their
// memoized paths. An app unknown to the device is not an error.
func (d *Device) CleanApp(ctx context.Context, appID string) error {
	ctx, span := startSpan(ctx, d.env, "sim.CleanApp", attribute.String("udid", d.UDID), attribute.String("app_id", appID))
	defer span.End()

	var firstErr error
	for _, scope := range []Scope{ScopeData, ScopeBundle} {
		dir, err := d.ResolvePath(ctx, appID, scope)
		if err != nil {
			recordSpanError(span, err)
			return err
		}
		if dir == "" {
			logEvent(d.env, "app directory not found", "udid", d.UDID, "app_id", appID, "scope", string(scope))
			continue
		}
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove %s directory of %s: %w", scope, appID, err)
		}
	}
	d.resetBundlePaths(ScopeData, ScopeBundle)
	recordSpanError(span, firstErr)
	return firstErr
}
