// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
)

// Scope selects which on-disk root of an application is resolved.
type Scope string

const (
	// ScopeData is the app's mutable sandbox.
	ScopeData Scope = "Data"
	// ScopeBundle is the installed app payload.
	ScopeBundle Scope = "Bundle"
)

const containerMetadataPlist = ".com.apple.mobile_container_manager.metadata.plist"

var appPayloadName = regexp.MustCompile(`.*/(.*)\.app$`)

// ResolvePath returns the directory of appID in scope, or "" when the app is unknown.
//
// The per-scope map is built once and memoized. A fresh device drops every
// memoized map, since nothing on it can be trusted yet.
func (d *Device) ResolvePath(ctx context.Context, appID string, scope Scope) (string, error) {
	ctx, span := startSpan(ctx, d.env, "sim.ResolvePath",
		attribute.String("udid", d.UDID),
		attribute.String("app_id", appID),
		attribute.String("scope", string(scope)),
	)
	defer span.End()

	fresh, err := d.IsFresh(ctx)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	if fresh {
		d.resetBundlePaths()
		return "", nil
	}

	d.mu.Lock()
	cached := d.bundlePaths[scope]
	d.mu.Unlock()
	if len(cached) == 0 {
		built, err := d.buildBundlePathMap(ctx, scope)
		if err != nil {
			recordSpanError(span, err)
			return "", err
		}
		if len(built) > 0 {
			d.mu.Lock()
			d.bundlePaths[scope] = built
			d.mu.Unlock()
		}
		cached = built
	}
	return cached[appID], nil
}

func (d *Device) resetBundlePaths(scopes ...Scope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(scopes) == 0 {
		d.bundlePaths = make(map[Scope]map[string]string)
		return
	}
	for _, s := range scopes {
		delete(d.bundlePaths, s)
	}
}

// applicationsRoot is where candidate app directories live for the given era and scope.
func (d *Device) applicationsRoot(v Version, scope Scope) string {
	if v.legacyLayout() {
		return filepath.Join(d.DataRoot(), "Applications")
	}
	return filepath.Join(d.DataRoot(), "Containers", string(scope), "Application")
}

// buildBundlePathMap enumerates the applications root. The map is returned whole
// or empty: a missing root is a warning, a cancelled context discards the partial result.
func (d *Device) buildBundlePathMap(ctx context.Context, scope Scope) (map[string]string, error) {
	v, err := d.PlatformVersion(ctx)
	if err != nil {
		return nil, err
	}
	root := d.applicationsRoot(v, scope)
	entries, err := os.ReadDir(root)
	if err != nil {
		logWarn(d.env, "applications root not readable", "udid", d.UDID, "scope", string(scope), "path", root, "error", err)
		return map[string]string{}, nil
	}

	identify := d.containerIdentifier
	if v.legacyLayout() {
		identify = legacyPayloadIdentifier
	}

	paths := make(map[string]string, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return map[string]string{}, err
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		id, err := identify(dir)
		if err != nil {
			logWarn(d.env, "skipping unidentifiable app directory", "udid", d.UDID, "path", dir, "error", err)
			continue
		}
		// first directory claiming an identifier wins
		if _, seen := paths[id]; !seen {
			paths[id] = dir
		}
	}
	return paths, nil
}

// legacyPayloadIdentifier names the app after the .app payload inside dir.
func legacyPayloadIdentifier(dir string) (string, error) {
	apps, err := filepath.Glob(filepath.Join(dir, "*.app"))
	if err != nil {
		return "", err
	}
	if len(apps) == 0 {
		return "", fmt.Errorf("no .app payload in %s", dir)
	}
	m := appPayloadName.FindStringSubmatch(filepath.ToSlash(apps[0]))
	if m == nil {
		return "", fmt.Errorf("unexpected payload name %s", apps[0])
	}
	return m[1], nil
}

// containerIdentifier reads the identifier recorded in the container metadata plist.
func (d *Device) containerIdentifier(dir string) (string, error) {
	meta, err := d.settings.Read(filepath.Join(dir, containerMetadataPlist))
	if err != nil {
		return "", err
	}
	id, _ := meta["MCMMetadataIdentifier"].(string)
	if id == "" {
		return "", fmt.Errorf("MCMMetadataIdentifier missing in %s", dir)
	}
	return id, nil
}
