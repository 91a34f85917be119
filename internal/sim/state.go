// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
)

// State is the live status of a device as reported by the inventory tool.
type State int

const (
	StateUnknown State = iota
	StateShutdown
	StateBooted
)

func (s State) String() string {
	switch s {
	case StateShutdown:
		return "Shutdown"
	case StateBooted:
		return "Booted"
	default:
		return "Unknown"
	}
}

func parseState(raw string) State {
	switch raw {
	case "Booted":
		return StateBooted
	case "Shutdown":
		return StateShutdown
	default:
		return StateUnknown
	}
}

// Status is the result of Stat. A zero UDID means the inventory does not know the device.
type Status struct {
	UDID           string  `json:"udid"`
	Name           string  `json:"name"`
	State          State   `json:"-"`
	StateName      string  `json:"state"`
	RuntimeVersion Version `json:"-"`
	Version        string  `json:"version"`
}

// startAction is what Run must do to reach a booted device with a live client.
type startAction int

const (
	startNone startAction = iota
	startClean
)

// planStart is the pure decision behind Run: nothing to do only when the
// device is booted and the GUI client is up; otherwise shut down and boot.
func planStart(state State, clientRunning bool) startAction {
	if state == StateBooted && clientRunning {
		return startNone
	}
	return startClean
}

// Stat asks the inventory for the device's state and runtime version.
// An unknown device yields an empty Status and no error.
func (d *Device) Stat(ctx context.Context) (Status, error) {
	ctx, span := startSpan(ctx, d.env, "sim.Stat", attribute.String("udid", d.UDID))
	defer span.End()

	byVersion, err := d.inv.ListDevices(ctx)
	if err != nil {
		recordSpanError(span, err)
		return Status{}, err
	}
	for key, devices := range byVersion {
		for _, dev := range devices {
			if dev.UDID != d.UDID {
				continue
			}
			st := Status{
				UDID:      dev.UDID,
				Name:      dev.Name,
				State:     parseState(dev.State),
				StateName: dev.State,
				Version:   key,
			}
			if v, err := ParseVersion(key); err == nil {
				st.RuntimeVersion = v
				st.Version = v.Key()
			}
			span.SetAttributes(attribute.String("state", st.StateName), attribute.String("version", st.Version))
			return st, nil
		}
	}
	logEvent(d.env, "device not found in inventory", "udid", d.UDID)
	return Status{}, nil
}

// PlatformVersion resolves the runtime version once and caches it for the life of the handle.
func (d *Device) PlatformVersion(ctx context.Context) (Version, error) {
	d.mu.Lock()
	v := d.version
	d.mu.Unlock()
	if !v.IsZero() {
		return v, nil
	}

	st, err := d.Stat(ctx)
	if err != nil {
		return Version{}, err
	}
	if st.RuntimeVersion.IsZero() {
		return Version{}, nil
	}
	d.mu.Lock()
	d.version = st.RuntimeVersion
	d.mu.Unlock()
	return st.RuntimeVersion, nil
}

// IsRunning reports whether the device state is Booted.
func (d *Device) IsRunning(ctx context.Context) (bool, error) {
	st, err := d.Stat(ctx)
	if err != nil {
		return false, err
	}
	return st.State == StateBooted, nil
}

// UIClientRunning reports whether the GUI client process is alive.
func (d *Device) UIClientRunning(ctx context.Context) (bool, error) {
	procs, err := findByName(ctx, d.procs, d.env.UIClientProcess)
	if err != nil {
		return false, err
	}
	return len(procs) > 0, nil
}

// freshnessMarkers are files that only exist once the device has booted at least once.
func freshnessMarkers(v Version) []string {
	files := []string{
		"Library/ConfigurationProfiles",
		"Library/Cookies",
		"Library/Preferences/.GlobalPreferences.plist",
		"Library/Preferences/com.apple.springboard.plist",
		"var/run/syslog.pid",
	}
	if v.legacyLayout() {
		return append(files, "Applications")
	}
	return append(files, "Library/Preferences/com.apple.Preferences.plist")
}

// IsFresh reports whether the device has never completed a boot: none of the markers exist.
func (d *Device) IsFresh(ctx context.Context) (bool, error) {
	v, err := d.PlatformVersion(ctx)
	if err != nil {
		return false, err
	}
	root := d.DataRoot()
	for _, rel := range freshnessMarkers(v) {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err == nil {
			return false, nil
		}
	}
	return true, nil
}
