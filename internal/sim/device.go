// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Options carries the collaborators of a Device. Nil fields get the host implementations.
type Options struct {
	Inventory Inventory
	Exec      Exec
	Processes ProcessTable
	Settings  SettingsStore
	// Locks is shared by every device that talks to the same GUI client.
	Locks   *NamedLocks
	Clock   clockwork.Clock
	Metrics Recorder
}

// Device is a handle on one simulator. Methods are safe for concurrent use.
type Device struct {
	UDID string

	env      Env
	inv      Inventory
	exec     Exec
	procs    ProcessTable
	settings SettingsStore
	bridge   *Bridge
	clock    clockwork.Clock
	metrics  Recorder

	mu          sync.Mutex
	version     Version
	bundlePaths map[Scope]map[string]string
	backup      *keychainArchive

	// keychainMu serializes backup, restore and clear on this device.
	keychainMu sync.Mutex
}

func NewDevice(env Env, udid string, opts Options) *Device {
	env = env.withDefaults()
	if opts.Exec == nil {
		opts.Exec = NewExec(env)
	}
	if opts.Inventory == nil {
		opts.Inventory = NewSimctl(env, opts.Exec)
	}
	if opts.Processes == nil {
		opts.Processes = NewProcessTable()
	}
	if opts.Settings == nil {
		opts.Settings = NewSettingsStore()
	}
	if opts.Locks == nil {
		opts.Locks = NewNamedLocks()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopRecorder()
	}
	return &Device{
		UDID:        udid,
		env:         env,
		inv:         opts.Inventory,
		exec:        opts.Exec,
		procs:       opts.Processes,
		settings:    opts.Settings,
		bridge:      NewBridge(env, opts.Exec, opts.Locks),
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		bundlePaths: make(map[Scope]map[string]string),
	}
}

// Env returns the configuration the device was built with.
func (d *Device) Env() Env { return d.env }

// DataRoot is the per-device data directory holding Library/ and Containers/.
func (d *Device) DataRoot() string {
	return filepath.Join(d.env.DevicesRoot, d.UDID, "data")
}

// LogPath is the system log tailed for boot detection.
func (d *Device) LogPath() string {
	return filepath.Join(d.env.LogsRoot, d.UDID, "system.log")
}

func (d *Device) keychainsDir() string {
	return filepath.Join(d.DataRoot(), "Library", "Keychains")
}

func (d *Device) cachesDir() string {
	return filepath.Join(d.DataRoot(), "Library", "Caches")
}

func (d *Device) preferencesDir() string {
	return filepath.Join(d.DataRoot(), "Library", "Preferences")
}
