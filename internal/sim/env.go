// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBootTimeout     = 4 * time.Minute
	defaultSettleDelay     = 2 * time.Second
	defaultLogPollInterval = 250 * time.Millisecond
	defaultReapTimeout     = 10 * time.Second
	defaultReapInterval    = 500 * time.Millisecond
)

type Env struct {
	DevicesRoot  string // SIMDEVCTL_DEVICES_ROOT (default ~/Library/Developer/CoreSimulator/Devices)
	LogsRoot     string // SIMDEVCTL_LOGS_ROOT (default ~/Library/Logs/CoreSimulator)
	DeveloperDir string // DEVELOPER_DIR (default /Applications/Xcode.app/Contents/Developer)
	RuntimeRoot  string // SIMDEVCTL_RUNTIME_ROOT (optional)
	TempDir      string // where keychain archives are written (default os.TempDir())
	Xcrun        string // xcrun
	Osascript    string // osascript
	Open         string // open
	Launchctl    string // launchctl

	// UIClientProcess is the executable name of the GUI client.
	UIClientProcess string
	// UIClientBundleID identifies the GUI client; automation is serialized on it.
	UIClientBundleID string

	BootTimeout      time.Duration
	SettleDelay      time.Duration
	ExtraSettleDelay time.Duration // SIMDEVCTL_EXTRA_SETTLE
	LogPollInterval  time.Duration
	ReapTimeout      time.Duration
	ReapInterval     time.Duration

	// CorrelationID is used to tie logs to a specific workflow/activity.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans when a call has no context of its own.
	Context context.Context
}

func Detect() Env {
	usr, _ := user.Current()
	home := ""
	if usr != nil {
		home = usr.HomeDir
	} else if h := os.Getenv("HOME"); h != "" {
		home = h
	}

	devices := getenv("SIMDEVCTL_DEVICES_ROOT", filepath.Join(home, "Library", "Developer", "CoreSimulator", "Devices"))
	logs := getenv("SIMDEVCTL_LOGS_ROOT", filepath.Join(home, "Library", "Logs", "CoreSimulator"))
	devDir := getenv("DEVELOPER_DIR", "/Applications/Xcode.app/Contents/Developer")
	extra, _ := time.ParseDuration(os.Getenv("SIMDEVCTL_EXTRA_SETTLE"))

	return Env{
		DevicesRoot:      devices,
		LogsRoot:         logs,
		DeveloperDir:     devDir,
		RuntimeRoot:      os.Getenv("SIMDEVCTL_RUNTIME_ROOT"),
		TempDir:          os.TempDir(),
		Xcrun:            "xcrun",
		Osascript:        "osascript",
		Open:             "open",
		Launchctl:        "launchctl",
		UIClientProcess:  "Simulator",
		UIClientBundleID: "com.apple.iphonesimulator",
		BootTimeout:      defaultBootTimeout,
		SettleDelay:      defaultSettleDelay,
		ExtraSettleDelay: extra,
		LogPollInterval:  defaultLogPollInterval,
		ReapTimeout:      defaultReapTimeout,
		ReapInterval:     defaultReapInterval,
		CorrelationID:    getenv("SIMDEVCTL_CORRELATION_ID", ""),
		Context:          context.Background(),
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// SimulatorApp is the path of the GUI client bundle inside the developer directory.
func (env Env) SimulatorApp() string {
	return filepath.Join(env.DeveloperDir, "Applications", "Simulator.app")
}

// LaunchDaemonsRoot is where the simulator runtime keeps its launchd descriptors.
func (env Env) LaunchDaemonsRoot() string {
	root := env.RuntimeRoot
	if root == "" {
		root = filepath.Join(env.DeveloperDir, "Platforms", "iPhoneOS.platform", "Library", "Developer",
			"CoreSimulator", "Profiles", "Runtimes", "iOS.simruntime", "Contents", "Resources", "RuntimeRoot")
	}
	return filepath.Join(root, "System", "Library", "LaunchDaemons")
}

// withDefaults fills zero timing knobs so hand-built Env values behave like Detect().
func (env Env) withDefaults() Env {
	if env.BootTimeout <= 0 {
		env.BootTimeout = defaultBootTimeout
	}
	if env.SettleDelay < 0 {
		env.SettleDelay = 0
	}
	if env.LogPollInterval <= 0 {
		env.LogPollInterval = defaultLogPollInterval
	}
	if env.ReapTimeout <= 0 {
		env.ReapTimeout = defaultReapTimeout
	}
	if env.ReapInterval <= 0 {
		env.ReapInterval = defaultReapInterval
	}
	if env.TempDir == "" {
		env.TempDir = os.TempDir()
	}
	if env.UIClientProcess == "" {
		env.UIClientProcess = "Simulator"
	}
	if env.UIClientBundleID == "" {
		env.UIClientBundleID = "com.apple.iphonesimulator"
	}
	if env.Xcrun == "" {
		env.Xcrun = "xcrun"
	}
	if env.Osascript == "" {
		env.Osascript = "osascript"
	}
	if env.Open == "" {
		env.Open = "open"
	}
	if env.Launchctl == "" {
		env.Launchctl = "launchctl"
	}
	return env
}

// fileConfig is the YAML shape accepted by LoadConfigFile. Empty fields keep the Env value.
type fileConfig struct {
	DevicesRoot      string `yaml:"devices_root"`
	LogsRoot         string `yaml:"logs_root"`
	DeveloperDir     string `yaml:"developer_dir"`
	RuntimeRoot      string `yaml:"runtime_root"`
	TempDir          string `yaml:"temp_dir"`
	BootTimeout      string `yaml:"boot_timeout"`
	SettleDelay      string `yaml:"settle_delay"`
	ExtraSettleDelay string `yaml:"extra_settle_delay"`
	ReapTimeout      string `yaml:"reap_timeout"`
	CorrelationID    string `yaml:"correlation_id"`
}

// LoadConfigFile overlays the YAML file at path onto env.
func LoadConfigFile(env Env, path string) (Env, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return env, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return env, fmt.Errorf("parse config %s: %w", path, err)
	}

	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&env.DevicesRoot, fc.DevicesRoot)
	overlay(&env.LogsRoot, fc.LogsRoot)
	overlay(&env.DeveloperDir, fc.DeveloperDir)
	overlay(&env.RuntimeRoot, fc.RuntimeRoot)
	overlay(&env.TempDir, fc.TempDir)
	overlay(&env.CorrelationID, fc.CorrelationID)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"boot_timeout", fc.BootTimeout, &env.BootTimeout},
		{"settle_delay", fc.SettleDelay, &env.SettleDelay},
		{"extra_settle_delay", fc.ExtraSettleDelay, &env.ExtraSettleDelay},
		{"reap_timeout", fc.ReapTimeout, &env.ReapTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return env, fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return env, nil
}
