// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package simmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forkbombeu/simdevctl/internal/sim"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Device is a handle on one simulator. Handles are cached per UDID by the Manager,
// so the keychain backup and memoized app paths survive between calls.
type Device = sim.Device

// BootSession is one boot attempt; see Device.Run and Device.WaitForBoot.
type BootSession = sim.BootSession

// TimeoutPolicy selects what a wait does when its deadline passes.
type TimeoutPolicy = sim.TimeoutPolicy

// BiometricKind selects Touch ID or Face ID.
type BiometricKind = sim.BiometricKind

// Scope selects the Data or Bundle directory of an app.
type Scope = sim.Scope

// RunOptions configures Device.Run.
type RunOptions = sim.RunOptions

// ShutdownOptions configures Device.Shutdown.
type ShutdownOptions = sim.ShutdownOptions

const (
	TimeoutFail     = sim.TimeoutFail
	TimeoutContinue = sim.TimeoutContinue

	TouchID = sim.TouchID
	FaceID  = sim.FaceID

	ScopeData   = sim.ScopeData
	ScopeBundle = sim.ScopeBundle
)

var (
	ErrNoKeychainBackup = sim.ErrNoKeychainBackup
	ErrDeviceNotBooted  = sim.ErrDeviceNotBooted
	ErrTimeout          = sim.ErrTimeout
)

// Manager creates device handles that share one automation lock registry, so
// UI scripts against the single Simulator app never overlap.
type Manager struct {
	env     sim.Env
	opts    sim.Options
	mu      sync.Mutex
	devices map[string]*sim.Device
}

// New creates a new Manager with auto-detected environment.
func New() *Manager {
	return newManager(sim.Detect(), sim.Options{})
}

// NewWithCorrelationID creates a new Manager with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a new Manager with a custom context for tracing.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a new Manager with a custom context and correlation ID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := sim.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return newManager(env, sim.Options{})
}

// NewWithEnv creates a new Manager. Empty fields of env keep the detected defaults.
func NewWithEnv(env Environment) (*Manager, error) {
	base := sim.Detect()
	if env.ConfigFile != "" {
		var err error
		if base, err = sim.LoadConfigFile(base, env.ConfigFile); err != nil {
			return nil, err
		}
	}
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&base.DevicesRoot, env.DevicesRoot)
	overlay(&base.LogsRoot, env.LogsRoot)
	overlay(&base.DeveloperDir, env.DeveloperDir)
	overlay(&base.RuntimeRoot, env.RuntimeRoot)
	overlay(&base.TempDir, env.TempDir)
	overlay(&base.Xcrun, env.XcrunBin)
	overlay(&base.Osascript, env.OsascriptBin)
	overlay(&base.Open, env.OpenBin)
	overlay(&base.Launchctl, env.LaunchctlBin)
	overlay(&base.CorrelationID, env.CorrelationID)
	if env.BootTimeout > 0 {
		base.BootTimeout = env.BootTimeout
	}
	if env.ExtraSettleDelay > 0 {
		base.ExtraSettleDelay = env.ExtraSettleDelay
	}
	if env.Context != nil {
		base.Context = env.Context
	}

	opts := sim.Options{}
	if env.MetricsRegistry != nil {
		opts.Metrics = sim.NewPrometheusRecorder(env.MetricsRegistry)
	}
	return newManager(base, opts), nil
}

func newManager(env sim.Env, opts sim.Options) *Manager {
	if env.Context == nil {
		env.Context = context.Background()
	}
	if opts.Exec == nil {
		opts.Exec = sim.NewExec(env)
	}
	if opts.Inventory == nil {
		opts.Inventory = sim.NewSimctl(env, opts.Exec)
	}
	if opts.Locks == nil {
		opts.Locks = sim.NewNamedLocks()
	}
	return &Manager{env: env, opts: opts, devices: make(map[string]*sim.Device)}
}

// Environment holds configuration for the simulator tools and paths.
type Environment struct {
	ConfigFile       string               // YAML file overlaid on the detected defaults (optional)
	DevicesRoot      string               // CoreSimulator device directory
	LogsRoot         string               // CoreSimulator log directory
	DeveloperDir     string               // Xcode developer directory
	RuntimeRoot      string               // simulator runtime root holding System/Library/LaunchDaemons
	TempDir          string               // where keychain archives are written
	XcrunBin         string               // Path to xcrun (default: "xcrun")
	OsascriptBin     string               // Path to osascript (default: "osascript")
	OpenBin          string               // Path to open (default: "open")
	LaunchctlBin     string               // Path to launchctl (default: "launchctl")
	BootTimeout      time.Duration        // Boot marker wait (default: 4m)
	ExtraSettleDelay time.Duration        // Added to the post-boot settle delay
	CorrelationID    string               // Correlation ID for log enrichment
	Context          context.Context      // Context for tracing
	MetricsRegistry  *prometheus.Registry // Registry receiving simdevctl_* metrics (optional)
}

// DeviceInfo describes a device known to simctl.
type DeviceInfo struct {
	UDID      string // Device identifier
	Name      string // Device name (e.g., "iPhone 15")
	State     string // "Booted", "Shutdown", ...
	Version   string // Runtime version, "major.minor"
	Available bool   // Whether the runtime is installed
}

// Status is the live status of one device.
type Status = sim.Status

// Device returns the cached handle for udid, creating it on first use.
func (m *Manager) Device(udid string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[udid]; ok {
		return d
	}
	d := sim.NewDevice(m.env, udid, m.opts)
	m.devices[udid] = d
	return d
}

// List returns every device simctl knows about, sorted by version then name.
func (m *Manager) List(ctx context.Context) ([]DeviceInfo, error) {
	ctx, span := m.startSpan(ctx, "simmanager.List")
	defer span.End()

	byVersion, err := m.opts.Inventory.ListDevices(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var out []DeviceInfo
	for version, devices := range byVersion {
		for _, d := range devices {
			out = append(out, DeviceInfo{UDID: d.UDID, Name: d.Name, State: d.State, Version: version, Available: d.IsAvailable})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Name < out[j].Name
	})
	span.SetAttributes(attribute.Int("devices", len(out)))
	return out, nil
}

// ListBooted returns the devices currently in the Booted state.
func (m *Manager) ListBooted(ctx context.Context) ([]DeviceInfo, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var booted []DeviceInfo
	for _, d := range all {
		if d.State == "Booted" {
			booted = append(booted, d)
		}
	}
	return booted, nil
}

// Stat returns the live status of udid. An unknown device yields an empty Status.
func (m *Manager) Stat(ctx context.Context, udid string) (Status, error) {
	return m.Device(udid).Stat(m.callContext(ctx))
}

// Run boots udid unless it is already running with the Simulator app up.
func (m *Manager) Run(ctx context.Context, udid string, opts RunOptions) (*BootSession, error) {
	return m.Device(udid).Run(m.callContext(ctx), opts)
}

// ShutdownAll shuts down every booted device in parallel. All devices are
// attempted; the returned error joins every failure.
func (m *Manager) ShutdownAll(ctx context.Context, opts ShutdownOptions) error {
	ctx, span := m.startSpan(ctx, "simmanager.ShutdownAll", attribute.Bool("strict_reap", opts.StrictReap))
	defer span.End()

	booted, err := m.ListBooted(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("devices", len(booted)))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(4)
	for _, info := range booted {
		udid := info.UDID
		g.Go(func() error {
			if err := m.Device(udid).Shutdown(ctx, opts); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", udid, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *Manager) callContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return m.env.Context
}

var tracer = otel.Tracer("simdevctl/simmanager")

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	return tracer.Start(m.callContext(ctx), name, trace.WithAttributes(attrs...))
}
