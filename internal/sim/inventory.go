// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DeviceRecord is one device as reported by the inventory tool.
type DeviceRecord struct {
	UDID        string `json:"udid"`
	Name        string `json:"name"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
	Runtime     string `json:"runtime"`
}

// Inventory is the device-management tool (simctl).
type Inventory interface {
	// ListDevices groups devices by normalized runtime version ("10.0", "17.2").
	ListDevices(ctx context.Context) (map[string][]DeviceRecord, error)
	ShutdownDevice(ctx context.Context, udid string) error
	EraseDevice(ctx context.Context, udid string, timeout time.Duration) error
	InstallApp(ctx context.Context, udid, appPath string) error
	RemoveApp(ctx context.Context, udid, bundleID string) error
	DeleteDevice(ctx context.Context, udid string) error
	Spawn(ctx context.Context, udid string, argv ...string) (string, error)
	OpenURL(ctx context.Context, udid, url string) error
}

// Simctl drives `xcrun simctl`.
type Simctl struct {
	env  Env
	exec Exec
}

func NewSimctl(env Env, ex Exec) *Simctl {
	env = env.withDefaults()
	if ex == nil {
		ex = NewExec(env)
	}
	return &Simctl{env: env, exec: ex}
}

func (s *Simctl) simctl(ctx context.Context, args ...string) ([]byte, error) {
	return s.exec.Output(ctx, s.env.Xcrun, append([]string{"simctl"}, args...)...)
}

// simctlDevicesOutput represents the JSON output from xcrun simctl list devices.
type simctlDevicesOutput struct {
	Devices map[string][]DeviceRecord `json:"devices"`
}

func (s *Simctl) ListDevices(ctx context.Context) (map[string][]DeviceRecord, error) {
	out, err := s.simctl(ctx, "list", "devices", "-j")
	if err != nil {
		return nil, fmt.Errorf("failed to list simulators: %w", err)
	}
	return parseDeviceList(out)
}

func parseDeviceList(raw []byte) (map[string][]DeviceRecord, error) {
	var data simctlDevicesOutput
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse simctl output: %w", err)
	}
	byVersion := make(map[string][]DeviceRecord)
	for runtime, devices := range data.Devices {
		key := runtime
		if v, err := ParseVersion(runtime); err == nil {
			key = v.Key()
		}
		for _, dev := range devices {
			dev.Runtime = runtime
			byVersion[key] = append(byVersion[key], dev)
		}
	}
	return byVersion, nil
}

func (s *Simctl) ShutdownDevice(ctx context.Context, udid string) error {
	if _, err := s.simctl(ctx, "shutdown", udid); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "current state: Shutdown") {
			return nil
		}
		return err
	}
	return nil
}

func (s *Simctl) EraseDevice(ctx context.Context, udid string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := s.simctl(ctx, "erase", udid)
	return err
}

func (s *Simctl) InstallApp(ctx context.Context, udid, appPath string) error {
	_, err := s.simctl(ctx, "install", udid, appPath)
	return err
}

func (s *Simctl) RemoveApp(ctx context.Context, udid, bundleID string) error {
	_, err := s.simctl(ctx, "uninstall", udid, bundleID)
	return err
}

func (s *Simctl) DeleteDevice(ctx context.Context, udid string) error {
	_, err := s.simctl(ctx, "delete", udid)
	return err
}

func (s *Simctl) Spawn(ctx context.Context, udid string, argv ...string) (string, error) {
	out, err := s.simctl(ctx, append([]string{"spawn", udid}, argv...)...)
	return string(out), err
}

func (s *Simctl) OpenURL(ctx context.Context, udid, url string) error {
	_, err := s.simctl(ctx, "openurl", udid, url)
	return err
}
