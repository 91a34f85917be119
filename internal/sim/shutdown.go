// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// daemonSupervisor is the per-device launchd that owns the simulator's services.
const daemonSupervisor = "launchd_sim"

// ShutdownOptions configures Shutdown.
type ShutdownOptions struct {
	// StrictReap makes a reaper timeout an error instead of a warning.
	StrictReap bool
}

func (o ShutdownOptions) reapPolicy() TimeoutPolicy {
	if o.StrictReap {
		return TimeoutFail
	}
	return TimeoutContinue
}

// Shutdown stops the device best-effort: the GUI client is terminated, the
// device is shut down, every launchd job labelled with the UDID is stopped and
// removed, and then the supervisor processes are waited for. Failures along
// the way are logged; only a strict reaper timeout or a cancelled context is returned.
func (d *Device) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	ctx, span := startSpan(ctx, d.env, "sim.Shutdown", attribute.String("udid", d.UDID))
	defer span.End()
	logEvent(d.env, "shutdown requested", "udid", d.UDID)

	d.killUIClient(ctx)

	if err := d.inv.ShutdownDevice(ctx, d.UDID); err != nil {
		logWarn(d.env, "device shutdown command failed", "udid", d.UDID, "error", err)
	}

	d.stopDaemons(ctx)

	err := poll(ctx, d.env, d.clock, pollSpec{
		what:     "supervisor processes of " + d.UDID + " to exit",
		timeout:  d.env.ReapTimeout,
		interval: d.env.ReapInterval,
		policy:   opts.reapPolicy(),
	}, func(ctx context.Context) (bool, error) {
		procs, err := findProcs(ctx, d.procs, d.UDID, daemonSupervisor)
		if err != nil {
			logWarn(d.env, "process scan failed", "udid", d.UDID, "error", err)
			return false, nil
		}
		return len(procs) == 0, nil
	})
	d.metrics.IncOperation("shutdown", resultLabel(err))
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	logEvent(d.env, "device stopped", "udid", d.UDID)
	return nil
}

// killUIClient asks the GUI client to terminate. Errors are logged.
func (d *Device) killUIClient(ctx context.Context) {
	procs, err := findByName(ctx, d.procs, d.env.UIClientProcess)
	if err != nil {
		logWarn(d.env, "ui client lookup failed", "error", err)
		return
	}
	for _, p := range procs {
		if err := d.procs.Signal(ctx, p.PID, syscall.SIGTERM); err != nil {
			logWarn(d.env, "ui client terminate failed", "pid", p.PID, "error", err)
			continue
		}
		logEvent(d.env, "ui client terminated", "pid", p.PID)
	}
}

// daemonLabels lists the launchd job labels that mention udid.
func (d *Device) daemonLabels(ctx context.Context) ([]string, error) {
	out, err := d.exec.Output(ctx, d.env.Launchctl, "list")
	if err != nil {
		return nil, err
	}
	var labels []string
	for _, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		if len(f) < 3 {
			continue
		}
		if label := f[len(f)-1]; strings.Contains(label, d.UDID) {
			labels = append(labels, label)
		}
	}
	return labels, nil
}

// stopDaemons issues stop then remove for every job tied to the device.
func (d *Device) stopDaemons(ctx context.Context) {
	labels, err := d.daemonLabels(ctx)
	if err != nil {
		logWarn(d.env, "launchctl list failed", "udid", d.UDID, "error", err)
		return
	}
	for _, phase := range []string{"stop", "remove"} {
		for _, label := range labels {
			if _, err := d.exec.Output(ctx, d.env.Launchctl, phase, label); err != nil {
				logWarn(d.env, "launchctl "+phase+" failed", "udid", d.UDID, "label", label, "error", err)
			}
		}
	}
}

// Erase shuts the device down and wipes its contents. Memoized app paths are dropped.
func (d *Device) Erase(ctx context.Context, timeout time.Duration) error {
	ctx, span := startSpan(ctx, d.env, "sim.Erase", attribute.String("udid", d.UDID))
	defer span.End()
	if err := d.Shutdown(ctx, ShutdownOptions{}); err != nil {
		recordSpanError(span, err)
		return err
	}
	err := d.inv.EraseDevice(ctx, d.UDID, timeout)
	d.resetBundlePaths()
	d.metrics.IncOperation("erase", resultLabel(err))
	recordSpanError(span, err)
	return err
}

// Delete shuts the device down and removes it from the inventory.
func (d *Device) Delete(ctx context.Context) error {
	ctx, span := startSpan(ctx, d.env, "sim.Delete", attribute.String("udid", d.UDID))
	defer span.End()
	if err := d.Shutdown(ctx, ShutdownOptions{}); err != nil {
		recordSpanError(span, err)
		return err
	}
	err := d.inv.DeleteDevice(ctx, d.UDID)
	recordSpanError(span, err)
	return err
}
