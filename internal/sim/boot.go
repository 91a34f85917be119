// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"
)

// BootPhase tracks a boot session. There is no failed phase: a session that
// times out under TimeoutContinue still ends in PhaseBooted.
type BootPhase int

const (
	PhaseNotStarted BootPhase = iota
	PhaseClientLaunching
	PhaseLogTailing
	PhaseSettleDelay
	PhaseBooted
)

func (p BootPhase) String() string {
	switch p {
	case PhaseClientLaunching:
		return "client_launching"
	case PhaseLogTailing:
		return "log_tailing"
	case PhaseSettleDelay:
		return "settle_delay"
	case PhaseBooted:
		return "booted"
	default:
		return "not_started"
	}
}

// unknownBootMarker can never appear in a text log line, so marker detection is
// effectively disabled and only the timeout ends the tail.
const unknownBootMarker = "\x00no boot marker for this runtime\x00"

var bootMarkers = map[string]string{
	"7.1":  "profiled: Service starting...",
	"8.1":  "profiled: Service starting...",
	"8.2":  "profiled: Service starting...",
	"8.3":  "profiled: Service starting...",
	"8.4":  "profiled: Service starting...",
	"9.0":  `System app "com.apple.springboard" finished startup`,
	"9.1":  `System app "com.apple.springboard" finished startup`,
	"9.2":  `System app "com.apple.springboard" finished startup`,
	"9.3":  `System app "com.apple.springboard" finished startup`,
	"10.0": "Switching to keyboard",
}

// BootMarker returns the log line fragment that signals boot completion for v.
func BootMarker(env Env, v Version) string {
	if m, ok := bootMarkers[v.Key()]; ok {
		return m
	}
	logWarn(env, "no boot marker for runtime version, relying on timeout", "version", v.Key())
	return unknownBootMarker
}

// BootSession is one boot attempt. Completion is signalled exactly once, to any
// number of listeners.
type BootSession struct {
	Started time.Time
	Timeout time.Duration
	Marker  string

	logPath   string
	logOffset int64 // -1: log did not exist when the session began

	mu        sync.Mutex
	phase     BootPhase
	listeners []func()
	done      chan struct{}
	once      sync.Once
}

func newBootSession(started time.Time, timeout time.Duration, marker, logPath string) *BootSession {
	s := &BootSession{
		Started:   started,
		Timeout:   timeout,
		Marker:    marker,
		logPath:   logPath,
		logOffset: -1,
		done:      make(chan struct{}),
	}
	if st, err := os.Stat(logPath); err == nil {
		s.logOffset = st.Size()
	}
	return s
}

func (s *BootSession) Phase() BootPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *BootSession) setPhase(p BootPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Done is closed when the session reaches PhaseBooted.
func (s *BootSession) Done() <-chan struct{} { return s.done }

// OnBooted registers fn to run on completion; it runs immediately if the session is already complete.
func (s *BootSession) OnBooted(fn func()) {
	s.mu.Lock()
	if s.phase == PhaseBooted {
		s.mu.Unlock()
		fn()
		return
	}
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *BootSession) complete() {
	s.once.Do(func() {
		s.mu.Lock()
		s.phase = PhaseBooted
		listeners := s.listeners
		s.listeners = nil
		s.mu.Unlock()
		close(s.done)
		for _, fn := range listeners {
			fn()
		}
	})
}

// RunOptions configures Run.
type RunOptions struct {
	// ScaleFactor sets the client window scale, e.g. "0.5".
	ScaleFactor string
	// ConnectHardwareKeyboard toggles the host keyboard when non-nil.
	ConnectHardwareKeyboard *bool
	// Timeout bounds the boot marker wait; Env.BootTimeout when zero.
	Timeout time.Duration
}

// Run guarantees a booted device with a live GUI client. When both are already
// up it returns a completed session without touching anything; otherwise it
// shuts the device down, launches the client and waits for the boot marker.
// A marker timeout is logged and boot is assumed to have succeeded.
func (d *Device) Run(ctx context.Context, opts RunOptions) (*BootSession, error) {
	ctx, span := startSpan(ctx, d.env, "sim.Run", attribute.String("udid", d.UDID))
	defer span.End()

	st, err := d.Stat(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	clientRunning, err := d.UIClientRunning(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.env.BootTimeout
	}

	if planStart(st.State, clientRunning) == startNone {
		logEvent(d.env, "device already running", "udid", d.UDID)
		s := newBootSession(d.clock.Now(), timeout, "", d.LogPath())
		s.complete()
		span.SetAttributes(attribute.Bool("already_running", true))
		return s, nil
	}

	if err := d.Shutdown(ctx, ShutdownOptions{}); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	v, err := d.PlatformVersion(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	session := newBootSession(d.clock.Now(), timeout, BootMarker(d.env, v), d.LogPath())
	logEvent(d.env, "boot start", "udid", d.UDID, "version", v.Key(), "timeout", timeout.String())

	if err := d.launchUIClient(ctx, session, opts); err != nil {
		recordSpanError(span, err)
		d.metrics.ObserveBoot(d.clock.Since(session.Started), "error")
		return nil, err
	}
	if err := d.WaitForBoot(ctx, session, TimeoutContinue); err != nil {
		recordSpanError(span, err)
		d.metrics.ObserveBoot(d.clock.Since(session.Started), "error")
		return nil, err
	}
	elapsed := d.clock.Since(session.Started)
	d.metrics.ObserveBoot(elapsed, "booted")
	span.SetAttributes(attribute.String("boot_duration", elapsed.String()))
	logEvent(d.env, "boot finished", "udid", d.UDID, "duration", elapsed.String())
	return session, nil
}

// BeginBoot opens a session against the device log without launching anything,
// for callers that start the device themselves and then call WaitForBoot.
func (d *Device) BeginBoot(ctx context.Context, timeout time.Duration) (*BootSession, error) {
	if timeout <= 0 {
		timeout = d.env.BootTimeout
	}
	v, err := d.PlatformVersion(ctx)
	if err != nil {
		return nil, err
	}
	return newBootSession(d.clock.Now(), timeout, BootMarker(d.env, v), d.LogPath()), nil
}

// launchClientRace is the LaunchServices error the client reports when it loses
// a benign race with an instance that is already starting.
const launchClientRace = "-10825"

func (d *Device) launchUIClient(ctx context.Context, session *BootSession, opts RunOptions) error {
	session.setPhase(PhaseClientLaunching)
	args := []string{"-Fn", d.env.SimulatorApp(), "--args", "-CurrentDeviceUDID", d.UDID}
	if opts.ScaleFactor != "" {
		args = append(args, "-SimulatorWindowLastScale", opts.ScaleFactor)
	}
	if opts.ConnectHardwareKeyboard != nil {
		args = append(args, "-ConnectHardwareKeyboard", boolFlag(*opts.ConnectHardwareKeyboard))
	}
	logEvent(d.env, "ui client launch", "udid", d.UDID, "args", strings.Join(args, " "))

	if _, err := d.exec.Output(ctx, d.env.Open, args...); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && (strings.Contains(cmdErr.Stderr, launchClientRace) || strconv.Itoa(cmdErr.ExitCode) == launchClientRace) {
			logWarn(d.env, "ignoring benign ui client launch race", "udid", d.UDID, "error", err)
			return nil
		}
		return fmt.Errorf("launch %s: %w", d.env.SimulatorApp(), err)
	}
	return nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// WaitForBoot tails the device log until the session marker appears, then sleeps
// the settle delay and completes the session. On timeout policy decides between
// an error and carrying on as if the marker had been seen.
func (d *Device) WaitForBoot(ctx context.Context, session *BootSession, policy TimeoutPolicy) error {
	ctx, span := startSpan(ctx, d.env, "sim.WaitForBoot",
		attribute.String("udid", d.UDID),
		attribute.String("timeout", session.Timeout.String()),
		attribute.String("on_timeout", policy.String()),
	)
	defer span.End()

	session.setPhase(PhaseLogTailing)
	seen, err := d.tailForMarker(ctx, session)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	span.SetAttributes(attribute.Bool("marker_seen", seen))
	if !seen {
		if policy == TimeoutFail {
			err := fmt.Errorf("boot %w after %s (marker %q never appeared in %s)\n"+
				"Hint: check that the Simulator app is running and the device is booting: xcrun simctl list devices",
				ErrTimeout, session.Timeout, session.Marker, session.logPath)
			recordSpanError(span, err)
			return err
		}
		logWarn(d.env, "boot marker not seen before timeout, continuing", "udid", d.UDID,
			"timeout", session.Timeout.String(), "log_path", session.logPath)
	}

	session.setPhase(PhaseSettleDelay)
	settle := d.env.SettleDelay + d.env.ExtraSettleDelay
	if settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(settle):
		}
	}
	session.complete()
	return nil
}

// tailForMarker reports whether the marker was seen before the session deadline.
func (d *Device) tailForMarker(ctx context.Context, session *BootSession) (bool, error) {
	deadline := session.Started.Add(session.Timeout)
	remaining := func() time.Duration { return deadline.Sub(d.clock.Now()) }

	// the log appears some time after the client starts the device
	err := poll(ctx, d.env, d.clock, pollSpec{
		what:     "system log " + session.logPath,
		timeout:  remaining(),
		interval: d.env.LogPollInterval,
		policy:   TimeoutFail,
	}, func(context.Context) (bool, error) {
		_, err := os.Stat(session.logPath)
		return err == nil, nil
	})
	if errors.Is(err, ErrTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var wake <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(session.logPath)); err == nil {
			wake = w.Events
		} else {
			logWarn(d.env, "log watch unavailable, polling only", "path", session.logPath, "error", err)
		}
	}

	tail := &logTail{path: session.logPath, offset: session.logOffset}
	if tail.offset < 0 {
		tail.offset = 0
	}
	for {
		found, err := tail.scan(session.Marker)
		if err != nil {
			logWarn(d.env, "system log read failed", "path", session.logPath, "error", err)
		}
		if found {
			logEvent(d.env, "boot marker seen", "udid", d.UDID, "marker", session.Marker)
			return true, nil
		}
		left := remaining()
		if left <= 0 {
			return false, nil
		}
		wait := d.env.LogPollInterval
		if left < wait {
			wait = left
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-wake:
		case <-d.clock.After(wait):
		}
	}
}

// logTail reads lines appended to a file since the last scan.
type logTail struct {
	path    string
	offset  int64
	pending []byte
}

func (t *logTail) scan(marker string) (bool, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() < t.offset {
		// rotated or truncated
		t.offset = 0
		t.pending = nil
	}
	if st.Size() == t.offset {
		return false, nil
	}
	chunk := make([]byte, st.Size()-t.offset)
	n, err := f.ReadAt(chunk, t.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	t.offset += int64(n)
	t.pending = append(t.pending, chunk[:n]...)

	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i == -1 {
			break
		}
		line := string(t.pending[:i])
		t.pending = t.pending[i+1:]
		if strings.Contains(line, marker) {
			return true, nil
		}
	}
	return false, nil
}

// WaitForState polls the inventory until the device reports want.
func (d *Device) WaitForState(ctx context.Context, want State, timeout time.Duration, policy TimeoutPolicy) error {
	ctx, span := startSpan(ctx, d.env, "sim.WaitForState",
		attribute.String("udid", d.UDID),
		attribute.String("want", want.String()),
	)
	defer span.End()
	err := poll(ctx, d.env, d.clock, pollSpec{
		what:     fmt.Sprintf("device %s to reach %s", d.UDID, want),
		timeout:  timeout,
		interval: time.Second,
		policy:   policy,
	}, func(ctx context.Context) (bool, error) {
		st, err := d.Stat(ctx)
		if err != nil {
			logWarn(d.env, "state check failed", "udid", d.UDID, "error", err)
			return false, nil
		}
		return st.State == want, nil
	})
	recordSpanError(span, err)
	return err
}
