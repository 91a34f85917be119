// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// NamedLocks hands out one exclusive lock per name. A registry is meant to be
// shared by every Bridge that drives the same GUI client.
type NamedLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewNamedLocks() *NamedLocks {
	return &NamedLocks{locks: make(map[string]*semaphore.Weighted)}
}

// Lock blocks until name is free or ctx is done. The returned func releases it.
func (l *NamedLocks) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[name] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for lock %q: %w", name, err)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// Bridge runs AppleScript against the GUI client, one script at a time per client.
type Bridge struct {
	env   Env
	exec  Exec
	locks *NamedLocks
}

func NewBridge(env Env, exec Exec, locks *NamedLocks) *Bridge {
	if locks == nil {
		locks = NewNamedLocks()
	}
	return &Bridge{env: env, exec: exec, locks: locks}
}

// activationPrelude brings the client window to the front before the caller's script.
func (b *Bridge) activationPrelude() string {
	return fmt.Sprintf(`tell application "System Events"
	tell process %q
		set frontmost to false
		set frontmost to true
	end tell
end tell
`, b.env.UIClientProcess)
}

// Execute runs script after the activation prelude and returns trimmed stdout.
// Failures are returned as *AutomationError.
func (b *Bridge) Execute(ctx context.Context, script string) (string, error) {
	ctx, span := startSpan(ctx, b.env, "sim.Bridge.Execute", attribute.String("client", b.env.UIClientBundleID))
	defer span.End()

	unlock, err := b.locks.Lock(ctx, b.env.UIClientBundleID)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	defer unlock()

	out, err := b.exec.Output(ctx, b.env.Osascript, "-e", b.activationPrelude()+script)
	if err != nil {
		aerr := &AutomationError{Cause: err}
		recordSpanError(span, aerr)
		return "", aerr
	}
	return strings.TrimSpace(string(out)), nil
}

// BiometricKind selects the simulated biometric sensor.
type BiometricKind string

const (
	TouchID BiometricKind = "touchId"
	FaceID  BiometricKind = "faceId"
)

// ParseBiometricKind accepts "touchId"/"faceId" case-insensitively, plus "touch" and "face".
func ParseBiometricKind(s string) (BiometricKind, error) {
	switch strings.ToLower(s) {
	case "touchid", "touch":
		return TouchID, nil
	case "faceid", "face":
		return FaceID, nil
	}
	return "", fmt.Errorf("unknown biometric kind %q (want touchId or faceId)", s)
}

const featuresMenu = "Features"

func (k BiometricKind) menuTitle() string {
	if k == FaceID {
		return "Face ID"
	}
	return "Touch ID"
}

func (k BiometricKind) matchItem(match bool) string {
	noun := "Touch"
	if k == FaceID {
		noun = "Face"
	}
	if match {
		return "Matching " + noun
	}
	return "Non-matching " + noun
}

func (k BiometricKind) menuRef(item string) string {
	return fmt.Sprintf(`menu item %q of menu 1 of menu item %q of menu 1 of menu bar item %q of menu bar 1`,
		item, k.menuTitle(), featuresMenu)
}

func (d *Device) clientScript(body string) string {
	return fmt.Sprintf("tell application \"System Events\"\n\ttell process %q\n%s\n\tend tell\nend tell", d.env.UIClientProcess, body)
}

// ActivateWindow brings the GUI client to the foreground.
func (d *Device) ActivateWindow(ctx context.Context) error {
	_, err := d.bridge.Execute(ctx, "")
	return err
}

// IsBiometricEnrolled reads the check mark of the "Enrolled" menu item.
func (d *Device) IsBiometricEnrolled(ctx context.Context, kind BiometricKind) (bool, error) {
	script := d.clientScript(fmt.Sprintf(
		"\t\tset itemMark to value of attribute \"AXMenuItemMarkChar\" of %s\n\t\tif itemMark is missing value then\n\t\t\treturn \"false\"\n\t\tend if\n\t\treturn \"true\"",
		kind.menuRef("Enrolled")))
	out, err := d.bridge.Execute(ctx, script)
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

// EnrollBiometric sets enrollment to enrolled. The state check and the toggle run
// as one script, so concurrent callers cannot both flip the menu item.
func (d *Device) EnrollBiometric(ctx context.Context, kind BiometricKind, enrolled bool) error {
	ref := kind.menuRef("Enrolled")
	script := d.clientScript(fmt.Sprintf(
		"\t\tset isEnrolled to (value of attribute \"AXMenuItemMarkChar\" of %s is not missing value)\n\t\tif isEnrolled is not %t then\n\t\t\tclick %s\n\t\t\treturn \"changed\"\n\t\tend if\n\t\treturn \"unchanged\"",
		ref, enrolled, ref))
	out, err := d.bridge.Execute(ctx, script)
	if err != nil {
		return err
	}
	if out == "changed" {
		logEvent(d.env, "biometric enrollment changed", "udid", d.UDID, "kind", string(kind), "enrolled", enrolled)
	} else {
		logEvent(d.env, "biometric enrollment unchanged", "udid", d.UDID, "kind", string(kind), "enrolled", enrolled)
	}
	return nil
}

// SendBiometricMatch presents a matching or non-matching finger/face.
func (d *Device) SendBiometricMatch(ctx context.Context, kind BiometricKind, match bool) error {
	_, err := d.bridge.Execute(ctx, d.clientScript("\t\tclick "+kind.menuRef(kind.matchItem(match))))
	if err == nil {
		logEvent(d.env, "biometric sample sent", "udid", d.UDID, "kind", string(kind), "match", match)
	}
	return err
}

// DismissDialog clicks the named button of the client's front window.
func (d *Device) DismissDialog(ctx context.Context, button string) error {
	_, err := d.bridge.Execute(ctx, d.clientScript(fmt.Sprintf("\t\tclick button %q of front window", button)))
	if err == nil {
		logEvent(d.env, "dialog dismissed", "udid", d.UDID, "button", button)
	}
	return err
}
