// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoKeychainBackup is returned by RestoreKeychains when no archive is tracked.
	ErrNoKeychainBackup = errors.New("no keychain backup exists for this device; call BackupKeychains first")
	// ErrDeviceNotBooted is returned by operations that need a running device.
	ErrDeviceNotBooted = errors.New("device is not booted")
	// ErrTimeout marks a polling primitive that gave up under TimeoutFail.
	ErrTimeout = errors.New("timed out")
)

// MissingDescriptorError reports a launchd descriptor that must exist for the operation.
type MissingDescriptorError struct {
	Path string
}

func (e *MissingDescriptorError) Error() string {
	return fmt.Sprintf("launch daemon descriptor %q does not exist; check the simulator runtime root (SIMDEVCTL_RUNTIME_ROOT)", e.Path)
}

// AutomationError wraps a failed UI automation script. It is not retryable:
// the usual cause is missing accessibility permission for the calling process.
type AutomationError struct {
	Cause error
}

func (e *AutomationError) Error() string {
	return fmt.Sprintf("UI automation against the Simulator failed: %v\n"+
		"Hint: grant Accessibility access to the terminal or agent running simdevctl "+
		"(System Settings > Privacy & Security > Accessibility) and try again.", e.Cause)
}

func (e *AutomationError) Unwrap() error { return e.Cause }

// Retryable is always false; the operator has to change OS permissions first.
func (e *AutomationError) Retryable() bool { return false }

// CommandError is returned by Exec when a tool exits unsuccessfully.
type CommandError struct {
	Bin      string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed (exit %d): %v", e.Bin, strings.Join(e.Args, " "), e.ExitCode, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\n" + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }
