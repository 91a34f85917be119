// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package simmanager provides a Go library for driving iOS simulators through their
whole lifecycle: boot, teardown, state inspection, app data discovery, keychain
backup/restore and UI automation of the Simulator app.

# Quick Start

	import "github.com/forkbombeu/simdevctl/pkg/simmanager"

	func main() {
		ctx := context.Background()
		mgr := simmanager.New()
		dev := mgr.Device("8A1F5C2E-...")

		// Boot (no-op if already booted with the Simulator app up)
		session, err := dev.Run(ctx, simmanager.RunOptions{})
		if err != nil {
			log.Fatal(err)
		}
		<-session.Done()

		// Snapshot keychains, run a test, put them back
		if _, err := dev.BackupKeychains(ctx); err != nil {
			log.Fatal(err)
		}
		// ...
		if _, err := dev.RestoreKeychains(ctx); err != nil {
			log.Fatal(err)
		}

		dev.Shutdown(ctx, simmanager.ShutdownOptions{})
	}

# Key Concepts

**Boot marker**: a runtime-specific line in the device's system.log that signals the
end of boot. Runtimes without a known marker rely on the boot timeout alone.

**Fresh device**: a device that has never completed a boot. App paths are never
resolved on a fresh device.

**Keychain backup**: a tar+zstd archive of Library/Keychains. A device tracks at most
one; restoring consumes it. Archives can be adopted by a later process with
AdoptKeychainBackup.

**Automation lock**: every Device created by the same Manager shares one lock keyed by
the Simulator app's bundle identifier, so AppleScript against the app never overlaps.

# Timeouts

Waits take an explicit TimeoutPolicy. Run continues optimistically when the boot
marker never appears; WaitForBoot with TimeoutFail returns an error wrapping
ErrTimeout instead. Shutdown only warns when supervisor processes outlive the reap
timeout unless ShutdownOptions.StrictReap is set.

# Environment Configuration

By default, the manager auto-detects paths from environment variables:
- SIMDEVCTL_DEVICES_ROOT
- SIMDEVCTL_LOGS_ROOT
- SIMDEVCTL_RUNTIME_ROOT
- SIMDEVCTL_EXTRA_SETTLE
- DEVELOPER_DIR

Use NewWithEnv() to override with custom paths or a YAML config file.

# Thread Safety

Manager and Device methods are safe for concurrent use. Keychain operations on one
device are serialized.

# Requirements

- macOS with Xcode (xcrun simctl, Simulator.app)
- Accessibility permission for the calling process (biometrics, dialogs)

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package simmanager
