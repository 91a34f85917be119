// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/forkbombeu/simdevctl/internal/sim"
	"github.com/forkbombeu/simdevctl/pkg/simmanager"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		configFile    string
		correlationID string
		metricsFile   string
		verbose       bool
		mgr           *simmanager.Manager
		registry      = prometheus.NewRegistry()
	)

	root := &cobra.Command{
		Use:           "simdevctl",
		Short:         "iOS simulator lifecycle tool (boot, teardown, keychains, automation)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			// stdout carries command output
			sim.SetLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			env := simmanager.Environment{
				ConfigFile:    configFile,
				CorrelationID: correlationID,
				Context:       cmd.Context(),
			}
			if metricsFile != "" {
				env.MetricsRegistry = registry
			}
			var err error
			mgr, err = simmanager.NewWithEnv(env)
			return err
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", os.Getenv("SIMDEVCTL_CONFIG"), "YAML config file")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", os.Getenv("SIMDEVCTL_CORRELATION_ID"), "correlation id for logs and traces (default: random)")
	root.PersistentFlags().StringVar(&metricsFile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	// list
	var listJSON, listBooted bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List simulators known to simctl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list := mgr.List
			if listBooted {
				list = mgr.ListBooted
			}
			devices, err := list(cmd.Context())
			if err != nil {
				return err
			}
			if listJSON {
				return printJSON(devices)
			}
			if len(devices) == 0 {
				fmt.Println("(no simulators)")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%-38s %-6s %-10s %s\n", d.UDID, d.Version, d.State, d.Name)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output JSON")
	listCmd.Flags().BoolVar(&listBooted, "booted", false, "only booted simulators")
	root.AddCommand(listCmd)

	// stat
	var statJSON bool
	statCmd := &cobra.Command{
		Use:   "stat <udid>",
		Short: "Show state and runtime version of a simulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := mgr.Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st.UDID == "" {
				return fmt.Errorf("simulator %s not found", args[0])
			}
			if statJSON {
				return printJSON(st)
			}
			fmt.Printf("UDID:    %s\nName:    %s\nState:   %s\nVersion: %s\n", st.UDID, st.Name, st.StateName, st.Version)
			return nil
		},
	}
	statCmd.Flags().BoolVar(&statJSON, "json", false, "output JSON")
	root.AddCommand(statCmd)

	// run
	var runScale string
	var runKeyboard bool
	var runTimeout time.Duration
	runCmd := &cobra.Command{
		Use:   "run <udid>",
		Short: "Boot a simulator with the Simulator app (no-op when already running)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := simmanager.RunOptions{ScaleFactor: runScale, Timeout: runTimeout}
			if cmd.Flags().Changed("hardware-keyboard") {
				opts.ConnectHardwareKeyboard = &runKeyboard
			}
			session, err := mgr.Run(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			<-session.Done()
			fmt.Printf("Booted %s\n", args[0])
			return nil
		},
	}
	runCmd.Flags().StringVar(&runScale, "scale", "", "window scale factor (e.g. 0.5)")
	runCmd.Flags().BoolVar(&runKeyboard, "hardware-keyboard", false, "connect the host keyboard")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "boot marker timeout (default from config, 4m)")
	root.AddCommand(runCmd)

	// wait-boot
	var wbTimeout time.Duration
	var wbContinue bool
	waitBootCmd := &cobra.Command{
		Use:   "wait-boot <udid>",
		Short: "Wait for the boot marker of a simulator started elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := mgr.Device(args[0])
			session, err := dev.BeginBoot(cmd.Context(), wbTimeout)
			if err != nil {
				return err
			}
			policy := simmanager.TimeoutFail
			if wbContinue {
				policy = simmanager.TimeoutContinue
			}
			if err := dev.WaitForBoot(cmd.Context(), session, policy); err != nil {
				return err
			}
			fmt.Printf("Booted %s\n", args[0])
			return nil
		},
	}
	waitBootCmd.Flags().DurationVar(&wbTimeout, "timeout", 0, "boot marker timeout (default from config, 4m)")
	waitBootCmd.Flags().BoolVar(&wbContinue, "continue-on-timeout", false, "treat a timeout as booted")
	root.AddCommand(waitBootCmd)

	// shutdown
	var sdAll, sdStrict bool
	shutdownCmd := &cobra.Command{
		Use:   "shutdown [udid]",
		Short: "Stop a simulator, the Simulator app and its launchd jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := simmanager.ShutdownOptions{StrictReap: sdStrict}
			if sdAll {
				return mgr.ShutdownAll(cmd.Context(), opts)
			}
			if len(args) == 0 {
				return errors.New("use <udid> or --all")
			}
			if err := mgr.Device(args[0]).Shutdown(cmd.Context(), opts); err != nil {
				return err
			}
			fmt.Printf("Stopped %s\n", args[0])
			return nil
		},
	}
	shutdownCmd.Flags().BoolVar(&sdAll, "all", false, "shut down every booted simulator")
	shutdownCmd.Flags().BoolVar(&sdStrict, "strict", false, "fail if supervisor processes outlive the reap timeout")
	root.AddCommand(shutdownCmd)

	// erase
	var eraseTimeout time.Duration
	eraseCmd := &cobra.Command{
		Use:   "erase <udid>",
		Short: "Shut down and erase a simulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mgr.Device(args[0]).Erase(cmd.Context(), eraseTimeout); err != nil {
				return err
			}
			fmt.Printf("Erased %s\n", args[0])
			return nil
		},
	}
	eraseCmd.Flags().DurationVar(&eraseTimeout, "timeout", 2*time.Minute, "erase timeout")
	root.AddCommand(eraseCmd)

	// delete
	root.AddCommand(&cobra.Command{
		Use:   "delete <udid>",
		Short: "Shut down and delete a simulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mgr.Device(args[0]).Delete(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	})

	// backup-keychains
	root.AddCommand(&cobra.Command{
		Use:   "backup-keychains <udid>",
		Short: "Archive Library/Keychains; prints the archive path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := mgr.Device(args[0])
			ok, err := dev.BackupKeychains(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(no keychains to back up)")
				return nil
			}
			fmt.Println(dev.KeychainBackupPath())
			return nil
		},
	})

	// restore-keychains
	var rkArchive string
	var rkExcludes []string
	restoreCmd := &cobra.Command{
		Use:   "restore-keychains <udid>",
		Short: "Restore Library/Keychains from an archive made by backup-keychains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := mgr.Device(args[0])
			if rkArchive == "" {
				return errors.New("--archive is required")
			}
			if err := dev.AdoptKeychainBackup(rkArchive); err != nil {
				return err
			}
			if _, err := dev.RestoreKeychains(cmd.Context(), rkExcludes...); err != nil {
				return err
			}
			fmt.Printf("Restored keychains of %s\n", args[0])
			return nil
		},
	}
	restoreCmd.Flags().StringVar(&rkArchive, "archive", "", "archive path printed by backup-keychains")
	restoreCmd.Flags().StringSliceVar(&rkExcludes, "exclude", nil, "glob of archive members to skip (repeatable)")
	root.AddCommand(restoreCmd)

	// clear-keychains
	root.AddCommand(&cobra.Command{
		Use:   "clear-keychains <udid>",
		Short: "Empty Library/Keychains with the keychain daemon unloaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mgr.Device(args[0]).ClearKeychains(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Cleared keychains of %s\n", args[0])
			return nil
		},
	})

	// clear-caches
	root.AddCommand(&cobra.Command{
		Use:   "clear-caches <udid> [subfolder...]",
		Short: "Delete Library/Caches subfolders (all when none named)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := mgr.Device(args[0]).ClearCaches(cmd.Context(), args[1:]...)
			fmt.Printf("Deleted %d cache folders\n", n)
			return nil
		},
	})

	// app-path
	var apScope string
	appPathCmd := &cobra.Command{
		Use:   "app-path <udid> <bundle-id>",
		Short: "Print the Data or Bundle directory of an installed app",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := simmanager.Scope(apScope)
			if scope != simmanager.ScopeData && scope != simmanager.ScopeBundle {
				return fmt.Errorf("--scope must be %s or %s", simmanager.ScopeData, simmanager.ScopeBundle)
			}
			p, err := mgr.Device(args[0]).ResolvePath(cmd.Context(), args[1], scope)
			if err != nil {
				return err
			}
			if p == "" {
				return fmt.Errorf("%s not found on %s", args[1], args[0])
			}
			fmt.Println(p)
			return nil
		},
	}
	appPathCmd.Flags().StringVar(&apScope, "scope", string(simmanager.ScopeData), "Data or Bundle")
	root.AddCommand(appPathCmd)

	// clean-app
	root.AddCommand(&cobra.Command{
		Use:   "clean-app <udid> <bundle-id>",
		Short: "Delete the Data and Bundle directories of an app",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mgr.Device(args[0]).CleanApp(cmd.Context(), args[1])
		},
	})

	// biometric
	var bioKind string
	biometricCmd := &cobra.Command{
		Use:   "biometric <udid> <enroll|unenroll|status|match|nomatch>",
		Short: "Drive Touch ID / Face ID through the Simulator menus",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := sim.ParseBiometricKind(bioKind)
			if err != nil {
				return err
			}
			dev := mgr.Device(args[0])
			switch args[1] {
			case "enroll", "unenroll":
				return dev.EnrollBiometric(cmd.Context(), kind, args[1] == "enroll")
			case "status":
				enrolled, err := dev.IsBiometricEnrolled(cmd.Context(), kind)
				if err != nil {
					return err
				}
				fmt.Println(enrolled)
				return nil
			case "match", "nomatch":
				return dev.SendBiometricMatch(cmd.Context(), kind, args[1] == "match")
			}
			return fmt.Errorf("unknown action %q", args[1])
		},
	}
	biometricCmd.Flags().StringVar(&bioKind, "kind", string(simmanager.TouchID), "touchId or faceId")
	root.AddCommand(biometricCmd)

	// dismiss-dialog
	root.AddCommand(&cobra.Command{
		Use:   "dismiss-dialog <udid> <button>",
		Short: "Click a button of the Simulator's front window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mgr.Device(args[0]).DismissDialog(cmd.Context(), args[1])
		},
	})

	// open-url
	root.AddCommand(&cobra.Command{
		Use:   "open-url <udid> <url>",
		Short: "Open a URL inside a booted simulator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mgr.Device(args[0]).OpenURL(cmd.Context(), args[1])
		},
	})

	// install
	root.AddCommand(&cobra.Command{
		Use:   "install <udid> <path.app>",
		Short: "Install an app bundle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mgr.Device(args[0]).InstallApp(cmd.Context(), args[1])
		},
	})

	// uninstall
	root.AddCommand(&cobra.Command{
		Use:   "uninstall <udid> <bundle-id>",
		Short: "Remove an installed app",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mgr.Device(args[0]).RemoveApp(cmd.Context(), args[1])
		},
	})

	// set-locale
	var slLanguage, slLocale string
	setLocaleCmd := &cobra.Command{
		Use:   "set-locale <udid>",
		Short: "Set preferred language and region (applies on next boot)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if slLanguage == "" && slLocale == "" {
				return errors.New("use --language and/or --locale")
			}
			return mgr.Device(args[0]).SetLocale(cmd.Context(), slLanguage, slLocale)
		},
	}
	setLocaleCmd.Flags().StringVar(&slLanguage, "language", "", "language code (e.g. fr)")
	setLocaleCmd.Flags().StringVar(&slLocale, "locale", "", "locale identifier (e.g. fr_FR)")
	root.AddCommand(setLocaleCmd)

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	runErr := root.ExecuteContext(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		fmt.Fprintln(os.Stderr, "trace flush:", err)
	}
	if metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, registry); err != nil {
			fmt.Fprintln(os.Stderr, "metrics:", err)
		}
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}
