// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const testUDID = "8A1F5C2E-0000-4B1D-9C3A-5E6F7A8B9C0D"

type fakeInventory struct {
	mu      sync.Mutex
	devices map[string][]DeviceRecord
	calls   []string
	spawns  [][]string
	lists   int

	spawnErr    error
	shutdownErr error
}

func newFakeInventory(version, state string) *fakeInventory {
	return &fakeInventory{devices: map[string][]DeviceRecord{
		version: {{UDID: testUDID, Name: "iPhone 15", State: state, IsAvailable: true}},
	}}
}

func (f *fakeInventory) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeInventory) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeInventory) Spawns() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.spawns...)
}

func (f *fakeInventory) setState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, devs := range f.devices {
		for i := range devs {
			devs[i].State = state
		}
		f.devices[k] = devs
	}
}

func (f *fakeInventory) ListDevices(context.Context) (map[string][]DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	out := make(map[string][]DeviceRecord, len(f.devices))
	for k, v := range f.devices {
		out[k] = append([]DeviceRecord(nil), v...)
	}
	return out, nil
}

func (f *fakeInventory) ShutdownDevice(_ context.Context, udid string) error {
	f.record("shutdown " + udid)
	return f.shutdownErr
}

func (f *fakeInventory) EraseDevice(_ context.Context, udid string, _ time.Duration) error {
	f.record("erase " + udid)
	return nil
}

func (f *fakeInventory) InstallApp(_ context.Context, udid, appPath string) error {
	f.record("install " + udid + " " + appPath)
	return nil
}

func (f *fakeInventory) RemoveApp(_ context.Context, udid, bundleID string) error {
	f.record("uninstall " + udid + " " + bundleID)
	return nil
}

func (f *fakeInventory) DeleteDevice(_ context.Context, udid string) error {
	f.record("delete " + udid)
	return nil
}

func (f *fakeInventory) Spawn(_ context.Context, udid string, argv ...string) (string, error) {
	f.mu.Lock()
	f.spawns = append(f.spawns, append([]string(nil), argv...))
	f.calls = append(f.calls, "spawn "+udid+" "+strings.Join(argv, " "))
	err := f.spawnErr
	f.mu.Unlock()
	return "", err
}

func (f *fakeInventory) OpenURL(_ context.Context, udid, url string) error {
	f.record("openurl " + udid + " " + url)
	return nil
}

type execCall struct {
	Bin  string
	Args []string
}

type fakeExec struct {
	mu      sync.Mutex
	calls   []execCall
	handler func(bin string, args []string) ([]byte, error)
}

func (f *fakeExec) Output(_ context.Context, bin string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{Bin: bin, Args: append([]string(nil), args...)})
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return nil, nil
	}
	return h(bin, args)
}

func (f *fakeExec) Calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

func (f *fakeExec) CallsTo(bin string) []execCall {
	var out []execCall
	for _, c := range f.Calls() {
		if c.Bin == bin {
			out = append(out, c)
		}
	}
	return out
}

type signalCall struct {
	PID int32
	Sig syscall.Signal
}

type fakeProcesses struct {
	mu      sync.Mutex
	procs   []Proc
	signals []signalCall
	// exitOnSignal drops a process from the table once it is signalled.
	exitOnSignal bool
}

func (f *fakeProcesses) List(context.Context) ([]Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Proc(nil), f.procs...), nil
}

func (f *fakeProcesses) Signal(_ context.Context, pid int32, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signalCall{PID: pid, Sig: sig})
	if f.exitOnSignal {
		kept := f.procs[:0]
		for _, p := range f.procs {
			if p.PID != pid {
				kept = append(kept, p)
			}
		}
		f.procs = kept
	}
	return nil
}

func (f *fakeProcesses) Signals() []signalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signalCall(nil), f.signals...)
}

type testRig struct {
	dev   *Device
	env   Env
	inv   *fakeInventory
	exec  *fakeExec
	procs *fakeProcesses
}

func testEnv(t *testing.T) Env {
	t.Helper()
	root := t.TempDir()
	return Env{
		DevicesRoot:      filepath.Join(root, "Devices"),
		LogsRoot:         filepath.Join(root, "Logs"),
		DeveloperDir:     filepath.Join(root, "Developer"),
		RuntimeRoot:      filepath.Join(root, "RuntimeRoot"),
		TempDir:          filepath.Join(root, "tmp"),
		LogPollInterval:  10 * time.Millisecond,
		ReapTimeout:      100 * time.Millisecond,
		ReapInterval:     10 * time.Millisecond,
		BootTimeout:      2 * time.Second,
		UIClientProcess:  "Simulator",
		UIClientBundleID: "com.apple.iphonesimulator",
		CorrelationID:    "test",
	}
}

func newTestRig(t *testing.T, version, state string) *testRig {
	t.Helper()
	env := testEnv(t)
	r := &testRig{
		env:   env,
		inv:   newFakeInventory(version, state),
		exec:  &fakeExec{},
		procs: &fakeProcesses{exitOnSignal: true},
	}
	r.dev = NewDevice(env, testUDID, Options{
		Inventory: r.inv,
		Exec:      r.exec,
		Processes: r.procs,
	})
	return r
}

// markBooted makes the device look like it has completed a boot before.
func (r *testRig) markBooted(t *testing.T) {
	t.Helper()
	writeFile(t, filepath.Join(r.dev.DataRoot(), "Library", "Cookies", "Cookies.binarycookies"), "")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}
