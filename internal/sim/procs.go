// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Proc is a snapshot of one OS process.
type Proc struct {
	PID     int32
	Name    string
	Cmdline string
}

// ProcessTable enumerates and signals host processes.
type ProcessTable interface {
	List(ctx context.Context) ([]Proc, error)
	Signal(ctx context.Context, pid int32, sig syscall.Signal) error
}

type hostProcesses struct{}

// NewProcessTable returns the gopsutil backed process table.
func NewProcessTable() ProcessTable { return hostProcesses{} }

func (hostProcesses) List(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		// processes can exit between enumeration and inspection
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		out = append(out, Proc{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return out, nil
}

func (hostProcesses) Signal(ctx context.Context, pid int32, sig syscall.Signal) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.SendSignalWithContext(ctx, sig)
}

// findProcs returns the processes whose command line contains every needle.
func findProcs(ctx context.Context, table ProcessTable, needles ...string) ([]Proc, error) {
	all, err := table.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Proc
	for _, p := range all {
		line := p.Cmdline
		if line == "" {
			line = p.Name
		}
		matched := true
		for _, n := range needles {
			if !strings.Contains(line, n) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, p)
		}
	}
	return out, nil
}

// findByName returns the processes whose executable name is exactly name.
func findByName(ctx context.Context, table ProcessTable, name string) ([]Proc, error) {
	all, err := table.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Proc
	for _, p := range all {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}
