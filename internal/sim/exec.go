// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
)

// Exec runs external tools. Output returns stdout; a non-zero exit yields a *CommandError.
type Exec interface {
	Output(ctx context.Context, bin string, args ...string) ([]byte, error)
}

type commandRunner struct {
	env Env
}

// NewExec returns the os/exec backed runner. Stderr is mirrored into the log.
func NewExec(env Env) Exec {
	return &commandRunner{env: env}
}

func (r *commandRunner) Output(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, newCommandLogWriter(r.env, bin, args))
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stdout.Bytes(), &CommandError{
			Bin:      bin,
			Args:     args,
			ExitCode: code,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}
