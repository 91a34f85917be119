// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimeoutPolicy decides what a polling primitive does when its deadline passes.
type TimeoutPolicy int

const (
	// TimeoutFail returns an error wrapping ErrTimeout.
	TimeoutFail TimeoutPolicy = iota
	// TimeoutContinue logs the timeout and returns nil.
	TimeoutContinue
)

func (p TimeoutPolicy) String() string {
	if p == TimeoutContinue {
		return "continue"
	}
	return "fail"
}

type pollSpec struct {
	what     string
	timeout  time.Duration
	interval time.Duration
	policy   TimeoutPolicy
}

// poll evaluates cond until it reports true, the context ends, or the timeout elapses.
// cond errors abort the wait.
func poll(ctx context.Context, env Env, clk clockwork.Clock, spec pollSpec, cond func(context.Context) (bool, error)) error {
	deadline := clk.Now().Add(spec.timeout)
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !clk.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(spec.interval):
		}
	}

	if spec.policy == TimeoutContinue {
		logWarn(env, "wait timed out, continuing", "what", spec.what, "timeout", spec.timeout.String())
		return nil
	}
	return fmt.Errorf("%s: %w after %s", spec.what, ErrTimeout, spec.timeout)
}
