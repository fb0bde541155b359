// Package executil wraps external process invocation behind a small
// interface, so the firewall reconciler and status reader can be
// exercised with a fake in tests without ever invoking iptables or wg.
package executil

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Executor runs external commands. The real implementation shells out;
// tests substitute a fake that records invocations and returns canned
// output.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
	RunStdin(ctx context.Context, stdin string, name string, args ...string) (stdout string, err error)
}

// OSExecutor runs commands via os/exec.
type OSExecutor struct{}

func (OSExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (OSExecutor) RunStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// IsNotFound reports whether err indicates the named executable is not on
// PATH, distinguishing ExternalToolMissing from ExternalToolFailed.
func IsNotFound(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}
