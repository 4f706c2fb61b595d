package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector runs a command that should succeed if the process is
// running. Dir and Env, if set, are applied to the spawned command.
type CommandDetector struct {
	Command string
	Dir     string
	Env     []string
}

// buildShellAwareCommand constructs an *exec.Cmd for a detector command.
// Avoids invoking a shell unless obvious shell metacharacters are present (G204 mitigation).
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return getTrueCommand(ctx)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.CommandContext(ctx, name, args...)
}

// getShellCommand returns a shell command for Unix systems.
func getShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

// getTrueCommand returns a command that always succeeds on Unix systems.
func getTrueCommand(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/true")
}

func (d CommandDetector) Alive() (bool, error) {
	return d.AliveContext(context.Background())
}

// AliveContext is the context-bound variant used by callers (the health
// prober) that already carry a per-probe timeout.
func (d CommandDetector) AliveContext(ctx context.Context) (bool, error) {
	cmd := buildShellAwareCommand(ctx, d.Command)
	cmd.Dir = d.Dir
	cmd.Env = d.Env
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit code means not alive
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
