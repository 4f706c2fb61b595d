package main

import (
	"context"
	"os/exec"

	"github.com/opspm/opspm/internal/spec"
)

// shellHookRunner executes a lifecycle hook as a shell command, the same
// /bin/sh -c convention internal/health uses for script-kind health
// checks — hooks have no argv form of their own, only a command string.
func shellHookRunner(ctx context.Context, h spec.Hook, env []string, workDir string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.Command)
	cmd.Dir = workDir
	cmd.Env = env
	return cmd.Run()
}
