package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opspm/opspm/pkg/client"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "opspm.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestRunServesSocketAndRegistersProcesses exercises the daemon's full
// startup path end to end: load config, register the processes it
// declares, bind the control socket, and answer a client request — then
// trigger shutdown via the same OpShutdown path a CLI "opspm shutdown"
// would use.
func TestRunServesSocketAndRegistersProcesses(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "opspmd.sock")
	cfgPath := writeConfig(t, dir, `
[[processes]]
name = "api"
mode = "raw-command"
argv = ["sleep", "30"]
`)

	done := make(chan error, 1)
	go func() { done <- run(cfgPath, sockPath) }()

	c := client.New(sockPath).WithTimeout(2 * time.Second)
	var lastErr error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsReachable(context.Background()) {
			lastErr = nil
			break
		}
		lastErr = context.DeadlineExceeded
		time.Sleep(20 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("daemon never became reachable: %v", lastErr)
	}

	entries, err := c.List(context.Background(), "all")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "api" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not exit after shutdown request")
	}
}
