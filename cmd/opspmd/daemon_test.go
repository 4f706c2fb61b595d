//go:build !windows

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndRemovePidFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "opspmd.pid")

	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("expected pidfile to exist: %v", err)
	}

	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("expected pidfile to be removed, stat err: %v", err)
	}
}

func TestRemovePidFileEmptyPathIsNoop(t *testing.T) {
	if err := removePidFile(""); err != nil {
		t.Fatalf("expected nil error for empty path, got %v", err)
	}
}

func TestRemovePidFileMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	if err := removePidFile(filepath.Join(dir, "missing.pid")); err != nil {
		t.Fatalf("expected nil error for already-missing file, got %v", err)
	}
}
