package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	full := filepath.Join(dir, name)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", full, err)
	}
	return full
}

func TestLoadTOMLMinimal(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "opspm.toml", `
[[processes]]
name = "api"
mode = "raw-command"
argv = ["sleep", "60"]
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Processes) != 1 {
		t.Fatalf("expected 1 process, got %d", len(cfg.Processes))
	}
	p := cfg.Processes[0]
	if p.Name != "api" {
		t.Fatalf("unexpected name: %q", p.Name)
	}
	if p.Instances != 1 {
		t.Fatalf("expected default instances=1, got %d", p.Instances)
	}
	if !p.Restart.AutoRestart {
		t.Fatalf("expected auto_restart to default true")
	}
}

func TestLoadExplicitAutoRestartFalseIsNotDistinguishable(t *testing.T) {
	// Documents the known limitation called out in withAutoRestartDefault:
	// a flat bool can't represent "explicitly false" vs "unset", so this
	// still comes back true.
	dir := t.TempDir()
	file := writeFile(t, dir, "opspm.toml", `
[[processes]]
name = "api"
mode = "raw-command"
argv = ["sleep", "60"]
auto_restart = false
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Processes[0].Restart.AutoRestart {
		t.Fatalf("expected auto_restart true per documented limitation")
	}
}

func TestLoadRejectsInvalidSpec(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "opspm.toml", `
[[processes]]
mode = "raw-command"
argv = ["sleep", "60"]
`)
	if _, err := Load(file); err == nil {
		t.Fatalf("expected validation error for missing name")
	}
}

func TestLoadProgramsDirectory(t *testing.T) {
	dir := t.TempDir()
	progDir := filepath.Join(dir, "programs.d")
	if err := os.MkdirAll(progDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, progDir, "worker.toml", `
name = "worker"
mode = "raw-command"
argv = ["sleep", "60"]
`)
	writeFile(t, progDir, "ignore.txt", "not a config file")

	file := writeFile(t, dir, "opspm.toml", `
programs_directory = "programs.d"
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Processes) != 1 || cfg.Processes[0].Name != "worker" {
		t.Fatalf("expected worker process loaded from programs_directory, got %+v", cfg.Processes)
	}
}

func TestLoadGlobalEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "extra.env", "FOO=from_file\nBAR=keep\n")
	file := writeFile(t, dir, "opspm.toml", `
env_files = ["`+envFile+`"]
env = ["FOO=from_inline"]

[[processes]]
name = "api"
mode = "raw-command"
argv = ["sleep", "60"]
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := map[string]bool{}
	for _, kv := range cfg.GlobalEnv {
		got[kv] = true
	}
	if !got["FOO=from_inline"] {
		t.Fatalf("expected inline env to win over env file, got %v", cfg.GlobalEnv)
	}
	if !got["BAR=keep"] {
		t.Fatalf("expected env file entries to be merged, got %v", cfg.GlobalEnv)
	}
}

func TestApplyGlobalLogDefaults(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "opspm.toml", `
[log]
dir = "logs"
max_size_mb = 20
max_backups = 3

[[processes]]
name = "api"
mode = "raw-command"
argv = ["sleep", "60"]
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Processes[0]
	wantDir := filepath.Join(dir, "logs")
	if p.Log.Dir != wantDir {
		t.Fatalf("expected log dir %q, got %q", wantDir, p.Log.Dir)
	}
	if p.Log.MaxSizeMB != 20 || p.Log.MaxBackups != 3 {
		t.Fatalf("expected global log limits applied, got %+v", p.Log)
	}
}

func TestApplyGlobalLogDefaultsDoesNotOverrideExplicit(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "opspm.toml", `
[log]
dir = "logs"

[[processes]]
name = "api"
mode = "raw-command"
argv = ["sleep", "60"]
[processes.log]
dir = "/var/log/api"
`)
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processes[0].Log.Dir != "/var/log/api" {
		t.Fatalf("expected explicit per-process log dir preserved, got %q", cfg.Processes[0].Log.Dir)
	}
}
