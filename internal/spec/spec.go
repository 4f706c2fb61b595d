// Package spec defines the normalized description of a managed process —
// the Go rendering of ProcessSpec — and the logic to turn one into a
// runnable *exec.Cmd for each supported launch mode.
package spec

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Mode selects how a Spec's command is resolved into an executable.
type Mode string

const (
	ModeNode       Mode = "node"
	ModeNpmScript  Mode = "npm-script"
	ModePnpmScript Mode = "pnpm-script"
	ModeYarnScript Mode = "yarn-script"
	ModeCargo      Mode = "cargo"
	ModeRustFile   Mode = "rust-file"
	ModeRawCommand Mode = "raw-command"
)

// EnvPolicy controls how a Spec's Env map combines with the inherited OS
// environment and any env-file contents.
type EnvPolicy string

const (
	EnvInherit EnvPolicy = "inherit"
	EnvReplace EnvPolicy = "replace"
	EnvOverlay EnvPolicy = "overlay"
)

// HealthKind selects the health-probe strategy; HealthNone disables probing.
type HealthKind string

const (
	HealthNone    HealthKind = "none"
	HealthHTTP    HealthKind = "http"
	HealthScript  HealthKind = "script"
	HealthProcess HealthKind = "process"
	HealthPIDFile HealthKind = "pidfile"
)

// HealthSpec describes a health check schedule and its verdict strategy.
type HealthSpec struct {
	Kind             HealthKind    `json:"kind" mapstructure:"kind"`
	URL              string        `json:"url,omitempty" mapstructure:"url"`
	Path             string        `json:"path,omitempty" mapstructure:"path"`
	Interval         time.Duration `json:"interval" mapstructure:"interval"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	StartGrace       time.Duration `json:"start_grace" mapstructure:"start_grace"`
}

func (h HealthSpec) GetDefaults() HealthSpec {
	if h.Interval <= 0 {
		h.Interval = 10 * time.Second
	}
	if h.Timeout <= 0 {
		h.Timeout = 3 * time.Second
	}
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = 3
	}
	if h.StartGrace <= 0 {
		h.StartGrace = 5 * time.Second
	}
	return h
}

func (h HealthSpec) Validate() error {
	switch h.Kind {
	case "", HealthNone:
		return nil
	case HealthHTTP:
		if h.URL == "" {
			return fmt.Errorf("health: url required for kind=http")
		}
	case HealthScript:
		if h.Path == "" {
			return fmt.Errorf("health: path required for kind=script")
		}
	case HealthProcess:
		return nil
	case HealthPIDFile:
		if h.Path == "" {
			return fmt.Errorf("health: path required for kind=pidfile")
		}
	default:
		return fmt.Errorf("health: unknown kind %q", h.Kind)
	}
	return nil
}

// WatchSpec describes filesystem paths the supervisor watches for restarts.
type WatchSpec struct {
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
	Roots   []string      `json:"roots,omitempty" mapstructure:"roots"`
	Ignore  []string      `json:"ignore,omitempty" mapstructure:"ignore"`
	Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
	Reload  bool          `json:"reload,omitempty" mapstructure:"reload"`
}

func (w WatchSpec) GetDefaults() WatchSpec {
	if w.Debounce <= 0 {
		w.Debounce = 300 * time.Millisecond
	}
	if len(w.Ignore) == 0 {
		w.Ignore = []string{".git/**", "node_modules/**", "target/**"}
	}
	return w
}

// LogSpec describes where a process's stdout/stderr is captured.
type LogSpec struct {
	Dir         string `json:"dir,omitempty" mapstructure:"dir"`
	OutPath     string `json:"out_path,omitempty" mapstructure:"out_path"`
	ErrPath     string `json:"err_path,omitempty" mapstructure:"err_path"`
	MaxSizeMB   int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups  int    `json:"max_backups" mapstructure:"max_backups"`
	Compress    bool   `json:"compress,omitempty" mapstructure:"compress"`
}

func (l LogSpec) valOr(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func (l LogSpec) GetDefaults() LogSpec {
	l.MaxSizeMB = l.valOr(l.MaxSizeMB, 10)
	l.MaxBackups = l.valOr(l.MaxBackups, 5)
	return l
}

// FailureMode decides what a lifecycle hook's non-zero exit means.
type FailureMode string

const (
	HookIgnore FailureMode = "ignore"
	HookFail   FailureMode = "fail"
	HookRetry  FailureMode = "retry"
)

// RunMode decides whether the supervisor waits for a hook to finish.
type RunMode string

const (
	HookBlocking RunMode = "blocking"
	HookAsync    RunMode = "async"
)

// Hook is a single lifecycle-event command (on-start, on-stop, ...).
type Hook struct {
	Name        string        `json:"name,omitempty" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`
	WorkDir     string        `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Env         []string      `json:"env,omitempty" mapstructure:"env"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	FailureMode FailureMode   `json:"failure_mode,omitempty" mapstructure:"failure_mode"`
	RunMode     RunMode       `json:"run_mode,omitempty" mapstructure:"run_mode"`
}

func (h Hook) GetDefaults() Hook {
	if h.Timeout <= 0 {
		h.Timeout = 10 * time.Second
	}
	if h.FailureMode == "" {
		h.FailureMode = HookIgnore
	}
	if h.RunMode == "" {
		h.RunMode = HookBlocking
	}
	return h
}

// LifecycleHooks groups the four event hooks generalizing spec.md's
// on-start/on-stop/on-crash/on-restart events.
type LifecycleHooks struct {
	PreStart  []Hook `json:"pre_start,omitempty" mapstructure:"pre_start"`
	PostStart []Hook `json:"post_start,omitempty" mapstructure:"post_start"`
	PreStop   []Hook `json:"pre_stop,omitempty" mapstructure:"pre_stop"`
	PostStop  []Hook `json:"post_stop,omitempty" mapstructure:"post_stop"`
}

func (l LifecycleHooks) DeepCopy() LifecycleHooks {
	cp := LifecycleHooks{
		PreStart:  append([]Hook(nil), l.PreStart...),
		PostStart: append([]Hook(nil), l.PostStart...),
		PreStop:   append([]Hook(nil), l.PreStop...),
		PostStop:  append([]Hook(nil), l.PostStop...),
	}
	return cp
}

// RestartPolicy governs crash-loop protection and proactive recycling.
type RestartPolicy struct {
	MaxRestarts   int           `json:"max_restarts" mapstructure:"max_restarts"`
	RestartDelay  time.Duration `json:"restart_delay_ms" mapstructure:"restart_delay_ms"`
	MaxUptime     time.Duration `json:"max_uptime_ms" mapstructure:"max_uptime_ms"`
	MinUptime     time.Duration `json:"min_uptime_ms" mapstructure:"min_uptime_ms"`
	BackoffCap    int           `json:"backoff_cap" mapstructure:"backoff_cap"`
	AutoRestart   bool          `json:"auto_restart" mapstructure:"auto_restart"`
}

func (r RestartPolicy) GetDefaults() RestartPolicy {
	if r.RestartDelay <= 0 {
		r.RestartDelay = 1 * time.Second
	}
	if r.MinUptime <= 0 {
		r.MinUptime = 1 * time.Second
	}
	if r.BackoffCap <= 0 {
		r.BackoffCap = 6
	}
	return r
}

// Spec is the normalized, immutable-once-registered description of a
// managed process: the Go rendering of ProcessSpec (spec.md §3).
type Spec struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name" mapstructure:"name"`
	Mode     Mode     `json:"mode" mapstructure:"mode"`
	Argv     []string `json:"argv,omitempty" mapstructure:"argv"`
	Script   string   `json:"script,omitempty" mapstructure:"script"`
	Bin      string   `json:"bin,omitempty" mapstructure:"bin"`
	Release  bool     `json:"release,omitempty" mapstructure:"release"`
	WorkDir  string   `json:"work_dir,omitempty" mapstructure:"work_dir"`

	Env       []string  `json:"env,omitempty" mapstructure:"env"`
	EnvFile   string    `json:"env_file,omitempty" mapstructure:"env_file"`
	EnvPolicy EnvPolicy `json:"env_policy,omitempty" mapstructure:"env_policy"`

	Tags []string `json:"tags,omitempty" mapstructure:"tags"`

	Restart RestartPolicy `json:"restart" mapstructure:"restart"`

	Instances int `json:"instances" mapstructure:"instances"`
	BasePort  int `json:"base_port,omitempty" mapstructure:"base_port"`
	PortVar   string `json:"port_var,omitempty" mapstructure:"port_var"`

	Health HealthSpec `json:"health" mapstructure:"health"`
	Watch  WatchSpec  `json:"watch" mapstructure:"watch"`
	Log    LogSpec    `json:"log" mapstructure:"log"`

	Hooks LifecycleHooks `json:"hooks" mapstructure:"hooks"`

	MemLimitMB int `json:"mem_limit_mb,omitempty" mapstructure:"mem_limit_mb"`

	Priority int `json:"priority,omitempty" mapstructure:"priority"`
}

// GetDefaults fills every zero-valued tunable with its documented default,
// mirroring the teacher's per-substruct GetDefaults convention.
func (s Spec) GetDefaults() Spec {
	if s.Instances <= 0 {
		s.Instances = 1
	}
	if s.EnvPolicy == "" {
		s.EnvPolicy = EnvInherit
	}
	if s.PortVar == "" {
		s.PortVar = "PORT"
	}
	s.Restart = s.Restart.GetDefaults()
	s.Health = s.Health.GetDefaults()
	s.Watch = s.Watch.GetDefaults()
	s.Log = s.Log.GetDefaults()
	return s
}

// Validate checks structural invariants that must hold before registration.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("spec: name is required")
	}
	switch s.Mode {
	case ModeNode, ModeNpmScript, ModePnpmScript, ModeYarnScript, ModeCargo, ModeRustFile, ModeRawCommand:
	default:
		return fmt.Errorf("spec %q: unknown mode %q", s.Name, s.Mode)
	}
	switch s.Mode {
	case ModeNode, ModeRustFile:
		if s.Script == "" {
			return fmt.Errorf("spec %q: script required for mode %q", s.Name, s.Mode)
		}
	case ModeNpmScript, ModePnpmScript, ModeYarnScript:
		if s.Script == "" {
			return fmt.Errorf("spec %q: script (package.json script name) required for mode %q", s.Name, s.Mode)
		}
	case ModeRawCommand:
		if len(s.Argv) == 0 {
			return fmt.Errorf("spec %q: argv required for mode raw-command", s.Name)
		}
	}
	if s.Instances < 1 {
		return fmt.Errorf("spec %q: instances must be >= 1", s.Name)
	}
	if err := s.Health.Validate(); err != nil {
		return fmt.Errorf("spec %q: %w", s.Name, err)
	}
	return nil
}

// CommandFor resolves argv/program for the given cluster index (0-based),
// generalizing the teacher's BuildCommand/parseExplicitShell pattern across
// every launch mode instead of a single raw command string.
func (s Spec) CommandFor(index int) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch s.Mode {
	case ModeNode:
		cmd = exec.Command("node", append([]string{s.Script}, s.Argv...)...)
	case ModeNpmScript:
		cmd = exec.Command("npm", append([]string{"run", s.Script, "--"}, s.Argv...)...)
	case ModePnpmScript:
		cmd = exec.Command("pnpm", append([]string{"run", s.Script, "--"}, s.Argv...)...)
	case ModeYarnScript:
		cmd = exec.Command("yarn", append([]string{s.Script}, s.Argv...)...)
	case ModeCargo:
		args := []string{"run"}
		if s.Release {
			args = append(args, "--release")
		}
		if s.Bin != "" {
			args = append(args, "--bin", s.Bin)
		}
		if len(s.Argv) > 0 {
			args = append(args, "--")
			args = append(args, s.Argv...)
		}
		cmd = exec.Command("cargo", args...)
	case ModeRustFile:
		// Compiled to a cache binary by the supervisor's build phase; by the
		// time CommandFor is called the binary path has replaced Script.
		cmd = exec.Command(s.Script, s.Argv...)
	case ModeRawCommand:
		cmd, _ = buildShellAwareCommand(s.Argv)
	default:
		return nil, fmt.Errorf("spec %q: unresolved mode %q", s.Name, s.Mode)
	}
	cmd.Dir = s.WorkDir
	return cmd, nil
}

// RustFileCacheBinary returns the deterministic cache path a rust-file mode
// spec compiles to, grouped under dir so repeated starts reuse the binary
// unless the source's mtime changed.
func (s Spec) RustFileCacheBinary(cacheDir string) string {
	base := strings.TrimSuffix(filepath.Base(s.Script), ".rs")
	return filepath.Join(cacheDir, fmt.Sprintf("%s-%d", base, s.ID))
}

// buildShellAwareCommand mirrors the teacher's shell-detection logic: if the
// first argv token is an explicit shell invocation, or any token carries
// shell metacharacters, fall back to `/bin/sh -c <joined>`.
func buildShellAwareCommand(argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	if shellCmd, rest, ok := parseExplicitShell(argv); ok {
		return exec.Command(shellCmd, rest...), nil
	}
	for _, tok := range argv {
		if strings.ContainsAny(tok, "|&;<>(){}$`\"'*?[]~") {
			joined := strings.Join(argv, " ")
			return exec.Command("/bin/sh", "-c", joined), nil
		}
	}
	return exec.Command(argv[0], argv[1:]...), nil
}

// parseExplicitShell detects an argv already expressed as `sh -c "..."` (or
// /bin/sh, /usr/bin/sh variants) and returns the shell path plus its
// remaining arguments, stripping one layer of quote wrapping.
func parseExplicitShell(argv []string) (string, []string, bool) {
	if len(argv) < 2 {
		return "", nil, false
	}
	shells := []string{"sh", "/bin/sh", "/usr/bin/sh", "bash", "/bin/bash"}
	for _, sh := range shells {
		if argv[0] == sh && argv[1] == "-c" {
			rest := argv[2:]
			if len(rest) == 1 {
				rest[0] = strings.Trim(rest[0], `"'`)
			}
			return sh, append([]string{"-c"}, rest...), true
		}
	}
	return "", nil, false
}

// PortFor computes the per-instance port assigned to cluster index idx,
// used to set PortVar in the assembled environment.
func (s Spec) PortFor(idx int) int {
	if s.BasePort <= 0 {
		return 0
	}
	return s.BasePort + idx
}

// PortEnvFor returns the "VAR=value" entry for the cluster index's port, or
// empty if the spec has no base_port configured.
func (s Spec) PortEnvFor(idx int) string {
	p := s.PortFor(idx)
	if p == 0 {
		return ""
	}
	return s.PortVar + "=" + strconv.Itoa(p)
}
