// Package health runs scheduled HTTP, script, or liveness-probe health
// checks against a managed instance and turns a sliding window of verdicts
// into a pass/fail status. It is Component C (Health Prober) of the
// supervisor engine.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/opspm/opspm/internal/detector"
	"github.com/opspm/opspm/internal/spec"
)

// Verdict is the outcome of a single probe.
type Verdict struct {
	Pass      bool
	Err       error
	Timestamp time.Time
}

// Status is the aggregate state derived from the sliding verdict window.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Prober schedules and evaluates health checks for one instance.
type Prober struct {
	spec      spec.HealthSpec
	env       []string
	workDir   string
	pid       int
	window    []bool // true = pass
	startedAt time.Time

	httpClient *http.Client
}

// New builds a Prober for the instance's env/workDir (used by script
// checks), pid (used by process/pidfile checks), and health spec.
func New(hs spec.HealthSpec, env []string, workDir string, pid int, startedAt time.Time) *Prober {
	hs = hs.GetDefaults()
	return &Prober{
		spec:       hs,
		env:        env,
		workDir:    workDir,
		pid:        pid,
		startedAt:  startedAt,
		httpClient: &http.Client{},
	}
}

// Disabled reports whether this instance has no health check configured.
func (p *Prober) Disabled() bool { return p.spec.Kind == spec.HealthNone || p.spec.Kind == "" }

// Suppressed reports whether probing should be withheld because start_grace
// has not yet elapsed since the instance went Online (spec.md §4.C, §9b).
func (p *Prober) Suppressed(now time.Time) bool {
	return now.Sub(p.startedAt) < p.spec.StartGrace
}

// Probe issues one check and records it in the sliding window, returning
// the verdict and the resulting aggregate Status.
func (p *Prober) Probe(ctx context.Context) (Verdict, Status) {
	ctx, cancel := context.WithTimeout(ctx, p.spec.Timeout)
	defer cancel()

	v := p.run(ctx)
	p.window = append(p.window, v.Pass)
	if n := p.spec.FailureThreshold; len(p.window) > n {
		p.window = p.window[len(p.window)-n:]
	}
	return v, p.aggregate()
}

func (p *Prober) run(ctx context.Context) Verdict {
	now := time.Now()
	switch p.spec.Kind {
	case spec.HealthHTTP:
		return p.runHTTP(ctx, now)
	case spec.HealthScript:
		return p.runScript(ctx, now)
	case spec.HealthProcess:
		return p.runProcess(now)
	case spec.HealthPIDFile:
		return p.runPIDFile(now)
	default:
		return Verdict{Pass: true, Timestamp: now}
	}
}

func (p *Prober) runHTTP(ctx context.Context, now time.Time) Verdict {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.spec.URL, nil)
	if err != nil {
		return Verdict{Pass: false, Err: err, Timestamp: now}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Verdict{Pass: false, Err: err, Timestamp: now}
	}
	defer resp.Body.Close()
	pass := resp.StatusCode >= 200 && resp.StatusCode < 300
	return Verdict{Pass: pass, Timestamp: now}
}

// runScript shares the shell-aware command construction used by the
// detector package's liveness strategies, so a script health check and a
// `cmd:` detector behave identically for the same command string.
func (p *Prober) runScript(ctx context.Context, now time.Time) Verdict {
	d := detector.CommandDetector{Command: p.spec.Path, Dir: p.workDir, Env: p.env}
	pass, err := d.AliveContext(ctx)
	return Verdict{Pass: pass, Err: err, Timestamp: now}
}

// runProcess verifies the supervised pid is still alive via signal 0,
// independent of the supervisor's own cmd.Wait-based exit detection.
func (p *Prober) runProcess(now time.Time) Verdict {
	d := detector.PIDDetector{PID: p.pid}
	alive, err := d.Alive()
	return Verdict{Pass: alive, Err: err, Timestamp: now}
}

// runPIDFile verifies liveness via an externally-maintained PID file (e.g.
// a process started outside this supervisor's own exec.Cmd). A pid-reuse
// mismatch comes back as detector.ErrPIDReused in Verdict.Err so it reads
// distinctly from "file missing" in logs and subscriber event payloads.
func (p *Prober) runPIDFile(now time.Time) Verdict {
	d := detector.PIDFileDetector{PIDFile: p.spec.Path}
	alive, err := d.Alive()
	return Verdict{Pass: alive, Err: err, Timestamp: now}
}

// aggregate implements the sliding-window rule: failure_threshold
// consecutive failures ⇒ Unhealthy. The first pass after Online
// initializes the window (handled by the caller via Suppressed).
func (p *Prober) aggregate() Status {
	if len(p.window) == 0 {
		return StatusUnknown
	}
	if len(p.window) < p.spec.FailureThreshold {
		for _, ok := range p.window {
			if ok {
				return StatusHealthy
			}
		}
		return StatusUnknown
	}
	for _, ok := range p.window {
		if ok {
			return StatusHealthy
		}
	}
	return StatusUnhealthy
}
