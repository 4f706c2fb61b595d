// Package supervisor implements the per-(spec, cluster index) process
// state machine: spawn, monitor, restart, stop, reload. It is Component E
// (Process Supervisor) of the engine, generalizing the teacher's
// handler+supervisor split (internal/manager/handler.go,
// internal/manager/supervisor.go) and process.go's stop/kill escalation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/opspm/opspm/internal/health"
	"github.com/opspm/opspm/internal/logpipe"
	"github.com/opspm/opspm/internal/metrics"
	"github.com/opspm/opspm/internal/sampler"
	"github.com/opspm/opspm/internal/spec"
	"github.com/opspm/opspm/internal/watcher"
)

// MsgType enumerates control messages accepted by a Supervisor's inbox.
// Every external mutator — IPC handlers, the watcher, the sampler, the
// health prober, and the child-exit waiter — sends into this single
// channel rather than touching the Supervisor's state directly (spec.md
// §5 single-writer discipline).
type MsgType int

const (
	MsgStart MsgType = iota
	MsgStop
	MsgRestart
	MsgReload
	MsgDelete
	MsgUpdateSpec
	MsgChildExit
	MsgWatchDirty
	MsgHealthVerdict
	MsgSamplerEvent
)

// Msg is one inbox entry. Reply, if non-nil, receives the handler's error
// (nil on success) once the message's resulting transition completes — giving IPC
// callers the "response only after the transition is acknowledged"
// guarantee from spec.md §5.
type Msg struct {
	Type    MsgType
	Spec    spec.Spec
	Wait    time.Duration
	ExitErr error
	Health  health.Status
	Sample  sampler.Event
	Gen     int // child generation this MsgChildExit belongs to
	Reply   chan error
}

// Snapshot is an immutable view of a Supervisor's ProcessState, safe to
// hand out to callers without further locking.
type Snapshot struct {
	ID            int64
	Index         int
	Name          string
	State         State
	PID           int
	StartedAt     time.Time
	StoppedAt     time.Time
	Restarts      int
	TotalRestarts int
	ExitErr       error
	LastSignal    string
	Health        health.Status
	Sample        sampler.Sample
}

// EventKind matches the event vocabulary of spec.md §4.F's subscribe feed.
type EventKind string

const (
	EventStarted       EventKind = "Started"
	EventExited        EventKind = "Exited"
	EventCrashed       EventKind = "Crashed"
	EventHealthChanged EventKind = "HealthChanged"
	EventMemoryLimit   EventKind = "MemoryLimit"
	EventRotated       EventKind = "Rotated"
	EventLogLine       EventKind = "LogLine"
	EventCrashLoop     EventKind = "CrashLoop"
)

// Event is published to the registry's broadcast stream.
type Event struct {
	ID        int64
	Kind      EventKind
	Timestamp time.Time
	Payload   any
}

// HookRunner executes a lifecycle hook command with a bounded timeout; its
// result is recorded but never changes the supervised process's state
// (spec.md §4.E). Factored out so tests can stub it.
type HookRunner func(ctx context.Context, h spec.Hook, env []string, workDir string) error

// Supervisor owns one OS child, its ProcessState, and its Log Pipe.
type Supervisor struct {
	id    int64
	index int
	s     spec.Spec
	log   *slog.Logger
	pipe  *logpipe.Pipe
	cache string // rust-file compile cache dir

	mergeEnv func(spec.Spec, int) []string
	runHook  HookRunner
	events   chan<- Event
	metrics  *metrics.ProcessMetricsCollector

	inbox chan Msg

	mu        sync.RWMutex
	state     State
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	restarts  int // consecutive crash counter, resets after min_uptime
	total     int
	exitErr   error
	healthSt  health.Status
	lastSmp   sampler.Sample
	stopping  bool
	childDone chan struct{}
	// generation increments each time a new child is spawned; it tags the
	// MsgChildExit a waitChild goroutine sends so onChildExit can recognize
	// and discard an exit notification for a child that a restart/reload
	// has already superseded (spec.md §3: a pid maps to exactly one
	// ProcessState).
	generation int

	monitorCancel context.CancelFunc
}

// New constructs a Supervisor for one cluster index of s. It does not
// start the process; call Run then send MsgStart. metrics may be nil, in
// which case no Prometheus gauges are updated.
func New(id int64, index int, s spec.Spec, pipe *logpipe.Pipe, cacheDir string, mergeEnv func(spec.Spec, int) []string, runHook HookRunner, events chan<- Event, mc *metrics.ProcessMetricsCollector, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		id:       id,
		index:    index,
		s:        s,
		log:      log,
		pipe:     pipe,
		cache:    cacheDir,
		mergeEnv: mergeEnv,
		runHook:  runHook,
		events:   events,
		metrics:  mc,
		inbox:    make(chan Msg, 32),
		state:    Idle,
	}
}

// instanceID is the label value this instance reports to Prometheus.
func (sv *Supervisor) instanceID() string {
	return fmt.Sprintf("%d", sv.index)
}

// Inbox exposes the message channel for external senders (registry,
// watcher, sampler, health prober).
func (sv *Supervisor) Inbox() chan<- Msg { return sv.inbox }

// Run processes inbox messages serially until ctx is cancelled, at which
// point it stops the child (if any) and returns. The state machine itself
// never suspends mid-transition (spec.md §5): every branch below either
// completes synchronously or hands blocking work to a goroutine that
// reports back through the inbox.
func (sv *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			sv.doStop(3 * time.Second)
			return
		case msg := <-sv.inbox:
			err := sv.handle(ctx, msg)
			if msg.Reply != nil {
				msg.Reply <- err
			}
		}
	}
}

func (sv *Supervisor) handle(ctx context.Context, msg Msg) error {
	switch msg.Type {
	case MsgStart:
		return sv.doStart(ctx)
	case MsgStop:
		sv.stopping = true
		return sv.doStop(msg.Wait)
	case MsgRestart:
		sv.doStop(sv.gracefulTimeout())
		return sv.doStart(ctx)
	case MsgReload:
		return sv.doReload(ctx)
	case MsgUpdateSpec:
		sv.mu.Lock()
		sv.s = msg.Spec
		sv.mu.Unlock()
		return nil
	case MsgDelete:
		sv.doStop(sv.gracefulTimeout())
		return nil
	case MsgChildExit:
		sv.onChildExit(ctx, msg.ExitErr, msg.Gen)
		return nil
	case MsgWatchDirty:
		if sv.s.Watch.Reload {
			return sv.doReload(ctx)
		}
		sv.doStop(sv.gracefulTimeout())
		return sv.doStart(ctx)
	case MsgHealthVerdict:
		sv.mu.Lock()
		prev := sv.healthSt
		sv.healthSt = msg.Health
		sv.mu.Unlock()
		if prev != msg.Health {
			sv.publish(EventHealthChanged, msg.Health)
		}
		if msg.Health == health.StatusUnhealthy && sv.State() == Online {
			sv.doStop(sv.gracefulTimeout())
			return sv.doStart(ctx)
		}
		return nil
	case MsgSamplerEvent:
		sv.mu.Lock()
		sv.lastSmp = msg.Sample.Sample
		sv.mu.Unlock()
		if sv.metrics != nil {
			sv.metrics.Observe(sv.s.Name, sv.instanceID(), msg.Sample.Sample.CPUPercent, msg.Sample.Sample.MemoryMB, msg.Sample.Sample.NumThreads)
		}
		if msg.Sample.ShouldEvict {
			sv.onChildExit(ctx, errors.New("process vanished"), sv.currentGeneration())
			return nil
		}
		if msg.Sample.RestartFor == sampler.CauseMemory {
			sv.publish(EventMemoryLimit, msg.Sample.Sample)
			sv.doStop(sv.gracefulTimeout())
			return sv.doStart(ctx)
		}
		return nil
	}
	return fmt.Errorf("supervisor: unknown message type %d", msg.Type)
}

func (sv *Supervisor) gracefulTimeout() time.Duration { return 10 * time.Second }

// doStart resolves the command for this cluster index, launches it in a
// fresh process group, wires the Log Pipe, and arms the min_uptime
// success timer (spec.md §4.E "Spawn").
func (sv *Supervisor) doStart(ctx context.Context) error {
	sv.mu.Lock()
	s := sv.s
	if sv.state == Online || sv.state == Starting {
		sv.mu.Unlock()
		return nil
	}
	sv.setState(Starting)
	sv.mu.Unlock()

	sv.runHooks(ctx, s.Hooks.PreStart, s)

	if s.Mode == spec.ModeRustFile {
		binPath, err := sv.buildRustFile(ctx, s)
		if err != nil {
			sv.mu.Lock()
			sv.setState(Errored)
			sv.exitErr = err
			sv.mu.Unlock()
			return err
		}
		s.Script = binPath
	}

	cmd, err := s.CommandFor(sv.index)
	if err != nil {
		sv.mu.Lock()
		sv.setState(Errored)
		sv.exitErr = err
		sv.mu.Unlock()
		return err
	}
	var env []string
	if sv.mergeEnv != nil {
		env = sv.mergeEnv(s, sv.index)
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	if devnull, err := os.Open(os.DevNull); err == nil {
		cmd.Stdin = devnull
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sv.mu.Lock()
		sv.setState(Errored)
		sv.mu.Unlock()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sv.mu.Lock()
		sv.setState(Errored)
		sv.mu.Unlock()
		return err
	}

	if err := cmd.Start(); err != nil {
		sv.mu.Lock()
		sv.setState(Errored)
		sv.exitErr = err
		sv.mu.Unlock()
		return err
	}

	if sv.pipe != nil {
		go sv.pipe.Forward(stdout, logpipe.Stdout)
		go sv.pipe.Forward(stderr, logpipe.Stderr)
	}

	done := make(chan struct{})
	sv.mu.Lock()
	sv.generation++
	gen := sv.generation
	sv.cmd = cmd
	sv.pid = cmd.Process.Pid
	sv.startedAt = time.Now()
	sv.childDone = done
	sv.mu.Unlock()

	go sv.waitChild(cmd, done, gen)

	// Spawn success is declared when the process survives min_uptime_ms;
	// an earlier exit counts as a crash (spec.md §4.E, §8 boundary case).
	minUptime := s.Restart.MinUptime
	select {
	case <-done:
		// Exited before min_uptime elapsed: onChildExit (triggered by the
		// waiter's MsgChildExit) will count this as a crash.
	case <-time.After(minUptime):
		sv.mu.Lock()
		if sv.state == Starting {
			sv.setState(Online)
			sv.restarts = 0
		}
		pid := sv.pid
		startedAt := sv.startedAt
		sv.mu.Unlock()
		sv.publish(EventStarted, pid)
		metrics.IncStart(s.Name)
		sv.runHooks(ctx, s.Hooks.PostStart, s)
		sv.startMonitors(ctx, s, pid, startedAt)
	}
	return nil
}

// buildRustFile compiles a rust-file mode spec's single .rs source into
// sv.cache, reusing the cached binary when it is newer than the source
// (spec.md §4.E "Starting" tracks this as the Building sub-state). Compiler
// stdout/stderr are piped through the same Log Pipe as the eventual run.
func (sv *Supervisor) buildRustFile(ctx context.Context, s spec.Spec) (string, error) {
	binPath := s.RustFileCacheBinary(sv.cache)

	srcInfo, err := os.Stat(s.Script)
	if err != nil {
		return "", fmt.Errorf("rust-file: stat source: %w", err)
	}
	if binInfo, err := os.Stat(binPath); err == nil && binInfo.ModTime().After(srcInfo.ModTime()) {
		return binPath, nil
	}
	if err := os.MkdirAll(sv.cache, 0o755); err != nil {
		return "", fmt.Errorf("rust-file: cache dir: %w", err)
	}

	bctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(bctx, "rustc", "-O", s.Script, "-o", binPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("rust-file: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("rust-file: stderr pipe: %w", err)
	}
	if sv.pipe != nil {
		go sv.pipe.Forward(stdout, logpipe.Stdout)
		go sv.pipe.Forward(stderr, logpipe.Stderr)
	}

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("rust-file: rustc: %w", err)
	}
	return binPath, nil
}

// startMonitors launches the sampler, health prober, and filesystem watcher
// for one Online run, each feeding its verdicts back through the inbox so
// the state machine remains the single writer of ProcessState (spec.md
// §5). The returned goroutines run until stopMonitors cancels them.
func (sv *Supervisor) startMonitors(ctx context.Context, s spec.Spec, pid int, startedAt time.Time) {
	mctx, cancel := context.WithCancel(ctx)
	sv.mu.Lock()
	sv.monitorCancel = cancel
	sv.mu.Unlock()

	go sv.samplerLoop(mctx, int32(pid), startedAt, s.MemLimitMB)

	if s.Health.Kind != spec.HealthNone && s.Health.Kind != "" {
		var env []string
		if sv.mergeEnv != nil {
			env = sv.mergeEnv(s, sv.index)
		}
		go sv.healthLoop(mctx, s.Health, env, s.WorkDir, pid, startedAt)
	}

	if s.Watch.Enabled && len(s.Watch.Roots) > 0 {
		go sv.watchLoop(mctx, s.Watch)
	}

	// max_uptime: once this run has been Online that long, schedule a
	// graceful reload. The old child's exit is discarded by the generation
	// check, so the recycle never counts against the crash budget.
	if s.Restart.MaxUptime > 0 {
		go func() {
			select {
			case <-mctx.Done():
			case <-time.After(s.Restart.MaxUptime):
				select {
				case sv.inbox <- Msg{Type: MsgReload}:
				case <-mctx.Done():
				}
			}
		}()
	}
}

// stopMonitors cancels this run's sampler/health/watcher goroutines, if any.
func (sv *Supervisor) stopMonitors() {
	sv.mu.Lock()
	cancel := sv.monitorCancel
	sv.monitorCancel = nil
	sv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (sv *Supervisor) samplerLoop(ctx context.Context, pid int32, startedAt time.Time, memLimitMB int) {
	out := make(chan sampler.Event, 4)
	smp := sampler.New(pid, startedAt, memLimitMB, 0, out)
	go smp.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-out:
			select {
			case sv.inbox <- Msg{Type: MsgSamplerEvent, Sample: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (sv *Supervisor) healthLoop(ctx context.Context, hs spec.HealthSpec, env []string, workDir string, pid int, startedAt time.Time) {
	prober := health.New(hs, env, workDir, pid, startedAt)
	if prober.Disabled() {
		return
	}
	ticker := time.NewTicker(hs.GetDefaults().Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if prober.Suppressed(time.Now()) {
				continue
			}
			_, status := prober.Probe(ctx)
			select {
			case sv.inbox <- Msg{Type: MsgHealthVerdict, Health: status}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (sv *Supervisor) watchLoop(ctx context.Context, ws spec.WatchSpec) {
	dirty := make(chan struct{}, 1)
	w, err := watcher.New(ws.Roots, ws.Ignore, ws.Debounce, dirty, sv.log)
	if err != nil {
		sv.log.Warn("watcher setup failed", "error", err)
		return
	}
	go w.Run(ctx)
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-dirty:
			select {
			case sv.inbox <- Msg{Type: MsgWatchDirty}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (sv *Supervisor) waitChild(cmd *exec.Cmd, done chan struct{}, gen int) {
	err := cmd.Wait()
	close(done)
	select {
	case sv.inbox <- Msg{Type: MsgChildExit, ExitErr: err, Gen: gen}:
	default:
		// inbox saturated: fall back to a blocking send so the exit is
		// never lost, at the cost of delaying this goroutine's return.
		sv.inbox <- Msg{Type: MsgChildExit, ExitErr: err, Gen: gen}
	}
}

// currentGeneration reads the generation counter of the child currently
// owned by this Supervisor.
func (sv *Supervisor) currentGeneration() int {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.generation
}

// onChildExit implements the restart policy of spec.md §4.E. gen identifies
// which spawned child this exit belongs to; an exit reported for a
// generation other than the current one means a restart/reload already
// superseded that child before this message was dequeued, so it is
// discarded rather than misapplied to the new child's state.
func (sv *Supervisor) onChildExit(ctx context.Context, exitErr error, gen int) {
	if gen != sv.currentGeneration() {
		return
	}

	sv.stopMonitors()

	sv.mu.Lock()
	prior := sv.state
	sv.stoppedAt = time.Now()
	sv.exitErr = exitErr
	uptime := sv.stoppedAt.Sub(sv.startedAt)
	wasStopRequested := sv.stopping
	sv.stopping = false
	s := sv.s
	sv.mu.Unlock()

	sv.publish(EventExited, exitErr)

	if wasStopRequested || prior == Stopping {
		sv.mu.Lock()
		sv.setState(Stopped)
		sv.mu.Unlock()
		metrics.IncStop(s.Name)
		return
	}

	if uptime < s.Restart.MinUptime {
		sv.mu.Lock()
		sv.restarts++
		sv.total++
		n := sv.restarts
		sv.mu.Unlock()
		sv.publish(EventCrashed, n)
	} else {
		sv.mu.Lock()
		sv.restarts = 0
		sv.mu.Unlock()
	}

	sv.mu.RLock()
	crashCount := sv.restarts
	sv.mu.RUnlock()

	if crashCount >= s.Restart.MaxRestarts && s.Restart.MaxRestarts > 0 {
		sv.mu.Lock()
		sv.setState(Errored)
		sv.mu.Unlock()
		sv.publish(EventCrashLoop, crashCount)
		return
	}

	if !s.Restart.AutoRestart {
		// auto_restart disabled: an unplanned exit is terminal until the
		// user issues an explicit start/restart.
		sv.mu.Lock()
		sv.setState(Errored)
		sv.mu.Unlock()
		return
	}

	metrics.IncRestart(s.Name)
	delay := sv.backoffDelay(crashCount, s)
	sv.mu.Lock()
	sv.setState(Backoff)
	sv.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		sv.inbox <- Msg{Type: MsgStart}
	})
	_ = timer
}

// backoffDelay computes restart_delay_ms × 2^min(counter-1, cap), jittered
// ±20% (spec.md §4.E, §8 property 3: monotone non-decreasing within a
// crash run up to the cap).
func (sv *Supervisor) backoffDelay(counter int, s spec.Spec) time.Duration {
	exp := counter - 1
	if exp < 0 {
		exp = 0
	}
	if exp > s.Restart.BackoffCap {
		exp = s.Restart.BackoffCap
	}
	base := s.Restart.RestartDelay
	mult := int64(1) << uint(exp)
	d := base * time.Duration(mult)
	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	return d + jitter
}

// doStop sends SIGINT then escalates to SIGTERM after graceful_timeout and
// SIGKILL after a further kill_timeout, signaling the whole process group
// (spec.md §4.E "Graceful stop / reload", §9 process-group discipline).
func (sv *Supervisor) doStop(wait time.Duration) error {
	sv.mu.Lock()
	cmd := sv.cmd
	done := sv.childDone
	state := sv.state
	if cmd == nil || cmd.Process == nil || state == Stopped || state == Idle {
		sv.mu.Unlock()
		return nil
	}
	sv.setState(Stopping)
	pgid := cmd.Process.Pid
	sv.mu.Unlock()

	sv.stopMonitors()

	s := sv.spec()
	sv.runHooks(context.Background(), s.Hooks.PreStop, s)

	_ = syscall.Kill(-pgid, syscall.SIGINT)

	graceful := wait
	if graceful <= 0 {
		graceful = sv.gracefulTimeout()
	}
	killTimeout := 5 * time.Second

	select {
	case <-done:
	case <-time.After(graceful):
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killTimeout):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			select {
			case <-done:
			case <-time.After(killTimeout):
			}
		}
	}

	sv.mu.Lock()
	sv.setState(Stopped)
	sv.mu.Unlock()
	sv.runHooks(context.Background(), s.Hooks.PostStop, s)
	return nil
}

// doReload stops then respawns with the current spec. For clustered
// instances the registry orchestrates one-at-a-time handoff; this method
// is the per-instance half of that dance.
func (sv *Supervisor) doReload(ctx context.Context) error {
	sv.doStop(sv.gracefulTimeout())
	return sv.doStart(ctx)
}

func (sv *Supervisor) runHooks(ctx context.Context, hooks []spec.Hook, s spec.Spec) {
	if sv.runHook == nil {
		return
	}
	var env []string
	if sv.mergeEnv != nil {
		env = sv.mergeEnv(s, sv.index)
	}
	for _, h := range hooks {
		h := h.GetDefaults()
		run := func() {
			hctx, cancel := context.WithTimeout(ctx, h.Timeout)
			defer cancel()
			if err := sv.runHook(hctx, h, env, s.WorkDir); err != nil && h.FailureMode == spec.HookFail {
				sv.log.Warn("lifecycle hook failed", "hook", h.Name, "error", err)
			}
		}
		if h.RunMode == spec.HookAsync {
			go run()
		} else {
			run()
		}
	}
}

func (sv *Supervisor) setState(to State) {
	from := sv.state
	sv.state = to
	metrics.RecordStateTransition(sv.s.Name, string(from), string(to))
	metrics.SetCurrentState(sv.s.Name, string(from), false)
	metrics.SetCurrentState(sv.s.Name, string(to), true)
}

func (sv *Supervisor) spec() spec.Spec {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.s
}

// State returns the current ProcessState.status.
func (sv *Supervisor) State() State {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.state
}

// Snapshot returns an immutable view of this instance's state.
func (sv *Supervisor) Snapshot() Snapshot {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return Snapshot{
		ID:            sv.id,
		Index:         sv.index,
		Name:          sv.s.Name,
		State:         sv.state,
		PID:           sv.pid,
		StartedAt:     sv.startedAt,
		StoppedAt:     sv.stoppedAt,
		Restarts:      sv.restarts,
		TotalRestarts: sv.total,
		ExitErr:       sv.exitErr,
		Health:        sv.healthSt,
		Sample:        sv.lastSmp,
	}
}

func (sv *Supervisor) publish(kind EventKind, payload any) {
	if sv.events == nil {
		return
	}
	select {
	case sv.events <- Event{ID: sv.id, Kind: kind, Timestamp: time.Now(), Payload: payload}:
	default:
		// bounded event channel: drop rather than block the supervisor
		// (spec.md §5 resource caps). No gap marker is recorded for the
		// dropped event.
	}
}
