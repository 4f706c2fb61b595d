package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opspm/opspm/internal/health"
	"github.com/opspm/opspm/internal/spec"
)

func testSpec(name string, argv []string) spec.Spec {
	s := spec.Spec{
		Name: name,
		Mode: spec.ModeRawCommand,
		Argv: argv,
	}
	return s.GetDefaults()
}

func newTestSupervisor(t *testing.T, s spec.Spec) (*Supervisor, <-chan Event) {
	t.Helper()
	events := make(chan Event, 32)
	sv := New(1, 0, s, nil, t.TempDir(), nil, nil, events, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go sv.Run(ctx)
	t.Cleanup(cancel)
	return sv, events
}

func waitForState(t *testing.T, sv *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sv.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, sv.State())
}

func TestSupervisorStartReachesOnline(t *testing.T) {
	s := testSpec("sleeper", []string{"sleep", "1"})
	sv, _ := newTestSupervisor(t, s)

	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStart, Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForState(t, sv, Online, 2*time.Second)
	snap := sv.Snapshot()
	if snap.PID == 0 {
		t.Fatalf("expected non-zero pid after start")
	}
}

func TestSupervisorStopIsGraceful(t *testing.T) {
	s := testSpec("sleeper", []string{"sleep", "5"})
	sv, events := newTestSupervisor(t, s)

	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStart, Reply: reply}
	<-reply
	waitForState(t, sv, Online, 2*time.Second)

	reply = make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStop, Wait: 500 * time.Millisecond, Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, sv, Stopped, 2*time.Second)

	drainUntil(t, events, EventExited, 2*time.Second)
}

func TestSupervisorCrashTriggersRestart(t *testing.T) {
	s := testSpec("crasher", []string{"sh", "-c", "exit 1"})
	s.Restart.MinUptime = 50 * time.Millisecond
	s.Restart.RestartDelay = 50 * time.Millisecond
	s.Restart.MaxRestarts = 0
	sv, events := newTestSupervisor(t, s)

	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStart, Reply: reply}
	<-reply

	drainUntil(t, events, EventCrashed, 2*time.Second)
}

func TestSupervisorCrashLoopStopsRestarting(t *testing.T) {
	s := testSpec("looper", []string{"sh", "-c", "exit 1"})
	s.Restart.MinUptime = 20 * time.Millisecond
	s.Restart.RestartDelay = 20 * time.Millisecond
	s.Restart.MaxRestarts = 2
	s.Restart.AutoRestart = true
	sv, events := newTestSupervisor(t, s)

	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStart, Reply: reply}
	<-reply

	drainUntil(t, events, EventCrashLoop, 3*time.Second)
	waitForState(t, sv, Errored, time.Second)
}

func TestSupervisorNoAutoRestartStaysErrored(t *testing.T) {
	s := testSpec("onceonly", []string{"sh", "-c", "exit 0"})
	s.Restart.MinUptime = 2 * time.Second
	s.Restart.AutoRestart = false
	sv, _ := newTestSupervisor(t, s)

	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStart, Reply: reply}
	<-reply

	waitForState(t, sv, Errored, 2*time.Second)
}

func TestSupervisorProcessHealthCheckReportsHealthy(t *testing.T) {
	s := testSpec("flaky", []string{"sleep", "5"})
	s.Health.Kind = spec.HealthProcess
	s.Health.Interval = 20 * time.Millisecond
	s.Health.StartGrace = 0
	s.Health.FailureThreshold = 1
	sv, events := newTestSupervisor(t, s)

	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStart, Reply: reply}
	<-reply
	waitForState(t, sv, Online, 2*time.Second)

	// The health loop probes the live pid and should report healthy — a
	// running sleep keeps passing the process-liveness check.
	ev := drainUntil(t, events, EventHealthChanged, time.Second)
	if ev.Payload != health.StatusHealthy {
		t.Fatalf("expected healthy verdict for a live pid, got %+v", ev.Payload)
	}
}

func TestSupervisorDiscardsStaleChildExit(t *testing.T) {
	s := testSpec("stale", []string{"sleep", "5"})
	sv, events := newTestSupervisor(t, s)

	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgStart, Reply: reply}
	<-reply
	waitForState(t, sv, Online, 2*time.Second)

	// Simulate the race a restart/reload can trigger: the old child's
	// waitChild goroutine enqueues MsgChildExit for a generation that, by
	// the time it's dequeued, has already been superseded by a newer
	// spawn. It must be discarded rather than mistaken for the current
	// child crashing.
	sv.Inbox() <- Msg{Type: MsgChildExit, ExitErr: errors.New("stale exit"), Gen: 0}

	time.Sleep(100 * time.Millisecond)
	if sv.State() != Online {
		t.Fatalf("stale child exit must not change state, got %s", sv.State())
	}
	if snap := sv.Snapshot(); snap.Restarts != 0 {
		t.Fatalf("stale child exit must not bump the crash counter, got %d", snap.Restarts)
	}
	select {
	case ev := <-events:
		t.Fatalf("stale child exit must not publish an event, got %+v", ev)
	default:
	}
}

func TestBuildRustFileReusesFreshCache(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.rs")
	if err := os.WriteFile(src, []byte("fn main() {}"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	cacheDir := t.TempDir()
	s := spec.Spec{ID: 1, Script: src}
	s = s.GetDefaults()
	binPath := s.RustFileCacheBinary(cacheDir)
	if err := os.WriteFile(binPath, []byte("stub binary"), 0o755); err != nil {
		t.Fatalf("write cached binary: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(binPath, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	sv := New(1, 0, s, nil, cacheDir, nil, nil, nil, nil, nil)
	got, err := sv.buildRustFile(context.Background(), s)
	if err != nil {
		t.Fatalf("buildRustFile: %v", err)
	}
	if got != binPath {
		t.Fatalf("expected cached binary path %q, got %q", binPath, got)
	}
}

func TestSupervisorUpdateSpecAppliesWithoutRestart(t *testing.T) {
	s := testSpec("static", []string{"sleep", "1"})
	sv, _ := newTestSupervisor(t, s)

	updated := s
	updated.Tags = []string{"v2"}
	reply := make(chan error, 1)
	sv.Inbox() <- Msg{Type: MsgUpdateSpec, Spec: updated, Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("update spec: %v", err)
	}
	if got := sv.spec().Tags; len(got) != 1 || got[0] != "v2" {
		t.Fatalf("expected updated spec to stick, got %+v", got)
	}
}

func drainUntil(t *testing.T, events <-chan Event, want EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("never observed event %s", want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Idle, Starting, true},
		{Starting, Online, true},
		{Online, Idle, false},
		{Stopped, Starting, true},
		{Errored, Online, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
