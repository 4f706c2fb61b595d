package sampler

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestSamplerEmitsReadings(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	defer func() { _ = cmd.Process.Kill() }()

	out := make(chan Event, 4)
	s := New(int32(cmd.Process.Pid), time.Now(), 0, 20*time.Millisecond, out)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	select {
	case ev := <-out:
		if ev.Sample.PID != int32(cmd.Process.Pid) {
			t.Fatalf("unexpected pid in sample: %+v", ev.Sample)
		}
	default:
		t.Fatalf("expected at least one sample to be emitted")
	}
}

func TestSamplerDetectsGoneProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run true: %v", err)
	}
	out := make(chan Event, 4)
	s := New(int32(os.Getpid()+1_000_000), time.Now(), 0, 10*time.Millisecond, out)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	select {
	case ev := <-out:
		if !ev.ShouldEvict {
			t.Fatalf("expected ShouldEvict for a nonexistent pid, got %+v", ev)
		}
	default:
		t.Fatalf("expected an eviction event")
	}
}
