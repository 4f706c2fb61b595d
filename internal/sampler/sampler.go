// Package sampler periodically reads CPU%, resident memory, and uptime for
// a live child process. It is Component B (Sampler) of the supervisor
// engine, grounded on the teacher's gopsutil-based process metrics
// collector.
package sampler

import (
	"context"
	"math/rand"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading for a pid.
type Sample struct {
	PID        int32
	CPUPercent float64
	MemoryMB   float64
	MemoryRSS  uint64
	NumThreads int32
	Uptime     time.Duration
	Stale      bool
	Timestamp  time.Time
}

// Cause distinguishes why the sampler asked for a restart.
type Cause string

const (
	CauseMemory Cause = "memory"
)

// Event is delivered to a sampled instance's inbox.
type Event struct {
	Sample      Sample
	RestartFor  Cause
	ShouldEvict bool // pid gone: supervisor should observe exit
}

// Sampler runs the periodic CPU/memory/uptime reads for one instance.
type Sampler struct {
	pid          int32
	startedAt    time.Time
	memLimitMB   int
	interval     time.Duration
	out          chan<- Event

	proc *process.Process
}

const defaultInterval = 1 * time.Second

// New builds a Sampler for pid, sending events to out. memLimitMB of 0
// disables the memory-limit check. interval of 0 uses the 1s default,
// lengthened by a random 0–20% per tick to avoid thundering-herd sampling across many
// instances.
func New(pid int32, startedAt time.Time, memLimitMB int, interval time.Duration, out chan<- Event) *Sampler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sampler{pid: pid, startedAt: startedAt, memLimitMB: memLimitMB, interval: interval, out: out}
}

// Run loops until ctx is cancelled, sampling once per (jittered) interval.
func (s *Sampler) Run(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(s.interval) / 5))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval + jitter):
		}
		s.tick()
	}
}

func (s *Sampler) tick() {
	sample, err := s.read()
	if err != nil {
		// pid gone or unreadable: a single stale sample, the supervisor
		// observes the exit through its own child-exit path (spec.md §4.B).
		s.emit(Event{Sample: Sample{PID: s.pid, Stale: true, Timestamp: time.Now()}, ShouldEvict: true})
		return
	}
	ev := Event{Sample: sample}
	if s.memLimitMB > 0 && sample.MemoryMB > float64(s.memLimitMB) {
		ev.RestartFor = CauseMemory
	}
	s.emit(ev)
}

func (s *Sampler) read() (Sample, error) {
	if s.proc == nil {
		p, err := process.NewProcess(s.pid)
		if err != nil {
			return Sample{}, err
		}
		s.proc = p
	}
	cpuPercent, err := s.proc.CPUPercent()
	if err != nil {
		return Sample{}, err
	}
	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	numThreads, err := s.proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	return Sample{
		PID:        s.pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		NumThreads: numThreads,
		Uptime:     time.Since(s.startedAt),
		Timestamp:  time.Now(),
	}, nil
}

func (s *Sampler) emit(ev Event) {
	select {
	case s.out <- ev:
	default:
		// supervisor inbox full: drop the sample rather than block the
		// sampler task (spec.md §5 resource caps).
	}
}
