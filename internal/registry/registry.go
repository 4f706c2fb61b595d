// Package registry holds the shared process table and dispatches IPC
// requests to the right supervisor. It is Component F (Registry / Control
// Plane), generalizing the teacher's internal/manager/manager.go
// single-writer map[string]*entry plus internal/process_group's rollback
// semantics for multi-instance registration.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opspm/opspm/internal/env"
	"github.com/opspm/opspm/internal/logpipe"
	"github.com/opspm/opspm/internal/metrics"
	"github.com/opspm/opspm/internal/spec"
	"github.com/opspm/opspm/internal/store"
	"github.com/opspm/opspm/internal/supervisor"
)

// Op enumerates the mutating operations accepted by Signal.
type Op string

const (
	OpStart     Op = "start"
	OpStop      Op = "stop"
	OpRestart   Op = "restart"
	OpReload    Op = "reload"
	OpDelete    Op = "delete"
	OpFlushLogs Op = "flush-logs"
)

// Summary is an immutable snapshot returned by List/Show.
type Summary struct {
	ID        int64
	Name      string
	Tags      []string
	Instances []supervisor.Snapshot
}

type entry struct {
	id        int64
	spec      spec.Spec
	instances []*supervisor.Supervisor
	pipes     []*logpipe.Pipe
	cancel    context.CancelFunc
}

// Registry is the control plane: it owns entry allocation, selector
// resolution, and the event broadcast; it never mutates a ProcessState
// itself — every op is forwarded into the owning supervisor's inbox
// (spec.md §5 single-writer discipline).
type Registry struct {
	mu      sync.Mutex // held only across registration-time invariant checks
	entries map[int64]*entry
	byName  map[string]int64
	byTag   map[string]map[int64]bool
	nextID  atomic.Int64

	sf singleflight.Group

	envBase  *env.Env
	st       store.Store
	logDir   string
	cacheDir string
	log      *slog.Logger

	subsMu sync.Mutex
	subs   map[*eventSub]struct{}

	hookRunner supervisor.HookRunner
	events     chan supervisor.Event
	metrics    *metrics.ProcessMetricsCollector

	opTimeout time.Duration
}

type eventSub struct {
	ch     chan supervisor.Event
	filter func(supervisor.Event) bool
}

const eventBuffer = 256

// New constructs an empty Registry. mc may be nil to disable Prometheus
// gauge export for per-instance CPU/memory samples.
func New(st store.Store, logDir, cacheDir string, hookRunner supervisor.HookRunner, mc *metrics.ProcessMetricsCollector, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		entries:    make(map[int64]*entry),
		byName:     make(map[string]int64),
		byTag:      make(map[string]map[int64]bool),
		envBase:    env.New(),
		st:         st,
		logDir:     logDir,
		cacheDir:   cacheDir,
		log:        log,
		subs:       make(map[*eventSub]struct{}),
		hookRunner: hookRunner,
		events:     make(chan supervisor.Event, eventBuffer),
		metrics:    mc,
		opTimeout:  10 * time.Second,
	}
	go r.pumpEvents()
	return r
}

func (r *Registry) pumpEvents() {
	for ev := range r.events {
		r.subsMu.Lock()
		for s := range r.subs {
			if s.filter != nil && !s.filter(ev) {
				continue
			}
			select {
			case s.ch <- ev:
			default:
				// bounded per-subscriber buffer full: the event is dropped
				// for this subscriber rather than blocking the producer. No
				// gap marker is delivered in its place.
			}
		}
		r.subsMu.Unlock()
	}
}

// Register validates name uniqueness, materializes N supervisors for
// instances=N, and persists a checkpoint entry. Concurrent Register calls
// for the same name collapse onto one winner via singleflight; the losers
// observe ErrAlreadyExists (spec.md §8 property 5).
func (r *Registry) Register(ctx context.Context, s spec.Spec) (int64, error) {
	s = s.GetDefaults()
	if err := s.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	type result struct {
		id  int64
		err error
	}
	v, err, _ := r.sf.Do(s.Name, func() (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.byName[s.Name]; exists {
			return result{err: ErrAlreadyExists}, nil
		}
		id := r.nextID.Add(1)
		s.ID = id
		e := r.materialize(ctx, id, s)
		r.entries[id] = e
		r.byName[s.Name] = id
		for _, tag := range s.Tags {
			if r.byTag[tag] == nil {
				r.byTag[tag] = make(map[int64]bool)
			}
			r.byTag[tag][id] = true
		}
		r.checkpointLocked(ctx)
		for _, sv := range e.instances {
			r.sendAndWait(ctx, sv, supervisor.Msg{Type: supervisor.MsgStart})
		}
		return result{id: id}, nil
	})
	if err != nil {
		return 0, err
	}
	res := v.(result)
	if res.err != nil {
		return 0, res.err
	}
	return res.id, nil
}

// materialize builds N supervisors for s.Instances, wiring each one's Log
// Pipe, hook runner, and environment merge function, and starts their Run
// loops. Caller must hold r.mu.
func (r *Registry) materialize(ctx context.Context, id int64, s spec.Spec) *entry {
	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{id: id, spec: s, cancel: cancel}
	for i := 0; i < s.Instances; i++ {
		name := s.Name
		if s.Instances > 1 {
			name = fmt.Sprintf("%s-%d", s.Name, i)
		}
		pipe := logpipe.New(id, name, logpipe.Config{
			Dir:        s.Log.Dir,
			OutPath:    perInstancePath(s.Log.OutPath, s.Instances, i),
			ErrPath:    perInstancePath(s.Log.ErrPath, s.Instances, i),
			MaxSizeMB:  s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
			Compress:   s.Log.Compress,
		}, func(stream logpipe.Stream, err error) {
			r.log.Warn("log pipe write failed", "process", name, "stream", stream, "error", err)
		})
		idx := i
		sv := supervisor.New(id, idx, s, pipe, r.cacheDir, r.mergeEnv, r.hookRunner, r.events, r.metrics, r.log)
		e.instances = append(e.instances, sv)
		e.pipes = append(e.pipes, pipe)
		go sv.Run(runCtx)
	}
	return e
}

func perInstancePath(base string, instances, idx int) string {
	if base == "" || instances <= 1 {
		return base
	}
	return fmt.Sprintf("%s.%d", base, idx)
}

// mergeEnv composes a spec's declared env according to its EnvPolicy and
// stamps the per-instance PORT variable (spec.md §4.E "Spawn").
func (r *Registry) mergeEnv(s spec.Spec, idx int) []string {
	perProc := append([]string(nil), s.Env...)
	if portEnv := s.PortEnvFor(idx); portEnv != "" {
		perProc = append(perProc, portEnv)
	}
	return r.envBase.MergeWithPolicy(env.Policy(s.EnvPolicy), perProc)
}

// sendAndWait forwards msg into sv's inbox and blocks until the resulting
// transition is acknowledged or opTimeout elapses (spec.md §5 "the
// response is issued only after the triggered state transition has been
// acknowledged... or the op timed out").
func (r *Registry) sendAndWait(ctx context.Context, sv *supervisor.Supervisor, msg Msg) error {
	reply := make(chan error, 1)
	msg.Reply = reply
	select {
	case sv.Inbox() <- msg:
	case <-time.After(r.opTimeout):
		return ErrBusy
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(r.opTimeout):
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Msg is a convenience alias so callers outside this package don't need to
// import internal/supervisor just to build a registry request.
type Msg = supervisor.Msg

// List resolves selector and returns immutable snapshots for every match.
func (r *Registry) List(selector string) ([]Summary, error) {
	ids, err := r.resolve(selector)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		e := r.entries[id]
		if e == nil {
			continue
		}
		out = append(out, r.summaryLocked(e))
	}
	return out, nil
}

// Show returns the snapshot for exactly one selector match.
func (r *Registry) Show(selector string) (Summary, error) {
	list, err := r.List(selector)
	if err != nil {
		return Summary{}, err
	}
	if len(list) == 0 {
		return Summary{}, ErrNotFound
	}
	return list[0], nil
}

func (r *Registry) summaryLocked(e *entry) Summary {
	snaps := make([]supervisor.Snapshot, 0, len(e.instances))
	for _, sv := range e.instances {
		snaps = append(snaps, sv.Snapshot())
	}
	return Summary{ID: e.id, Name: e.spec.Name, Tags: e.spec.Tags, Instances: snaps}
}

// Signal forwards op to every supervisor matched by selector, acknowledged
// once each resulting transition completes or times out.
func (r *Registry) Signal(ctx context.Context, selector string, op Op) error {
	ids, err := r.resolve(selector)
	if err != nil {
		return err
	}
	r.mu.Lock()
	var targets []*entry
	for _, id := range ids {
		if e := r.entries[id]; e != nil {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	for _, e := range targets {
		if err := r.signalEntry(ctx, e, op); err != nil {
			return err
		}
	}
	if op == OpDelete {
		r.removeEntries(ctx, targets)
	}
	return nil
}

func (r *Registry) signalEntry(ctx context.Context, e *entry, op Op) error {
	var msgType supervisor.MsgType
	switch op {
	case OpStart:
		msgType = supervisor.MsgStart
	case OpStop:
		msgType = supervisor.MsgStop
	case OpRestart:
		msgType = supervisor.MsgRestart
	case OpReload:
		return r.reloadEntry(ctx, e)
	case OpDelete:
		msgType = supervisor.MsgDelete
	case OpFlushLogs:
		for _, p := range e.pipes {
			_ = p.Close()
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidSpec, op)
	}
	for _, sv := range e.instances {
		if err := r.sendAndWait(ctx, sv, supervisor.Msg{Type: msgType}); err != nil {
			return err
		}
	}
	return nil
}

// reloadEntry performs a one-instance-at-a-time reload so at least one
// instance remains Online throughout (spec.md §4.E). A single-instance
// entry falls back to a plain stop-then-start (Open Question (a), decided
// in DESIGN.md).
func (r *Registry) reloadEntry(ctx context.Context, e *entry) error {
	for _, sv := range e.instances {
		if err := r.sendAndWait(ctx, sv, supervisor.Msg{Type: supervisor.MsgReload}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) removeEntries(ctx context.Context, targets []*entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range targets {
		e.cancel()
		delete(r.entries, e.id)
		delete(r.byName, e.spec.Name)
		for _, tag := range e.spec.Tags {
			delete(r.byTag[tag], e.id)
		}
		if r.metrics != nil {
			for i := range e.instances {
				r.metrics.Forget(e.spec.Name, fmt.Sprintf("%d", i))
			}
		}
	}
	r.checkpointLocked(ctx)
}

// Resolve exposes selector resolution to callers outside this package
// (e.g. internal/ipc narrowing a Subscribe filter to one selector's ids)
// without going through the List/Show snapshot path.
func (r *Registry) Resolve(selector string) ([]int64, error) {
	return r.resolve(selector)
}

// resolve implements selector resolution (spec.md §4.F): numeric string →
// id, "all" → every id, "@tag" → ids in that tag set, else name.
func (r *Registry) resolve(selector string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if selector == "all" {
		ids := make([]int64, 0, len(r.entries))
		for id := range r.entries {
			ids = append(ids, id)
		}
		return ids, nil
	}
	if strings.HasPrefix(selector, "@") {
		tag := strings.TrimPrefix(selector, "@")
		set := r.byTag[tag]
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		return ids, nil
	}
	if id, err := strconv.ParseInt(selector, 10, 64); err == nil {
		if _, ok := r.entries[id]; !ok {
			return nil, ErrNotFound
		}
		return []int64{id}, nil
	}
	id, ok := r.byName[selector]
	if !ok {
		return nil, ErrNotFound
	}
	return []int64{id}, nil
}

// LogLine is one historical or live log record returned by Logs.
type LogLine struct {
	Stream logpipe.Stream
	Text   string
}

// Logs returns up to n trailing lines of each stream (so up to 2n lines,
// fewer after the optional case-insensitive grep filter) for the first
// instance matched by selector, and — if
// follow is true — a live tail subscription for lines appended from this
// point on (spec.md §6.2 `Logs(id, {lines, follow, grep})`). Historical
// lines are read per stream (stdout fully, then stderr), since the log
// file format (spec.md §6.4) stores no cross-stream ordering timestamp;
// the live subscription, in contrast, delivers both streams in true
// broadcast order.
func (r *Registry) Logs(selector string, n int, grep string, follow bool) ([]LogLine, *logpipe.Subscription, error) {
	ids, err := r.resolve(selector)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	var e *entry
	if len(ids) > 0 {
		e = r.entries[ids[0]]
	}
	r.mu.Unlock()
	if e == nil || len(e.pipes) == 0 {
		return nil, nil, ErrNotFound
	}
	pipe := e.pipes[0]

	var out []LogLine
	for _, stream := range []logpipe.Stream{logpipe.Stdout, logpipe.Stderr} {
		lines, err := logpipe.ReadLastLines(pipe.Path(stream), n)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		for _, l := range lines {
			if grep != "" && !strings.Contains(strings.ToLower(l), strings.ToLower(grep)) {
				continue
			}
			out = append(out, LogLine{Stream: stream, Text: l})
		}
	}

	var sub *logpipe.Subscription
	if follow {
		sub = pipe.Tail(grep)
	}
	return out, sub, nil
}

// Subscribe yields a bounded live stream of events matching filter (nil
// matches everything). The caller must drain or cancel via the returned
// func to release the subscription.
func (r *Registry) Subscribe(filter func(supervisor.Event) bool) (<-chan supervisor.Event, func()) {
	s := &eventSub{ch: make(chan supervisor.Event, eventBuffer), filter: filter}
	r.subsMu.Lock()
	r.subs[s] = struct{}{}
	r.subsMu.Unlock()
	cancel := func() {
		r.subsMu.Lock()
		if _, ok := r.subs[s]; ok {
			delete(r.subs, s)
			close(s.ch)
		}
		r.subsMu.Unlock()
	}
	return s.ch, cancel
}

// Save serializes the current running set as an explicit checkpoint.
func (r *Registry) Save(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpointLocked(ctx)
}

func (r *Registry) checkpointLocked(ctx context.Context) error {
	if r.st == nil {
		return nil
	}
	entries := make([]store.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		online := false
		for _, sv := range e.instances {
			if sv.State() == supervisor.Online {
				online = true
				break
			}
		}
		entries = append(entries, store.Entry{ID: e.id, Spec: e.spec, WasOnline: online})
	}
	return r.st.SaveCheckpoint(ctx, entries)
}

// Resurrect re-registers and starts every persisted spec. Reality always
// wins over the checkpoint: since this runs at daemon start with an empty
// registry, every persisted entry is simply (re)started regardless of its
// WasOnline flag (spec.md §9 "Checkpoint semantics").
func (r *Registry) Resurrect(ctx context.Context) (int, error) {
	if r.st == nil {
		return 0, nil
	}
	entries, err := r.st.LoadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if _, err := r.Register(ctx, e.Spec); err != nil {
			r.log.Warn("resurrect: failed to re-register", "name", e.Spec.Name, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Count returns the number of registered entries.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown stops every supervisor and cancels its run loop. The event
// pump and existing subscriptions are left open.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	var targets []*entry
	for _, e := range r.entries {
		targets = append(targets, e)
	}
	r.mu.Unlock()
	for _, e := range targets {
		_ = r.signalEntry(ctx, e, OpStop)
		e.cancel()
	}
}
