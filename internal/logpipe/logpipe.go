// Package logpipe captures a child's stdout/stderr, appends it to rotating
// log files, and fans it out to live tail subscribers. It is Component A
// (Log Pipe) of the supervisor engine.
package logpipe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Stream distinguishes stdout from stderr within a pipe.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Config mirrors the teacher's logger.Config: rotation is size-based,
// cooperative with external truncation, via lumberjack.
type Config struct {
	Dir        string
	OutPath    string
	ErrPath    string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

func (c Config) valOr(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func (c Config) writer(name string, stream Stream) *lj.Logger {
	path := c.OutPath
	if stream == Stderr {
		path = c.ErrPath
	}
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, fmt.Sprintf("%s-%s.log", name, map[Stream]string{Stdout: "out", Stderr: "err"}[stream]))
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    c.valOr(c.MaxSizeMB, 10),
		MaxBackups: c.valOr(c.MaxBackups, 5),
		Compress:   c.Compress,
	}
}

// Line is one record delivered to a live tail subscriber.
type Line struct {
	ID        int64
	Stream    Stream
	Text      string
	Timestamp time.Time
	// Gap is set when this Line actually represents dropped lines rather
	// than real content — the subscriber fell behind the bounded buffer.
	Gap bool
}

const subscriberBuffer = 1024

// Subscription is a live tail of lines for one (id, stream) pair.
type Subscription struct {
	C      <-chan Line
	cancel func()
}

// Close stops delivery to this subscription's channel.
func (s *Subscription) Close() { s.cancel() }

type subscriber struct {
	ch     chan Line
	grep   string
	closed bool
}

// Pipe owns the log files and live broadcast for a single (id, stream)
// owner — exactly one supervisor writes to a given path (spec.md
// invariant: "no two supervisors append to the same path").
type Pipe struct {
	id   int64
	name string
	cfg  Config

	mu   sync.Mutex
	out  *lj.Logger
	err  *lj.Logger
	subs map[*subscriber]struct{}

	onError func(stream Stream, err error)
}

// New creates a Pipe for the given managed entry id/name.
func New(id int64, name string, cfg Config, onError func(Stream, error)) *Pipe {
	return &Pipe{
		id:      id,
		name:    name,
		cfg:     cfg,
		out:     cfg.writer(name, Stdout),
		err:     cfg.writer(name, Stderr),
		subs:    make(map[*subscriber]struct{}),
		onError: onError,
	}
}

// Forward starts a line-buffered forwarder over r, appending each line to
// the rotating file and broadcasting it to subscribers. It blocks until r
// returns EOF or the pipe is closed; callers run it in its own goroutine
// per stream.
func (p *Pipe) Forward(r io.Reader, stream Stream) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// A failed write is retried with capped exponential backoff until
		// it succeeds, so no line is skipped on disk.
		var backoff time.Duration
		for {
			err := p.writeLine(stream, line)
			if err == nil {
				break
			}
			if p.onError != nil {
				p.onError(stream, err)
			}
			if backoff == 0 {
				backoff = 50 * time.Millisecond
			} else if backoff < 2*time.Second {
				backoff *= 2
			}
			time.Sleep(backoff)
		}
		p.broadcast(Line{ID: p.id, Stream: stream, Text: line, Timestamp: time.Now()})
	}
}

func (p *Pipe) writeLine(stream Stream, line string) error {
	w := p.out
	if stream == Stderr {
		w = p.err
	}
	_, err := w.Write([]byte(line + "\n"))
	return err
}

func (p *Pipe) broadcast(l Line) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.subs {
		if s.grep != "" && !containsFold(l.Text, s.grep) {
			continue
		}
		select {
		case s.ch <- l:
		default:
			// Bounded buffer full: drop the line, discard the oldest
			// buffered line to make room, and record a gap marker rather
			// than block the producer (spec.md §4.A).
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- Line{ID: l.ID, Stream: l.Stream, Timestamp: l.Timestamp, Gap: true}:
			default:
			}
		}
	}
}

func containsFold(s, substr string) bool {
	return len(substr) == 0 || indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	// small helper to avoid importing strings.Contains+ToLower allocation
	// on the hot broadcast path for the common no-grep case (handled above).
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Tail subscribes to this pipe's lines, optionally filtered by a grep
// substring (case-insensitive). The returned Subscription must be closed.
func (p *Pipe) Tail(grep string) *Subscription {
	s := &subscriber{ch: make(chan Line, subscriberBuffer), grep: grep}
	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()
	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[s]; ok {
			delete(p.subs, s)
			close(s.ch)
		}
		p.mu.Unlock()
	}
	return &Subscription{C: s.ch, cancel: cancel}
}

// Path returns the current on-disk file for stream, for historical tail
// reads (the `lines` part of the Logs request, spec.md §6.2).
func (p *Pipe) Path(stream Stream) string {
	if stream == Stderr {
		return p.err.Filename
	}
	return p.out.Filename
}

// ReadLastLines returns up to n trailing lines of the file at path. It
// reads the whole file rather than seeking from the end, since rotated
// log files are expected to stay within max_size_mb and n is always a
// small, user-requested count.
func ReadLastLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := splitLines(data)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}

// Close flushes and closes the underlying log files.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.subs {
		close(s.ch)
		delete(p.subs, s)
	}
	err1 := p.out.Close()
	err2 := p.err.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
