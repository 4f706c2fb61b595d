package logpipe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestForwardWritesAndBroadcasts(t *testing.T) {
	dir := t.TempDir()
	p := New(1, "demo", Config{Dir: dir}, nil)
	defer p.Close()

	sub := p.Tail("")
	defer sub.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		p.Forward(r, Stdout)
		close(done)
	}()

	if _, err := w.Write([]byte("hello\nworld\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()
	<-done

	var got []string
	for len(got) < 2 {
		select {
		case l := <-sub.C:
			got = append(got, l.Text)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for lines, got %v", got)
		}
	}
	if got[0] != "hello" || got[1] != "world" {
		t.Fatalf("unexpected lines: %v", got)
	}

	b, err := os.ReadFile(filepath.Join(dir, "demo-out.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "hello") || !strings.Contains(string(b), "world") {
		t.Fatalf("log file missing content: %q", string(b))
	}
}

func TestReadLastLines(t *testing.T) {
	dir := t.TempDir()
	p := New(3, "demo3", Config{Dir: dir}, nil)
	defer p.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		p.Forward(r, Stdout)
		close(done)
	}()
	if _, err := w.Write([]byte("1\n2\n3\n4\n5\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()
	<-done

	lines, err := ReadLastLines(p.Path(Stdout), 2)
	if err != nil {
		t.Fatalf("read last lines: %v", err)
	}
	if len(lines) != 2 || lines[0] != "4" || lines[1] != "5" {
		t.Fatalf("unexpected tail: %v", lines)
	}
}

func TestReadLastLinesMissingFile(t *testing.T) {
	lines, err := ReadLastLines(filepath.Join(t.TempDir(), "missing.log"), 5)
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if lines != nil {
		t.Fatalf("expected nil lines, got %v", lines)
	}
}

func TestTailGrepFilter(t *testing.T) {
	dir := t.TempDir()
	p := New(2, "demo2", Config{Dir: dir}, nil)
	defer p.Close()

	sub := p.Tail("err")
	defer sub.Close()

	p.broadcast(Line{ID: 2, Stream: Stdout, Text: "plain line", Timestamp: time.Now()})
	p.broadcast(Line{ID: 2, Stream: Stderr, Text: "an ERROR occurred", Timestamp: time.Now()})

	select {
	case l := <-sub.C:
		if !strings.Contains(l.Text, "ERROR") {
			t.Fatalf("expected filtered line to match grep, got %q", l.Text)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for filtered line")
	}
}
