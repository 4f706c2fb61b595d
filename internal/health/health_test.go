package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opspm/opspm/internal/spec"
)

func TestHTTPProbePass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(spec.HealthSpec{Kind: spec.HealthHTTP, URL: srv.URL, FailureThreshold: 2}, nil, "", 0, time.Now().Add(-time.Hour))
	v, status := p.Probe(context.Background())
	if !v.Pass {
		t.Fatalf("expected pass, got %+v", v)
	}
	if status != StatusHealthy {
		t.Fatalf("expected healthy after first pass, got %v", status)
	}
}

func TestSlidingWindowTransitionsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(spec.HealthSpec{Kind: spec.HealthHTTP, URL: srv.URL, FailureThreshold: 2}, nil, "", 0, time.Now().Add(-time.Hour))
	_, status := p.Probe(context.Background())
	if status == StatusUnhealthy {
		t.Fatalf("should not be unhealthy after a single failure below threshold")
	}
	_, status = p.Probe(context.Background())
	if status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after %d consecutive failures, got %v", 2, status)
	}
}

func TestSuppressedDuringStartGrace(t *testing.T) {
	p := New(spec.HealthSpec{Kind: spec.HealthHTTP, URL: "http://example.invalid", StartGrace: 5 * time.Second}, nil, "", 0, time.Now())
	if !p.Suppressed(time.Now()) {
		t.Fatalf("expected probing to be suppressed immediately after start")
	}
	if p.Suppressed(time.Now().Add(6 * time.Second)) {
		t.Fatalf("expected probing to resume after start_grace elapses")
	}
}

func TestScriptProbeUsesShellAwareCommand(t *testing.T) {
	p := New(spec.HealthSpec{Kind: spec.HealthScript, Path: "true", FailureThreshold: 2}, nil, "", 0, time.Now().Add(-time.Hour))
	v, status := p.Probe(context.Background())
	if !v.Pass {
		t.Fatalf("expected pass, got %+v", v)
	}
	if status != StatusHealthy {
		t.Fatalf("expected healthy after first pass, got %v", status)
	}
}

func TestProcessProbeChecksPID(t *testing.T) {
	p := New(spec.HealthSpec{Kind: spec.HealthProcess, FailureThreshold: 2}, nil, "", os.Getpid(), time.Now().Add(-time.Hour))
	v, _ := p.Probe(context.Background())
	if !v.Pass {
		t.Fatalf("expected own pid to be alive, got %+v", v)
	}
}

func TestPIDFileProbeMissingFileFails(t *testing.T) {
	p := New(spec.HealthSpec{Kind: spec.HealthPIDFile, Path: filepath.Join(t.TempDir(), "missing.pid"), FailureThreshold: 1}, nil, "", 0, time.Now().Add(-time.Hour))
	v, status := p.Probe(context.Background())
	if v.Pass {
		t.Fatalf("expected missing pidfile to fail liveness, got %+v", v)
	}
	if status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %v", status)
	}
}
