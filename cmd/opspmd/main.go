// Command opspmd is the supervisor daemon: it loads a config file, brings
// up the persistence/metrics/logging ambient stack, and serves the
// control-plane socket until asked to stop. Grounded on the teacher's
// cmd/provisr/main.go flag wiring and daemon.go backgrounding support,
// generalized from an in-process provisr.Manager CLI to a long-running
// daemon fronting internal/registry over internal/ipc.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opspm/opspm/internal/config"
	"github.com/opspm/opspm/internal/ipc"
	"github.com/opspm/opspm/internal/logger"
	"github.com/opspm/opspm/internal/metrics"
	"github.com/opspm/opspm/internal/registry"
	"github.com/opspm/opspm/internal/store"
)

func main() {
	var (
		configPath    string
		socketPath    string
		pidFile       string
		logFile       string
		daemonizeFlag bool
	)
	flag.StringVar(&configPath, "config", "", "path to daemon config file (toml/yaml/json)")
	flag.StringVar(&socketPath, "socket", "", "control-plane socket path (overrides config socket.path)")
	flag.StringVar(&pidFile, "pidfile", "", "write the daemon pid to this file")
	flag.StringVar(&logFile, "logfile", "", "redirect daemon stdout/stderr here when --daemonize is set")
	flag.BoolVar(&daemonizeFlag, "daemonize", false, "fork into the background")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "opspmd: --config is required")
		os.Exit(2)
	}

	if daemonizeFlag {
		if err := daemonize(pidFile, logFile); err != nil {
			fmt.Fprintf(os.Stderr, "opspmd: %v\n", err)
			os.Exit(1)
		}
	} else if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			fmt.Fprintf(os.Stderr, "opspmd: write pidfile: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}

	if err := run(configPath, socketPath); err != nil {
		fmt.Fprintf(os.Stderr, "opspmd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, socketOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{Level: slog.LevelInfo})

	var st store.Store
	ctx := context.Background()
	if cfg.Store.Enabled {
		st, err = store.Open(ctx, cfg.Store.ToStoreConfig())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure store schema: %w", err)
		}
		defer func() { _ = st.Close() }()
	}

	var mc *metrics.ProcessMetricsCollector
	if cfg.Metrics.Enabled {
		mc = metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{Enabled: true})
		if err := mc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("register process metrics", "error", err)
		}
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("register daemon metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			go serveMetrics(cfg.Metrics.Listen, log)
		}
	}

	cacheDir := cfg.Log.Dir
	if cacheDir == "" {
		cacheDir = filepath.Dir(configPath)
	}
	reg := registry.New(st, cfg.Log.Dir, cacheDir, shellHookRunner, mc, log)

	for _, sp := range cfg.Processes {
		if _, err := reg.Register(ctx, sp); err != nil {
			log.Error("register process from config", "name", sp.Name, "error", err)
		}
	}

	if st != nil {
		if n, err := reg.Resurrect(ctx); err != nil {
			log.Error("resurrect checkpoint", "error", err)
		} else if n > 0 {
			log.Info("resurrected processes from checkpoint", "count", n)
		}
	}

	sockPath := cfg.Socket.Path
	if socketOverride != "" {
		sockPath = socketOverride
	}
	if sockPath == "" {
		sockPath = "/var/run/opspmd.sock"
	}
	srv, err := ipc.NewServer(reg, sockPath, log)
	if err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	log.Info("opspmd listening", "socket", sockPath)

	serveCtx, cancel := context.WithCancel(ctx)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(serveCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
	case <-srv.ShutdownRequested():
		log.Info("shutdown requested over control socket")
	case err := <-serveErr:
		cancel()
		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if st != nil {
		if err := reg.Save(shutdownCtx); err != nil {
			log.Warn("save checkpoint on shutdown", "error", err)
		}
	}
	reg.Shutdown(shutdownCtx)
	cancel()
	_ = srv.Close()
	<-serveErr
	return nil
}

func serveMetrics(addr string, log *slog.Logger) {
	log.Info("metrics listening", "addr", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // internal-only metrics endpoint, timeouts not load-bearing here
		log.Error("metrics server stopped", "error", err)
	}
}
