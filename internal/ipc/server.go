package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/opspm/opspm/internal/registry"
	"github.com/opspm/opspm/internal/spec"
	"github.com/opspm/opspm/internal/supervisor"
)

// Server accepts framed requests on a Unix-domain socket and dispatches
// them into a Registry, generalizing the teacher's gin router
// (internal/server/router.go's NewServer/ListenAndServe pair) from an
// HTTP+TLS listener to a filesystem-permission-scoped socket — there is
// no remote caller to authenticate (spec.md's Non-goals), so the access
// control is entirely the socket file's mode bits.
type Server struct {
	reg      *registry.Registry
	log      *slog.Logger
	ln       net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	shutdown chan struct{}
	shutOnce sync.Once
}

// NewServer binds sockPath (removing a stale socket file left by a prior
// unclean shutdown) and returns a Server ready to Serve.
func NewServer(reg *registry.Registry, sockPath string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := removeStaleSocket(sockPath); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", sockPath, err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", sockPath, err)
	}
	return &Server{reg: reg, log: log, ln: ln, quit: make(chan struct{}), shutdown: make(chan struct{})}, nil
}

// ShutdownRequested is closed once a client successfully issues OpShutdown.
// The daemon's main loop selects on it alongside OS signals so both paths
// drive the same graceful-shutdown sequence.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// A prior daemon either died without cleanup or is still running; a
	// live listener would make the following Remove harmless to us but
	// would break that daemon's clients, which is the caller's problem to
	// avoid (e.g. by checking a pid file before getting here).
	return os.Remove(path)
}

// Addr returns the bound socket path.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.quit:
		}
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			case <-s.quit:
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops Serve and waits for in-flight connections to finish.
func (s *Server) Close() error {
	close(s.quit)
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return
	}

	resp, events, logLines := s.dispatch(ctx, req)
	if err := WriteFrame(conn, resp); err != nil {
		return
	}
	if resp.Status != StatusOk {
		return
	}

	switch req.Op {
	case OpSubscribe:
		s.streamEvents(conn, events)
	case OpLogs:
		if logLines != nil {
			s.streamLogLines(conn, logLines)
		}
	}
}

func (s *Server) streamEvents(conn net.Conn, events <-chan supervisor.Event) {
	if events == nil {
		_ = WriteFrame(conn, nil)
		return
	}
	// A dropped connection is detected by the next WriteFrame failing;
	// there's no separate read-side cancellation message in this
	// protocol (spec.md: "clients that disconnect cause in-flight
	// requests to be abandoned"). The stream ends with a zero-length frame
	// when the subscription closes or the server is closed.
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = WriteFrame(conn, nil)
				return
			}
			if err := WriteFrame(conn, toEventView(ev)); err != nil {
				return
			}
		case <-s.quit:
			_ = WriteFrame(conn, nil)
			return
		}
	}
}

func (s *Server) streamLogLines(conn net.Conn, lines <-chan LogLine) {
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				_ = WriteFrame(conn, nil)
				return
			}
			if err := WriteFrame(conn, l); err != nil {
				return
			}
		case <-s.quit:
			_ = WriteFrame(conn, nil)
			return
		}
	}
}

// dispatch runs one request against the registry and returns its
// response plus, for Subscribe/follow-Logs, the channel the caller
// should stream from after the initial Ok response is written.
func (s *Server) dispatch(ctx context.Context, req Request) (Response, <-chan supervisor.Event, <-chan LogLine) {
	switch req.Op {
	case OpRegister:
		return s.handleRegister(ctx, req), nil, nil
	case OpList:
		return s.handleList(req), nil, nil
	case OpShow:
		return s.handleShow(req), nil, nil
	case OpSignal:
		return s.handleSignal(ctx, req), nil, nil
	case OpLogs:
		return s.handleLogs(req)
	case OpSubscribe:
		return s.handleSubscribe(req)
	case OpSave:
		return s.handleSave(ctx), nil, nil
	case OpResurrect:
		return s.handleResurrect(ctx), nil, nil
	case OpPing:
		return Response{Status: StatusOk}, nil, nil
	case OpShutdown:
		s.shutOnce.Do(func() { close(s.shutdown) })
		return Response{Status: StatusOk}, nil, nil
	default:
		return errResponse(fmt.Errorf("%w: unknown op %q", registry.ErrInvalidSpec, req.Op)), nil, nil
	}
}

func (s *Server) handleRegister(ctx context.Context, req Request) Response {
	var sp spec.Spec
	if err := json.Unmarshal(req.Payload, &sp); err != nil {
		return errResponse(fmt.Errorf("%w: %v", registry.ErrInvalidSpec, err))
	}
	id, err := s.reg.Register(ctx, sp)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(RegisterResult{ID: id})
}

func (s *Server) handleList(req Request) Response {
	var sel SelectorRequest
	if err := json.Unmarshal(req.Payload, &sel); err != nil {
		sel.Selector = "all"
	}
	if sel.Selector == "" {
		sel.Selector = "all"
	}
	list, err := s.reg.List(sel.Selector)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(toEntryViews(list))
}

func (s *Server) handleShow(req Request) Response {
	var sel SelectorRequest
	if err := json.Unmarshal(req.Payload, &sel); err != nil {
		return errResponse(fmt.Errorf("%w: %v", registry.ErrInvalidSpec, err))
	}
	sm, err := s.reg.Show(sel.Selector)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(toEntryView(sm))
}

func (s *Server) handleSignal(ctx context.Context, req Request) Response {
	var sig SignalRequest
	if err := json.Unmarshal(req.Payload, &sig); err != nil {
		return errResponse(fmt.Errorf("%w: %v", registry.ErrInvalidSpec, err))
	}
	if err := s.reg.Signal(ctx, sig.Selector, registry.Op(sig.Op)); err != nil {
		return errResponse(err)
	}
	return Response{Status: StatusOk}
}

func (s *Server) handleLogs(req Request) (Response, <-chan supervisor.Event, <-chan LogLine) {
	var lr LogsRequest
	if err := json.Unmarshal(req.Payload, &lr); err != nil {
		return errResponse(fmt.Errorf("%w: %v", registry.ErrInvalidSpec, err)), nil, nil
	}
	if lr.Lines <= 0 {
		lr.Lines = 100
	}
	historical, sub, err := s.reg.Logs(lr.Selector, lr.Lines, lr.Grep, lr.Follow)
	if err != nil {
		return errResponse(err), nil, nil
	}
	lines := make([]LogLine, 0, len(historical))
	for _, l := range historical {
		lines = append(lines, LogLine{Stream: string(l.Stream), Text: l.Text})
	}
	resp := okResponse(LogsResult{Lines: lines})
	if !lr.Follow || sub == nil {
		return resp, nil, nil
	}
	out := make(chan LogLine)
	go func() {
		defer close(out)
		defer sub.Close()
		for l := range sub.C {
			out <- LogLine{Stream: string(l.Stream), Text: l.Text}
		}
	}()
	return resp, nil, out
}

func (s *Server) handleSubscribe(req Request) (Response, <-chan supervisor.Event, <-chan LogLine) {
	var sr SubscribeRequest
	_ = json.Unmarshal(req.Payload, &sr)
	var filter func(supervisor.Event) bool
	if sr.Selector != "" {
		ids, err := s.reg.Resolve(sr.Selector)
		if err != nil {
			return errResponse(err), nil, nil
		}
		set := make(map[int64]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		filter = func(ev supervisor.Event) bool { return set[ev.ID] }
	}
	ch, _ := s.reg.Subscribe(filter)
	return Response{Status: StatusOk}, ch, nil
}

func (s *Server) handleSave(ctx context.Context) Response {
	if err := s.reg.Save(ctx); err != nil {
		return errResponse(err)
	}
	return Response{Status: StatusOk}
}

func (s *Server) handleResurrect(ctx context.Context) Response {
	n, err := s.reg.Resurrect(ctx)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(ResurrectResult{Count: n})
}

func okResponse(v any) Response {
	payload, err := json.Marshal(v)
	if err != nil {
		return errResponse(fmt.Errorf("%w: %v", registry.ErrInternal, err))
	}
	return Response{Status: StatusOk, Payload: payload}
}

func errResponse(err error) Response {
	return Response{Status: statusFor(err), Error: err.Error()}
}

func statusFor(err error) Status {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, registry.ErrAlreadyExists):
		return StatusAlreadyExists
	case errors.Is(err, registry.ErrInvalidSpec):
		return StatusInvalidSpec
	case errors.Is(err, registry.ErrBusy):
		return StatusBusy
	case errors.Is(err, registry.ErrTimeout):
		return StatusTimeout
	default:
		return StatusInternal
	}
}
