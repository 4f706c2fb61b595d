// Package client is a thin, embeddable facade over the daemon's IPC
// protocol (internal/ipc), playing the same role as the teacher's
// pkg/client HTTP client — a stable public API an embedding program
// links against instead of reaching into internal packages — except it
// dials a running daemon's Unix socket rather than an HTTP+TLS endpoint,
// so there is no TLSClientConfig/CA-cert surface to carry over: the
// socket's own filesystem permissions are the access control.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/opspm/opspm/internal/ipc"
	"github.com/opspm/opspm/internal/spec"
)

// Re-export the wire view types so callers don't need to import
// internal/ipc directly.
type (
	Entry    = ipc.EntryView
	Instance = ipc.InstanceView
	Event    = ipc.EventView
	LogLine  = ipc.LogLine
	Spec     = spec.Spec
)

// Error wraps a non-Ok response with its machine-readable status kind,
// letting callers branch with errors.As the way the teacher's cobra
// commands branch on handleErrorResponse's decoded API error.
type Error struct {
	Status ipc.Status
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Status, e.Reason) }

// Client dials a daemon's control-plane socket. Every call opens a fresh
// connection: the protocol is one-request-one-response (or one
// streaming response), so there is no persistent session to multiplex
// over, and a short-lived connection keeps the daemon from having to
// track per-client liveness.
type Client struct {
	sockPath string
	dialer   net.Dialer
	timeout  time.Duration
}

// New returns a Client targeting the daemon socket at sockPath.
func New(sockPath string) *Client {
	return &Client{sockPath: sockPath, timeout: 10 * time.Second}
}

// WithTimeout overrides the default 10s per-request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c2 := *c
	c2.timeout = d
	return &c2
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.dialer.DialContext(ctx, "unix", c.sockPath)
}

// IsReachable reports whether the daemon answers Ping within the
// client's configured timeout.
func (c *Client) IsReachable(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// call performs one request/response round trip and decodes the
// response payload (if any) into out.
func (c *Client) call(ctx context.Context, op ipc.Op, reqBody, out any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.sockPath, err)
	}
	defer func() { _ = conn.Close() }()

	var payload json.RawMessage
	if reqBody != nil {
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
	}
	if err := ipc.WriteFrame(conn, ipc.Request{Op: op, Payload: payload}); err != nil {
		return fmt.Errorf("client: write request: %w", err)
	}

	var resp ipc.Response
	if err := ipc.ReadFrame(conn, &resp); err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.Status != ipc.StatusOk {
		return &Error{Status: resp.Status, Reason: resp.Error}
	}
	if out != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("client: unmarshal response: %w", err)
		}
	}
	return nil
}

// Register registers (and starts) a new process spec, returning its id.
func (c *Client) Register(ctx context.Context, s Spec) (int64, error) {
	var res ipc.RegisterResult
	if err := c.call(ctx, ipc.OpRegister, s, &res); err != nil {
		return 0, err
	}
	return res.ID, nil
}

// List returns every entry matched by selector ("all", "@tag", name, or
// numeric id).
func (c *Client) List(ctx context.Context, selector string) ([]Entry, error) {
	var entries []Entry
	if err := c.call(ctx, ipc.OpList, ipc.SelectorRequest{Selector: selector}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Show returns the single entry matched by selector.
func (c *Client) Show(ctx context.Context, selector string) (Entry, error) {
	var e Entry
	if err := c.call(ctx, ipc.OpShow, ipc.SelectorRequest{Selector: selector}, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Signal applies op ("start", "stop", "restart", "reload", "delete",
// "flush-logs") to every entry matched by selector.
func (c *Client) Signal(ctx context.Context, selector, op string) error {
	return c.call(ctx, ipc.OpSignal, ipc.SignalRequest{Selector: selector, Op: op}, nil)
}

func (c *Client) Start(ctx context.Context, selector string) error {
	return c.Signal(ctx, selector, "start")
}
func (c *Client) Stop(ctx context.Context, selector string) error {
	return c.Signal(ctx, selector, "stop")
}
func (c *Client) Restart(ctx context.Context, selector string) error {
	return c.Signal(ctx, selector, "restart")
}
func (c *Client) Reload(ctx context.Context, selector string) error {
	return c.Signal(ctx, selector, "reload")
}
func (c *Client) Delete(ctx context.Context, selector string) error {
	return c.Signal(ctx, selector, "delete")
}

// Logs returns up to lines trailing log records of each stream (stdout,
// then stderr) for selector, optionally grep-filtered. See LogsFollow for
// a live tail.
func (c *Client) Logs(ctx context.Context, selector string, lines int, grep string) ([]LogLine, error) {
	var res ipc.LogsResult
	req := ipc.LogsRequest{Selector: selector, Lines: lines, Grep: grep}
	if err := c.call(ctx, ipc.OpLogs, req, &res); err != nil {
		return nil, err
	}
	return res.Lines, nil
}

// LogsFollow returns the historical batch plus a channel of live lines
// appended after that point. The caller must fully drain the channel (or
// cancel ctx) to release the connection; canceling ctx closes the
// underlying socket, which ends the channel.
func (c *Client) LogsFollow(ctx context.Context, selector string, lines int, grep string) ([]LogLine, <-chan LogLine, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("client: dial %s: %w", c.sockPath, err)
	}
	req := ipc.LogsRequest{Selector: selector, Lines: lines, Grep: grep, Follow: true}
	payload, err := json.Marshal(req)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ipc.WriteFrame(conn, ipc.Request{Op: ipc.OpLogs, Payload: payload}); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	var resp ipc.Response
	if err := ipc.ReadFrame(conn, &resp); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if resp.Status != ipc.StatusOk {
		_ = conn.Close()
		return nil, nil, &Error{Status: resp.Status, Reason: resp.Error}
	}
	var res ipc.LogsResult
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &res); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}

	out := make(chan LogLine)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close() }()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			var line ipc.LogLine
			if err := ipc.ReadFrame(conn, &line); err != nil {
				return
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return res.Lines, out, nil
}

// Subscribe returns a live event stream, optionally narrowed to one
// selector. The caller must fully drain the channel (or cancel ctx) to
// release the connection.
func (c *Client) Subscribe(ctx context.Context, selector string) (<-chan Event, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.sockPath, err)
	}
	payload, err := json.Marshal(ipc.SubscribeRequest{Selector: selector})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ipc.WriteFrame(conn, ipc.Request{Op: ipc.OpSubscribe, Payload: payload}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var resp ipc.Response
	if err := ipc.ReadFrame(conn, &resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.Status != ipc.StatusOk {
		_ = conn.Close()
		return nil, &Error{Status: resp.Status, Reason: resp.Error}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close() }()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			var ev ipc.EventView
			if err := ipc.ReadFrame(conn, &ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Save persists the current running set as an explicit checkpoint.
func (c *Client) Save(ctx context.Context) error {
	return c.call(ctx, ipc.OpSave, nil, nil)
}

// Resurrect re-registers every persisted spec and returns how many
// succeeded.
func (c *Client) Resurrect(ctx context.Context) (int, error) {
	var res ipc.ResurrectResult
	if err := c.call(ctx, ipc.OpResurrect, nil, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Ping checks that the daemon is reachable and responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, ipc.OpPing, nil, nil)
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, ipc.OpShutdown, nil, nil)
}
