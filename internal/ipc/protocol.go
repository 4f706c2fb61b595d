// Package ipc implements the daemon's control-plane wire protocol: a
// Unix-domain stream socket framed as a 4-byte little-endian length
// prefix followed by a JSON payload (spec.md §6.1). One request yields
// one response, except Subscribe and a follow Logs request, which yield
// a stream of framed events terminated by a zero-length frame.
//
// This generalizes the teacher's cmd/provisr/client.go HTTP+JSON surface
// to a raw framed socket: same payload shapes, no HTTP, no auth layer
// (spec.md's control plane is local-only, restricted by filesystem
// permissions on the socket).
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Op names the request kind (spec.md §6.2).
type Op string

const (
	OpRegister  Op = "register"
	OpList      Op = "list"
	OpShow      Op = "show"
	OpSignal    Op = "signal"
	OpLogs      Op = "logs"
	OpSubscribe Op = "subscribe"
	OpSave      Op = "save"
	OpResurrect Op = "resurrect"
	OpPing      Op = "ping"
	OpShutdown  Op = "shutdown"
)

// Status is the response's outcome kind (spec.md §6.2).
type Status string

const (
	StatusOk            Status = "ok"
	StatusNotFound      Status = "not_found"
	StatusAlreadyExists Status = "already_exists"
	StatusInvalidSpec   Status = "invalid_spec"
	StatusBusy          Status = "busy"
	StatusTimeout       Status = "timeout"
	StatusInternal      Status = "internal"
)

// Request is one framed client request.
type Request struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is one framed server reply. Payload's shape depends on Op:
// RegisterResult, []EntryView for List, EntryView for Show, LogsResult,
// ResurrectResult.
type Response struct {
	Status  Status          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterResult is the reply to a Register request, whose payload is a
// spec.Spec marshaled as JSON; ID is the id assigned to the new entry.
type RegisterResult struct {
	ID int64 `json:"id"`
}

// SelectorRequest is the List/Show payload: a selector string (numeric id,
// "all", "@tag", or bare name — internal/registry.resolve semantics).
type SelectorRequest struct {
	Selector string `json:"selector"`
}

// SignalRequest names the mutating op to apply to every selector match.
type SignalRequest struct {
	Selector string `json:"selector"`
	Op       string `json:"op"`
}

// LogsRequest asks for historical and/or live log lines.
type LogsRequest struct {
	Selector string `json:"selector"`
	Lines    int    `json:"lines"`
	Follow   bool   `json:"follow"`
	Grep     string `json:"grep,omitempty"`
}

// LogLine is one historical or live log record, framed individually when
// Follow is set; the historical batch is instead returned inline in
// LogsResult.Lines.
type LogLine struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// LogsResult is the immediate response to a Logs request: the historical
// batch. If Follow was requested, subsequent frames on the same
// connection are individual LogLine frames (Op omitted — the client
// already knows it asked for a stream) until a zero-length frame ends it.
type LogsResult struct {
	Lines []LogLine `json:"lines"`
}

// SubscribeRequest optionally narrows the event stream to one selector's
// ids; empty means every event (internal/registry.Subscribe filter is
// applied daemon-side since it only has Go predicates, not a wire DSL).
type SubscribeRequest struct {
	Selector string `json:"selector,omitempty"`
}

// ResurrectResult reports how many checkpointed specs were re-registered.
type ResurrectResult struct {
	Count int `json:"count"`
}

const maxFrameBytes = 16 * 1024 * 1024

// WriteFrame writes a 4-byte little-endian length prefix followed by v
// marshaled as JSON. A nil v writes a zero-length frame (stream end
// marker).
func WriteFrame(w io.Writer, v any) error {
	var payload []byte
	if v != nil {
		var err error
		payload, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("ipc: marshal frame: %w", err)
		}
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame and unmarshals it into v. It
// returns io.EOF if the frame is a zero-length end marker and v is left
// untouched; callers checking for the stream terminator should test for
// that explicitly via ReadRawFrame instead when they need to distinguish
// "end of stream" from "empty payload that failed to unmarshal".
func ReadFrame(r io.Reader, v any) error {
	raw, err := ReadRawFrame(r)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return io.EOF
	}
	return json.Unmarshal(raw, v)
}

// ReadRawFrame reads one length-prefixed frame and returns its raw bytes
// (nil for a zero-length end marker, never an error for that case).
func ReadRawFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxFrameBytes {
		return nil, fmt.Errorf("ipc: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
