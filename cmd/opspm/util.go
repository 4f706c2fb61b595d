package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/opspm/opspm/internal/ipc"
	"github.com/opspm/opspm/pkg/client"
)

func newClient(sockPath string) *client.Client {
	return client.New(sockPath).WithTimeout(10 * time.Second)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCodeFor maps a client error to the CLI's exit-code convention: 0 ok
// (callers only reach this on non-nil err), 1 user error, 2 operational
// error — grounded on the teacher's RunE-returns-error convention, made
// explicit here since the teacher itself always exits 1.
func exitCodeFor(err error) int {
	var ipcErr *client.Error
	if errors.As(err, &ipcErr) {
		switch ipcErr.Status {
		case ipc.StatusNotFound, ipc.StatusInvalidSpec, ipc.StatusAlreadyExists:
			return exitUserErr
		default:
			return exitOperErr
		}
	}
	return exitOperErr
}
