package probes

import (
	"context"
	"time"

	"github.com/probeworks/cassprobe/internal/cluster"
	"github.com/probeworks/cassprobe/internal/driver"
)

// Type identifies one kind of liveness probe.
type Type string

const (
	TypeSocket      Type = "socket"
	TypePing        Type = "ping"
	TypeCQL         Type = "cql"
	TypeNativePort  Type = "native_port"
	TypeStoragePort Type = "storage_port"
)

// Result is the outcome of one (host, probe) execution. Exactly one of
// Success or Error is meaningful: success implies no error message, and a
// failure always carries one.
type Result struct {
	Host      cluster.Host      `json:"host"`
	Type      Type              `json:"probe"`
	Success   bool              `json:"success"`
	Duration  time.Duration     `json:"duration"`
	Error     string            `json:"error_message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Executor runs a statement on behalf of the query probe. The resilient
// client implements it; when unset the probe borrows the shared session
// directly.
type Executor interface {
	ExecuteQuery(ctx context.Context, q driver.Query) (*driver.Result, error)
}

// Context carries the shared resources and per-run settings every probe
// receives: the session handle, timeouts, query text, consistency level
// and tracing flag. Cancellation travels on the ctx argument of Execute.
type Context struct {
	Sessions      *cluster.SessionManager
	Executor      Executor
	SocketTimeout time.Duration
	QueryTimeout  time.Duration
	Statement     string
	Consistency   driver.Consistency
	Tracing       bool
}

// Prober is the uniform probe contract. Execute measures elapsed time over
// the whole attempt including retries, never returns an error (failures
// are embedded in the Result), and honors ctx at every suspension point.
type Prober interface {
	Type() Type
	Execute(ctx context.Context, host cluster.Host, pc *Context) Result
}

func succeed(host cluster.Host, typ Type, start time.Time, metadata map[string]string) Result {
	return Result{
		Host:      host,
		Type:      typ,
		Success:   true,
		Duration:  time.Since(start),
		Timestamp: start,
		Metadata:  metadata,
	}
}

func fail(host cluster.Host, typ Type, start time.Time, message string, metadata map[string]string) Result {
	if message == "" {
		message = "probe failed"
	}
	return Result{
		Host:      host,
		Type:      typ,
		Success:   false,
		Duration:  time.Since(start),
		Error:     message,
		Timestamp: start,
		Metadata:  metadata,
	}
}

// sleep waits for d or until ctx is cancelled, reporting whether the full
// wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
