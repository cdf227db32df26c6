package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// GocqlFactory builds real cluster handles and sessions backed by gocql.
type GocqlFactory struct{}

func (GocqlFactory) Connect(ctx context.Context, cfg Config, obs HostObserver) (Cluster, Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cc := gocql.NewCluster(cfg.ContactPoints...)
	if cfg.Port > 0 {
		cc.Port = cfg.Port
	}
	if cfg.ConnectTimeout > 0 {
		cc.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Timeout > 0 {
		cc.Timeout = cfg.Timeout
	}
	if cfg.NumConns > 0 {
		cc.NumConns = cfg.NumConns
	}
	if cfg.ReconnectInterval > 0 {
		cc.ReconnectInterval = cfg.ReconnectInterval
	}
	if cfg.Keyspace != "" {
		cc.Keyspace = cfg.Keyspace
	}
	cc.Consistency = gocql.One

	if cfg.Username != "" {
		cc.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	if cfg.SSL {
		cc.SslOpts = &gocql.SslOptions{
			CertPath:               cfg.CertPath,
			KeyPath:                cfg.KeyPath,
			CaPath:                 cfg.CAPath,
			EnableHostVerification: cfg.HostVerification,
		}
	}

	policy := gocql.RoundRobinHostPolicy()
	if obs != nil {
		cc.PoolConfig.HostSelectionPolicy = &observingPolicy{
			HostSelectionPolicy: policy,
			obs:                 obs,
		}
	} else {
		cc.PoolConfig.HostSelectionPolicy = policy
	}

	sess, err := cc.CreateSession()
	if err != nil {
		return nil, nil, &ConnectionError{Err: err}
	}
	return &gocqlCluster{config: cc}, &gocqlSession{session: sess}, nil
}

// gocqlCluster exposes the built gocql.ClusterConfig as the narrow cluster
// handle.
type gocqlCluster struct {
	config *gocql.ClusterConfig
}

func (c *gocqlCluster) ContactPoints() []string { return c.config.Hosts }

func (c *gocqlCluster) Port() int { return c.config.Port }

// observingPolicy delegates host selection to the wrapped policy and
// forwards the driver's host-state callbacks to the observer. Forwarding
// happens before delegation so monitor timestamps precede pool changes.
type observingPolicy struct {
	gocql.HostSelectionPolicy
	obs HostObserver
}

func (p *observingPolicy) AddHost(h *gocql.HostInfo) {
	p.obs.HostAdded(h.ConnectAddress().String(), h.Port())
	p.HostSelectionPolicy.AddHost(h)
}

func (p *observingPolicy) RemoveHost(h *gocql.HostInfo) {
	p.obs.HostRemoved(h.ConnectAddress().String(), h.Port())
	p.HostSelectionPolicy.RemoveHost(h)
}

func (p *observingPolicy) HostUp(h *gocql.HostInfo) {
	p.obs.HostUp(h.ConnectAddress().String(), h.Port())
	p.HostSelectionPolicy.HostUp(h)
}

func (p *observingPolicy) HostDown(h *gocql.HostInfo) {
	p.obs.HostDown(h.ConnectAddress().String(), h.Port())
	p.HostSelectionPolicy.HostDown(h)
}

type gocqlSession struct {
	session *gocql.Session
}

func (s *gocqlSession) Execute(ctx context.Context, q Query) (*Result, error) {
	if s.session.Closed() {
		return nil, ErrSessionClosed
	}

	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	query := s.session.Query(q.Statement, q.Values...).WithContext(ctx)
	query.Consistency(q.Consistency.gocql())
	query.Idempotent(q.Idempotent)
	if q.Idempotent {
		query.SetSpeculativeExecutionPolicy(&gocql.SimpleSpeculativeExecution{
			NumAttempts:  2,
			TimeoutDelay: 100 * time.Millisecond,
		})
	}

	var trace *traceCapture
	if q.Tracing {
		trace = &traceCapture{session: s.session}
		query.Trace(trace)
	}

	iter := query.Iter()
	var rows []map[string]any
	for {
		row := make(map[string]any)
		if !iter.MapScan(row) {
			break
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	res := &Result{Rows: rows, RowCount: len(rows)}
	if trace != nil {
		res.TraceID, res.Coordinator = trace.snapshot()
	}
	return res, nil
}

func (s *gocqlSession) Closed() bool { return s.session.Closed() }

func (s *gocqlSession) Close() { s.session.Close() }

// traceCapture records the trace id handed back by the server and looks up
// the coordinator from system_traces, the same way gocql's own trace writer
// does.
type traceCapture struct {
	session *gocql.Session

	mu          sync.Mutex
	traceID     string
	coordinator string
}

func (t *traceCapture) Trace(traceID []byte) {
	id := fmt.Sprintf("%x", traceID)

	var coordinator string
	iter := t.session.Query(
		"SELECT coordinator FROM system_traces.sessions WHERE session_id = ?",
		traceID).Iter()
	row := make(map[string]any)
	if iter.MapScan(row) {
		if ip, ok := row["coordinator"].(interface{ String() string }); ok {
			coordinator = ip.String()
		}
	}
	_ = iter.Close()

	t.mu.Lock()
	t.traceID = id
	t.coordinator = coordinator
	t.mu.Unlock()
}

func (t *traceCapture) snapshot() (traceID, coordinator string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.traceID, t.coordinator
}

// Classify maps a driver failure to an ErrorKind so callers can choose a
// message and decide whether to retry.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, ErrSessionClosed), errors.Is(err, gocql.ErrSessionClosed):
		return KindClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, gocql.ErrTimeoutNoResponse):
		return KindTimeout
	case errors.Is(err, gocql.ErrNoConnections):
		return KindNoHosts
	}

	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeCredentials:
			return KindAuthentication
		case gocql.ErrCodeUnauthorized:
			return KindAuthorization
		case gocql.ErrCodeSyntax, gocql.ErrCodeInvalid:
			return KindSyntax
		case gocql.ErrCodeReadTimeout, gocql.ErrCodeWriteTimeout:
			return KindTimeout
		case gocql.ErrCodeUnavailable, gocql.ErrCodeOverloaded:
			return KindUnavailable
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "credentials"):
		return KindAuthentication
	case strings.Contains(msg, "unauthorized"):
		return KindAuthorization
	case strings.Contains(msg, "syntax"):
		return KindSyntax
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "no hosts available"), strings.Contains(msg, "connection refused"):
		return KindNoHosts
	}
	return KindUnknown
}
