package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/probeworks/cassprobe/internal/cluster"
	"github.com/probeworks/cassprobe/internal/driver"
	"github.com/probeworks/cassprobe/internal/events"
)

// Defaults for the resilient client's timers and policies.
const (
	DefaultHostPollInterval    = 5 * time.Second
	DefaultPoolRefreshInterval = 60 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultTripThreshold       = 5
	DefaultBreakerBaseBackoff  = 10 * time.Second
	DefaultBreakerMaxBackoff   = 5 * time.Minute
	DefaultMaxRetryAttempts    = 3
	DefaultRetryBaseBackoff    = time.Second
	DefaultRecreateThreshold   = 3
)

// healthCheckQuery is the cheap statement used for keep-alives and health
// checks.
const healthCheckQuery = "SELECT release_version FROM system.local"

// ErrCircuitOpen is returned when every candidate host's breaker is open.
var ErrCircuitOpen = errors.New("resilient: circuit breaker open, failing fast")

// ErrNoHosts is returned when no host is known to route a statement to.
var ErrNoHosts = errors.New("resilient: no known hosts")

// HostState tracks one host as seen by the client's own polling, which
// runs regardless of whether driver callbacks fire.
type HostState struct {
	Up                      bool
	ConsecutiveFailures     int
	LastStateChange         time.Time
	LastHealthCheck         time.Time
	LastHealthCheckDuration time.Duration
}

// Metrics is a point-in-time snapshot of the client's counters.
type Metrics struct {
	TotalQueries     uint64
	FailedQueries    uint64
	Retries          uint64
	Recreations      uint64
	ModeTransitions  uint64
	HostFailures     map[string]uint64
	Mode             OperationMode
	BreakerStates    map[string]string
	LastHealthCheck  time.Time
	HealthCheckAlive bool
}

// Config tunes the resilient client.
type Config struct {
	HostPollInterval    time.Duration
	PoolRefreshInterval time.Duration
	HealthCheckInterval time.Duration
	TripThreshold       int
	BreakerBaseBackoff  time.Duration
	BreakerMaxBackoff   time.Duration
	MaxRetryAttempts    int
	RetryBaseBackoff    time.Duration
	RecreateThreshold   int
	Consistency         driver.Consistency
	QueryTimeout        time.Duration
}

// DefaultConfig returns the standard timer and policy settings.
func DefaultConfig() Config {
	return Config{
		HostPollInterval:    DefaultHostPollInterval,
		PoolRefreshInterval: DefaultPoolRefreshInterval,
		HealthCheckInterval: DefaultHealthCheckInterval,
		TripThreshold:       DefaultTripThreshold,
		BreakerBaseBackoff:  DefaultBreakerBaseBackoff,
		BreakerMaxBackoff:   DefaultBreakerMaxBackoff,
		MaxRetryAttempts:    DefaultMaxRetryAttempts,
		RetryBaseBackoff:    DefaultRetryBaseBackoff,
		RecreateThreshold:   DefaultRecreateThreshold,
		Consistency:         driver.LocalQuorum,
		QueryTimeout:        10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HostPollInterval <= 0 {
		c.HostPollInterval = d.HostPollInterval
	}
	if c.PoolRefreshInterval <= 0 {
		c.PoolRefreshInterval = d.PoolRefreshInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.TripThreshold <= 0 {
		c.TripThreshold = d.TripThreshold
	}
	if c.BreakerBaseBackoff <= 0 {
		c.BreakerBaseBackoff = d.BreakerBaseBackoff
	}
	if c.BreakerMaxBackoff <= 0 {
		c.BreakerMaxBackoff = d.BreakerMaxBackoff
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.RetryBaseBackoff <= 0 {
		c.RetryBaseBackoff = d.RetryBaseBackoff
	}
	if c.RecreateThreshold <= 0 {
		c.RecreateThreshold = d.RecreateThreshold
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	return c
}

// Discovery matches the cluster discoverer; the client polls it to
// converge host state even when driver callbacks never fire.
type Discovery interface {
	Discover(ctx context.Context) (*cluster.Topology, error)
}

// Client layers circuit breakers, proactive host polling, periodic pool
// refresh, retry with backoff and operation-mode degradation over the
// session manager and connection monitor. It can recreate the session and
// cluster handle without a process restart.
type Client struct {
	cfg       Config
	sessions  *cluster.SessionManager
	monitor   *cluster.Monitor
	discovery Discovery
	ring      *events.Ring
	clock     func() time.Time

	mu             sync.RWMutex
	hosts          map[string]*HostState
	breakers       map[string]*Breaker
	mode           OperationMode
	healthFailures int
	lastHealthOK   time.Time

	totalQueries    atomic.Uint64
	failedQueries   atomic.Uint64
	retries         atomic.Uint64
	recreations     atomic.Uint64
	modeTransitions atomic.Uint64
	hostFailures    sync.Map // host key -> *atomic.Uint64
}

// New creates a resilient client. Run must be called to start the timers.
func New(cfg Config, sessions *cluster.SessionManager, monitor *cluster.Monitor, discovery Discovery, ring *events.Ring) *Client {
	return &Client{
		cfg:       cfg.withDefaults(),
		sessions:  sessions,
		monitor:   monitor,
		discovery: discovery,
		ring:      ring,
		clock:     time.Now,
		hosts:     make(map[string]*HostState),
		breakers:  make(map[string]*Breaker),
		mode:      ModeNormal,
	}
}

// Run drives the host-poll, pool-refresh and health-check timers until ctx
// is cancelled.
func (c *Client) Run(ctx context.Context) {
	hostPoll := time.NewTicker(c.cfg.HostPollInterval)
	poolRefresh := time.NewTicker(c.cfg.PoolRefreshInterval)
	healthCheck := time.NewTicker(c.cfg.HealthCheckInterval)
	defer hostPoll.Stop()
	defer poolRefresh.Stop()
	defer healthCheck.Stop()

	slog.Info("resilient client started",
		"host_poll", c.cfg.HostPollInterval,
		"pool_refresh", c.cfg.PoolRefreshInterval,
		"health_check", c.cfg.HealthCheckInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("resilient client stopped")
			return
		case <-hostPoll.C:
			c.pollHosts(ctx)
		case <-poolRefresh.C:
			c.refreshPool(ctx)
		case <-healthCheck.C:
			c.healthCheck(ctx)
		}
	}
}

// pollHosts compares driver-reported host status with tracked state and
// records every change as a reconnection event.
func (c *Client) pollHosts(ctx context.Context) {
	topo, err := c.discovery.Discover(ctx)
	if err != nil {
		slog.Warn("host poll discovery failed", "error", err)
		return
	}

	now := c.clock()
	c.mu.Lock()
	for _, h := range topo.Hosts {
		key := h.Key()
		state, known := c.hosts[key]
		if !known {
			state = &HostState{Up: h.IsUp(), LastStateChange: now}
			c.hosts[key] = state
			continue
		}
		if state.Up != h.IsUp() {
			state.Up = h.IsUp()
			state.LastStateChange = now
			evType := events.EventConnectionLost
			if h.IsUp() {
				evType = events.EventSuccess
				state.ConsecutiveFailures = 0
			}
			c.ring.Push(events.ReconnectionEvent{
				Timestamp: now,
				Host:      key,
				Type:      evType,
				Message:   "host poll state change",
			})
			slog.Info("host state changed", "host", key, "up", state.Up)
		}
	}
	c.mu.Unlock()

	c.reevaluateMode(topo.UpHosts(), topo.TotalHosts())
}

// refreshPool performs a lightweight keep-alive so the driver evicts stale
// connections.
func (c *Client) refreshPool(ctx context.Context) {
	sess, err := c.sessions.Session(ctx)
	if err != nil {
		slog.Warn("pool refresh skipped, no session", "error", err)
		return
	}
	if _, err := sess.Execute(ctx, driver.Query{
		Statement:   healthCheckQuery,
		Consistency: driver.One,
		Timeout:     c.cfg.QueryTimeout,
		Idempotent:  true,
	}); err != nil {
		slog.Warn("pool refresh keep-alive failed", "error", err)
		return
	}
	slog.Debug("connection pool refreshed")
}

// healthCheck executes a cheap system query, records its latency and
// triggers session recreation after too many consecutive failures.
func (c *Client) healthCheck(ctx context.Context) {
	start := c.clock()

	sess, err := c.sessions.Session(ctx)
	if err == nil {
		_, err = sess.Execute(ctx, driver.Query{
			Statement:   healthCheckQuery,
			Consistency: driver.One,
			Timeout:     c.cfg.QueryTimeout,
			Idempotent:  true,
		})
	}
	elapsed := c.clock().Sub(start)

	c.mu.Lock()
	up := 0
	for _, state := range c.hosts {
		state.LastHealthCheck = start
		state.LastHealthCheckDuration = elapsed
		if state.Up {
			up++
		}
	}
	total := len(c.hosts)
	if err == nil {
		c.healthFailures = 0
		c.lastHealthOK = start
		c.mu.Unlock()
		if total > 0 {
			c.reevaluateMode(up, total)
		}
		slog.Debug("health check passed", "latency", elapsed)
		return
	}
	c.healthFailures++
	failures := c.healthFailures
	c.mu.Unlock()
	if total > 0 {
		c.reevaluateMode(up, total)
	}

	slog.Warn("health check failed", "consecutive", failures, "error", err)

	if failures >= c.cfg.RecreateThreshold {
		c.recreate(ctx)
	}
}

// recreate swaps the session and cluster handle through the manager.
func (c *Client) recreate(ctx context.Context) {
	slog.Warn("health check failures crossed threshold, recreating session",
		"threshold", c.cfg.RecreateThreshold)
	c.ring.Push(events.ReconnectionEvent{
		Timestamp: c.clock(),
		Type:      events.EventAttemptStarted,
		Message:   "session recreation",
	})

	start := c.clock()
	if err := c.sessions.Recreate(ctx); err != nil {
		c.ring.Push(events.ReconnectionEvent{
			Timestamp: c.clock(),
			Type:      events.EventFailed,
			Message:   fmt.Sprintf("session recreation failed: %v", err),
			Duration:  c.clock().Sub(start),
		})
		return
	}

	c.recreations.Add(1)
	c.mu.Lock()
	c.healthFailures = 0
	c.mu.Unlock()
	c.ring.Push(events.ReconnectionEvent{
		Timestamp: c.clock(),
		Type:      events.EventSuccess,
		Message:   "session recreated",
		Duration:  c.clock().Sub(start),
	})
}

func (c *Client) reevaluateMode(up, total int) {
	next := classifyMode(up, total, c.cfg.Consistency)

	c.mu.Lock()
	prev := c.mode
	c.mode = next
	c.mu.Unlock()

	if prev != next {
		c.modeTransitions.Add(1)
		slog.Warn("operation mode changed",
			"old", prev.String(), "new", next.String(), "up", up, "total", total)
	}
}

// Execute runs a statement with retry and backoff under the breaker layer.
func (c *Client) Execute(ctx context.Context, stmt string, values ...any) (*driver.Result, error) {
	return c.execute(ctx, driver.Query{
		Statement:   stmt,
		Values:      values,
		Consistency: c.cfg.Consistency,
		Timeout:     c.cfg.QueryTimeout,
	})
}

// ExecuteIdempotent runs a statement marked idempotent so the driver may
// race speculative executions across hosts.
func (c *Client) ExecuteIdempotent(ctx context.Context, stmt string, values ...any) (*driver.Result, error) {
	return c.execute(ctx, driver.Query{
		Statement:   stmt,
		Values:      values,
		Consistency: c.cfg.Consistency,
		Timeout:     c.cfg.QueryTimeout,
		Idempotent:  true,
	})
}

// ExecuteQuery runs a fully specified statement under the same policy.
func (c *Client) ExecuteQuery(ctx context.Context, q driver.Query) (*driver.Result, error) {
	return c.execute(ctx, q)
}

func (c *Client) execute(ctx context.Context, q driver.Query) (*driver.Result, error) {
	target, breaker, err := c.pickHost()
	if err != nil {
		return nil, err
	}

	sess, err := c.sessions.Session(ctx)
	if err != nil {
		return nil, err
	}

	backoff := c.cfg.RetryBaseBackoff
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			c.retries.Add(1)
		}

		attemptStart := c.clock()
		c.ring.Push(events.ReconnectionEvent{
			Timestamp: attemptStart,
			Host:      target,
			Type:      events.EventAttemptStarted,
		})

		c.totalQueries.Add(1)
		res, err := sess.Execute(ctx, q)
		if err == nil {
			breaker.Success()
			c.markHostResult(target, true)
			c.ring.Push(events.ReconnectionEvent{
				Timestamp: c.clock(),
				Host:      target,
				Type:      events.EventSuccess,
				Duration:  c.clock().Sub(attemptStart),
			})
			return res, nil
		}

		lastErr = err
		c.failedQueries.Add(1)
		breaker.Failure()
		c.markHostResult(target, false)
		c.ring.Push(events.ReconnectionEvent{
			Timestamp: c.clock(),
			Host:      target,
			Type:      events.EventFailed,
			Message:   err.Error(),
			Duration:  c.clock().Sub(attemptStart),
		})

		if !driver.Classify(err).Retryable() {
			return nil, err
		}
		if attempt == c.cfg.MaxRetryAttempts-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2

		// The next attempt may route to a different host whose breaker
		// still admits traffic; with every breaker open the retry stops
		// rather than bypassing the open circuit.
		next, nextBreaker, pickErr := c.pickHost()
		if pickErr != nil {
			return nil, pickErr
		}
		target, breaker = next, nextBreaker
	}
	return nil, lastErr
}

// pickHost selects an up host whose breaker admits an attempt. With no
// tracked hosts yet, the shared session routes freely and a synthetic
// breaker keyed to the cluster applies.
func (c *Client) pickHost() (string, *Breaker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.hosts) == 0 {
		return "cluster", c.breakerLocked("cluster"), nil
	}

	anyUp := false
	for key, state := range c.hosts {
		if !state.Up {
			continue
		}
		anyUp = true
		if c.breakerLocked(key).Allow() {
			return key, c.breakers[key], nil
		}
	}
	if anyUp {
		return "", nil, ErrCircuitOpen
	}
	return "", nil, ErrNoHosts
}

func (c *Client) breakerLocked(key string) *Breaker {
	b, ok := c.breakers[key]
	if !ok {
		b = newBreaker(c.cfg.TripThreshold, c.cfg.BreakerBaseBackoff, c.cfg.BreakerMaxBackoff, c.clock)
		c.breakers[key] = b
	}
	return b
}

func (c *Client) markHostResult(key string, success bool) {
	c.mu.Lock()
	if state, ok := c.hosts[key]; ok {
		if success {
			state.ConsecutiveFailures = 0
		} else {
			state.ConsecutiveFailures++
		}
	}
	c.mu.Unlock()

	if !success {
		counter, _ := c.hostFailures.LoadOrStore(key, &atomic.Uint64{})
		counter.(*atomic.Uint64).Add(1)
	}
}

// IsHealthy reports whether at least one host is up, the session is alive,
// and the most recent health check succeeded within the last two intervals.
// Before the first host poll, when no host is tracked yet, the host
// condition counts as met.
func (c *Client) IsHealthy() bool {
	if !c.sessions.Connected() {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	anyUp := len(c.hosts) == 0
	for _, state := range c.hosts {
		if state.Up {
			anyUp = true
			break
		}
	}
	if !anyUp {
		return false
	}
	if c.lastHealthOK.IsZero() {
		// No health check has run yet; do not report unhealthy purely for
		// being young.
		return true
	}
	return c.clock().Sub(c.lastHealthOK) <= 2*c.cfg.HealthCheckInterval
}

// Mode returns the current operation mode.
func (c *Client) Mode() OperationMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// HostStates returns a copy of the tracked per-host state.
func (c *Client) HostStates() map[string]HostState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]HostState, len(c.hosts))
	for key, state := range c.hosts {
		out[key] = *state
	}
	return out
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.RLock()
	mode := c.mode
	lastOK := c.lastHealthOK
	breakerStates := make(map[string]string, len(c.breakers))
	for key, b := range c.breakers {
		breakerStates[key] = b.State().String()
	}
	c.mu.RUnlock()

	hostFailures := make(map[string]uint64)
	c.hostFailures.Range(func(key, value any) bool {
		hostFailures[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})

	return Metrics{
		TotalQueries:     c.totalQueries.Load(),
		FailedQueries:    c.failedQueries.Load(),
		Retries:          c.retries.Load(),
		Recreations:      c.recreations.Load(),
		ModeTransitions:  c.modeTransitions.Load(),
		HostFailures:     hostFailures,
		Mode:             mode,
		BreakerStates:    breakerStates,
		LastHealthCheck:  lastOK,
		HealthCheckAlive: !lastOK.IsZero() && c.clock().Sub(lastOK) <= 2*c.cfg.HealthCheckInterval,
	}
}
