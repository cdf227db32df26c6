package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/probeworks/cassprobe/internal/cluster"
	"github.com/probeworks/cassprobe/internal/probes"
)

// maxConcurrencyCeiling bounds the worker pool regardless of cluster size.
const maxConcurrencyCeiling = 64

// Discovery produces topology snapshots. The cluster discoverer implements
// it; tests substitute fakes.
type Discovery interface {
	Discover(ctx context.Context) (*cluster.Topology, error)
}

// Notification is invoked with the frozen session after every tick.
type Notification func(*ProbeSession)

// Orchestrator runs one probe battery per tick: refresh topology, fan the
// selected probes across every discovered host under bounded concurrency,
// and collect results into a session record. It never builds its own
// driver session; it always borrows through the probe context.
type Orchestrator struct {
	discovery     Discovery
	probers       []probes.Prober
	probeCtx      *probes.Context
	maxConcurrent int
	onComplete    Notification
	clock         func() time.Time
}

// Config holds orchestrator construction parameters.
type Config struct {
	// MaxConcurrent caps in-flight probes per tick. Zero means
	// hosts × probe types, subject to the hard ceiling.
	MaxConcurrent int
}

// New creates an orchestrator over the given discovery source and probe set.
func New(discovery Discovery, probers []probes.Prober, probeCtx *probes.Context, cfg Config, onComplete Notification) *Orchestrator {
	return &Orchestrator{
		discovery:     discovery,
		probers:       probers,
		probeCtx:      probeCtx,
		maxConcurrent: cfg.MaxConcurrent,
		onComplete:    onComplete,
		clock:         time.Now,
	}
}

// RunTick executes one orchestration tick and returns the frozen session.
// Discovery failure closes the tick immediately with no results. Probe
// failures never abort the tick; each lands in its own result.
func (o *Orchestrator) RunTick(ctx context.Context) *ProbeSession {
	session := newProbeSession(o.clock())

	topo, err := o.discovery.Discover(ctx)
	if err != nil {
		slog.Error("topology discovery failed, closing tick", "session_id", session.ID, "error", err)
		session.Failed = true
		return o.finish(session)
	}
	session.Topology = topo

	slog.Info("starting probe run",
		"session_id", session.ID,
		"cluster", topo.ClusterName,
		"hosts", topo.TotalHosts(),
		"up", topo.UpHosts(),
		"probes", len(o.probers))

	limit := o.maxConcurrent
	if limit <= 0 {
		limit = topo.TotalHosts() * len(o.probers)
	}
	if limit > maxConcurrencyCeiling {
		limit = maxConcurrencyCeiling
	}
	if limit < 1 {
		limit = 1
	}

	var (
		mu      sync.Mutex
		results []probes.Result
	)
	g := &errgroup.Group{}
	g.SetLimit(limit)

scheduling:
	for _, host := range topo.Hosts {
		for _, prober := range o.probers {
			// Stop scheduling new pairs once cancelled; in-flight probes
			// honor their own timeouts.
			if ctx.Err() != nil {
				break scheduling
			}
			host, prober := host, prober
			g.Go(func() error {
				r := prober.Execute(ctx, host, o.probeCtx)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	session.Results = results
	return o.finish(session)
}

func (o *Orchestrator) finish(session *ProbeSession) *ProbeSession {
	session.EndTime = o.clock()

	ok, total := session.Counts()
	slog.Info("probe run complete",
		"session_id", session.ID,
		"succeeded", ok,
		"total", total,
		"duration", session.Duration())

	if o.onComplete != nil {
		o.onComplete(session)
	}
	return session
}
