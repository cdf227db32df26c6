package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/probeworks/cassprobe/internal/cluster"
	"github.com/probeworks/cassprobe/internal/probes"
)

// ProbeSession is the record of one orchestration tick: the topology it
// observed and every probe result it collected. It is mutable only by the
// run that created it and frozen once the tick closes.
type ProbeSession struct {
	ID        uuid.UUID         `json:"id"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitzero"`
	Results   []probes.Result   `json:"results"`
	Topology  *cluster.Topology `json:"topology,omitempty"`
	Failed    bool              `json:"failed,omitempty"`
}

func newProbeSession(start time.Time) *ProbeSession {
	return &ProbeSession{ID: uuid.New(), StartTime: start}
}

// Duration is the tick's elapsed time, zero until the tick has closed.
func (s *ProbeSession) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Counts returns the number of successful results and the total.
func (s *ProbeSession) Counts() (succeeded, total int) {
	for _, r := range s.Results {
		if r.Success {
			succeeded++
		}
	}
	return succeeded, len(s.Results)
}

// AllSucceeded reports whether every probe in the tick passed. A failed or
// empty tick does not count as success.
func (s *ProbeSession) AllSucceeded() bool {
	ok, total := s.Counts()
	return !s.Failed && total > 0 && ok == total
}
